package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(DefaultConfig(srv.URL), nil)
	c.Client = srv.Client()
	return c, srv
}

func modelResponds(t *testing.T, text string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.False(t, req.Stream)
		require.NotEmpty(t, req.Model)
		json.NewEncoder(w).Encode(generateResponse{Response: text})
	}
}

func TestClassifyImage(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, _ := testClient(t, modelResponds(t, `{"category":"PORN","confidence":0.9,"reason":"explicit"}`))

	v := c.ClassifyImage(ctx, []byte("fake-jpeg-bytes"))
	assert.Equal(CategoryPorn, v.Category)
	assert.Equal(0.9, v.Confidence)
}

func TestClassifyImageServerError(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	v := c.ClassifyImage(ctx, []byte("fake-jpeg-bytes"))
	assert.Equal(CategoryReview, v.Category)
	assert.Equal(0.0, v.Confidence)
}

func TestClassifyImageUnreachable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c := NewClient(DefaultConfig("http://127.0.0.1:1"), nil)
	c.Client = &http.Client{}

	v := c.ClassifyImage(ctx, []byte("fake-jpeg-bytes"))
	assert.Equal(CategoryReview, v.Category)
	assert.Equal(0.0, v.Confidence)
}

func TestClassifyText(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, _ := testClient(t, modelResponds(t, `{"category":"HATE","confidence":0.88,"reason":"slurs"}`))

	v := c.ClassifyText(ctx, "some hateful text")
	assert.Equal(CategoryHate, v.Category)

	// empty text short-circuits without a network call
	v = c.ClassifyText(ctx, "")
	assert.True(v.Safe())
}

type stubFrames struct {
	frames [][]byte
}

func (s *stubFrames) ExtractFrames(ctx context.Context, videoPath string, count int) ([][]byte, error) {
	return s.frames, nil
}

func TestClassifyVideoFirstViolationWins(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	responses := []string{
		`{"category":"SAFE","confidence":0.99,"reason":"ok"}`,
		`{"category":"REVIEW","confidence":0.4,"reason":"unsure"}`,
		`{"category":"PORN","confidence":0.95,"reason":"explicit frame"}`,
		`{"category":"HATE","confidence":0.9,"reason":"should not be reached"}`,
	}
	var calls int
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := responses[calls]
		calls++
		json.NewEncoder(w).Encode(generateResponse{Response: resp})
	})
	c.Frames = &stubFrames{frames: [][]byte{[]byte("f0"), []byte("f1"), []byte("f2"), []byte("f3")}}

	v := c.ClassifyVideo(ctx, "ignored.mp4")
	assert.Equal(CategoryPorn, v.Category)
	assert.Equal(0.95, v.Confidence)
	// reduction stops at the first violating frame
	assert.Equal(3, calls)
}

func TestClassifyVideoReviewPromotion(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	responses := []string{
		`{"category":"SAFE","confidence":0.99,"reason":"ok"}`,
		`{"category":"REVIEW","confidence":0.3,"reason":"blurry"}`,
		`{"category":"SAFE","confidence":0.97,"reason":"ok"}`,
	}
	var calls int
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		resp := responses[calls]
		calls++
		json.NewEncoder(w).Encode(generateResponse{Response: resp})
	})
	c.Frames = &stubFrames{frames: [][]byte{[]byte("f0"), []byte("f1"), []byte("f2")}}

	v := c.ClassifyVideo(ctx, "ignored.mp4")
	assert.Equal(CategoryReview, v.Category)
}

func TestClassifyVideoAllSafe(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, _ := testClient(t, modelResponds(t, `{"category":"SAFE","confidence":0.99,"reason":"ok"}`))
	c.Frames = &stubFrames{frames: [][]byte{[]byte("f0"), []byte("f1")}}

	v := c.ClassifyVideo(ctx, "ignored.mp4")
	assert.True(v.Safe())
}

func TestClassifyVideoNoFrames(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c, _ := testClient(t, modelResponds(t, `{"category":"SAFE","confidence":0.99,"reason":"ok"}`))
	c.Frames = &stubFrames{frames: nil}

	v := c.ClassifyVideo(ctx, "ignored.mp4")
	assert.Equal(CategoryReview, v.Category)
}
