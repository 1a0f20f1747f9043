package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fedimod/warden/util"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"
)

const systemPrompt = `You are a content moderation system for a federated social media platform.

YOUR TASKS:
1. Detect pornographic content
2. Detect hate speech and incitement
3. Detect symbols of banned organizations
4. Detect child sexual abuse material (IMMEDIATE FLAG!)
5. Detect glorification of violence

ANALYSIS CATEGORIES:
- PORN: explicit sexual depictions, nudity in a sexual context
- HATE: racism, antisemitism, incitement, extremist symbols
- ILLEGAL: violence, terror propaganda
- CSAM: child sexual abuse material (highest priority!)
- SAFE: no problematic content detected
- REVIEW: uncertain, human review required

IMPORTANT - ALLOWED:
- Political discussion
- Satire and art
- Nudity in artistic or medical context
- Critical reporting

ANSWER ONLY as JSON (no other output):
{"category":"CATEGORY","confidence":0.0-1.0,"reason":"short justification","law":"statute reference if relevant"}`

// Config for the classifier client. Immutable after construction; no
// component reads environment state directly.
type Config struct {
	Endpoint    string
	VisionModel string
	TextModel   string
	// connect / read budget for a single inference call
	RequestTimeout time.Duration
	// frames sampled per video
	VideoFrameCount int
	// max model calls per second, shared across workers
	RatePerSecond int
}

func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:        endpoint,
		VisionModel:     "llava",
		TextModel:       "llama3",
		RequestTimeout:  120 * time.Second,
		VideoFrameCount: 5,
		RatePerSecond:   2,
	}
}

// Client wraps an Ollama-style model-serving endpoint and normalizes its
// output into Verdicts. The only side effect is the network call itself; the
// caller decides what to do with the verdict.
type Client struct {
	Client  *http.Client
	Config  Config
	Logger  *slog.Logger
	Frames  FrameExtractor
	limiter *rate.Limiter
}

func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default().With("system", "classifier")
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 120 * time.Second
	}
	if config.VideoFrameCount == 0 {
		config.VideoFrameCount = 5
	}
	rps := config.RatePerSecond
	if rps <= 0 {
		rps = 2
	}
	return &Client{
		Client:  util.SlowHTTPClient(config.RequestTimeout),
		Config:  config,
		Logger:  logger,
		Frames:  &FFmpegFrameExtractor{},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

type generateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Images  []string               `json:"images,omitempty"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// MediaKind discriminates which model and prompt a classification uses.
type MediaKind string

const (
	KindImage = MediaKind("image")
	KindVideo = MediaKind("video")
	KindText  = MediaKind("text")
)

// ClassifyImage runs one vision-model inference over raw image bytes.
// Network failures and garbage output yield REVIEW, never SAFE.
func (c *Client) ClassifyImage(ctx context.Context, imgBytes []byte) *Verdict {
	if len(imgBytes) == 0 {
		return reviewVerdict("empty image payload", "")
	}

	prompt := "Analyze this image for prohibited content. " + systemPrompt
	encoded := base64.StdEncoding.EncodeToString(imgBytes)

	raw, err := c.generate(ctx, c.Config.VisionModel, prompt, []string{encoded})
	if err != nil {
		c.Logger.Warn("image classification failed", "err", err)
		return reviewVerdict(fmt.Sprintf("classification unavailable: %v", err), "")
	}
	v := ParseVerdict(raw)
	verdictCount.WithLabelValues(string(KindImage), string(v.Category)).Inc()
	return v
}

// ClassifyText runs the text model over post text (truncated).
func (c *Client) ClassifyText(ctx context.Context, text string) *Verdict {
	if text == "" {
		return safeVerdict("empty text")
	}
	if len(text) > 2000 {
		text = text[:2000]
	}

	prompt := fmt.Sprintf("Analyze the following text for hate speech, incitement, or illegal content:\n\n---\n%s\n---\n\n%s", text, systemPrompt)

	raw, err := c.generate(ctx, c.Config.TextModel, prompt, nil)
	if err != nil {
		c.Logger.Warn("text classification failed", "err", err)
		return reviewVerdict(fmt.Sprintf("classification unavailable: %v", err), "")
	}
	v := ParseVerdict(raw)
	verdictCount.WithLabelValues(string(KindText), string(v.Category)).Inc()
	return v
}

// ClassifyVideo samples evenly-spaced frames and classifies each as an image.
// Any violating frame flags the whole item (first violation wins); otherwise
// any REVIEW frame promotes the item to REVIEW; otherwise SAFE.
func (c *Client) ClassifyVideo(ctx context.Context, videoPath string) *Verdict {
	frames, err := c.Frames.ExtractFrames(ctx, videoPath, c.Config.VideoFrameCount)
	if err != nil {
		c.Logger.Warn("video frame extraction failed", "err", err, "path", videoPath)
		return reviewVerdict(fmt.Sprintf("frame extraction failed: %v", err), "")
	}
	if len(frames) == 0 {
		return reviewVerdict("no frames extracted from video", "")
	}

	var review *Verdict
	for _, frame := range frames {
		v := c.ClassifyImage(ctx, frame)
		if v.Violation() {
			return v
		}
		if v.NeedsReview() && review == nil {
			review = v
		}
	}
	if review != nil {
		return review
	}
	return safeVerdict("all sampled frames safe")
}

func (c *Client) generate(ctx context.Context, model, prompt string, images []string) (string, error) {
	if c.Config.Endpoint == "" {
		return "", fmt.Errorf("classifier endpoint not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqBody := generateRequest{
		Model:  model,
		Prompt: prompt,
		Images: images,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": 0.1,
			"num_predict": 200,
		},
	}
	bodyBytes, err := json.Marshal(&reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.Config.Endpoint+"/api/generate", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "warden/"+versioninfo.Short())

	start := time.Now()
	defer func() {
		modelAPIDuration.Observe(time.Since(start).Seconds())
	}()

	res, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("model request failed: %w", err)
	}
	defer res.Body.Close()

	modelAPICount.WithLabelValues(fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != 200 {
		return "", fmt.Errorf("model request failed statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read model response body: %w", err)
	}

	var respObj generateResponse
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return "", fmt.Errorf("failed to parse model response JSON: %w", err)
	}
	return respObj.Response, nil
}
