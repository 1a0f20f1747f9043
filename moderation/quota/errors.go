package quota

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// ExceededKind discriminates which limit an upload tripped.
type ExceededKind string

const (
	KindStorage = ExceededKind("storage")
	KindDaily   = ExceededKind("daily")
)

// ExceededError is a user-facing rejection: the upload would exceed the
// storage quota or the daily upload budget. Carries used/limit for display.
type ExceededError struct {
	Kind      ExceededKind
	Used      int64
	Limit     int64
	Requested int64
	// present for storage-kind errors so the UI can show fair-share context
	Result *Result
}

func (e *ExceededError) Error() string {
	switch e.Kind {
	case KindDaily:
		return fmt.Sprintf("daily upload limit exceeded: %s of %s used", humanize.IBytes(uint64(e.Used)), humanize.IBytes(uint64(e.Limit)))
	default:
		return fmt.Sprintf("storage quota exceeded: %s of %s used", humanize.IBytes(uint64(e.Used)), humanize.IBytes(uint64(e.Limit)))
	}
}

// RateLimitedError is a user-facing rejection for the hourly upload count.
type RateLimitedError struct {
	Uploads int64
	Limit   int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("upload rate limit exceeded: %d uploads in the last hour (limit %d)", e.Uploads, e.Limit)
}
