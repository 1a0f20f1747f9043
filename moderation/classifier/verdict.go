package classifier

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/fedimod/warden/models"
)

// Category is the classifier's output taxonomy. Anything the model returns
// outside this set is coerced to CategoryReview.
type Category string

const (
	CategorySafe    = Category("SAFE")
	CategoryPorn    = Category("PORN")
	CategoryHate    = Category("HATE")
	CategoryIllegal = Category("ILLEGAL")
	CategoryCSAM    = Category("CSAM")
	CategoryReview  = Category("REVIEW")
)

func (c Category) Valid() bool {
	switch c {
	case CategorySafe, CategoryPorn, CategoryHate, CategoryIllegal, CategoryCSAM, CategoryReview:
		return true
	}
	return false
}

// Verdict is the normalized result of one classification call.
type Verdict struct {
	Category    Category
	Confidence  float64
	Reason      string
	LawRef      string
	RawResponse string
}

func (v *Verdict) Safe() bool {
	return v.Category == CategorySafe
}

func (v *Verdict) NeedsReview() bool {
	return v.Category == CategoryReview
}

// Violation is true for any category which should produce a strike.
func (v *Verdict) Violation() bool {
	switch v.Category {
	case CategoryPorn, CategoryHate, CategoryIllegal, CategoryCSAM:
		return true
	}
	return false
}

// ViolationType maps the verdict category onto the strike taxonomy.
func (v *Verdict) ViolationType() models.ViolationType {
	switch v.Category {
	case CategoryPorn:
		return models.ViolationPorn
	case CategoryHate:
		return models.ViolationHate
	case CategoryIllegal:
		return models.ViolationIllegal
	case CategoryCSAM:
		return models.ViolationCSAM
	default:
		return models.ViolationOther
	}
}

func safeVerdict(reason string) *Verdict {
	return &Verdict{Category: CategorySafe, Confidence: 1.0, Reason: reason}
}

// reviewVerdict is the conservative fallback: ambiguity and infrastructure
// failures route to human review, never to automatic approval.
func reviewVerdict(reason, raw string) *Verdict {
	return &Verdict{Category: CategoryReview, Confidence: 0.0, Reason: reason, RawResponse: raw}
}

// models emit free-form text around the JSON we asked for; grab the first
// object-shaped substring
var jsonObjectPattern = regexp.MustCompile(`\{[^{}]*\}`)

type modelVerdict struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Law        string  `json:"law"`
}

// ParseVerdict extracts a verdict from free-form model output. Unparsable
// output and unknown categories both come back as REVIEW.
func ParseVerdict(responseText string) *Verdict {
	if strings.TrimSpace(responseText) == "" {
		return reviewVerdict("empty model response", responseText)
	}

	match := jsonObjectPattern.FindString(responseText)
	if match == "" {
		return reviewVerdict("no JSON object in model response", responseText)
	}

	var mv modelVerdict
	if err := json.Unmarshal([]byte(match), &mv); err != nil {
		return reviewVerdict("model response JSON parse failed", responseText)
	}

	cat := Category(strings.ToUpper(strings.TrimSpace(mv.Category)))
	if !cat.Valid() {
		cat = CategoryReview
	}

	conf := mv.Confidence
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}

	return &Verdict{
		Category:    cat,
		Confidence:  conf,
		Reason:      mv.Reason,
		LawRef:      mv.Law,
		RawResponse: responseText,
	}
}
