// Package status derives a procurement's lifecycle status from its proposal
// opening and closing timestamps.
package status

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pncp-monitor/internal/procurement"
)

// Classify applies the status state machine. Nothing is stored; the label is
// recomputed on every call.
func Classify(openingAt, closingAt *time.Time, now time.Time) procurement.Status {
	switch {
	case openingAt == nil:
		return procurement.StatusUnknown
	case openingAt.After(now):
		return procurement.StatusFuture
	case closingAt != nil && closingAt.After(now):
		return procurement.StatusOpen
	case closingAt != nil:
		return procurement.StatusClosed
	default:
		return procurement.StatusOpen
	}
}

// layouts accepted for upstream timestamps, most specific first.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Classifier parses raw upstream timestamps before classifying. Timestamps
// without a zone are interpreted in Location.
type Classifier struct {
	loc    *time.Location
	logger *zap.Logger
}

// NewClassifier builds a Classifier. A nil location means UTC.
func NewClassifier(loc *time.Location, logger *zap.Logger) *Classifier {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Classifier{loc: loc, logger: logger}
}

// Result carries the label along with the parsed timestamps.
type Result struct {
	Status    procurement.Status
	OpeningAt *time.Time
	ClosingAt *time.Time
}

// ClassifyRaw parses the opening/closing strings and classifies them. Empty
// strings are absent values, and an absent opening is always unknown. If
// either value fails to parse the procurement is otherwise treated as open,
// one warning is logged, and the unparseable timestamp is left nil.
func (c *Classifier) ClassifyRaw(openingRaw, closingRaw string, now time.Time) Result {
	opening, openErr := c.parse(openingRaw)
	closing, closeErr := c.parse(closingRaw)
	res := Result{OpeningAt: opening, ClosingAt: closing}
	if opening == nil && !openErr {
		res.Status = procurement.StatusUnknown
		return res
	}
	if openErr || closeErr {
		c.logger.Warn("malformed proposal date, classifying as open",
			zap.String("opening_raw", openingRaw),
			zap.String("closing_raw", closingRaw),
		)
		res.Status = procurement.StatusOpen
		return res
	}
	res.Status = Classify(opening, closing, now)
	return res
}

// parse returns the timestamp (nil when absent) and whether raw was malformed.
func (c *Classifier) parse(raw string) (*time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, raw, c.loc); err == nil {
			return &ts, false
		}
	}
	return nil, true
}
