// Package threshold decides when accumulated failures should abort a bulk
// operation.
package threshold

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/bulkloader/internal/errors"
)

// Kind tags the variant held by a Threshold.
type Kind int

const (
	KindUnlimited Kind = iota
	KindAbsolute
	KindRatio
)

// DefaultMinSample is the number of items a ratio threshold waits for before
// it may trip.
const DefaultMinSample = 100

// Threshold is an immutable error policy. The zero value is unlimited.
type Threshold struct {
	kind      Kind
	maxErrors int64
	maxRatio  float64
	minSample int64
}

// Unlimited never trips.
func Unlimited() Threshold {
	return Threshold{kind: KindUnlimited}
}

// Absolute trips once more than maxErrors errors were counted.
func Absolute(maxErrors int64) (Threshold, error) {
	if maxErrors < 0 {
		return Threshold{}, errors.InvalidConfig("log.max_errors", fmt.Sprintf("expecting a non-negative error count, got %d", maxErrors))
	}
	return Threshold{kind: KindAbsolute, maxErrors: maxErrors}, nil
}

// Ratio trips once the share of failed items exceeds maxRatio, provided at
// least minSample items were processed.
func Ratio(maxRatio float64, minSample int64) (Threshold, error) {
	if math.IsNaN(maxRatio) || maxRatio <= 0 || maxRatio >= 1 {
		return Threshold{}, errors.InvalidConfig("log.max_errors", fmt.Sprintf("expecting a ratio between 0 and 1 exclusive, got %v", maxRatio))
	}
	if minSample < 1 {
		minSample = 1
	}
	return Threshold{kind: KindRatio, maxRatio: maxRatio, minSample: minSample}, nil
}

// Parse reads "unlimited" (or any negative number), an absolute count such as
// "100", or a percentage such as "5%".
func Parse(s string, minSample int64) (Threshold, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "unlimited") {
		return Unlimited(), nil
	}
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil {
			return Threshold{}, errors.InvalidConfig("log.max_errors", fmt.Sprintf("invalid percentage %q", s))
		}
		return Ratio(v/100, minSample)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Threshold{}, errors.InvalidConfig("log.max_errors", fmt.Sprintf("expecting a count, a percentage or \"unlimited\", got %q", s))
	}
	if v < 0 {
		return Unlimited(), nil
	}
	return Absolute(v)
}

func (t Threshold) Kind() Kind { return t.kind }

// Exceeded reports whether errorCount failures out of totalItems processed
// items should abort the whole operation.
func (t Threshold) Exceeded(errorCount, totalItems int64) bool {
	switch t.kind {
	case KindAbsolute:
		return errorCount > t.maxErrors
	case KindRatio:
		if totalItems < t.minSample || totalItems == 0 {
			return false
		}
		return float64(errorCount)/float64(totalItems) > t.maxRatio
	default:
		return false
	}
}

// Check returns the abort error when the threshold is exceeded.
func (t Threshold) Check(errorCount, totalItems int64) error {
	if t.Exceeded(errorCount, totalItems) {
		return errors.ThresholdExceeded(t.String(), errorCount, totalItems)
	}
	return nil
}

func (t Threshold) String() string {
	switch t.kind {
	case KindAbsolute:
		return strconv.FormatInt(t.maxErrors, 10)
	case KindRatio:
		return strconv.FormatFloat(t.maxRatio*100, 'f', -1, 64) + "%"
	default:
		return "unlimited"
	}
}
