package training

import (
	"errors"
	"fmt"
	"strings"

	"github.com/okian/formlab/internal/domain/types"
)

// Sentinel errors.
var (
	// ErrInput marks an invalid training request.
	ErrInput = errors.New("invalid training input")
	// ErrDataInsufficient matches every DataInsufficientError.
	ErrDataInsufficient = errors.New("insufficient training data")
	// ErrNoSource is returned when the data directory has no class folders.
	ErrNoSource = errors.New("no training source")
)

// DataInsufficientError reports per-class sample counts when a run cannot
// start (or continue after extraction) for lack of data.
type DataInsufficientError struct {
	Counts       map[types.Label]int
	Deficient    []types.Label
	MinPerClass  int
	MinTotal     int
	AfterExtract bool
}

func (e *DataInsufficientError) Error() string {
	var b strings.Builder
	b.WriteString(ErrDataInsufficient.Error())
	if e.AfterExtract {
		b.WriteString(" after extraction")
	}
	total := 0
	for _, l := range types.Labels() {
		total += e.Counts[l]
	}
	fmt.Fprintf(&b, ": total %d (need %d)", total, e.MinTotal)
	for _, l := range types.Labels() {
		fmt.Fprintf(&b, ", %s %d", l, e.Counts[l])
	}
	if len(e.Deficient) > 0 {
		names := make([]string, len(e.Deficient))
		for i, l := range e.Deficient {
			names[i] = l.String()
		}
		fmt.Fprintf(&b, "; classes below %d: %s", e.MinPerClass, strings.Join(names, ", "))
	}
	return b.String()
}

// Is makes errors.Is(err, ErrDataInsufficient) hold.
func (e *DataInsufficientError) Is(target error) bool {
	return target == ErrDataInsufficient
}

func checkCounts(counts map[types.Label]int, minPerClass, minTotal int, afterExtract bool) error {
	total := 0
	var deficient []types.Label
	for _, l := range types.Labels() {
		total += counts[l]
		if counts[l] < minPerClass {
			deficient = append(deficient, l)
		}
	}
	if total >= minTotal && len(deficient) == 0 {
		return nil
	}
	cp := make(map[types.Label]int, len(counts))
	for k, v := range counts {
		cp[k] = v
	}
	return &DataInsufficientError{
		Counts:       cp,
		Deficient:    deficient,
		MinPerClass:  minPerClass,
		MinTotal:     minTotal,
		AfterExtract: afterExtract,
	}
}
