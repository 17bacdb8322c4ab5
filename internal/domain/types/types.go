// Package types contains common types used across the application
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Label is a movement quality class. The ordinal is part of the model
// contract: output index i of the classifier is Label(i).
type Label int

// Quality labels in classifier output order.
const (
	Good Label = iota
	Normal
	Bad
)

// NumLabels is the classifier output width.
const NumLabels = 3

// ErrUnknownLabel is returned when parsing an unrecognised label name.
var ErrUnknownLabel = errors.New("unknown label")

var labelNames = [NumLabels]string{"good", "normal", "bad"}

// Labels returns every label in ordinal order.
func Labels() []Label {
	return []Label{Good, Normal, Bad}
}

// String returns the lower-case label name.
func (l Label) String() string {
	if !l.Valid() {
		return fmt.Sprintf("label(%d)", int(l))
	}
	return labelNames[l]
}

// Valid reports whether l is one of the three known labels.
func (l Label) Valid() bool {
	return l >= Good && l <= Bad
}

// ParseLabel maps a label name (case-insensitive) to its Label.
func ParseLabel(s string) (Label, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range labelNames {
		if n == name {
			return Label(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, s)
}

// MarshalText encodes the label by name.
func (l Label) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLabel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a label name.
func (l *Label) UnmarshalText(b []byte) error {
	v, err := ParseLabel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Probabilities is the per-label softmax output.
type Probabilities [NumLabels]float64

// MarshalJSON writes {"good":..,"normal":..,"bad":..}.
func (p Probabilities) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]float64{
		Good.String():   p[Good],
		Normal.String(): p[Normal],
		Bad.String():    p[Bad],
	})
}

// UnmarshalJSON reads the keyed form written by MarshalJSON.
func (p *Probabilities) UnmarshalJSON(b []byte) error {
	var m map[string]float64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for _, l := range Labels() {
		p[l] = m[l.String()]
	}
	return nil
}

// Prediction is the classifier verdict for one sequence.
type Prediction struct {
	Label         Label         `json:"label"`
	Confidence    float64       `json:"confidence"`
	Probabilities Probabilities `json:"probabilities"`
}

// NewPrediction builds a Prediction from a probability vector: the label is
// the argmax and the confidence is its probability. Ties resolve to the
// lower ordinal.
func NewPrediction(probs []float64) (Prediction, error) {
	if len(probs) != NumLabels {
		return Prediction{}, fmt.Errorf("expected %d probabilities, got %d", NumLabels, len(probs))
	}
	var p Prediction
	best := 0
	for i, v := range probs {
		p.Probabilities[i] = v
		if v > probs[best] {
			best = i
		}
	}
	p.Label = Label(best)
	p.Confidence = probs[best]
	return p, nil
}
