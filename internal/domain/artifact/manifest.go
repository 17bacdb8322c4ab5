package artifact

import (
	"fmt"
	"slices"
	"time"

	"github.com/okian/formlab/internal/domain/classifier"
	"github.com/okian/formlab/internal/domain/landmark"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/internal/domain/scaler"
	"github.com/okian/formlab/internal/domain/types"
)

// SchemaVersion is bumped whenever the bundle layout or feature schema changes.
const SchemaVersion = 1

// Manifest describes one bundle and pins the pairing of its blobs.
type Manifest struct {
	SchemaVersion  int       `json:"schema_version"`
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id,omitempty"`
	Architecture   string    `json:"architecture"`
	SequenceLength int       `json:"sequence_length"`
	FeatureCount   int       `json:"feature_count"`
	FeatureOrder   []int     `json:"feature_order"`
	Labels         []string  `json:"labels"`
	ParamCount     int       `json:"param_count"`
	WeightsSHA256  string    `json:"weights_sha256"`
	ScalerSHA256   string    `json:"scaler_sha256"`
	TestAccuracy   float64   `json:"test_accuracy"`
	TestLoss       float64   `json:"test_loss"`
	CreatedAt      time.Time `json:"created_at"`
}

type weightsBlob struct {
	BundleID     string              `msgpack:"bundle_id"`
	Architecture string              `msgpack:"architecture"`
	Tensors      []classifier.Tensor `msgpack:"tensors"`
}

type scalerBlob struct {
	BundleID string       `msgpack:"bundle_id"`
	State    scaler.State `msgpack:"state"`
}

func labelNames() []string {
	out := make([]string, 0, types.NumLabels)
	for _, l := range types.Labels() {
		out = append(out, l.String())
	}
	return out
}

// check validates the manifest against the running feature schema and the
// expected sequence length (0 accepts any).
func (m *Manifest) check(sequenceLength int) error {
	switch {
	case m.SchemaVersion != SchemaVersion:
		return fmt.Errorf("%w: schema version %d, want %d", ErrArtifactMismatch, m.SchemaVersion, SchemaVersion)
	case m.FeatureCount != model.FeatureCount:
		return fmt.Errorf("%w: %d features, want %d", ErrArtifactMismatch, m.FeatureCount, model.FeatureCount)
	case !slices.Equal(m.FeatureOrder, landmark.CanonicalIndices[:]):
		return fmt.Errorf("%w: feature order differs from the landmark schema", ErrArtifactMismatch)
	case !slices.Equal(m.Labels, labelNames()):
		return fmt.Errorf("%w: labels %v, want %v", ErrArtifactMismatch, m.Labels, labelNames())
	case m.SequenceLength < 1:
		return fmt.Errorf("%w: sequence length %d", ErrArtifactMismatch, m.SequenceLength)
	case sequenceLength > 0 && m.SequenceLength != sequenceLength:
		return fmt.Errorf("%w: sequence length %d, want %d", ErrArtifactMismatch, m.SequenceLength, sequenceLength)
	}
	return nil
}
