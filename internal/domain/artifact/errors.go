package artifact

import "errors"

// Sentinel errors.
var (
	// ErrArtifactMismatch rejects a bundle whose parts do not belong together
	// or do not fit the running pipeline.
	ErrArtifactMismatch = errors.New("artifact mismatch")
	// ErrNoArtifact means no bundle has been saved yet.
	ErrNoArtifact = errors.New("no artifact")
	// ErrLocked means another process holds the artifact directory.
	ErrLocked = errors.New("artifact directory locked")
)
