// Package model contains domain models passed between layers.
package model

import "time"

// Pose geometry.
const (
	// PoseLandmarkCount is the number of keypoints a pose estimator reports.
	PoseLandmarkCount = 33
	// NumKeypoints is the number of keypoints kept per frame.
	NumKeypoints = 23
	// FeatureCount is the width of one landmark vector (x, y, z per keypoint).
	FeatureCount = NumKeypoints * 3
)

// Landmark is one keypoint in normalized image coordinates.
type Landmark struct {
	X          float64 `msgpack:"x" json:"x"`
	Y          float64 `msgpack:"y" json:"y"`
	Z          float64 `msgpack:"z" json:"z"`
	Visibility float64 `msgpack:"visibility" json:"visibility"`
}

// Pose is an estimator result for one frame.
type Pose struct {
	Detected  bool
	Landmarks []Landmark
}

// Frame is one encoded image (JPEG/PNG) with its position in the stream.
type Frame struct {
	Seq       uint64
	Data      []byte
	Timestamp time.Time
}

// LandmarkVector is the fixed-width feature vector of one frame. A frame
// without a detected pose is all zeros with HasPose false.
type LandmarkVector struct {
	Values  [FeatureCount]float64
	HasPose bool
}

// Sequence is an ordered run of landmark vectors of any length.
type Sequence []LandmarkVector

// Detected counts frames that carried a pose.
func (s Sequence) Detected() int {
	n := 0
	for i := range s {
		if s[i].HasPose {
			n++
		}
	}
	return n
}
