package pose_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/formlab/internal/adapters/pose"
	"github.com/okian/formlab/internal/domain/landmark"
	"github.com/okian/formlab/internal/domain/model"
	"github.com/okian/formlab/pkg/logger"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

type pipeConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (c *pipeConn) Close() error {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	return nil
}

// fakeWorker serves the protocol in-process. Images select the behaviour:
// "nopose", "boom" (worker error), "garbage" (wrong response id) and
// "hang" (no answer until hang is closed); anything else is a full pose.
// Decoding "gated.mp4" sends one frame and waits for gate before the next.
type fakeWorker struct {
	launches atomic.Int32
	hang     chan struct{}
	gate     chan struct{}
}

func (f *fakeWorker) launch(context.Context) (pose.Conn, error) {
	f.launches.Add(1)
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	go func() {
		defer respW.Close()
		for {
			var req pose.Request
			if err := pose.ReadMessage(reqR, &req); err != nil {
				return
			}
			if err := f.serve(req, respW); err != nil {
				return
			}
		}
	}()
	return &pipeConn{Reader: respR, Writer: reqW, closers: []io.Closer{reqW, respR}}, nil
}

func fullPose() []model.Landmark {
	lms := make([]model.Landmark, model.PoseLandmarkCount)
	for i := range lms {
		lms[i] = model.Landmark{X: float64(i), Y: 0.5, Z: -0.1, Visibility: 1}
	}
	return lms
}

func (f *fakeWorker) serve(req pose.Request, w io.Writer) error {
	if req.Op == pose.OpTrack {
		if req.Path != "clip.mp4" {
			return pose.WriteMessage(w, pose.Response{Op: pose.OpError, ID: req.ID, Error: "cannot open " + req.Path})
		}
		msgs := []pose.Response{
			{Op: pose.OpPose, ID: req.ID, Seq: 0, Detected: true, Landmarks: fullPose()},
			{Op: pose.OpPose, ID: req.ID, Seq: 1, Error: "landmarker crashed"},
			{Op: pose.OpPose, ID: req.ID, Seq: 2},
			{Op: pose.OpEOF, ID: req.ID},
		}
		for _, m := range msgs {
			if err := pose.WriteMessage(w, m); err != nil {
				return err
			}
		}
		return nil
	}
	if req.Op == pose.OpDecode && req.Path == "gated.mp4" {
		if err := pose.WriteMessage(w, pose.Response{Op: pose.OpFrame, ID: req.ID, Seq: 0, Image: []byte("img")}); err != nil {
			return err
		}
		<-f.gate
		if err := pose.WriteMessage(w, pose.Response{Op: pose.OpFrame, ID: req.ID, Seq: 1, Image: []byte("img")}); err != nil {
			return err
		}
		return pose.WriteMessage(w, pose.Response{Op: pose.OpEOF, ID: req.ID})
	}
	if req.Op == pose.OpDecode {
		if req.Path != "clip.mp4" {
			return pose.WriteMessage(w, pose.Response{Op: pose.OpError, ID: req.ID, Error: "cannot open " + req.Path})
		}
		for i := 0; i < 3; i++ {
			if err := pose.WriteMessage(w, pose.Response{Op: pose.OpFrame, ID: req.ID, Seq: uint64(i), Image: []byte("img")}); err != nil {
				return err
			}
		}
		return pose.WriteMessage(w, pose.Response{Op: pose.OpEOF, ID: req.ID})
	}
	switch string(req.Image) {
	case "nopose":
		return pose.WriteMessage(w, pose.Response{Op: pose.OpResult, ID: req.ID})
	case "boom":
		return pose.WriteMessage(w, pose.Response{Op: pose.OpError, ID: req.ID, Error: "decode failed"})
	case "garbage":
		return pose.WriteMessage(w, pose.Response{Op: pose.OpResult, ID: req.ID + 100})
	case "hang":
		<-f.hang
		return io.EOF
	}
	return pose.WriteMessage(w, pose.Response{Op: pose.OpResult, ID: req.ID, Detected: true, Landmarks: fullPose()})
}

func frame(data string) model.Frame {
	return model.Frame{Data: []byte(data)}
}

func TestPool(t *testing.T) {
	Convey("Given a pool of one in-process worker", t, func() {
		fw := &fakeWorker{hang: make(chan struct{}), gate: make(chan struct{})}
		p := pose.NewPool(fw.launch, pose.WithSize(1))
		Reset(func() {
			close(fw.hang)
			_ = p.Close()
		})
		ctx := context.Background()

		Convey("When estimating a frame with a person", func() {
			got, err := p.Estimate(ctx, frame("person"))

			Convey("Then all landmarks come back in order", func() {
				So(err, ShouldBeNil)
				So(got.Detected, ShouldBeTrue)
				So(got.Landmarks, ShouldHaveLength, model.PoseLandmarkCount)
				So(got.Landmarks[32].X, ShouldEqual, 32)
				So(fw.launches.Load(), ShouldEqual, 1)
			})
		})

		Convey("When estimating a frame without a person", func() {
			got, err := p.Estimate(ctx, frame("nopose"))

			Convey("Then the pose is not detected", func() {
				So(err, ShouldBeNil)
				So(got.Detected, ShouldBeFalse)
			})
		})

		Convey("When the worker reports an error", func() {
			_, err := p.Estimate(ctx, frame("boom"))
			_, again := p.Estimate(ctx, frame("person"))

			Convey("Then the error is returned and the worker is reused", func() {
				So(errors.Is(err, pose.ErrWorker), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "decode failed")
				So(again, ShouldBeNil)
				So(fw.launches.Load(), ShouldEqual, 1)
			})
		})

		Convey("When the worker answers out of sync", func() {
			_, err := p.Estimate(ctx, frame("garbage"))
			_, again := p.Estimate(ctx, frame("person"))

			Convey("Then the worker is relaunched", func() {
				So(errors.Is(err, pose.ErrProtocol), ShouldBeTrue)
				So(again, ShouldBeNil)
				So(fw.launches.Load(), ShouldEqual, 2)
			})
		})

		Convey("When a request outlives its context", func() {
			tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err := p.Estimate(tctx, frame("hang"))
			_, again := p.Estimate(ctx, frame("person"))

			Convey("Then the call returns the context error and the worker is replaced", func() {
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
				So(again, ShouldBeNil)
				So(fw.launches.Load(), ShouldEqual, 2)
			})
		})

		Convey("When decoding a video", func() {
			var seqs []uint64
			err := p.Frames(ctx, "clip.mp4", func(f model.Frame) error {
				seqs = append(seqs, f.Seq)
				return nil
			})

			Convey("Then frames are yielded in order", func() {
				So(err, ShouldBeNil)
				So(seqs, ShouldResemble, []uint64{0, 1, 2})
			})
		})

		Convey("When decoding a missing video", func() {
			err := p.Frames(ctx, "missing.mp4", func(model.Frame) error { return nil })

			Convey("Then the worker error is returned", func() {
				So(errors.Is(err, pose.ErrWorker), ShouldBeTrue)
			})
		})

		Convey("When decoding a video that is still being read", func() {
			var seqs []uint64
			err := p.Frames(ctx, "gated.mp4", func(f model.Frame) error {
				if f.Seq == 0 {
					close(fw.gate)
				}
				seqs = append(seqs, f.Seq)
				return nil
			})

			Convey("Then each frame is yielded before the worker sends the next", func() {
				So(err, ShouldBeNil)
				So(seqs, ShouldResemble, []uint64{0, 1})
			})
		})

		Convey("When the consumer stops a decode early", func() {
			stop := errors.New("enough")
			err := p.Frames(ctx, "clip.mp4", func(model.Frame) error { return stop })
			_, again := p.Estimate(ctx, frame("person"))

			Convey("Then its error is returned and the worker is replaced", func() {
				So(err, ShouldEqual, stop)
				So(again, ShouldBeNil)
				So(fw.launches.Load(), ShouldEqual, 2)
			})
		})

		Convey("When tracking a video", func() {
			type tracked struct {
				seq  uint64
				pose model.Pose
				err  error
			}
			var got []tracked
			err := p.Track(ctx, "clip.mp4", func(seq uint64, ps model.Pose, err error) error {
				got = append(got, tracked{seq, ps, err})
				return nil
			})

			Convey("Then each frame arrives with its pose or its own error", func() {
				So(err, ShouldBeNil)
				So(got, ShouldHaveLength, 3)
				So(got[0].pose.Detected, ShouldBeTrue)
				So(got[0].pose.Landmarks, ShouldHaveLength, model.PoseLandmarkCount)
				So(errors.Is(got[1].err, pose.ErrWorker), ShouldBeTrue)
				So(got[1].err.Error(), ShouldContainSubstring, "landmarker crashed")
				So(got[2].err, ShouldBeNil)
				So(got[2].pose.Detected, ShouldBeFalse)
				So(fw.launches.Load(), ShouldEqual, 1)
			})
		})

		Convey("When tracking a missing video", func() {
			err := p.Track(ctx, "missing.mp4", func(uint64, model.Pose, error) error { return nil })
			So(errors.Is(err, pose.ErrWorker), ShouldBeTrue)
		})

		Convey("When an extractor tracks through a single worker", func() {
			ex := landmark.NewExtractor(p, landmark.WithFrameSource(p), landmark.WithTracker(p))
			seq, err := ex.ExtractVideo(ctx, "clip.mp4")

			Convey("Then every frame becomes a vector and the failed one is zero", func() {
				So(err, ShouldBeNil)
				So(seq, ShouldHaveLength, 3)
				So(seq[0].HasPose, ShouldBeTrue)
				So(seq[0].Values[0], ShouldEqual, 0)
				So(seq[0].Values[3], ShouldEqual, 11)
				So(seq[0].Values[66], ShouldEqual, 32)
				So(seq[1].HasPose, ShouldBeFalse)
				So(seq[2].HasPose, ShouldBeFalse)
			})
		})

		Convey("When the pool is closed", func() {
			So(p.Close(), ShouldBeNil)
			_, err := p.Estimate(ctx, frame("person"))

			Convey("Then requests are refused", func() {
				So(errors.Is(err, pose.ErrClosed), ShouldBeTrue)
			})
		})
	})
}

func TestReadMessageRejectsOversizedPrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], pose.MaxMessageSize+1)
	buf.Write(prefix[:])

	var resp pose.Response
	err := pose.ReadMessage(&buf, &resp)
	if !errors.Is(err, pose.ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestReadMessageTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := pose.WriteMessage(&buf, pose.Request{Op: pose.OpEstimate, ID: 7, Image: []byte("abc")}); err != nil {
		t.Fatal(err)
	}
	buf.Truncate(buf.Len() - 1)

	var req pose.Request
	if err := pose.ReadMessage(&buf, &req); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}
