// Package pose talks to external pose estimation processes over a
// length-prefixed msgpack protocol on stdin/stdout.
//
// Each message is a 4-byte big-endian length followed by that many bytes of
// msgpack. Requests carry an op ("estimate", "decode" or "track"). A decode
// request is answered by a stream of "frame" messages and a track request by
// a stream of "pose" messages; both streams end with "eof" or "error". A pose
// message carrying an error marks one frame that could not be estimated.
package pose

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/okian/formlab/internal/domain/model"
)

// Protocol operations.
const (
	OpEstimate = "estimate"
	OpDecode   = "decode"
	OpTrack    = "track"
	OpResult   = "result"
	OpFrame    = "frame"
	OpPose     = "pose"
	OpEOF      = "eof"
	OpError    = "error"
)

// MaxMessageSize bounds a single message in either direction.
const MaxMessageSize = 64 << 20

// ErrProtocol marks a malformed or unexpected message.
var ErrProtocol = errors.New("pose protocol error")

// Request is sent to a worker process.
type Request struct {
	Op    string `msgpack:"op"`
	ID    uint64 `msgpack:"id"`
	Image []byte `msgpack:"image,omitempty"`
	Path  string `msgpack:"path,omitempty"`
}

// Response is one message read back from a worker process.
type Response struct {
	Op        string           `msgpack:"op"`
	ID        uint64           `msgpack:"id"`
	Detected  bool             `msgpack:"detected,omitempty"`
	Landmarks []model.Landmark `msgpack:"landmarks,omitempty"`
	Seq       uint64           `msgpack:"seq,omitempty"`
	Image     []byte           `msgpack:"image,omitempty"`
	Error     string           `msgpack:"error,omitempty"`
}

// WriteMessage encodes v and writes it with its length prefix.
func WriteMessage(w io.Writer, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes exceeds limit", ErrProtocol, len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message into v.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxMessageSize {
		return fmt.Errorf("%w: message of %d bytes exceeds limit", ErrProtocol, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}
