package worker

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/utils" // Using the SafeCommand wrapper
)

// MaxFrame caps a single response frame.
const MaxFrame = 64 << 20

// Request is one call to an engine process.
type Request struct {
	Op     string              `msgpack:"op"`
	Config native.EngineConfig `msgpack:"config"`
	AppID  string              `msgpack:"app_id,omitempty"`
	SDKKey string              `msgpack:"sdk_key,omitempty"`
	Image  *Image              `msgpack:"image,omitempty"`
	Face   native.FaceInfo     `msgpack:"face"`
	Faces  []native.FaceInfo   `msgpack:"faces,omitempty"`
	Mask   native.Mask         `msgpack:"mask,omitempty"`
}

// Image is the wire form of native.ImageInfo.
type Image struct {
	Width   int                `msgpack:"width"`
	Height  int                `msgpack:"height"`
	Format  native.PixelFormat `msgpack:"format"`
	Pixels  []byte             `msgpack:"pixels"`
	Encoded []byte             `msgpack:"encoded,omitempty"`
}

// Response is an engine process answer. Code is the native status; Error carries its text, if any.
type Response struct {
	Code       native.Code       `msgpack:"code"`
	Error      string            `msgpack:"error,omitempty"`
	Faces      []native.FaceInfo `msgpack:"faces,omitempty"`
	Feature    []byte            `msgpack:"feature,omitempty"`
	Attributes native.Attributes `msgpack:"attributes"`
	Liveness   native.Liveness   `msgpack:"liveness"`
}

// Worker is one engine process. Requests go to its stdin and responses come back on FD 3,
// every frame prefixed with its big-endian uint32 length.
type Worker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

// Start launches name with args as engine process id.
func Start(id int, name string, args ...string) (*Worker, error) {
	// 1. Initialize the SafeCommand we built
	proc := utils.NewSafeCommand(name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Worker{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one frame and waits for the reply frame.
func (w *Worker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := WriteFrame(w.Stdin, data); err != nil {
		return nil, err
	}
	// This is where we catch an engine that crashed on start.
	return ReadFrame(w.DataPipe)
}

// Call encodes req, sends it and decodes the reply.
func (w *Worker) Call(req *Request) (*Response, error) {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Op, err)
	}
	raw, err := w.Communicate(body)
	if err != nil {
		return nil, fmt.Errorf("engine %d %s: %w", w.ID, req.Op, err)
	}
	var resp Response
	if err := msgpack.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("engine %d %s: decode response: %w", w.ID, req.Op, err)
	}
	return &resp, nil
}

// Logs returns what the process wrote to stderr, empty for in-process workers.
func (w *Worker) Logs() string {
	return w.Cmd.Logs()
}

// Close ends the process: closing stdin is its signal to exit.
func (w *Worker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

// WriteFrame writes data prefixed with its length.
func WriteFrame(dst io.Writer, data []byte) error {
	// Protocol: [Length][Data]
	if err := binary.Write(dst, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := dst.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(src io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(src, header); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header)
	if n > MaxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(src, body)
	return body, err
}
