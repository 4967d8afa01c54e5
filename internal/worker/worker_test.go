package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/utils"
)

var _ native.Backend = (*Backend)(nil)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func TestCallFraming(t *testing.T) {
	// stdinMock simulates the pipe TO the engine (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM the engine (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	feature := utils.EncodeFeature([]float32{0.5, 0.25})
	body, err := msgpack.Marshal(&Response{Feature: feature})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(dataPipeMock, body))

	// Cmd is nil because we aren't testing process management, just the protocol
	w := &Worker{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}
	resp, err := w.Call(&Request{Op: "extract", Image: &Image{Width: 4, Height: 1, Pixels: []byte{1, 2, 3}}})
	require.NoError(t, err)
	assert.Equal(t, native.OK, resp.Code)
	assert.Equal(t, feature, resp.Feature)

	// Verify Go sent a well formed frame TO the engine
	sent := stdinMock.Bytes()
	require.GreaterOrEqual(t, len(sent), 4)
	assert.Equal(t, uint32(len(sent)-4), binary.BigEndian.Uint32(sent[:4]))

	var req Request
	require.NoError(t, msgpack.Unmarshal(sent[4:], &req))
	assert.Equal(t, "extract", req.Op)
	assert.Equal(t, 4, req.Image.Width)
}

func TestCallEngineCrash(t *testing.T) {
	w := &Worker{
		ID:       7,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)}, // nothing ever comes back
	}
	_, err := w.Call(&Request{Op: "detect"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.EOF))
	assert.Empty(t, w.Logs())
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, uint32(MaxFrame+1)))
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

// fakeEngine answers requests like a worker process would.
func fakeEngine(in io.Reader, out io.WriteCloser, uninitCode native.Code) {
	defer out.Close()
	for {
		frame, err := ReadFrame(in)
		if err != nil {
			return
		}
		var req Request
		if err := msgpack.Unmarshal(frame, &req); err != nil {
			return
		}

		var resp Response
		switch req.Op {
		case "activate":
			resp.Code = native.AlreadyActivated
		case "init", "uninit":
			if req.Op == "uninit" {
				resp.Code = uninitCode
			}
		case "detect":
			if len(req.Image.Encoded) > 0 {
				resp.Faces = []native.FaceInfo{{Rect: native.Rect{Right: req.Image.Width, Bottom: req.Image.Height}}}
			}
		case "extract":
			if len(req.Image.Encoded) == 0 {
				resp.Code, resp.Error = native.NoFace, "no face"
			}
			resp.Feature = req.Image.Encoded
		case "process":
			for range req.Faces {
				resp.Attributes.Ages = append(resp.Attributes.Ages, 41)
				resp.Attributes.Genders = append(resp.Attributes.Genders, 1)
				resp.Liveness.Values = append(resp.Liveness.Values, 1)
			}
		default:
			resp.Code, resp.Error = native.InvalidParam, "unknown op "+req.Op
		}

		body, _ := msgpack.Marshal(&resp)
		if WriteFrame(out, body) != nil {
			return
		}
	}
}

func pipeSpawner(spawned *atomic.Int64, uninitCode native.Code) Spawner {
	return func(id int) (*Worker, error) {
		spawned.Add(1)
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()
		go fakeEngine(reqR, respW, uninitCode)
		return &Worker{ID: id, Stdin: reqW, DataPipe: respR}, nil
	}
}

func TestBackendLifecycle(t *testing.T) {
	var spawned atomic.Int64
	b := NewBackend(pipeSpawner(&spawned, native.OK), nil)

	assert.Equal(t, native.AlreadyActivated, b.Activate("app", "key"))

	cfg := native.EngineConfig{DetectMode: native.DetectImage, Scale: 32, MaxFaces: 5, Mask: native.MaskDetect | native.MaskRecognition | native.MaskLiveness}
	h, code := b.Init(cfg)
	require.Equal(t, native.OK, code)
	assert.Equal(t, 1, b.Engines())

	img := &native.ImageInfo{Width: 8, Height: 8, Format: native.PixelBGR24, Encoded: utils.EncodeFeature([]float32{1, 0})}
	faces, code := b.Detect(h, img)
	require.Equal(t, native.OK, code)
	require.Len(t, faces.Faces, 1)

	raw, code := b.ExtractFeature(h, img, faces.Faces[0])
	require.Equal(t, native.OK, code)

	_, code = b.ExtractFeature(h, &native.ImageInfo{Width: 8, Height: 8}, native.FaceInfo{})
	assert.Equal(t, native.NoFace, code)

	fa, code := b.NewFeature(raw)
	require.Equal(t, native.OK, code)
	fb, code := b.NewFeature(utils.EncodeFeature([]float32{1, 0}))
	require.Equal(t, native.OK, code)
	sim, code := b.Compare(h, fa, fb)
	require.Equal(t, native.OK, code)
	assert.InDelta(t, 1.0, sim, 1e-6)

	_, code = b.Attributes(h)
	assert.Equal(t, native.InvalidParam, code, "nothing processed yet")
	require.Equal(t, native.OK, b.ProcessAttributes(h, img, faces, native.MaskLiveness))
	live, code := b.Liveness(h, native.LivenessRGB)
	require.Equal(t, native.OK, code)
	assert.Equal(t, []int{1}, live.Values)
	_, code = b.Liveness(h, native.LivenessIR)
	assert.Equal(t, native.InvalidParam, code)

	b.FreeFeature(fa)
	b.FreeFeature(fb)
	_, code = b.Compare(h, fa, fb)
	assert.Equal(t, native.InvalidParam, code)

	assert.Equal(t, native.OK, b.Uninit(h))
	assert.Equal(t, 0, b.Engines())
	assert.Equal(t, native.InvalidParam, b.Uninit(h))
	_, code = b.Detect(h, img)
	assert.Equal(t, native.InvalidParam, code)
	assert.Equal(t, int64(2), spawned.Load())
}

func TestBackendUninitFailureKeepsEngine(t *testing.T) {
	var spawned atomic.Int64
	b := NewBackend(pipeSpawner(&spawned, 7), nil)
	h, code := b.Init(native.EngineConfig{})
	require.Equal(t, native.OK, code)

	assert.Equal(t, native.Code(7), b.Uninit(h))
	assert.Equal(t, 1, b.Engines(), "a refused uninit must leave the engine for a retry")
}

func TestBackendSpawnFailure(t *testing.T) {
	b := NewBackend(func(int) (*Worker, error) { return nil, errors.New("no python") }, nil)
	_, code := b.Init(native.EngineConfig{})
	assert.Equal(t, Unreachable, code)
	assert.Equal(t, Unreachable, b.Activate("", ""))
}
