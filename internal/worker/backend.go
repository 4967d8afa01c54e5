// Package worker runs the native engine out of process: every engine handle is backed by its own
// worker process, spoken to over pipes with msgpack frames.
package worker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/faceengine/internal/logging"
	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/utils"
)

// Unreachable is reported when a worker process cannot be started or talked to.
const Unreachable native.Code = -1

// Spawner starts the worker process for engine id.
type Spawner func(id int) (*Worker, error)

// Command returns a Spawner that runs name with args.
func Command(name string, args ...string) Spawner {
	return func(id int) (*Worker, error) { return Start(id, name, args...) }
}

type engineState struct {
	w    *Worker
	cfg  native.EngineConfig
	mask native.Mask // of the last ProcessAttributes
	attr native.Attributes
	live native.Liveness
	done bool // ProcessAttributes succeeded at least once
}

// Backend is a native.Backend over worker processes. Features are decoded and compared in process.
type Backend struct {
	spawn Spawner
	log   *zap.Logger

	mu       sync.Mutex
	next     uintptr
	engines  map[native.Handle]*engineState
	features map[native.Feature][]float32
}

// NewBackend returns a Backend starting workers with spawn.
func NewBackend(spawn Spawner, log *zap.Logger) *Backend {
	return &Backend{
		spawn:    spawn,
		log:      logging.OrNop(log),
		engines:  make(map[native.Handle]*engineState),
		features: make(map[native.Feature][]float32),
	}
}

// Activate runs activation in a short-lived worker.
func (b *Backend) Activate(appID, sdkKey string) native.Code {
	w, err := b.spawn(0)
	if err != nil {
		b.log.Error("activation worker failed to start", zap.Error(err))
		return Unreachable
	}
	defer w.Close()

	resp, err := w.Call(&Request{Op: "activate", AppID: appID, SDKKey: sdkKey})
	if err != nil {
		b.log.Error("activation failed", zap.Error(err), zap.String("logs", w.Logs()))
		return Unreachable
	}
	return b.status("activate", resp)
}

// Init starts a worker and initializes an engine in it.
func (b *Backend) Init(cfg native.EngineConfig) (native.Handle, native.Code) {
	b.mu.Lock()
	b.next++
	h := native.Handle(b.next)
	b.mu.Unlock()

	w, err := b.spawn(int(h))
	if err != nil {
		b.log.Error("engine worker failed to start", zap.Error(err))
		return 0, Unreachable
	}
	resp, err := w.Call(&Request{Op: "init", Config: cfg})
	if err != nil {
		b.log.Error("engine init failed", zap.Error(err), zap.String("logs", w.Logs()))
		w.Close()
		return 0, Unreachable
	}
	if code := b.status("init", resp); code != native.OK {
		w.Close()
		return 0, code
	}

	b.mu.Lock()
	b.engines[h] = &engineState{w: w, cfg: cfg}
	b.mu.Unlock()
	return h, native.OK
}

// Uninit releases the engine and stops its worker. A worker that no longer answers counts as released.
func (b *Backend) Uninit(h native.Handle) native.Code {
	st, ok := b.engine(h)
	if !ok {
		return native.InvalidParam
	}
	resp, err := st.w.Call(&Request{Op: "uninit"})
	if err == nil {
		if code := b.status("uninit", resp); code != native.OK {
			return code
		}
	} else {
		b.log.Warn("engine worker lost before uninit", zap.Uintptr("handle", uintptr(h)), zap.Error(err))
	}

	b.mu.Lock()
	delete(b.engines, h)
	b.mu.Unlock()
	if err := st.w.Close(); err != nil {
		b.log.Debug("engine worker exit", zap.Uintptr("handle", uintptr(h)), zap.Error(err))
	}
	return native.OK
}

func (b *Backend) NewFeature(raw []byte) (native.Feature, native.Code) {
	vec, err := utils.DecodeFeature(raw)
	if err != nil {
		return 0, native.InvalidParam
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	f := native.Feature(b.next)
	b.features[f] = vec
	return f, native.OK
}

func (b *Backend) FreeFeature(f native.Feature) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.features, f)
}

func (b *Backend) Detect(h native.Handle, img *native.ImageInfo) (native.MultiFaceInfo, native.Code) {
	resp, code := b.call(h, &Request{Op: "detect", Image: wireImage(img)})
	if code != native.OK {
		return native.MultiFaceInfo{}, code
	}
	return native.MultiFaceInfo{Faces: resp.Faces}, native.OK
}

func (b *Backend) ExtractFeature(h native.Handle, img *native.ImageInfo, face native.FaceInfo) ([]byte, native.Code) {
	resp, code := b.call(h, &Request{Op: "extract", Image: wireImage(img), Face: face})
	if code != native.OK {
		return nil, code
	}
	return resp.Feature, native.OK
}

// Compare runs locally; the handle is only checked for validity.
func (b *Backend) Compare(h native.Handle, x, y native.Feature) (float32, native.Code) {
	b.mu.Lock()
	_, okH := b.engines[h]
	va, okA := b.features[x]
	vb, okB := b.features[y]
	b.mu.Unlock()
	if !okH || !okA || !okB {
		return 0, native.InvalidParam
	}
	return utils.CosineSimilarity(va, vb), native.OK
}

func (b *Backend) ProcessAttributes(h native.Handle, img *native.ImageInfo, faces native.MultiFaceInfo, mask native.Mask) native.Code {
	resp, code := b.call(h, &Request{Op: "process", Image: wireImage(img), Faces: faces.Faces, Mask: mask})
	if code != native.OK {
		return code
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.engines[h]; ok {
		st.mask, st.attr, st.live, st.done = mask, resp.Attributes, resp.Liveness, true
	}
	return native.OK
}

func (b *Backend) Attributes(h native.Handle) (native.Attributes, native.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.engines[h]
	if !ok || !st.done {
		return native.Attributes{}, native.InvalidParam
	}
	return st.attr, native.OK
}

func (b *Backend) Liveness(h native.Handle, kind native.LivenessKind) (native.Liveness, native.Code) {
	want := native.MaskLiveness
	if kind == native.LivenessIR {
		want = native.MaskIRLiveness
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.engines[h]
	if !ok || !st.done || !st.mask.Has(want) {
		return native.Liveness{}, native.InvalidParam
	}
	return st.live, native.OK
}

// Engines returns the number of running engine workers.
func (b *Backend) Engines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.engines)
}

func (b *Backend) engine(h native.Handle) (*engineState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.engines[h]
	return st, ok
}

func (b *Backend) call(h native.Handle, req *Request) (*Response, native.Code) {
	st, ok := b.engine(h)
	if !ok {
		return nil, native.InvalidParam
	}
	resp, err := st.w.Call(req)
	if err != nil {
		b.log.Error("engine call failed", zap.Uintptr("handle", uintptr(h)), zap.Error(err), zap.String("logs", st.w.Logs()))
		return nil, Unreachable
	}
	return resp, b.status(req.Op, resp)
}

func (b *Backend) status(op string, resp *Response) native.Code {
	if resp.Code != native.OK && resp.Error != "" {
		b.log.Debug("engine returned error", zap.String("op", op), zap.Int64("code", int64(resp.Code)), zap.String("error", resp.Error))
	}
	return resp.Code
}

func wireImage(img *native.ImageInfo) *Image {
	if img == nil {
		return nil
	}
	return &Image{
		Width:   img.Width,
		Height:  img.Height,
		Format:  img.Format,
		Pixels:  img.Pixels,
		Encoded: img.Encoded,
	}
}
