// Package nativetest provides an in-memory native.Backend for tests.
//
// Features are little-endian float32 vectors and Compare is cosine similarity. An image "contains"
// a face when its Encoded payload is non-empty; the payload itself is returned as the feature.
package nativetest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/utils"
)

// Backend is a deterministic fake engine. Hooks may be set before first use.
type Backend struct {
	// InitHook overrides the status of Init when it returns non-zero.
	InitHook func(cfg native.EngineConfig) native.Code
	// UninitHook overrides the status of Uninit when it returns non-zero.
	UninitHook func(h native.Handle) native.Code
	// CompareHook overrides the status of Compare when it returns non-zero.
	CompareHook func(a, b native.Feature) native.Code
	// ActivateHook overrides the status of Activate.
	ActivateHook func() native.Code
	// CompareDelay slows every Compare down, to widen race windows.
	CompareDelay time.Duration

	mu        sync.Mutex
	next      uintptr
	handles   map[native.Handle]native.EngineConfig
	busy      map[native.Handle]bool
	destroyed map[native.Handle]int
	features  map[native.Feature][]float32
	attrs     map[native.Handle]native.Attributes
	live      map[native.Handle]native.Liveness

	inits     atomic.Int64
	uninits   atomic.Int64
	compares  atomic.Int64
	overlaps  atomic.Int64
	activates atomic.Int64
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		handles:   make(map[native.Handle]native.EngineConfig),
		busy:      make(map[native.Handle]bool),
		destroyed: make(map[native.Handle]int),
		features:  make(map[native.Feature][]float32),
		attrs:     make(map[native.Handle]native.Attributes),
		live:      make(map[native.Handle]native.Liveness),
	}
}

func (b *Backend) Activate(appID, sdkKey string) native.Code {
	b.activates.Add(1)
	if b.ActivateHook != nil {
		return b.ActivateHook()
	}
	return native.OK
}

func (b *Backend) Init(cfg native.EngineConfig) (native.Handle, native.Code) {
	if b.InitHook != nil {
		if code := b.InitHook(cfg); code != native.OK {
			return 0, code
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := native.Handle(b.next)
	b.handles[h] = cfg
	b.inits.Add(1)
	return h, native.OK
}

func (b *Backend) Uninit(h native.Handle) native.Code {
	if b.UninitHook != nil {
		if code := b.UninitHook(h); code != native.OK {
			return code
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handles[h]; !ok {
		b.destroyed[h]++
		return native.InvalidParam
	}
	delete(b.handles, h)
	b.destroyed[h]++
	b.uninits.Add(1)
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
	defer b.enter(h)()
	if !b.known(h) {
		return native.MultiFaceInfo{}, native.InvalidParam
	}
	if img == nil || len(img.Encoded) == 0 {
		return native.MultiFaceInfo{}, native.OK
	}
	return native.MultiFaceInfo{Faces: []native.FaceInfo{{
		Rect: native.Rect{Right: img.Width, Bottom: img.Height},
	}}}, native.OK
}

func (b *Backend) ExtractFeature(h native.Handle, img *native.ImageInfo, face native.FaceInfo) ([]byte, native.Code) {
	defer b.enter(h)()
	if !b.known(h) {
		return nil, native.InvalidParam
	}
	if img == nil || len(img.Encoded) == 0 {
		return nil, native.NoFace
	}
	return append([]byte(nil), img.Encoded...), native.OK
}

func (b *Backend) Compare(h native.Handle, x, y native.Feature) (float32, native.Code) {
	defer b.enter(h)()
	b.compares.Add(1)
	if b.CompareDelay > 0 {
		time.Sleep(b.CompareDelay)
	}
	if b.CompareHook != nil {
		if code := b.CompareHook(x, y); code != native.OK {
			return 0, code
		}
	}
	b.mu.Lock()
	_, okH := b.handles[h]
	va, okA := b.features[x]
	vb, okB := b.features[y]
	b.mu.Unlock()
	if !okH || !okA || !okB {
		return 0, native.InvalidParam
	}
	return utils.CosineSimilarity(va, vb), native.OK
}

func (b *Backend) ProcessAttributes(h native.Handle, img *native.ImageInfo, faces native.MultiFaceInfo, mask native.Mask) native.Code {
	defer b.enter(h)()
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.handles[h]
	if !ok || !cfg.Mask.Has(mask) {
		return native.InvalidParam
	}
	n := len(faces.Faces)
	var a native.Attributes
	var l native.Liveness
	for i := 0; i < n; i++ {
		a.Ages = append(a.Ages, 30)
		a.Genders = append(a.Genders, i%2)
		a.Angles = append(a.Angles, native.Angle3D{})
		l.Values = append(l.Values, 1)
	}
	b.attrs[h] = a
	b.live[h] = l
	return native.OK
}

func (b *Backend) Attributes(h native.Handle) (native.Attributes, native.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.attrs[h]
	if !ok {
		return native.Attributes{}, native.InvalidParam
	}
	return a, native.OK
}

func (b *Backend) Liveness(h native.Handle, kind native.LivenessKind) (native.Liveness, native.Code) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.handles[h]
	want := native.MaskLiveness
	if kind == native.LivenessIR {
		want = native.MaskIRLiveness
	}
	l, has := b.live[h]
	if !ok || !has || !cfg.Mask.Has(want) {
		return native.Liveness{}, native.InvalidParam
	}
	return l, native.OK
}

// enter marks h busy for the duration of a call and counts overlapping use of one handle.
func (b *Backend) enter(h native.Handle) func() {
	b.mu.Lock()
	if b.busy[h] {
		b.overlaps.Add(1)
	}
	b.busy[h] = true
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.busy, h)
		b.mu.Unlock()
	}
}

func (b *Backend) known(h native.Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handles[h]
	return ok
}

// Inits is the number of successful Init calls.
func (b *Backend) Inits() int { return int(b.inits.Load()) }

// Uninits is the number of successful Uninit calls.
func (b *Backend) Uninits() int { return int(b.uninits.Load()) }

// Compares is the number of Compare calls.
func (b *Backend) Compares() int { return int(b.compares.Load()) }

// Activations is the number of Activate calls.
func (b *Backend) Activations() int { return int(b.activates.Load()) }

// Overlaps counts calls that ran on a handle another call was still using.
func (b *Backend) Overlaps() int { return int(b.overlaps.Load()) }

// LiveHandles is the number of handles created and not yet destroyed.
func (b *Backend) LiveHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}

// LiveFeatures is the number of features allocated and not yet freed.
func (b *Backend) LiveFeatures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.features)
}

// DestroyCounts returns how many times each handle reached Uninit past the hook.
func (b *Backend) DestroyCounts() map[native.Handle]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[native.Handle]int, len(b.destroyed))
	for h, n := range b.destroyed {
		out[h] = n
	}
	return out
}

// Config returns the configuration a live handle was created with.
func (b *Backend) Config(h native.Handle) (native.EngineConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.handles[h]
	return cfg, ok
}

// Image builds an ImageInfo whose single face has the given feature vector.
// A nil vector yields an image with no face.
func Image(vec []float32) *native.ImageInfo {
	img := &native.ImageInfo{Width: 64, Height: 64, Format: native.PixelBGR24}
	if vec != nil {
		img.Encoded = utils.EncodeFeature(vec)
	}
	return img
}
