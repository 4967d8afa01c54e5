//go:build dlib

// Package dlib is an in-process native.Backend on dlib through go-face. Every handle is its own
// recognizer with the models loaded, which makes handles expensive and worth pooling.
package dlib

import (
	"image"
	"sync"

	"github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/andresmejia3/faceengine/internal/logging"
	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/utils"
)

// ModelLoadFailed is reported when the recognizer models cannot be loaded.
const ModelLoadFailed native.Code = 0x1001

// Backend implements native.Backend. Age, gender, pose and liveness are not available on dlib.
type Backend struct {
	modelDir string
	log      *zap.Logger

	mu       sync.Mutex
	next     uintptr
	recs     map[native.Handle]*face.Recognizer
	features map[native.Feature][]float32
}

// New returns a Backend loading its models from modelDir.
func New(modelDir string, log *zap.Logger) *Backend {
	return &Backend{
		modelDir: modelDir,
		log:      logging.OrNop(log),
		recs:     make(map[native.Handle]*face.Recognizer),
		features: make(map[native.Feature][]float32),
	}
}

// Activate always succeeds: dlib needs no license.
func (b *Backend) Activate(appID, sdkKey string) native.Code { return native.OK }

func (b *Backend) Init(cfg native.EngineConfig) (native.Handle, native.Code) {
	if cfg.Mask.Has(native.MaskLiveness) || cfg.Mask.Has(native.MaskIRLiveness) {
		b.log.Debug("liveness requested from dlib backend, attribute calls will fail")
	}
	rec, err := face.NewRecognizer(b.modelDir)
	if err != nil {
		b.log.Error("failed to load dlib models", zap.String("dir", b.modelDir), zap.Error(err))
		return 0, ModelLoadFailed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := native.Handle(b.next)
	b.recs[h] = rec
	return h, native.OK
}

func (b *Backend) Uninit(h native.Handle) native.Code {
	b.mu.Lock()
	rec, ok := b.recs[h]
	delete(b.recs, h)
	b.mu.Unlock()
	if !ok {
		return native.InvalidParam
	}
	rec.Close()
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
	faces, code := b.recognize(h, img)
	if code != native.OK {
		return native.MultiFaceInfo{}, code
	}
	out := native.MultiFaceInfo{Faces: make([]native.FaceInfo, 0, len(faces))}
	for _, f := range faces {
		out.Faces = append(out.Faces, native.FaceInfo{Rect: rect(f.Rectangle)})
	}
	return out, native.OK
}

// ExtractFeature returns the descriptor of the detected face overlapping want the most.
func (b *Backend) ExtractFeature(h native.Handle, img *native.ImageInfo, want native.FaceInfo) ([]byte, native.Code) {
	faces, code := b.recognize(h, img)
	if code != native.OK {
		return nil, code
	}
	target := image.Rect(want.Rect.Left, want.Rect.Top, want.Rect.Right, want.Rect.Bottom)
	best, overlap := -1, -1
	for i, f := range faces {
		if a := f.Rectangle.Intersect(target); a.Dx()*a.Dy() > overlap {
			best, overlap = i, a.Dx()*a.Dy()
		}
	}
	if best < 0 {
		return nil, native.NoFace
	}
	d := faces[best].Descriptor
	return utils.EncodeFeature(d[:]), native.OK
}

func (b *Backend) Compare(h native.Handle, x, y native.Feature) (float32, native.Code) {
	b.mu.Lock()
	_, okH := b.recs[h]
	va, okA := b.features[x]
	vb, okB := b.features[y]
	b.mu.Unlock()
	if !okH || !okA || !okB {
		return 0, native.InvalidParam
	}
	return utils.CosineSimilarity(va, vb), native.OK
}

func (b *Backend) ProcessAttributes(native.Handle, *native.ImageInfo, native.MultiFaceInfo, native.Mask) native.Code {
	return native.Unsupported
}

func (b *Backend) Attributes(native.Handle) (native.Attributes, native.Code) {
	return native.Attributes{}, native.Unsupported
}

func (b *Backend) Liveness(native.Handle, native.LivenessKind) (native.Liveness, native.Code) {
	return native.Liveness{}, native.Unsupported
}

func (b *Backend) recognize(h native.Handle, img *native.ImageInfo) ([]face.Face, native.Code) {
	b.mu.Lock()
	rec, ok := b.recs[h]
	b.mu.Unlock()
	if !ok || img == nil {
		return nil, native.InvalidParam
	}
	faces, err := rec.Recognize(img.Encoded)
	if err != nil {
		b.log.Debug("dlib recognize failed", zap.Error(err))
		return nil, native.InvalidParam
	}
	return faces, native.OK
}

func rect(r image.Rectangle) native.Rect {
	return native.Rect{Left: r.Min.X, Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y}
}
