// Package engine creates and destroys native engine handles with per-mode configuration.
package engine

import (
	"fmt"

	"github.com/andresmejia3/faceengine/internal/config"
	"github.com/andresmejia3/faceengine/internal/native"
)

// ImageMask is the capability set of Image mode engines.
const ImageMask = native.MaskDetect | native.MaskRecognition | native.MaskAge | native.MaskGender | native.Mask3DAngle

// AttributeMask is what ProcessAttributes is asked for on Image mode engines.
const AttributeMask = native.MaskAge | native.MaskGender | native.Mask3DAngle

// InitError reports a handle that could not be created.
type InitError struct {
	Mode native.Mode
	Code native.Code
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to init %s engine: error code %d", e.Mode, int64(e.Code))
}

func (e *InitError) Unwrap() error { return e.Code }

// DestroyError reports a handle the backend refused to destroy. The handle is still live.
type DestroyError struct {
	Handle native.Handle
	Code   native.Code
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("failed to uninit engine %#x: error code %d", uintptr(e.Handle), int64(e.Code))
}

func (e *DestroyError) Unwrap() error { return e.Code }

// Factory turns a mode into a configured handle.
type Factory struct {
	backend native.Backend
	configs map[native.Mode]native.EngineConfig
}

// NewFactory derives the four mode configurations from cfg.
func NewFactory(backend native.Backend, cfg config.EngineConfig) *Factory {
	imageOrient := native.OrientPriority(cfg.ImageOrientPriority)
	videoOrient := native.OrientPriority(cfg.VideoOrientPriority)

	return &Factory{
		backend: backend,
		configs: map[native.Mode]native.EngineConfig{
			native.ModeImage: {
				DetectMode: native.DetectImage,
				Orient:     imageOrient,
				Scale:      cfg.ImageScale,
				MaxFaces:   cfg.MaxDetectFaceNum,
				Mask:       ImageMask,
			},
			native.ModeVideo: {
				DetectMode: native.DetectVideo,
				Orient:     videoOrient,
				Scale:      cfg.VideoScale,
				MaxFaces:   cfg.MaxDetectFaceNum,
				Mask:       native.MaskDetect | native.MaskRecognition,
			},
			// Liveness engines only ever look at one face.
			native.ModeRGB: {
				DetectMode: native.DetectImage,
				Orient:     imageOrient,
				Scale:      cfg.VideoScale,
				MaxFaces:   1,
				Mask:       native.MaskDetect | native.MaskRecognition | native.MaskLiveness,
			},
			native.ModeIR: {
				DetectMode: native.DetectImage,
				Orient:     imageOrient,
				Scale:      cfg.VideoScale,
				MaxFaces:   1,
				Mask:       native.MaskDetect | native.MaskRecognition | native.MaskIRLiveness,
			},
		},
	}
}

// Config returns the configuration handles of mode are created with.
func (f *Factory) Config(mode native.Mode) (native.EngineConfig, bool) {
	cfg, ok := f.configs[mode]
	return cfg, ok
}

// Create initialises a new handle for mode.
func (f *Factory) Create(mode native.Mode) (native.Handle, error) {
	cfg, ok := f.configs[mode]
	if !ok {
		return 0, fmt.Errorf("invalid detection mode %s", mode)
	}
	h, code := f.backend.Init(cfg)
	if code != native.OK {
		return 0, &InitError{Mode: mode, Code: code}
	}
	return h, nil
}

// Destroy releases h. On failure h stays live and must be retried.
func (f *Factory) Destroy(h native.Handle) error {
	if code := f.backend.Uninit(h); code != native.OK {
		return &DestroyError{Handle: h, Code: code}
	}
	return nil
}
