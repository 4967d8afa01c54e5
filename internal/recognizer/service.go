// Package recognizer is the face engine service: it owns the engine pools and face libraries
// and runs every operation on a handle borrowed for just that call.
package recognizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/andresmejia3/faceengine/internal/config"
	"github.com/andresmejia3/faceengine/internal/engine"
	"github.com/andresmejia3/faceengine/internal/imaging"
	"github.com/andresmejia3/faceengine/internal/library"
	"github.com/andresmejia3/faceengine/internal/logging"
	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/pool"
	"github.com/andresmejia3/faceengine/internal/search"
)

const (
	// ActivationAttempts bounds how often Activate asks the backend.
	ActivationAttempts = 5
	// DefaultActivationDelay separates activation attempts.
	DefaultActivationDelay = 2 * time.Second
)

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger handed to every component.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = logging.OrNop(l) }
}

// WithPoolOptions passes extra options to every engine pool.
func WithPoolOptions(opts ...pool.Option) Option {
	return func(s *Service) { s.poolOpts = append(s.poolOpts, opts...) }
}

// WithActivationDelay sets the pause between activation attempts.
func WithActivationDelay(d time.Duration) Option {
	return func(s *Service) { s.activationDelay = d }
}

// Service is safe for concurrent use.
type Service struct {
	cfg     *config.Config
	backend native.Backend
	log     *zap.Logger

	poolOpts        []pool.Option
	activationDelay time.Duration

	pools  *pool.Pools
	libs   *library.Libraries
	search *search.Coordinator

	closeOnce sync.Once
}

// New builds a Service on backend. No engine is created until the first call needs one.
func New(cfg *config.Config, backend native.Backend, opts ...Option) *Service {
	s := &Service{
		cfg:             cfg,
		backend:         backend,
		log:             zap.NewNop(),
		activationDelay: DefaultActivationDelay,
	}
	for _, opt := range opts {
		opt(s)
	}

	factory := engine.NewFactory(backend, cfg.Engine)
	popts := append([]pool.Option{pool.WithLogger(s.log)}, s.poolOpts...)
	s.pools = pool.NewPools(factory, cfg.CapacityFor, popts...)
	s.libs = library.New()
	s.search = search.New(backend, s.pools, s.log)
	return s
}

// Pools exposes the engine pools.
func (s *Service) Pools() *pool.Pools { return s.pools }

// Libraries exposes the face libraries.
func (s *Service) Libraries() *library.Libraries { return s.libs }

// Stats returns the counters of every pool.
func (s *Service) Stats() []pool.Stats { return s.pools.Stats() }

// Activate registers the SDK with the backend, retrying a bounded number of times.
func (s *Service) Activate(ctx context.Context) error {
	key, err := s.cfg.SDKKey()
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(s.activationDelay), 1)
	var last native.Code
	for attempt := 1; attempt <= ActivationAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("activation interrupted: %w", err)
		}
		last = s.backend.Activate(s.cfg.AppID, key)
		if last == native.OK || last == native.AlreadyActivated {
			s.log.Info("engine activated", zap.Int("attempt", attempt))
			return nil
		}
		s.log.Warn("activation failed", zap.Int("attempt", attempt), zap.Int64("code", int64(last)))
	}
	return fmt.Errorf("activation failed after %d attempts: %w", ActivationAttempts, last)
}

// Close stops lending engines and releases every library face. Engines are destroyed in the
// background as they come back; Wait blocks until that finished. Close is idempotent.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.pools.Close()
		s.libs.Close()
		s.log.Debug("service closed")
	})
}

// Wait blocks until every engine is destroyed after Close, or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	return s.pools.Wait(ctx)
}

// FaceAttributes describes one detected face.
type FaceAttributes struct {
	Face   native.FaceInfo `json:"face"`
	Age    int             `json:"age"`
	Gender int             `json:"gender"`
	Angle  native.Angle3D  `json:"angle"`
}

// DetectFaces finds every face in img.
func (s *Service) DetectFaces(ctx context.Context, img *imaging.Image) (native.MultiFaceInfo, error) {
	g, err := s.pools.Acquire(ctx, native.ModeImage)
	if err != nil {
		return native.MultiFaceInfo{}, err
	}
	defer g.Release()
	return s.detect(g, img.Source, img.Info)
}

// ExtractFeatures returns one feature per face in img, in detection order.
func (s *Service) ExtractFeatures(ctx context.Context, img *imaging.Image) ([][]byte, error) {
	g, err := s.pools.Acquire(ctx, native.ModeImage)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	faces, err := s.detect(g, img.Source, img.Info)
	if err != nil {
		return nil, err
	}
	if len(faces.Faces) == 0 {
		return nil, &NoFaceError{Source: img.Source}
	}
	out := make([][]byte, 0, len(faces.Faces))
	for _, f := range faces.Faces {
		feature, code := s.backend.ExtractFeature(g.Handle(), img.Info, f)
		if code != native.OK {
			return nil, &NoFaceError{Source: img.Source, Code: code}
		}
		out = append(out, feature)
	}
	return out, nil
}

// ExtractFeature returns the feature of the largest face in img.
func (s *Service) ExtractFeature(ctx context.Context, img *imaging.Image) ([]byte, error) {
	g, err := s.pools.Acquire(ctx, native.ModeImage)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	faces, err := s.detect(g, img.Source, img.Info)
	if err != nil {
		return nil, err
	}
	i := faces.Largest()
	if i < 0 {
		return nil, &NoFaceError{Source: img.Source}
	}
	feature, code := s.backend.ExtractFeature(g.Handle(), img.Info, faces.Faces[i])
	if code != native.OK {
		return nil, &NoFaceError{Source: img.Source, Code: code}
	}
	return feature, nil
}

// CompareFeatures returns the similarity of two features.
func (s *Service) CompareFeatures(ctx context.Context, a, b []byte) (float32, error) {
	fa, code := s.backend.NewFeature(a)
	if code != native.OK {
		return 0, fmt.Errorf("invalid first feature: %w", code)
	}
	defer s.backend.FreeFeature(fa)
	fb, code := s.backend.NewFeature(b)
	if code != native.OK {
		return 0, fmt.Errorf("invalid second feature: %w", code)
	}
	defer s.backend.FreeFeature(fb)

	g, err := s.pools.Acquire(ctx, native.ModeImage)
	if err != nil {
		return 0, err
	}
	defer g.Release()

	sim, code := s.backend.Compare(g.Handle(), fa, fb)
	if code != native.OK {
		return 0, fmt.Errorf("compare features: %w", code)
	}
	return sim, nil
}

// Attributes estimates age, gender and head pose of every face in img.
func (s *Service) Attributes(ctx context.Context, img *imaging.Image) ([]FaceAttributes, error) {
	g, err := s.pools.Acquire(ctx, native.ModeImage)
	if err != nil {
		return nil, err
	}
	defer g.Release()

	faces, err := s.detect(g, img.Source, img.Info)
	if err != nil {
		return nil, err
	}
	if len(faces.Faces) == 0 {
		return nil, &NoFaceError{Source: img.Source}
	}
	if code := s.backend.ProcessAttributes(g.Handle(), img.Info, faces, engine.AttributeMask); code != native.OK {
		return nil, fmt.Errorf("%s: process attributes: %w", img.Source, code)
	}
	attrs, code := s.backend.Attributes(g.Handle())
	if code != native.OK {
		return nil, fmt.Errorf("%s: read attributes: %w", img.Source, code)
	}

	out := make([]FaceAttributes, len(faces.Faces))
	for i, f := range faces.Faces {
		out[i] = FaceAttributes{Face: f, Age: -1, Gender: -1}
		if i < len(attrs.Ages) {
			out[i].Age = attrs.Ages[i]
		}
		if i < len(attrs.Genders) {
			out[i].Gender = attrs.Genders[i]
		}
		if i < len(attrs.Angles) {
			out[i].Angle = attrs.Angles[i]
		}
	}
	return out, nil
}

// Liveness checks whether the faces in img belong to a live person, on the RGB or IR engines.
func (s *Service) Liveness(ctx context.Context, img *imaging.Image, kind native.LivenessKind) (native.Liveness, error) {
	mode, mask, info := native.ModeRGB, native.MaskLiveness, img.Info
	if kind == native.LivenessIR {
		mode, mask, info = native.ModeIR, native.MaskIRLiveness, img.Gray()
	}

	g, err := s.pools.Acquire(ctx, mode)
	if err != nil {
		return native.Liveness{}, err
	}
	defer g.Release()

	faces, err := s.detect(g, img.Source, info)
	if err != nil {
		return native.Liveness{}, err
	}
	if len(faces.Faces) == 0 {
		return native.Liveness{}, &NoFaceError{Source: img.Source}
	}
	if code := s.backend.ProcessAttributes(g.Handle(), info, faces, mask); code != native.OK {
		return native.Liveness{}, fmt.Errorf("%s: process liveness: %w", img.Source, code)
	}
	live, code := s.backend.Liveness(g.Handle(), kind)
	if code != native.OK {
		return native.Liveness{}, fmt.Errorf("%s: read liveness: %w", img.Source, code)
	}
	return live, nil
}

func (s *Service) detect(g *pool.Guard, source string, info *native.ImageInfo) (native.MultiFaceInfo, error) {
	faces, code := s.backend.Detect(g.Handle(), info)
	if code != native.OK {
		return native.MultiFaceInfo{}, fmt.Errorf("%s: detect faces: %w", source, code)
	}
	return faces, nil
}
