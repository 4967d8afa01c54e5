package recognizer

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/faceengine/internal/imaging"
	"github.com/andresmejia3/faceengine/internal/library"
	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/search"
)

// SearchOptions narrow a search.
type SearchOptions struct {
	// MinSimilarity overrides the configured threshold when set.
	MinSimilarity *float32
	Predicate     func(*library.Face) bool
	// Library is the library key; blank means the default library.
	Library string
}

// NewFace wraps a feature into a Face owned by the backend. Hand it to a library or Release it.
func (s *Service) NewFace(id string, feature []byte, tag any) (*library.Face, error) {
	return library.NewFace(s.backend, id, feature, tag)
}

// InitLibrary replaces the content of library key with faces; the last face of a repeated id wins.
func (s *Service) InitLibrary(key string, faces []*library.Face) {
	s.libs.Get(key).Init(faces)
}

// TryInitLibrary replaces the content of library key with faces, keeping the first of repeated ids.
func (s *Service) TryInitLibrary(key string, faces []*library.Face) (bool, int) {
	return s.libs.Get(key).TryInit(faces)
}

// InitLibraryFromImages registers the largest face of every image, each under the id derived from
// its source. Nothing changes unless every image yields a face; the failures come back as a *BatchError.
func (s *Service) InitLibraryFromImages(ctx context.Context, key string, imgs []*imaging.Image) error {
	faces, err := s.facesFromImages(ctx, imgs)
	if err != nil {
		release(faces)
		return err
	}
	s.InitLibrary(key, faces)
	return nil
}

// TryInitLibraryFromImages is InitLibraryFromImages keeping whatever succeeded.
// It reports whether every image was registered and how many were.
func (s *Service) TryInitLibraryFromImages(ctx context.Context, key string, imgs []*imaging.Image) (bool, int) {
	faces, err := s.facesFromImages(ctx, imgs)
	s.logBatch(key, err)
	_, n := s.TryInitLibrary(key, faces)
	return n == len(imgs), n
}

// AddFaces inserts or replaces faces in library key.
func (s *Service) AddFaces(key string, faces []*library.Face) {
	s.libs.Get(key).Put(faces)
}

// TryAddFaces inserts the faces whose id is not in library key yet.
func (s *Service) TryAddFaces(key string, faces []*library.Face) (bool, int) {
	return s.libs.Get(key).Add(faces)
}

// AddImages registers the largest face of every image in library key, replacing existing ids.
// Nothing changes unless every image yields a face.
func (s *Service) AddImages(ctx context.Context, key string, imgs []*imaging.Image) error {
	faces, err := s.facesFromImages(ctx, imgs)
	if err != nil {
		release(faces)
		return err
	}
	s.AddFaces(key, faces)
	return nil
}

// TryAddImages registers what it can of imgs without replacing existing ids.
// It reports whether every image was registered and how many were.
func (s *Service) TryAddImages(ctx context.Context, key string, imgs []*imaging.Image) (bool, int) {
	faces, err := s.facesFromImages(ctx, imgs)
	s.logBatch(key, err)
	_, n := s.TryAddFaces(key, faces)
	return n == len(imgs), n
}

// RemoveFaces removes ids from library key and returns how many were present.
func (s *Service) RemoveFaces(key string, ids ...string) int {
	_, n := s.libs.Get(key).Remove(ids...)
	return n
}

// TryRemoveFaces removes ids from library key. Blank and unknown ids are not failures.
func (s *Service) TryRemoveFaces(key string, ids ...string) (bool, int) {
	return s.libs.Get(key).Remove(ids...)
}

// LibraryIDs lists the face ids of library key.
func (s *Service) LibraryIDs(key string) []string {
	return s.libs.Get(key).IDs()
}

// Search finds the faces of a library similar to feature.
func (s *Service) Search(ctx context.Context, feature []byte, opts SearchOptions) (search.Recognitions, error) {
	threshold := s.cfg.MinSimilarity
	if opts.MinSimilarity != nil {
		threshold = *opts.MinSimilarity
	}
	return s.search.Search(ctx, s.libs.Get(opts.Library), search.Query{
		Feature:       feature,
		MinSimilarity: threshold,
		Predicate:     opts.Predicate,
	})
}

// SearchImage searches with the largest face of img. An image without a face fails with a *NoFaceError.
func (s *Service) SearchImage(ctx context.Context, img *imaging.Image, opts SearchOptions) (search.Recognitions, error) {
	feature, err := s.ExtractFeature(ctx, img)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, feature, opts)
}

// facesFromImages extracts one Face per image concurrently. The returned faces are those that
// succeeded, in input order; err is a *BatchError when any image failed.
func (s *Service) facesFromImages(ctx context.Context, imgs []*imaging.Image) ([]*library.Face, error) {
	results := make([]*library.Face, len(imgs))
	var (
		mu       sync.Mutex
		failures []error
	)
	fail := func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.pools.Capacity(native.ModeImage), 1))
	for i, img := range imgs {
		i, img := i, img
		g.Go(func() error {
			feature, err := s.ExtractFeature(gctx, img)
			if err != nil {
				fail(err)
				return nil
			}
			face, err := s.NewFace(imaging.FaceID(img.Source), feature, img.Source)
			if err != nil {
				fail(err)
				return nil
			}
			results[i] = face
			return nil
		})
	}
	_ = g.Wait()

	faces := make([]*library.Face, 0, len(imgs))
	for _, f := range results {
		if f != nil {
			faces = append(faces, f)
		}
	}
	if len(failures) > 0 {
		return faces, &BatchError{Total: len(imgs), Errors: failures}
	}
	return faces, nil
}

func (s *Service) logBatch(key string, err error) {
	if err != nil {
		s.log.Warn("some images were not registered", zap.String("library", key), zap.Error(err))
	}
}

func release(faces []*library.Face) {
	for _, f := range faces {
		f.Release()
	}
}
