// Package search matches a query feature against a face library, spreading the comparisons over
// every Image-mode engine.
package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/faceengine/internal/library"
	"github.com/andresmejia3/faceengine/internal/logging"
	"github.com/andresmejia3/faceengine/internal/native"
	"github.com/andresmejia3/faceengine/internal/pool"
)

// Recognition is a single search hit.
type Recognition struct {
	FaceID     string  `json:"face_id"`
	Similarity float32 `json:"similarity"`
}

// Recognitions is the unordered result of one search.
type Recognitions []Recognition

// Best returns the most similar hit. Equal similarities resolve to the smallest FaceID.
func (r Recognitions) Best() (Recognition, bool) {
	if len(r) == 0 {
		return Recognition{}, false
	}
	best := r[0]
	for _, c := range r[1:] {
		if c.Similarity > best.Similarity || (c.Similarity == best.Similarity && c.FaceID < best.FaceID) {
			best = c
		}
	}
	return best, true
}

// Sorted returns a copy ordered best first, using the same tie-break as Best.
func (r Recognitions) Sorted() Recognitions {
	out := append(Recognitions{}, r...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].FaceID < out[j].FaceID
	})
	return out
}

// Span is a half-open index range [Start, End).
type Span struct{ Start, End int }

// Len returns the number of indices in s.
func (s Span) Len() int { return s.End - s.Start }

// Partition splits n items into exactly groups contiguous spans of ceil(n/groups) items; trailing
// spans may be short or empty. A groups value below one is treated as one.
func Partition(n, groups int) []Span {
	if groups < 1 {
		groups = 1
	}
	if n < 0 {
		n = 0
	}
	step := (n + groups - 1) / groups
	spans := make([]Span, groups)
	for i := range spans {
		spans[i] = Span{Start: min(i*step, n), End: min((i+1)*step, n)}
	}
	return spans
}

// Backend is the part of the native engine a search needs.
type Backend interface {
	library.Allocator
	Compare(h native.Handle, a, b native.Feature) (float32, native.Code)
}

// Lender hands out engine handles per mode.
type Lender interface {
	Acquire(ctx context.Context, mode native.Mode) (*pool.Guard, error)
	Capacity(mode native.Mode) int
}

// Query describes one search.
type Query struct {
	Feature       []byte
	MinSimilarity float32
	// Predicate restricts the search to the faces it accepts; nil accepts all.
	Predicate func(*library.Face) bool
}

// Coordinator runs searches.
type Coordinator struct {
	backend Backend
	lender  Lender
	log     *zap.Logger
}

// New returns a Coordinator comparing on backend with Image handles from lender.
func New(backend Backend, lender Lender, log *zap.Logger) *Coordinator {
	return &Coordinator{backend: backend, lender: lender, log: logging.OrNop(log)}
}

// Search compares q.Feature with every face of lib accepted by q.Predicate and returns the faces whose
// similarity is above q.MinSimilarity. Faces that fail to compare are skipped. The result is never nil.
func (c *Coordinator) Search(ctx context.Context, lib *library.Library, q Query) (Recognitions, error) {
	query, code := c.backend.NewFeature(q.Feature)
	if code != native.OK {
		return nil, fmt.Errorf("invalid query feature: %w", code)
	}
	defer c.backend.FreeFeature(query)

	entries := lib.Snapshot(q.Predicate)
	spans := Partition(len(entries), c.lender.Capacity(native.ModeImage))

	var (
		mu      sync.Mutex
		hits    = Recognitions{}
		skipped atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, span := range spans {
		if span.Len() == 0 {
			continue
		}
		part := entries[span.Start:span.End]
		g.Go(func() error {
			guard, err := c.lender.Acquire(gctx, native.ModeImage)
			if err != nil {
				return err
			}
			defer guard.Release()

			local := make(Recognitions, 0, len(part))
			for _, e := range part {
				var (
					sim float32
					rc  native.Code
				)
				if !e.Face.Use(func(f native.Feature) { sim, rc = c.backend.Compare(guard.Handle(), query, f) }) {
					// Removed after the snapshot was taken.
					continue
				}
				if rc != native.OK {
					skipped.Add(1)
					c.log.Debug("compare failed", zap.String("face", e.ID), zap.Int64("code", int64(rc)))
					continue
				}
				if sim > q.MinSimilarity {
					local = append(local, Recognition{FaceID: e.ID, Similarity: sim})
				}
			}

			mu.Lock()
			hits = append(hits, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search %q: %w", lib.Key(), err)
	}

	if n := skipped.Load(); n > 0 {
		c.log.Debug("search skipped faces", zap.String("library", lib.Key()), zap.Int64("skipped", n))
	}
	return hits, nil
}
