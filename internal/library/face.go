package library

import (
	"fmt"
	"sync"

	"github.com/andresmejia3/faceengine/internal/native"
)

// Allocator turns feature bytes into backend-owned features and frees them.
type Allocator interface {
	NewFeature(b []byte) (native.Feature, native.Code)
	FreeFeature(f native.Feature)
}

// Face is a registered face. It owns one native feature from construction until Release.
type Face struct {
	ID  string
	Tag any

	bytes []byte
	alloc Allocator

	mu      sync.RWMutex
	feature native.Feature
}

// NewFace copies feature and allocates its native counterpart.
func NewFace(alloc Allocator, id string, feature []byte, tag any) (*Face, error) {
	if len(feature) == 0 {
		return nil, fmt.Errorf("face %q: empty feature", id)
	}
	f, code := alloc.NewFeature(feature)
	if code != native.OK {
		return nil, fmt.Errorf("face %q: invalid face feature: %w", id, code)
	}
	return &Face{
		ID:      id,
		Tag:     tag,
		bytes:   append([]byte(nil), feature...),
		alloc:   alloc,
		feature: f,
	}, nil
}

// FeatureBytes returns a copy of the feature the face was registered with.
func (f *Face) FeatureBytes() []byte {
	return append([]byte(nil), f.bytes...)
}

// Registered reports whether the face still owns its native feature.
func (f *Face) Registered() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.feature != 0
}

// Use runs fn with the native feature, holding off Release until fn returns.
// It reports false, without calling fn, once the face has been released.
func (f *Face) Use(fn func(native.Feature)) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.feature == 0 {
		return false
	}
	fn(f.feature)
	return true
}

// Release frees the native feature. Only the first call has an effect.
func (f *Face) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feature == 0 {
		return
	}
	f.alloc.FreeFeature(f.feature)
	f.feature = 0
}
