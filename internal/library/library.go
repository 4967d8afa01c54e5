// Package library keeps named, concurrently accessible collections of registered faces.
package library

import (
	"sort"
	"strings"
	"sync"
)

// DefaultKey names the library that always exists.
const DefaultKey = "default"

// Entry is one (id, face) pair of a snapshot.
type Entry struct {
	ID   string
	Face *Face
}

// Library maps face ids to faces. Faces handed to a mutating method belong to the library from then on:
// whatever it does not keep, it releases.
type Library struct {
	key string

	mu    sync.RWMutex
	faces map[string]*Face
}

func newLibrary(key string) *Library {
	return &Library{key: key, faces: make(map[string]*Face)}
}

// Key returns the library name.
func (l *Library) Key() string { return l.key }

// Init replaces the whole content with faces. On duplicate ids the last one wins.
func (l *Library) Init(faces []*Face) {
	next := make(map[string]*Face, len(faces))
	var dropped []*Face
	for _, f := range faces {
		if f == nil {
			continue
		}
		if prev, ok := next[f.ID]; ok && prev != f {
			dropped = append(dropped, prev)
		}
		next[f.ID] = f
	}

	l.mu.Lock()
	old := l.faces
	l.faces = next
	l.mu.Unlock()

	releaseAll(dropped, next)
	releaseMap(old, next)
}

// TryInit replaces the whole content with faces, keeping the first of duplicate ids.
// It reports whether every face was kept and how many were.
func (l *Library) TryInit(faces []*Face) (bool, int) {
	next := make(map[string]*Face, len(faces))
	var rejected []*Face
	total := 0
	for _, f := range faces {
		if f == nil {
			continue
		}
		total++
		if prev, ok := next[f.ID]; ok {
			if prev != f {
				rejected = append(rejected, f)
			}
			continue
		}
		next[f.ID] = f
	}

	l.mu.Lock()
	old := l.faces
	l.faces = next
	l.mu.Unlock()

	releaseAll(rejected, next)
	releaseMap(old, next)
	return len(next) >= total, len(next)
}

// Add inserts each face whose id is not present yet. Rejected faces are released.
// It reports whether every face was inserted and how many were.
func (l *Library) Add(faces []*Face) (bool, int) {
	var rejected []*Face
	n, total := 0, 0

	l.mu.Lock()
	for _, f := range faces {
		if f == nil {
			continue
		}
		total++
		if _, exists := l.faces[f.ID]; exists {
			if l.faces[f.ID] != f {
				rejected = append(rejected, f)
			}
			continue
		}
		l.faces[f.ID] = f
		n++
	}
	l.mu.Unlock()

	for _, f := range rejected {
		f.Release()
	}
	return n >= total, n
}

// Put inserts or replaces faces by id. Replaced faces are released.
func (l *Library) Put(faces []*Face) {
	var replaced []*Face

	l.mu.Lock()
	for _, f := range faces {
		if f == nil {
			continue
		}
		if prev, ok := l.faces[f.ID]; ok && prev != f {
			replaced = append(replaced, prev)
		}
		l.faces[f.ID] = f
	}
	l.mu.Unlock()

	for _, f := range replaced {
		f.Release()
	}
}

// Remove deletes and releases the faces with the given ids. Blank and unknown ids are skipped.
// It reports whether every present id was removed and how many were.
func (l *Library) Remove(ids ...string) (bool, int) {
	var removed []*Face

	l.mu.Lock()
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		f, ok := l.faces[id]
		if !ok {
			continue
		}
		delete(l.faces, id)
		removed = append(removed, f)
	}
	l.mu.Unlock()

	for _, f := range removed {
		f.Release()
	}
	return true, len(removed)
}

// Get returns the face registered under id.
func (l *Library) Get(id string) (*Face, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f, ok := l.faces[id]
	return f, ok
}

// Len returns the number of registered faces.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.faces)
}

// IDs returns the registered ids in ascending order.
func (l *Library) IDs() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.faces))
	for id := range l.faces {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns the faces accepted by pred (all when pred is nil) ordered by id.
// Later mutations are not reflected in the returned slice.
func (l *Library) Snapshot(pred func(*Face) bool) []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.faces))
	for id, f := range l.faces {
		if pred == nil || pred(f) {
			out = append(out, Entry{ID: id, Face: f})
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear removes and releases every face.
func (l *Library) Clear() {
	l.mu.Lock()
	old := l.faces
	l.faces = make(map[string]*Face)
	l.mu.Unlock()
	releaseMap(old, nil)
}

// releaseMap releases every face of old that is not kept in keep.
func releaseMap(old, keep map[string]*Face) {
	for id, f := range old {
		if k, ok := keep[id]; ok && k == f {
			continue
		}
		f.Release()
	}
}

func releaseAll(faces []*Face, keep map[string]*Face) {
	for _, f := range faces {
		if k, ok := keep[f.ID]; ok && k == f {
			continue
		}
		f.Release()
	}
}

// Libraries holds every named library. The default library always exists.
type Libraries struct {
	mu   sync.RWMutex
	libs map[string]*Library
}

// New returns a set containing only the empty default library.
func New() *Libraries {
	return &Libraries{libs: map[string]*Library{DefaultKey: newLibrary(DefaultKey)}}
}

// Get returns the library named key, creating it on first use. A blank key means the default library.
func (ls *Libraries) Get(key string) *Library {
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}

	ls.mu.RLock()
	lib, ok := ls.libs[key]
	ls.mu.RUnlock()
	if ok {
		return lib
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if lib, ok := ls.libs[key]; ok {
		return lib
	}
	lib = newLibrary(key)
	ls.libs[key] = lib
	return lib
}

// Keys returns every library name in ascending order.
func (ls *Libraries) Keys() []string {
	ls.mu.RLock()
	keys := make([]string, 0, len(ls.libs))
	for k := range ls.libs {
		keys = append(keys, k)
	}
	ls.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Close releases every face of every library. The libraries stay usable and empty.
func (ls *Libraries) Close() {
	ls.mu.RLock()
	libs := make([]*Library, 0, len(ls.libs))
	for _, lib := range ls.libs {
		libs = append(libs, lib)
	}
	ls.mu.RUnlock()

	for _, lib := range libs {
		lib.Clear()
	}
}
