// Package linkregistry implements the persistent record of symlinks
// (and hardlink/copy fallbacks) the mapper creates into host-app model
// directories.
package linkregistry

import (
	"os"
	"sync"
	"time"

	"github.com/pumas-run/pumas/internal/jsonstore"
)

// LinkType is how a library file was materialized into an app directory.
type LinkType string

const (
	LinkSymlink  LinkType = "symlink"
	LinkHardlink LinkType = "hardlink"
	LinkCopy     LinkType = "copy"
)

// Entry is one registered link from a library file into an app directory.
type Entry struct {
	ModelID    string    `json:"model_id"`
	Source     string    `json:"source"`
	Target     string    `json:"target"`
	LinkType   LinkType  `json:"link_type"`
	CreatedAt  time.Time `json:"created_at"`
	AppID      string    `json:"app_id"`
	AppVersion string    `json:"app_version,omitempty"`
}

type document struct {
	Entries []Entry `json:"entries"`
}

// Registry is the persistent, lock-protected link registry.
type Registry struct {
	mu   sync.RWMutex
	path string
	doc  document
}

// Open loads the registry from path, creating an empty one if the file
// does not yet exist.
func Open(path string) (*Registry, error) {
	doc, err := jsonstore.Read[document](path)
	if err != nil {
		return nil, err
	}
	r := &Registry{path: path}
	if doc != nil {
		r.doc = *doc
	} else if err := jsonstore.Write(path, r.doc, false); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) saveLocked() error {
	return jsonstore.Write(r.path, r.doc, true)
}

// Register records entry, replacing any existing entry with the same
// target: at most one entry may exist per target.
func (r *Registry) Register(entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.doc.Entries {
		if e.Target == entry.Target {
			r.doc.Entries[i] = entry
			return r.saveLocked()
		}
	}
	r.doc.Entries = append(r.doc.Entries, entry)
	return r.saveLocked()
}

// GetAll returns a copy of every registered entry.
func (r *Registry) GetAll() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.doc.Entries))
	copy(out, r.doc.Entries)
	return out
}

// GetLinksForModel returns every entry for modelID.
func (r *Registry) GetLinksForModel(modelID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for _, e := range r.doc.Entries {
		if e.ModelID == modelID {
			out = append(out, e)
		}
	}
	return out
}

// RemoveAllForModel deletes every entry for modelID and returns the
// target paths removed, so the caller can unlink the underlying files.
func (r *Registry) RemoveAllForModel(modelID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	kept := r.doc.Entries[:0]
	for _, e := range r.doc.Entries {
		if e.ModelID == modelID {
			removed = append(removed, e.Target)
			continue
		}
		kept = append(kept, e)
	}
	r.doc.Entries = kept
	if len(removed) == 0 {
		return nil, nil
	}
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	return removed, nil
}

// CleanupBroken removes every broken entry and returns the entries
// removed. An entry is broken if it is a symlink whose source no longer
// exists, or a hardlink/copy whose target no longer exists.
func (r *Registry) CleanupBroken() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var broken []Entry
	kept := r.doc.Entries[:0]
	for _, e := range r.doc.Entries {
		if isBroken(e) {
			broken = append(broken, e)
			continue
		}
		kept = append(kept, e)
	}
	r.doc.Entries = kept
	if len(broken) == 0 {
		return nil, nil
	}
	if err := r.saveLocked(); err != nil {
		return nil, err
	}
	return broken, nil
}

func isBroken(e Entry) bool {
	if e.LinkType == LinkSymlink {
		_, err := os.Stat(e.Source)
		return os.IsNotExist(err)
	}
	_, err := os.Stat(e.Target)
	return os.IsNotExist(err)
}
