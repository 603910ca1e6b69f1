// Package registry owns the API descriptors: built-in system entries seeded
// from the embedded catalog and user registrations persisted in storage.
//
// Readers work on an immutable snapshot; writers are serialized, persist
// first and then publish a new snapshot, so a reader never observes a
// half-applied mutation.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/conversa/internal/apperr"
	"github.com/kalambet/conversa/internal/descriptor"
)

// Store is the persistence the registry writes through to.
type Store interface {
	SaveDescriptor(d descriptor.Descriptor) error
	UpdateDescriptor(d descriptor.Descriptor) error
	DeleteDescriptor(id string) error
	ListDescriptors() ([]descriptor.Descriptor, error)
}

// Sealer encrypts credentials before they are stored.
type Sealer interface {
	Encrypt(secret string) (string, error)
}

type snapshot map[string]descriptor.Descriptor

type Registry struct {
	store Store
	vault Sealer
	now   func() time.Time

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[snapshot]
}

// New returns an empty registry. Call Load to hydrate it from the store.
func New(store Store, vault Sealer) *Registry {
	r := &Registry{store: store, vault: vault, now: time.Now}
	empty := snapshot{}
	r.snap.Store(&empty)
	return r
}

// Load replaces the snapshot with the stored descriptors. Entries whose
// response mapping no longer parses are skipped with a warning.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	list, err := r.store.ListDescriptors()
	if err != nil {
		return fmt.Errorf("loading descriptors: %w", err)
	}
	next := make(snapshot, len(list))
	for _, d := range list {
		if err := d.Compile(); err != nil {
			slog.Warn("skipping stored descriptor", "api_id", d.ID, "error", err)
			continue
		}
		next[d.ID] = d
	}
	r.snap.Store(&next)
	return nil
}

// SeedSystem inserts or refreshes the catalog's system descriptors. Keys are
// read through getenv; a keyed entry without a key is stored inactive, or
// keeps the ciphertext stored by an earlier run.
func (r *Registry) SeedSystem(catalog []CatalogEntry, getenv func(string) string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.clone()
	for _, e := range catalog {
		var key string
		if e.Auth.KeyEnv != "" {
			key = getenv(e.Auth.KeyEnv)
		}
		draft := e.draft(key).Normalize()
		if err := draft.Validate(false); err != nil {
			return fmt.Errorf("seeding %s: %w", e.ID, err)
		}

		now := r.now().UTC()
		cur, exists := next[e.ID]
		d := draft.Apply(descriptor.Descriptor{ID: e.ID, IsSystem: true, CreatedAt: now})
		if exists {
			d.CreatedAt = cur.CreatedAt
		}
		d.UpdatedAt = now

		switch {
		case !d.Auth.NeedsKey():
		case key != "":
			sealed, err := r.vault.Encrypt(key)
			if err != nil {
				return fmt.Errorf("encrypting key for %s: %w", e.ID, err)
			}
			d.Auth.Key = sealed
		case exists && cur.Auth.Kind == d.Auth.Kind && cur.Auth.Key != "":
			d.Auth.Key = cur.Auth.Key
		}
		d.IsActive = !d.Auth.NeedsKey() || d.Auth.Key != ""
		if !d.IsActive {
			slog.Info("system api inactive: credential not configured", "api_id", e.ID, "env", e.Auth.KeyEnv)
		}
		if err := d.Compile(); err != nil {
			return fmt.Errorf("seeding %s: %w", e.ID, err)
		}

		if exists {
			err := r.store.UpdateDescriptor(d)
			if err != nil {
				return fmt.Errorf("refreshing %s: %w", e.ID, err)
			}
		} else if err := r.store.SaveDescriptor(d); err != nil {
			return fmt.Errorf("seeding %s: %w", e.ID, err)
		}
		next[d.ID] = d
	}
	r.snap.Store(&next)
	return nil
}

// Get returns the descriptor with id, active or not.
func (r *Registry) Get(id string) (descriptor.Descriptor, error) {
	d, ok := (*r.snap.Load())[id]
	if !ok {
		return descriptor.Descriptor{}, apperr.NotFound("api", id)
	}
	return d.Clone(), nil
}

// List returns active descriptors, system entries first, then by creation
// time. User entries only when includeSystem is false.
func (r *Registry) List(includeSystem bool) []descriptor.Descriptor {
	return r.filter(func(d descriptor.Descriptor) bool {
		return d.IsActive && (includeSystem || !d.IsSystem)
	})
}

// Active returns every descriptor eligible for classification.
func (r *Registry) Active() []descriptor.Descriptor {
	return r.List(true)
}

func (r *Registry) filter(keep func(descriptor.Descriptor) bool) []descriptor.Descriptor {
	snap := *r.snap.Load()
	out := make([]descriptor.Descriptor, 0, len(snap))
	for _, d := range snap {
		if keep(d) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsSystem != b.IsSystem {
			return a.IsSystem
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Register validates draft, encrypts its credential and stores a new user
// descriptor.
func (r *Registry) Register(draft descriptor.Draft) (descriptor.Descriptor, error) {
	draft = draft.Normalize()
	if err := draft.Validate(true); err != nil {
		return descriptor.Descriptor{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	d := draft.Apply(descriptor.Descriptor{
		ID:        uuid.NewString(),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err := r.seal(&d); err != nil {
		return descriptor.Descriptor{}, err
	}
	if err := d.Compile(); err != nil {
		return descriptor.Descriptor{}, err
	}
	if err := r.store.SaveDescriptor(d); err != nil {
		return descriptor.Descriptor{}, fmt.Errorf("registering api: %w", err)
	}

	next := r.clone()
	next[d.ID] = d
	r.snap.Store(&next)
	slog.Info("api registered", "api_id", d.ID, "name", d.Name)
	if ids := overlappingSystem(next, d); len(ids) > 0 {
		slog.Warn("intent keywords overlap system apis", "api_id", d.ID, "system_apis", ids)
	}
	return d.Clone(), nil
}

// Update replaces a user descriptor's fields with draft. A keyed auth variant
// sent without a key (or with the listing mask) keeps the stored credential
// when the variant kind is unchanged.
func (r *Registry) Update(id string, draft descriptor.Draft) (descriptor.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := (*r.snap.Load())[id]
	if !ok {
		return descriptor.Descriptor{}, apperr.NotFound("api", id)
	}
	if cur.IsSystem {
		return descriptor.Descriptor{}, fmt.Errorf("%w: system api %q is read-only", apperr.ErrForbidden, id)
	}

	draft = draft.Normalize()
	keep := draft.Auth.NeedsKey() && (draft.Auth.Key == "" || draft.Auth.IsRedacted())
	if keep {
		draft.Auth.Key = ""
	}
	if err := draft.Validate(false); err != nil {
		return descriptor.Descriptor{}, err
	}

	d := draft.Apply(cur.Clone())
	d.UpdatedAt = r.now().UTC()
	if keep {
		if cur.Auth.Kind != d.Auth.Kind || cur.Auth.Key == "" {
			return descriptor.Descriptor{}, apperr.Validation("auth_config: %s variant requires key", d.Auth.Kind)
		}
		d.Auth.Key = cur.Auth.Key
	} else if err := r.seal(&d); err != nil {
		return descriptor.Descriptor{}, err
	}
	if err := d.Compile(); err != nil {
		return descriptor.Descriptor{}, err
	}
	if err := r.store.UpdateDescriptor(d); err != nil {
		return descriptor.Descriptor{}, fmt.Errorf("updating api %s: %w", id, err)
	}

	next := r.clone()
	next[d.ID] = d
	r.snap.Store(&next)
	slog.Info("api updated", "api_id", d.ID)
	return d.Clone(), nil
}

// Delete removes a user descriptor.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := (*r.snap.Load())[id]
	if !ok {
		return apperr.NotFound("api", id)
	}
	if cur.IsSystem {
		return fmt.Errorf("%w: system api %q is read-only", apperr.ErrForbidden, id)
	}
	if err := r.store.DeleteDescriptor(id); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("deleting api %s: %w", id, err)
	}

	next := r.clone()
	delete(next, id)
	r.snap.Store(&next)
	slog.Info("api deleted", "api_id", id)
	return nil
}

func (r *Registry) seal(d *descriptor.Descriptor) error {
	if !d.Auth.NeedsKey() {
		return nil
	}
	sealed, err := r.vault.Encrypt(d.Auth.Key)
	if err != nil {
		return fmt.Errorf("encrypting credential: %w", err)
	}
	d.Auth.Key = sealed
	return nil
}

// clone copies the current snapshot map. Must hold r.mu.
func (r *Registry) clone() snapshot {
	cur := *r.snap.Load()
	next := make(snapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// overlappingSystem lists active system descriptors sharing an intent keyword
// with d. Classification falls back to the tie-break order for them.
func overlappingSystem(snap snapshot, d descriptor.Descriptor) []string {
	mine := make(map[string]bool, len(d.IntentKeywords))
	for _, k := range d.IntentKeywords {
		mine[strings.ToLower(k)] = true
	}
	var ids []string
	for _, o := range snap {
		if !o.IsSystem || !o.IsActive {
			continue
		}
		for _, k := range o.IntentKeywords {
			if mine[strings.ToLower(k)] {
				ids = append(ids, o.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}
