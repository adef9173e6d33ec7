package ports

import "context"

// MetadataStore persists keyed metadata documents. Writing a key is a
// full replace, never a merge; there is exactly one current value per
// key in the active backend.
type MetadataStore interface {
	// Load returns the stored mapping for key, or an empty mapping when
	// the key is absent. Load never fails: unreadable storage is logged
	// and reported as an empty mapping.
	Load(ctx context.Context, key string) map[string]any

	// Save replaces the mapping stored under key. A failed save is the
	// one storage error that callers must see.
	Save(ctx context.Context, key string, value map[string]any) error
}
