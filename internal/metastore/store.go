package metastore

import (
	"os"
	"strings"

	"yuxicoord/internal/ports"
	"yuxicoord/internal/types"
)

const (
	ConfigModeEnvKey  = "CONFIG_MODE"
	DatabaseURLEnvKey = "DATABASE_URL"
	WorkDirEnvKey     = "WORK_DIR"

	ModeFile     = "file"
	ModeDatabase = "database"

	// DefaultKey is the document key the rest of the system stores its
	// knowledge database registry under.
	DefaultKey = "knowledge_databases"

	// SchemaVersion tags every persisted document.
	SchemaVersion = "2.0"
)

// FromEnv constructs the MetadataStore for this process. The backend is
// selected once from CONFIG_MODE ("file" by default, "database") and is
// fixed for the process lifetime.
func FromEnv() (ports.MetadataStore, error) {
	mode := strings.ToLower(types.Getenv(ConfigModeEnvKey, ModeFile))
	switch mode {
	case ModeDatabase:
		dsn := os.Getenv(DatabaseURLEnvKey)
		if dsn == "" {
			return nil, types.Err(types.ErrInvalidBackend, nil,
				"CONFIG_MODE=database requires %s", DatabaseURLEnvKey)
		}
		return NewDatabaseStore(dsn), nil
	case ModeFile:
		return NewFileStore(types.Getenv(WorkDirEnvKey, ".")), nil
	default:
		return nil, types.Err(types.ErrInvalidBackend, nil, "unknown %s %q", ConfigModeEnvKey, mode)
	}
}
