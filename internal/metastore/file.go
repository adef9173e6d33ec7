package metastore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"yuxicoord/internal/types"
)

const (
	metadataFileName = "global_metadata.json"
	backupSuffix     = ".backup"
)

// renameFile is swapped out in tests to simulate a failing write step.
var renameFile = os.Rename

// fileDocument is the on-disk envelope around the caller's mapping.
type fileDocument struct {
	Databases map[string]any `json:"databases"`
	UpdatedAt string         `json:"updated_at"`
	Version   string         `json:"version"`
}

// FileStore keeps the metadata document as a single JSON file under the
// working directory, with a rolling backup of the previous snapshot.
// Writes go through a temp file and an atomic rename so a concurrent
// reader never sees a partially written document. There is one document
// per working directory; the key argument exists for parity with the
// database backend.
type FileStore struct {
	workDir string
	mu      sync.Mutex
}

func NewFileStore(workDir string) *FileStore {
	return &FileStore{workDir: workDir}
}

func (s *FileStore) path() string {
	return filepath.Join(s.workDir, metadataFileName)
}

// Load reads the current document. A missing file yields an empty
// mapping; an unreadable or corrupt file triggers one read of the backup
// before giving up with an empty mapping. Load never fails.
func (s *FileStore) Load(ctx context.Context, key string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path()
	doc, err := readDocument(path)
	if err == nil {
		return doc.Databases
	}
	if os.IsNotExist(err) {
		return map[string]any{}
	}

	log.WithError(err).WithField("path", path).Error("failed to load metadata from file")
	doc, berr := readDocument(path + backupSuffix)
	if berr != nil {
		if !os.IsNotExist(berr) {
			log.WithError(berr).Error("failed to load metadata backup")
		}
		return map[string]any{}
	}
	log.Info("loaded metadata from backup")
	return doc.Databases
}

// Save replaces the document. If a prior document exists it is copied to
// the backup path first; if the write step then fails, the target is
// restored from that backup before the error is returned.
func (s *FileStore) Save(ctx context.Context, key string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path()
	backup := path + backupSuffix

	backedUp := false
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, backup); err != nil {
			return types.Err(types.ErrStorageWrite, err, "failed to back up %s", path)
		}
		backedUp = true
	}

	doc := fileDocument{
		Databases: value,
		UpdatedAt: types.UTCNow(),
		Version:   SchemaVersion,
	}
	if err := writeAtomic(path, doc); err != nil {
		log.WithError(err).WithField("path", path).Error("failed to save metadata to file")
		if backedUp {
			if rerr := copyFile(backup, path); rerr != nil {
				log.WithError(rerr).Error("failed to restore metadata backup")
			} else {
				log.Info("restored metadata from backup")
			}
		}
		return types.Err(types.ErrStorageWrite, err, "")
	}
	log.Debug("saved global metadata to file")
	return nil
}

func readDocument(path string) (fileDocument, error) {
	var doc fileDocument
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, types.Err(types.ErrStorageCorrupt, err, "")
	}
	if doc.Databases == nil {
		doc.Databases = map[string]any{}
	}
	return doc, nil
}

// writeAtomic marshals doc into a fresh temp file in the target's
// directory, then renames it over the target. The rename is what makes
// the replace atomic at the filesystem level.
func writeAtomic(path string, doc fileDocument) error {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp_*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := renameFile(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
