// Package archive stores raw fetched payloads on disk for audit and debug.
// Archiving is a side channel: the ingest pipeline calls it best-effort and
// a failed write never fails the fetch unit.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Archiver persists one raw slot payload.
type Archiver interface {
	Save(slot time.Time, payload []byte) error
}

// DirArchiver writes each payload as one file under a directory,
// named after the slot (20240601_0010.json).
type DirArchiver struct {
	dir string
}

// NewDirArchiver creates an archiver rooted at dir. The directory is created
// lazily on first save.
func NewDirArchiver(dir string) *DirArchiver {
	return &DirArchiver{dir: dir}
}

// Save writes the payload, overwriting any previous archive of the slot.
func (a *DirArchiver) Save(slot time.Time, payload []byte) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	name := slot.UTC().Format("20060102_1504") + ".json"
	if err := os.WriteFile(filepath.Join(a.dir, name), payload, 0o644); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	return nil
}
