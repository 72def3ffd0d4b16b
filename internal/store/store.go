// Package store owns the on-disk layout of entries: one directory per
// content id holding source.{jpg,png}, an optional target.jpg, and a meta
// properties file. It performs no business logic beyond filesystem access.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/magiconair/properties"
	"github.com/rs/zerolog"

	"github.com/speexx/guetzli-service/internal/metacodec"
	"github.com/speexx/guetzli-service/internal/metadata"
)

const metaFileName = "meta"

// ErrNotFound is returned when an entry, its source, or its target is
// absent. Callers compare against it with errors.Is.
var ErrNotFound = errors.New("store: not found")

// ErrCorrupt is returned when a meta file exists but cannot be parsed.
var ErrCorrupt = metacodec.ErrCorrupt

// Store is the on-disk entry repository. One process-wide instance is shared
// by the coordinator, the janitor, and the HTTP resource.
type Store struct {
	baseDir string
	log     zerolog.Logger

	logOnce     sync.Once
}

// New creates a Store rooted at baseDir, creating it if missing.
func New(baseDir string, log zerolog.Logger) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("store: empty base directory")
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create base directory: %w", err)
	}
	s := &Store{baseDir: baseDir, log: log}
	s.logBasePath()
	return s, nil
}

func (s *Store) logBasePath() {
	s.logOnce.Do(func() {
		s.log.Info().Str("base_dir", s.baseDir).Msg("guetzli storage base path")
	})
}

// Admit generates a fresh content id, creates its directory, and streams
// body into source.<ext>. It does not write metadata; the caller completes
// admission with WriteMeta.
func (s *Store) Admit(body io.Reader, sourceType metadata.SourceType) (string, error) {
	id := uuid.New().String()
	id = strings.ReplaceAll(id, "-", "")

	dir := s.entryDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("store: create entry directory: %w", err)
	}

	path := filepath.Join(dir, sourceFileName(sourceType))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("store: create source file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return "", fmt.Errorf("store: write source file: %w", err)
	}
	return id, nil
}

// ReadSource opens the stored source bytes. The caller must Close the
// returned stream.
func (s *Store) ReadSource(contentID string, sourceType metadata.SourceType) (io.ReadCloser, error) {
	return s.openFile(filepath.Join(s.entryDir(contentID), sourceFileName(sourceType)))
}

// ReadTarget opens the stored recompressed target. The caller must Close
// the returned stream.
func (s *Store) ReadTarget(contentID string) (io.ReadCloser, error) {
	return s.openFile(filepath.Join(s.entryDir(contentID), targetFileName))
}

func (s *Store) openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return f, nil
}

// ReadMeta parses the meta file for contentID.
func (s *Store) ReadMeta(contentID string) (metadata.Record, error) {
	rec, _, err := s.readMetaRaw(contentID)
	return rec, err
}

func (s *Store) readMetaRaw(contentID string) (metadata.Record, []byte, error) {
	path := s.metaPath(contentID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return metadata.Record{}, nil, ErrNotFound
		}
		return metadata.Record{}, nil, fmt.Errorf("store: read meta: %w", err)
	}
	rec, _, err := metacodec.Decode(data)
	if err != nil {
		return metadata.Record{}, nil, err
	}
	return rec, data, nil
}

// WriteMeta serializes rec and (re)writes the meta file, preserving any
// unknown keys already present on disk.
func (s *Store) WriteMeta(rec metadata.Record) error {
	dir := s.entryDir(rec.ContentID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("store: create entry directory: %w", err)
	}

	var existing []byte
	if data, err := os.ReadFile(s.metaPath(rec.ContentID)); err == nil {
		existing = data
	}

	var base *properties.Properties
	if existing != nil {
		if _, p, err := metacodec.Decode(existing); err == nil {
			base = p
		}
	}

	out, err := metacodec.Encode(rec, base)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.metaPath(rec.ContentID), out, 0o640); err != nil {
		return fmt.Errorf("store: write meta: %w", err)
	}
	return nil
}

// WriteTarget persists the recompressed bytes as target.jpg.
func (s *Store) WriteTarget(contentID string, data []byte) error {
	path := filepath.Join(s.entryDir(contentID), targetFileName)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("store: write target: %w", err)
	}
	return nil
}

// ListContentIDs enumerates the immediate subdirectories of the base
// directory. Order is unspecified.
func (s *Store) ListContentIDs() ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("store: list entries: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes the content id's directory tree recursively. Per-file
// failures are swallowed so the walk continues; a missing directory is a
// no-op.
func (s *Store) Delete(contentID string) error {
	dir := s.entryDir(contentID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return deleteTree(dir, s.log)
}

// deleteTree mirrors the original DeleteDirectoryVisitor: visit every file
// first (swallowing per-file errors so one locked file doesn't wedge the
// whole sweep), then remove the now-empty directory in a post-visit step.
func deleteTree(dir string, log zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("store: list %s: %w", dir, err)
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if err := deleteTree(path, log); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("delete: subdirectory failed, continuing")
			}
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("delete: remove file failed, continuing")
		}
	}
	return os.Remove(dir)
}

// SourcePath returns the filesystem path of the stored source file. It
// satisfies coordinator.PathResolver.
func (s *Store) SourcePath(contentID string, sourceType metadata.SourceType) string {
	return filepath.Join(s.entryDir(contentID), sourceFileName(sourceType))
}

// TargetPath returns the filesystem path the recompressor should write to.
// It satisfies coordinator.PathResolver.
func (s *Store) TargetPath(contentID string) string {
	return filepath.Join(s.entryDir(contentID), targetFileName)
}

func (s *Store) entryDir(contentID string) string {
	return filepath.Join(s.baseDir, contentID)
}

func (s *Store) metaPath(contentID string) string {
	return filepath.Join(s.entryDir(contentID), metaFileName)
}

func sourceFileName(t metadata.SourceType) string {
	return "source." + t.Extension()
}

const targetFileName = "target.jpg"
