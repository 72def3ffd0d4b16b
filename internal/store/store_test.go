package store

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/speexx/guetzli-service/internal/metadata"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return st
}

func TestAdmit_WritesSourceFileUnderGeneratedID(t *testing.T) {
	st := newTestStore(t)

	id, err := st.Admit(bytes.NewReader([]byte("jpeg-bytes")), metadata.SourceJPG)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(id) != 32 {
		t.Errorf("content id length = %d, want 32", len(id))
	}

	rc, err := st.ReadSource(id, metadata.SourceJPG)
	if err != nil {
		t.Fatalf("ReadSource: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "jpeg-bytes" {
		t.Errorf("source bytes = %q, want %q", got, "jpeg-bytes")
	}
}

func TestReadSource_MissingID_ReturnsNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.ReadSource("doesnotexist", metadata.SourceJPG)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("ReadSource missing id: got %v, want ErrNotFound", err)
	}
}

func TestWriteMeta_ThenReadMeta_RoundTrips(t *testing.T) {
	st := newTestStore(t)
	rec := metadata.Record{
		ContentID:     "aaaa0000000000000000000000000000",
		Status:        metadata.StatusStored,
		StoredAt:      time.Now().Truncate(time.Second),
		SourceType:    metadata.SourceJPG,
		SourceQuality: 80,
		SourceSize:    1000,
	}
	if err := st.WriteMeta(rec); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}
	got, err := st.ReadMeta(rec.ContentID)
	if err != nil {
		t.Fatalf("ReadMeta: %v", err)
	}
	if got.Status != metadata.StatusStored || got.SourceQuality != 80 {
		t.Errorf("ReadMeta = %+v, want status stored and quality 80", got)
	}
}

func TestDelete_RemovesEntryDirectoryRecursively(t *testing.T) {
	st := newTestStore(t)
	id, err := st.Admit(bytes.NewReader([]byte("data")), metadata.SourcePNG)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := st.WriteMeta(metadata.Record{ContentID: id, Status: metadata.StatusStored, StoredAt: time.Now()}); err != nil {
		t.Fatalf("WriteMeta: %v", err)
	}

	if err := st.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := os.Stat(filepath.Join(st.baseDir, id)); !os.IsNotExist(err) {
		t.Errorf("entry directory still exists after Delete")
	}
}

func TestDelete_MissingEntry_IsNoOp(t *testing.T) {
	st := newTestStore(t)
	if err := st.Delete("never-existed"); err != nil {
		t.Errorf("Delete on missing entry: %v, want nil", err)
	}
}

func TestListContentIDs_EnumeratesEntryDirectories(t *testing.T) {
	st := newTestStore(t)
	id1, _ := st.Admit(bytes.NewReader([]byte("a")), metadata.SourceJPG)
	id2, _ := st.Admit(bytes.NewReader([]byte("b")), metadata.SourceJPG)

	ids, err := st.ListContentIDs()
	if err != nil {
		t.Fatalf("ListContentIDs: %v", err)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[id1] || !seen[id2] {
		t.Errorf("ListContentIDs = %v, want to contain %s and %s", ids, id1, id2)
	}
}
