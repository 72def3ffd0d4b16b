package coordinator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/speexx/guetzli-service/internal/metadata"
	"github.com/speexx/guetzli-service/internal/transformer"
)

// fakeStore is an in-memory stand-in for *store.Store so coordinator tests
// never touch a filesystem or spawn a subprocess.
type fakeStore struct {
	mu   sync.Mutex
	recs map[string]metadata.Record
	src  map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[string]metadata.Record{}, src: map[string][]byte{}}
}

func (f *fakeStore) Admit(body io.Reader, sourceType metadata.SourceType) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := idFor(len(f.src))
	f.src[id] = data
	return id, nil
}

func idFor(n int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, 32)
	for i := range b {
		b[i] = hex[0]
	}
	b[31] = hex[n%16]
	return string(b)
}

func (f *fakeStore) ReadMeta(contentID string) (metadata.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[contentID]
	if !ok {
		return metadata.Record{}, errors.New("not found")
	}
	return rec, nil
}

func (f *fakeStore) WriteMeta(rec metadata.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.ContentID] = rec
	return nil
}

func (f *fakeStore) ReadSource(contentID string, sourceType metadata.SourceType) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.src[contentID]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStore) ReadTarget(contentID string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader([]byte("target"))), nil
}

func (f *fakeStore) Delete(contentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, contentID)
	delete(f.src, contentID)
	return nil
}

type fakePaths struct{}

func (fakePaths) SourcePath(contentID string, sourceType metadata.SourceType) string {
	return "/fake/" + contentID + "/source"
}
func (fakePaths) TargetPath(contentID string) string {
	return "/fake/" + contentID + "/target"
}

type fakeProbe struct {
	quality int
	err     error
}

func (f fakeProbe) Probe(ctx context.Context, jpegPath string) (int, error) {
	return f.quality, f.err
}

type fakeTransformer struct {
	err   error
	delay time.Duration
}

func (f fakeTransformer) Transform(ctx context.Context, source, target string, opts ...transformer.Option) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.err
}

func waitForStatus(t *testing.T, st *fakeStore, id string, want metadata.Status) metadata.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.ReadMeta(id)
		if err == nil && rec.Status == want {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("content id %s did not reach status %s in time", id, want)
	return metadata.Record{}
}

func TestSubmit_RejectsOversizeBeforeAdmitting(t *testing.T) {
	st := newFakeStore()
	c := New(st, fakePaths{}, fakeProbe{}, fakeTransformer{}, 2, 0, zerolog.Nop())

	_, err := c.Submit(context.Background(), bytes.NewReader([]byte("x")), MaxSourceSize+1, "image/jpeg", "a.jpg")
	if err == nil {
		t.Fatal("expected TOO_LARGE rejection")
	}
	if len(st.src) != 0 {
		t.Errorf("expected no source admitted, got %d", len(st.src))
	}
}

func TestSubmit_RejectsUnsupportedType(t *testing.T) {
	st := newFakeStore()
	c := New(st, fakePaths{}, fakeProbe{}, fakeTransformer{}, 2, 0, zerolog.Nop())

	_, err := c.Submit(context.Background(), bytes.NewReader([]byte("x")), 10, "image/gif", "a.gif")
	if err == nil {
		t.Fatal("expected UNSUPPORTED_TYPE rejection")
	}
}

func TestSubmit_HappyPath_ReachesTransformed(t *testing.T) {
	st := newFakeStore()
	c := New(st, fakePaths{}, fakeProbe{quality: 90}, fakeTransformer{}, 2, 0, zerolog.Nop())

	id, err := c.Submit(context.Background(), bytes.NewReader([]byte("jpeg")), 4, "image/jpeg", "a.jpg")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// given submit returns, meta must already exist (P1)
	if _, err := st.ReadMeta(id); err != nil {
		t.Fatalf("meta missing immediately after Submit: %v", err)
	}

	rec := waitForStatus(t, st, id, metadata.StatusTransformed)
	if rec.TargetQuality != 90 {
		t.Errorf("TargetQuality = %d, want 90", rec.TargetQuality)
	}
}

func TestSubmit_InitialProbeFailure_RejectsAndRollsBack(t *testing.T) {
	st := newFakeStore()
	c := New(st, fakePaths{}, fakeProbe{err: errors.New("identify: no such file")}, fakeTransformer{}, 2, 0, zerolog.Nop())

	id, err := c.Submit(context.Background(), bytes.NewReader([]byte("jpeg")), 4, "image/jpeg", "a.jpg")
	if err == nil {
		t.Fatal("expected Submit to fail when the initial quality probe errors (I8/P3)")
	}
	if id != "" {
		t.Errorf("expected empty content id on rejection, got %q", id)
	}

	// given the probe failed, the admitted entry must not be left behind
	// with a bogus SourceQuality: 0 (I2)
	if len(st.recs) != 0 {
		t.Errorf("expected no metadata written for a rejected submission, got %d records", len(st.recs))
	}
	if len(st.src) != 0 {
		t.Errorf("expected the admitted source to be rolled back, got %d", len(st.src))
	}
}

func TestSubmit_TransformerFailure_EndsInFailed(t *testing.T) {
	st := newFakeStore()
	c := New(st, fakePaths{}, fakeProbe{quality: 80}, fakeTransformer{err: &transformer.FailedError{ExitCode: 1}}, 2, 0, zerolog.Nop())

	id, err := c.Submit(context.Background(), bytes.NewReader([]byte("jpeg")), 4, "image/jpeg", "a.jpg")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, st, id, metadata.StatusFailed)
}

func TestGetTarget_NotYetTransformed_IsNotFound(t *testing.T) {
	st := newFakeStore()
	c := New(st, fakePaths{}, fakeProbe{}, fakeTransformer{delay: time.Hour}, 2, 0, zerolog.Nop())

	id, err := c.Submit(context.Background(), bytes.NewReader([]byte("jpeg")), 4, "image/jpeg", "a.jpg")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, st, id, metadata.StatusTransforming)

	if _, err := c.GetTarget(id); err == nil {
		t.Error("expected NotFound for target before transformed (P9)")
	}
}

func TestSlotCapacity_AtMostTwoConcurrentTransforms(t *testing.T) {
	st := newFakeStore()
	var active, maxActive int
	var mu sync.Mutex
	track := func(ctx context.Context, source, target string, opts ...transformer.Option) error {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	}
	c := New(st, fakePaths{}, fakeProbe{quality: 80}, transformFunc(track), 2, 0, zerolog.Nop())

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := c.Submit(context.Background(), bytes.NewReader([]byte("jpeg")), 4, "image/jpeg", "a.jpg")
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, st, id, metadata.StatusTransformed)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 2 {
		t.Errorf("observed %d concurrent transforms, want <= 2 (I7/P4)", maxActive)
	}
}

type transformFunc func(ctx context.Context, source, target string, opts ...transformer.Option) error

func (f transformFunc) Transform(ctx context.Context, source, target string, opts ...transformer.Option) error {
	return f(ctx, source, target, opts...)
}
