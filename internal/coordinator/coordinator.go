// Package coordinator drives each content id through the
// stored -> waiting -> transforming -> {transformed|failed} state machine,
// gating concurrent transforms to a fixed number of slots.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/speexx/guetzli-service/internal/apierr"
	"github.com/speexx/guetzli-service/internal/metadata"
	"github.com/speexx/guetzli-service/internal/store"
	"github.com/speexx/guetzli-service/internal/transformer"
)

// MaxSourceSize is the admission limit from the data model (I8): 8 MiB.
const MaxSourceSize = 8 * 1024 * 1024

// Store is the subset of *store.Store the coordinator depends on; narrowing
// to an interface keeps coordinator tests independent of the filesystem.
type Store interface {
	Admit(body io.Reader, sourceType metadata.SourceType) (string, error)
	ReadMeta(contentID string) (metadata.Record, error)
	WriteMeta(rec metadata.Record) error
	ReadSource(contentID string, sourceType metadata.SourceType) (io.ReadCloser, error)
	ReadTarget(contentID string) (io.ReadCloser, error)
	Delete(contentID string) error
}

// Prober is the subset of *probe.Prober the coordinator depends on.
type Prober interface {
	Probe(ctx context.Context, jpegPath string) (int, error)
}

// Transformer is the subset of *transformer.Transformer the coordinator
// depends on.
type Transformer interface {
	Transform(ctx context.Context, source, target string, opts ...transformer.Option) error
}

// PathResolver builds the on-disk source/target paths for a content id.
// Kept separate from Store so the coordinator never has to know the base
// directory layout; *store.Store satisfies it directly through its
// SourcePath and TargetPath methods.
type PathResolver interface {
	SourcePath(contentID string, sourceType metadata.SourceType) string
	TargetPath(contentID string) string
}

// Coordinator is the job pipeline: admission, state persistence, and
// bounded-parallel execution of the probe + transformer pair.
type Coordinator struct {
	store   Store
	paths   PathResolver
	probe   Prober
	trans   Transformer
	slots   chan struct{}
	maxSize int64
	log     zerolog.Logger
}

// New builds a Coordinator. slotCapacity is the number of concurrent
// transforms allowed at once; the spec pins this at 2 (invariant I7).
// maxSize is the admission ceiling in bytes (I8); a non-positive value falls
// back to MaxSourceSize.
func New(st Store, paths PathResolver, pr Prober, tr Transformer, slotCapacity int, maxSize int64, log zerolog.Logger) *Coordinator {
	if slotCapacity <= 0 {
		slotCapacity = 2
	}
	if maxSize <= 0 {
		maxSize = MaxSourceSize
	}
	return &Coordinator{
		store:   st,
		paths:   paths,
		probe:   pr,
		trans:   tr,
		slots:   make(chan struct{}, slotCapacity),
		maxSize: maxSize,
		log:     log,
	}
}

// Submit admits a new upload and fires its job asynchronously, returning the
// content id immediately.
func (c *Coordinator) Submit(ctx context.Context, body io.Reader, declaredSize int64, mime, name string) (string, error) {
	if declaredSize > c.maxSize {
		return "", apierr.New(apierr.KindTooLarge, "Image is larger than 8MB")
	}
	sourceType, ok := metadata.ParseSourceType(mime)
	if !ok {
		return "", apierr.New(apierr.KindUnsupportedType, "Content-Type '%s' not supported.", mime)
	}

	id, err := c.store.Admit(body, sourceType)
	if err != nil {
		return "", fmt.Errorf("coordinator: admit: %w", err)
	}

	quality := 100
	if sourceType == metadata.SourceJPG {
		quality, err = c.probe.Probe(ctx, c.paths.SourcePath(id, sourceType))
		if err != nil {
			c.log.Warn().Err(err).Str("content_id", id).Msg("coordinator: initial quality probe failed, rejecting submission")
			if delErr := c.store.Delete(id); delErr != nil {
				c.log.Error().Err(delErr).Str("content_id", id).Msg("coordinator: rollback of admitted entry failed")
			}
			return "", fmt.Errorf("coordinator: initial quality probe: %w", err)
		}
	}

	rec := metadata.Record{
		ContentID:     id,
		Status:        metadata.StatusStored,
		StoredAt:      time.Now().UTC(),
		SourceName:    name,
		SourceType:    sourceType,
		SourceQuality: quality,
		SourceSize:    declaredSize,
	}
	if err := c.store.WriteMeta(rec); err != nil {
		return "", fmt.Errorf("coordinator: write initial metadata: %w", err)
	}

	go c.runJob(context.Background(), id)

	return id, nil
}

// runJob drives one content id from stored through to a terminal state. It
// is launched on its own goroutine per submission; ownership of the slot it
// eventually acquires is released on every exit path.
func (c *Coordinator) runJob(ctx context.Context, contentID string) {
	log := c.log.With().Str("content_id", contentID).Logger()

	rec, err := c.store.ReadMeta(contentID)
	if err != nil {
		log.Error().Err(err).Msg("coordinator: runJob: read meta failed")
		return
	}
	if rec.Status != metadata.StatusStored {
		// Idempotence guard: already started (or finished) elsewhere.
		return
	}

	if !c.advance(&rec, metadata.StatusWaiting, log) {
		return
	}

	c.slots <- struct{}{}
	defer func() { <-c.slots }()

	if !c.advance(&rec, metadata.StatusTransforming, log) {
		return
	}

	sourcePath := c.paths.SourcePath(contentID, rec.SourceType)
	targetPath := c.paths.TargetPath(contentID)

	if err := c.trans.Transform(ctx, sourcePath, targetPath); err != nil {
		log.Warn().Err(err).Msg("coordinator: transform failed")
		c.fail(contentID, log)
		return
	}

	targetQuality, err := c.probe.Probe(ctx, targetPath)
	if err != nil {
		log.Warn().Err(err).Msg("coordinator: target probe failed")
		c.fail(contentID, log)
		return
	}

	size, err := c.targetSize(contentID)
	if err != nil {
		log.Warn().Err(err).Msg("coordinator: stat target failed")
		c.fail(contentID, log)
		return
	}

	rec.TargetQuality = targetQuality
	rec.TargetSize = size
	if !c.advance(&rec, metadata.StatusTransformed, log) {
		return
	}
	log.Info().Msg("coordinator: transform succeeded")
}

// advance moves rec to status if the lifecycle order (I3/P2) permits it,
// persisting the change. It returns false, having logged the reason, when
// the guard rejects the move or the write fails.
func (c *Coordinator) advance(rec *metadata.Record, status metadata.Status, log zerolog.Logger) bool {
	if !metadata.CanAdvance(rec.Status, status) {
		log.Error().Str("from", string(rec.Status)).Str("to", string(status)).Msg("coordinator: rejected out-of-order transition")
		return false
	}
	rec.Status = status
	if err := c.store.WriteMeta(*rec); err != nil {
		log.Error().Err(err).Str("to", string(status)).Msg("coordinator: write status failed")
		return false
	}
	return true
}

// fail marks contentID as failed, best-effort: a secondary failure while
// recording the failure is logged and swallowed.
func (c *Coordinator) fail(contentID string, log zerolog.Logger) {
	rec, err := c.store.ReadMeta(contentID)
	if err != nil {
		log.Error().Err(err).Msg("coordinator: fail: read meta failed")
		return
	}
	c.advance(&rec, metadata.StatusFailed, log)
}

// targetSize measures the recompressor's output through the Store, so the
// coordinator never touches the filesystem directly.
func (c *Coordinator) targetSize(contentID string) (int64, error) {
	rc, err := c.store.ReadTarget(contentID)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(io.Discard, rc)
}

// GetMeta delegates to the Store.
func (c *Coordinator) GetMeta(contentID string) (metadata.Record, error) {
	rec, err := c.store.ReadMeta(contentID)
	if errors.Is(err, store.ErrNotFound) {
		return metadata.Record{}, apierr.New(apierr.KindNotFound, "No metadata found for ID: %s", contentID)
	}
	return rec, err
}

// GetSource delegates to the Store.
func (c *Coordinator) GetSource(contentID string) (io.ReadCloser, metadata.SourceType, error) {
	rec, err := c.GetMeta(contentID)
	if err != nil {
		return nil, "", err
	}
	rc, err := c.store.ReadSource(contentID, rec.SourceType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, "", apierr.New(apierr.KindNotFound, "No source image for ID %s", contentID)
	}
	return rc, rec.SourceType, err
}

// GetTarget delegates to the Store. Requesting a target before the entry
// has reached "transformed" surfaces NotFound, matching invariant I4.
func (c *Coordinator) GetTarget(contentID string) (io.ReadCloser, error) {
	rec, err := c.GetMeta(contentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != metadata.StatusTransformed {
		return nil, apierr.New(apierr.KindNotFound, "No target image for ID %s", contentID)
	}
	rc, err := c.store.ReadTarget(contentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.KindNotFound, "No target image for ID %s", contentID)
	}
	return rc, err
}
