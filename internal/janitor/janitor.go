// Package janitor periodically purges entries older than a fixed age. It is
// scheduled with robfig/cron rather than a hand-rolled ticker, matching the
// "explicit periodic task owned by the process lifetime" rewrite of the
// original @Schedule-annotated bean.
package janitor

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/speexx/guetzli-service/internal/metadata"
)

// DefaultSchedule is the spec's "every 30 minutes, offset 11 seconds into
// the half-hour" cadence, expressed as a seconds-enabled cron expression.
const DefaultSchedule = "11 */30 * * * *"

// DefaultMaxAge is the fixed retention window: 24 hours.
const DefaultMaxAge = 24 * time.Hour

// Store is the subset of *store.Store the janitor depends on.
type Store interface {
	ListContentIDs() ([]string, error)
	ReadMeta(contentID string) (metadata.Record, error)
	Delete(contentID string) error
}

// Janitor sweeps the store on a cron schedule.
type Janitor struct {
	store  Store
	maxAge time.Duration
	log    zerolog.Logger
	cron   *cron.Cron
	now    func() time.Time
}

// New builds a Janitor. maxAge <= 0 uses DefaultMaxAge.
func New(st Store, maxAge time.Duration, log zerolog.Logger) *Janitor {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Janitor{store: st, maxAge: maxAge, log: log, now: time.Now}
}

// Start registers the sweep on schedule (DefaultSchedule unless the caller
// overrides it via StartWithSchedule) and begins running it in the
// background. Call Stop to cancel.
func (j *Janitor) Start() error {
	return j.StartWithSchedule(DefaultSchedule)
}

// StartWithSchedule is Start with an explicit cron expression (seconds
// field required).
func (j *Janitor) StartWithSchedule(schedule string) error {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(schedule, j.sweepLogged); err != nil {
		return err
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop cancels the scheduled sweep, waiting for any in-flight run to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Janitor) sweepLogged() {
	j.log.Info().Msg("janitor: sweep started")
	deleted, err := j.Sweep()
	if err != nil {
		j.log.Error().Err(err).Msg("janitor: sweep failed")
		return
	}
	j.log.Info().Int("deleted", deleted).Msg("janitor: sweep finished")
}

// Sweep enumerates all entries and deletes those whose StoredAt is older
// than maxAge. Per-entry failures are logged and skipped; the sweep never
// aborts early. It returns the number of entries deleted.
func (j *Janitor) Sweep() (int, error) {
	ids, err := j.store.ListContentIDs()
	if err != nil {
		return 0, err
	}

	deleted := 0
	now := j.now()
	for _, id := range ids {
		rec, err := j.store.ReadMeta(id)
		if err != nil {
			j.log.Warn().Err(err).Str("content_id", id).Msg("janitor: read meta failed, skipping")
			continue
		}
		if !j.expired(now, rec.StoredAt) {
			continue
		}
		j.log.Info().Str("content_id", id).Time("stored_at", rec.StoredAt).Msg("janitor: entry older than retention window, deleting")
		if err := j.store.Delete(id); err != nil {
			j.log.Warn().Err(err).Str("content_id", id).Msg("janitor: delete failed")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (j *Janitor) expired(now, storedAt time.Time) bool {
	return now.Sub(storedAt) > j.maxAge
}
