// Package metacodec serializes and parses the line-oriented "key = value"
// metadata record described by the data model: a Java-"properties"-style
// file with a fixed set of well-known keys. The file is read and written as
// UTF-8: \uXXXX escapes are decoded on read, but non-ASCII characters are
// written unescaped, so a written file is not ISO-8859-1-safe.
package metacodec

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/magiconair/properties"

	"github.com/speexx/guetzli-service/internal/metadata"
)

const (
	keyContentID     = "contentId"
	keyStatus        = "process.status"
	keyStoredAt      = "stored.datetime"
	keySourceName    = "source.name"
	keySourceType    = "source.type"
	keySourceQuality = "source.quality"
	keySourceSize    = "source.size"
	keyTargetQuality = "target.quality"
	keyTargetSize    = "target.size"
)

// dateTimeLayout mirrors java.time.format.DateTimeFormatter.ISO_LOCAL_DATE_TIME:
// a local date-time with no zone offset and optional fractional seconds.
// Since the layout carries no offset, every value is written and parsed in
// UTC so a round trip never drifts by the host's local offset.
const dateTimeLayout = "2006-01-02T15:04:05.999999999"

// ErrCorrupt is returned when the meta file cannot be parsed into a valid
// Record (missing contentId, unparsable numeric field, unknown status, ...).
var ErrCorrupt = fmt.Errorf("metacodec: corrupt metadata")

// Decode parses the on-disk properties representation. It also returns the
// raw *properties.Properties so callers can round-trip unknown keys back
// out on the next Encode.
func Decode(data []byte) (metadata.Record, *properties.Properties, error) {
	p, err := properties.Load(data, properties.UTF8)
	if err != nil {
		return metadata.Record{}, nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	id, ok := p.Get(keyContentID)
	if !ok || id == "" {
		return metadata.Record{}, nil, fmt.Errorf("%w: missing %s", ErrCorrupt, keyContentID)
	}

	rec := metadata.Record{ContentID: id}

	statusStr, ok := p.Get(keyStatus)
	if !ok {
		return metadata.Record{}, nil, fmt.Errorf("%w: missing %s", ErrCorrupt, keyStatus)
	}
	rec.Status = metadata.Status(statusStr)
	switch rec.Status {
	case metadata.StatusStored, metadata.StatusWaiting, metadata.StatusTransforming, metadata.StatusTransformed, metadata.StatusFailed:
	default:
		return metadata.Record{}, nil, fmt.Errorf("%w: unknown %s %q", ErrCorrupt, keyStatus, statusStr)
	}

	if v, ok := p.Get(keySourceName); ok {
		rec.SourceName = v
	}
	if v, ok := p.Get(keySourceType); ok {
		rec.SourceType = metadata.SourceType(v)
	}
	if v, ok := p.Get(keySourceQuality); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return metadata.Record{}, nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keySourceQuality, err)
		}
		rec.SourceQuality = n
	}
	if v, ok := p.Get(keySourceSize); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return metadata.Record{}, nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keySourceSize, err)
		}
		rec.SourceSize = n
	}
	if v, ok := p.Get(keyTargetQuality); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return metadata.Record{}, nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keyTargetQuality, err)
		}
		rec.TargetQuality = n
	}
	if v, ok := p.Get(keyTargetSize); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return metadata.Record{}, nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keyTargetSize, err)
		}
		rec.TargetSize = n
	}
	if v, ok := p.Get(keyStoredAt); ok {
		t, err := time.ParseInLocation(dateTimeLayout, v, time.UTC)
		if err != nil {
			return metadata.Record{}, nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, keyStoredAt, err)
		}
		rec.StoredAt = t
	}

	return rec, p, nil
}

// Encode serializes rec into the properties format. When base is non-nil its
// keys are kept (any key this codec doesn't manage round-trips unchanged);
// base may be nil to start a fresh record.
func Encode(rec metadata.Record, base *properties.Properties) ([]byte, error) {
	p := base
	if p == nil {
		p = properties.NewProperties()
	}

	mustSet(p, keyContentID, rec.ContentID)
	mustSet(p, keyStatus, string(rec.Status))
	mustSet(p, keyStoredAt, rec.StoredAt.UTC().Format(dateTimeLayout))
	mustSet(p, keySourceType, string(rec.SourceType))
	mustSet(p, keySourceQuality, strconv.Itoa(rec.SourceQuality))
	mustSet(p, keySourceSize, strconv.FormatInt(rec.SourceSize, 10))
	if rec.SourceName != "" {
		mustSet(p, keySourceName, rec.SourceName)
	}
	if rec.Status == metadata.StatusTransformed {
		mustSet(p, keyTargetQuality, strconv.Itoa(rec.TargetQuality))
		mustSet(p, keyTargetSize, strconv.FormatInt(rec.TargetSize, 10))
	}

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return nil, fmt.Errorf("metacodec: write: %w", err)
	}
	return buf.Bytes(), nil
}

func mustSet(p *properties.Properties, key, value string) {
	// properties.Set only fails on malformed expansion syntax in the value,
	// which none of our generated values can contain.
	if _, _, err := p.Set(key, value); err != nil {
		panic(fmt.Sprintf("metacodec: set %s: %v", key, err))
	}
}
