package cache

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	// SnapshotFormat tags files written by Save
	SnapshotFormat = "catmaid-response-cache"

	// SchemaVersion is the snapshot layout version. Load rejects any other.
	SchemaVersion = 1
)

// snapshotFile is the persisted form of a cache. Entries are oldest first.
// The limits are informational; Load applies the loading cache's limits.
type snapshotFile struct {
	Format           string          `json:"format"`
	SchemaVersion    int             `json:"schema_version"`
	SavedAt          time.Time       `json:"saved_at"`
	SizeLimitBytes   int64           `json:"size_limit_bytes"`
	TimeLimitSeconds float64         `json:"time_limit_seconds"`
	Entries          []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// EntryInfo describes a snapshot entry without its payload.
type EntryInfo struct {
	Key       string
	SizeBytes int64
	CreatedAt time.Time
}

// SnapshotInfo describes a snapshot file.
type SnapshotInfo struct {
	Path           string
	SchemaVersion  int
	SavedAt        time.Time
	SizeLimitBytes int64
	TimeLimit      time.Duration
	TotalBytes     int64
	Entries        []EntryInfo
}

// Save writes all entries and the current limits to path. The snapshot is
// written to a temporary file in the same directory and renamed into place,
// so an interrupted Save never leaves a file that Load accepts.
func (c *ResponseCache[V]) Save(path string) error {
	err := c.save(path)
	c.recordSnapshot("save", err)
	return err
}

func (c *ResponseCache[V]) save(path string) error {
	snap, err := c.snapshot()
	if err != nil {
		return newError("save", path, ErrFormat, err)
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return newError("save", path, ErrIOFailure, err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := writeSnapshot(tmp, snap); err != nil {
		return newError("save", path, ErrIOFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		return newError("save", path, ErrIOFailure, err)
	}
	if err := tmp.Close(); err != nil {
		return newError("save", path, ErrIOFailure, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return newError("save", path, ErrIOFailure, err)
	}
	committed = true

	// Persist the rename itself.
	if err := syncDir(dir); err != nil {
		return newError("save", path, ErrIOFailure, err)
	}

	c.logger.Info().
		Str("path", path).
		Int("entries", len(snap.Entries)).
		Msg("Cache saved")
	return nil
}

// Load replaces all entries with the contents of the snapshot at path.
// Entries whose age already reaches the current time limit are dropped and
// the current size limit is enforced. On error the cache is unchanged.
func (c *ResponseCache[V]) Load(path string) error {
	err := c.load(path)
	c.recordSnapshot("load", err)
	return err
}

func (c *ResponseCache[V]) load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return newError("load", path, ErrIOFailure, err)
	}
	defer f.Close()

	if err := c.decode(f); err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			cerr.Op, cerr.Path = "load", path
			return cerr
		}
		return err
	}
	return nil
}

// Encode writes a snapshot of the cache to w.
func (c *ResponseCache[V]) Encode(w io.Writer) error {
	snap, err := c.snapshot()
	if err != nil {
		return newError("encode", "", ErrFormat, err)
	}
	if err := writeSnapshot(w, snap); err != nil {
		return newError("encode", "", ErrIOFailure, err)
	}
	return nil
}

// Decode replaces all entries with a snapshot read from r, with the same
// rules as Load.
func (c *ResponseCache[V]) Decode(r io.Reader) error {
	return c.decode(r)
}

func (c *ResponseCache[V]) decode(r io.Reader) error {
	snap, err := readSnapshot(r)
	if err != nil {
		return newError("decode", "", ErrFormat, err)
	}

	entries := make([]*Entry[V], 0, len(snap.Entries))
	for _, se := range snap.Entries {
		v, err := c.codec.Unmarshal(se.Value)
		if err != nil {
			return newError("decode", "", ErrFormat, fmt.Errorf("entry %q: %w", se.Key, err))
		}
		// The stored size is informational; limits apply to this cache's
		// own measurement.
		size, err := c.sizer(v)
		if err != nil {
			return newError("decode", "", ErrFormat, fmt.Errorf("entry %q: measure size: %w", se.Key, err))
		}
		entries = append(entries, &Entry[V]{
			Key:       se.Key,
			Value:     v,
			SizeBytes: size,
			CreatedAt: se.CreatedAt,
		})
	}

	c.replace(entries, snap.SavedAt)
	return nil
}

// replace swaps in a decoded entry set under the current limits.
func (c *ResponseCache[V]) replace(entries []*Entry[V], savedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Purge()
	c.sizeBytes = 0

	now := c.now()
	dropped := 0
	for _, e := range entries {
		if e.IsExpired(now, c.timeLimit) || (c.sizeLimit > 0 && e.SizeBytes > c.sizeLimit) {
			dropped++
			continue
		}
		c.put(e)
	}
	evicted := c.evictToLimit()
	c.publish()

	c.logger.Info().
		Time("saved_at", savedAt).
		Int("entries", c.entries.Len()).
		Int("dropped", dropped).
		Int("evicted", evicted).
		Str("size", humanize.IBytes(uint64(c.sizeBytes))).
		Msg("Cache restored")
}

// snapshot copies the entry set with encoded payloads.
func (c *ResponseCache[V]) snapshot() (*snapshotFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := &snapshotFile{
		Format:           SnapshotFormat,
		SchemaVersion:    SchemaVersion,
		SavedAt:          c.now(),
		SizeLimitBytes:   c.sizeLimit,
		TimeLimitSeconds: c.timeLimit.Seconds(),
		Entries:          make([]snapshotEntry, 0, c.entries.Len()),
	}
	for _, k := range c.entries.Keys() {
		e, ok := c.entries.Peek(k)
		if !ok {
			continue
		}
		data, err := c.codec.Marshal(e.Value)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", k, err)
		}
		snap.Entries = append(snap.Entries, snapshotEntry{
			Key:       e.Key,
			Value:     data,
			SizeBytes: e.SizeBytes,
			CreatedAt: e.CreatedAt,
		})
	}
	return snap, nil
}

func (c *ResponseCache[V]) recordSnapshot(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		c.logger.Warn().Err(err).Str("operation", op).Msg("Cache snapshot failed")
	}
	SnapshotOps.WithLabelValues(c.name, op, result).Inc()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// ReadSnapshotInfo reads the header and entry metadata of a snapshot file
// without decoding payloads.
func ReadSnapshotInfo(path string) (*SnapshotInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newError("inspect", path, ErrIOFailure, err)
	}
	defer f.Close()

	snap, err := readSnapshot(f)
	if err != nil {
		return nil, newError("inspect", path, ErrFormat, err)
	}

	info := &SnapshotInfo{
		Path:           path,
		SchemaVersion:  snap.SchemaVersion,
		SavedAt:        snap.SavedAt,
		SizeLimitBytes: snap.SizeLimitBytes,
		TimeLimit:      time.Duration(snap.TimeLimitSeconds * float64(time.Second)),
		Entries:        make([]EntryInfo, len(snap.Entries)),
	}
	for i, e := range snap.Entries {
		info.Entries[i] = EntryInfo{Key: e.Key, SizeBytes: e.SizeBytes, CreatedAt: e.CreatedAt}
		info.TotalBytes += e.SizeBytes
	}
	return info, nil
}

func writeSnapshot(w io.Writer, snap *snapshotFile) error {
	gz := gzip.NewWriter(w)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		gz.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}

// readSnapshot decodes and validates a snapshot. A truncated or modified
// file fails the gzip checksum.
func readSnapshot(r io.Reader) (*snapshotFile, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer gz.Close()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Format != SnapshotFormat {
		return nil, fmt.Errorf("unknown snapshot format %q", snap.Format)
	}
	if snap.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d (want %d)", snap.SchemaVersion, SchemaVersion)
	}
	for i, e := range snap.Entries {
		if e.Key == "" {
			return nil, fmt.Errorf("entry %d has no key", i)
		}
		if e.SizeBytes < 0 {
			return nil, fmt.Errorf("entry %q has negative size", e.Key)
		}
	}
	return &snap, nil
}
