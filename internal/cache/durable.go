package cache

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/localdir/dircache/pkg/errors"
	"github.com/localdir/dircache/pkg/utils"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
)

// DurableConfig represents durable store configuration
type DurableConfig struct {
	Path          string        `yaml:"path"`
	TTL           time.Duration `yaml:"ttl"`
	SchemaVersion int           `yaml:"schema_version"`
	Compression   bool          `yaml:"compression"`
	// CompressMinSize is the payload size in bytes at which gzip kicks in.
	CompressMinSize int              `yaml:"compress_min_size"`
	Clock           func() time.Time `yaml:"-"`
}

// DurableRecord is the persisted form of one cache entry.
type DurableRecord struct {
	SchemaVersion int           `json:"schemaVersion"`
	InsertedAt    time.Time     `json:"insertedAt"`
	TTL           time.Duration `json:"ttl"`
	Payload       []byte        `json:"payload"`
	Checksum      string        `json:"checksum"`
	Compressed    bool          `json:"compressed"`
}

// DurableStats represents durable store statistics
type DurableStats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Writes       uint64 `json:"writes"`
	WriteErrors  uint64 `json:"write_errors"`
	Corrupt      uint64 `json:"corrupt"`
	Expired      uint64 `json:"expired"`
	SchemaMisses uint64 `json:"schema_misses"`
}

// DurableStore persists cache entries in a bbolt file so they survive restarts. Every failure
// degrades to a miss: callers never see an I/O or decode error from Load.
type DurableStore struct {
	db     *bolt.DB
	config DurableConfig
	logger *utils.StructuredLogger

	hits, misses, writes, writeErrors atomic.Uint64
	corrupt, expired, schemaMisses    atomic.Uint64
}

// OpenDurable opens or creates the bbolt file at config.Path.
func OpenDurable(config *DurableConfig, logger *utils.StructuredLogger) (*DurableStore, error) {
	if config == nil || config.Path == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "durable store path is required").
			WithComponent("durable")
	}
	cfg := *config
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = 1
	}
	if cfg.CompressMinSize <= 0 {
		cfg.CompressMinSize = 1024
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheIO, "failed to create durable store directory", err).
			WithComponent("durable").WithContext("path", cfg.Path)
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheIO, "failed to open durable store", err).
			WithComponent("durable").WithContext("path", cfg.Path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.ErrCodeCacheIO, "failed to initialize durable store buckets", err).
			WithComponent("durable")
	}

	return &DurableStore{db: db, config: cfg, logger: logger.WithComponent("durable")}, nil
}

// Close closes the underlying database.
func (d *DurableStore) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SchemaVersion returns the version stamped on new records.
func (d *DurableStore) SchemaVersion() int {
	return d.config.SchemaVersion
}

// Load returns the payload stored under key. Records that are expired, carry another schema
// version or fail to decode are deleted and reported absent.
func (d *DurableStore) Load(key string) ([]byte, bool) {
	var raw []byte
	if err := d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(entriesBucket).Get([]byte(key)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		d.logger.Warn("durable read failed", map[string]interface{}{"key": key, "error": err})
		d.misses.Add(1)
		return nil, false
	}
	if raw == nil {
		d.misses.Add(1)
		return nil, false
	}

	payload, err := d.decode(raw)
	if err != nil {
		switch {
		case errors.IsCorrupt(err):
			d.corrupt.Add(1)
			d.logger.Warn("dropping corrupt durable record", map[string]interface{}{"key": key, "error": err})
		case errors.CodeOf(err) == errors.ErrCodeCacheSchema:
			d.schemaMisses.Add(1)
		default:
			d.expired.Add(1)
		}
		d.deleteQuietly(key, raw)
		d.misses.Add(1)
		return nil, false
	}

	d.hits.Add(1)
	return payload, true
}

// Save persists payload under key. ttl <= 0 uses the configured durable TTL. Failures are
// logged and the write is skipped; the returned error is informational.
func (d *DurableStore) Save(key string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = d.config.TTL
	}

	data, err := d.encode(payload, ttl)
	if err != nil {
		d.writeErrors.Add(1)
		d.logger.Warn("durable encode failed, skipping write", map[string]interface{}{"key": key, "error": err})
		return err
	}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Put([]byte(key), data)
	}); err != nil {
		d.writeErrors.Add(1)
		d.logger.Warn("durable write failed, skipping", map[string]interface{}{"key": key, "error": err})
		return errors.Wrap(errors.ErrCodeCacheIO, "durable write failed", err).WithComponent("durable")
	}

	d.writes.Add(1)
	return nil
}

// Delete removes key.
func (d *DurableStore) Delete(key string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).Delete([]byte(key))
	})
}

// DeletePattern removes every key matching pattern (see MatchKey).
func (d *DurableStore) DeletePattern(pattern string) (int, error) {
	removed := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		var doomed [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if MatchKey(pattern, string(k)) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	return removed, err
}

// Clear drops every cache record. Meta entries survive.
func (d *DurableStore) Clear() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(entriesBucket)
		return err
	})
}

// ClearExpired removes every record that Load would reject and returns the count.
func (d *DurableStore) ClearExpired() (int, error) {
	removed := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		var doomed [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if _, err := d.decode(v); err != nil {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeCacheIO, "durable cleanup failed", err).WithComponent("durable")
	}
	if removed > 0 {
		d.logger.Info("cleared invalid durable records", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

// Count returns the number of stored records, valid or not.
func (d *DurableStore) Count() int {
	n := 0
	_ = d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(entriesBucket).Stats().KeyN
		return nil
	})
	return n
}

// SizeBytes returns the summed size of stored record values.
func (d *DurableStore) SizeBytes() int64 {
	var total int64
	_ = d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(entriesBucket).ForEach(func(k, v []byte) error {
			total += int64(len(k) + len(v))
			return nil
		})
	})
	return total
}

// GetMeta reads a raw value from the meta bucket.
func (d *DurableStore) GetMeta(key string) ([]byte, bool) {
	var out []byte
	_ = d.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil
}

// PutMeta writes a raw value to the meta bucket.
func (d *DurableStore) PutMeta(key string, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put([]byte(key), value)
	})
}

// Stats returns a snapshot of durable store statistics.
func (d *DurableStore) Stats() DurableStats {
	return DurableStats{
		Hits:         d.hits.Load(),
		Misses:       d.misses.Load(),
		Writes:       d.writes.Load(),
		WriteErrors:  d.writeErrors.Load(),
		Corrupt:      d.corrupt.Load(),
		Expired:      d.expired.Load(),
		SchemaMisses: d.schemaMisses.Load(),
	}
}

// deleteQuietly removes key only while it still holds raw, so a record saved since the read
// survives.
func (d *DurableStore) deleteQuietly(key string, raw []byte) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		if !bytes.Equal(b.Get([]byte(key)), raw) {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		d.logger.Warn("failed to delete invalid durable record", map[string]interface{}{"key": key, "error": err})
	}
}

func (d *DurableStore) encode(payload []byte, ttl time.Duration) ([]byte, error) {
	rec := DurableRecord{
		SchemaVersion: d.config.SchemaVersion,
		InsertedAt:    d.config.Clock(),
		TTL:           ttl,
		Checksum:      checksum(payload),
		Payload:       payload,
	}

	if d.config.Compression && len(payload) >= d.config.CompressMinSize {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, errors.Wrap(errors.ErrCodeSerialization, "gzip write failed", err)
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(errors.ErrCodeSerialization, "gzip close failed", err)
		}
		rec.Payload = buf.Bytes()
		rec.Compressed = true
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSerialization, "record marshal failed", err)
	}
	return data, nil
}

// decode validates raw and returns the payload. Errors carry CACHE_SCHEMA, CACHE_EXPIRED
// or CACHE_CORRUPT.
func (d *DurableStore) decode(raw []byte) ([]byte, error) {
	var rec DurableRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "record is not valid JSON", err)
	}
	if rec.SchemaVersion != d.config.SchemaVersion {
		return nil, errors.NewError(errors.ErrCodeCacheSchema,
			fmt.Sprintf("schema version %d, want %d", rec.SchemaVersion, d.config.SchemaVersion))
	}
	if d.config.Clock().Sub(rec.InsertedAt) >= rec.TTL {
		return nil, errors.NewError(errors.ErrCodeCacheExpired, "record expired")
	}

	payload := rec.Payload
	if rec.Compressed {
		zr, err := gzip.NewReader(bytes.NewReader(rec.Payload))
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "gzip header invalid", err)
		}
		defer func() { _ = zr.Close() }()
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeCacheCorrupt, "gzip stream invalid", err)
		}
	}

	if checksum(payload) != rec.Checksum {
		return nil, errors.NewError(errors.ErrCodeCacheCorrupt, "checksum mismatch")
	}
	return payload, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
