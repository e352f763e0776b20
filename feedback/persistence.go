package feedback

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xenocomm/xenocomm/xerr"
)

// containerVersion tags the binary snapshot format (spec §6).
const containerVersion uint32 = 1

// PersistenceConfig configures Store snapshotting
// (original_source/feedback_loop.h's PersistenceConfig, dropped by
// spec.md's distillation and supplemented here per SPEC_FULL.md).
type PersistenceConfig struct {
	DataDirectory    string
	RetentionPeriod  time.Duration
	EnableCompression bool
	EnableBackup     bool
	BackupInterval   time.Duration
	MaxBackupCount   int
}

// DefaultPersistenceConfig mirrors feedback_loop.h's defaults.
func DefaultPersistenceConfig() PersistenceConfig {
	return PersistenceConfig{
		DataDirectory:     "./feedback_data",
		RetentionPeriod:   30 * 24 * time.Hour,
		EnableCompression: true,
		EnableBackup:      true,
		BackupInterval:    24 * time.Hour,
		MaxBackupCount:    7,
	}
}

const snapshotFileName = "outcomes.bin"

// Save snapshots the store's current outcomes and metric series to
// cfg.DataDirectory, applying retention pruning first and rotating a
// backup of any existing snapshot when cfg.EnableBackup is set.
func (s *Store) Save(cfg PersistenceConfig, now time.Time) error {
	s.mu.Lock()
	if cfg.RetentionPeriod > 0 {
		cutoff := now.Add(-cfg.RetentionPeriod)
		s.outcomes = dropBefore(s.outcomes, cutoff)
		for name, samples := range s.metrics {
			s.metrics[name] = dropMetricsBefore(samples, cutoff)
		}
	}
	outcomes := make([]Outcome, len(s.outcomes))
	copy(outcomes, s.outcomes)
	metrics := make(map[string][]MetricSample, len(s.metrics))
	for name, samples := range s.metrics {
		cp := make([]MetricSample, len(samples))
		copy(cp, samples)
		metrics[name] = cp
	}
	s.mu.Unlock()

	if err := os.MkdirAll(cfg.DataDirectory, 0o755); err != nil {
		return xerr.Wrap(xerr.Persistence, "feedback.Save", err)
	}
	path := filepath.Join(cfg.DataDirectory, snapshotFileName)

	if cfg.EnableBackup {
		if _, err := os.Stat(path); err == nil {
			if err := backupSnapshot(cfg, now); err != nil {
				return err
			}
		}
	}

	data, err := encodeContainer(outcomes, metrics, now)
	if err != nil {
		return err
	}
	if cfg.EnableCompression {
		data, err = compress(data)
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return xerr.Wrap(xerr.Persistence, "feedback.Save", err)
	}
	if cfg.MaxBackupCount > 0 {
		return pruneOldBackups(cfg)
	}
	return nil
}

// Load replaces the store's contents with a previously saved snapshot.
func (s *Store) Load(cfg PersistenceConfig) error {
	path := filepath.Join(cfg.DataDirectory, snapshotFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return xerr.Wrap(xerr.Persistence, "feedback.Load", err)
	}
	outcomes, metrics, err := decodeContainer(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.outcomes = outcomes
	s.metrics = metrics
	s.pruneLocked(time.Now())
	s.mu.Unlock()
	return nil
}

func backupSnapshot(cfg PersistenceConfig, now time.Time) error {
	src := filepath.Join(cfg.DataDirectory, snapshotFileName)
	dir := filepath.Join(cfg.DataDirectory, "backups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerr.Wrap(xerr.Persistence, "feedback.backupSnapshot", err)
	}
	dst := filepath.Join(dir, snapshotFileName+"."+now.UTC().Format("20060102T150405"))
	data, err := os.ReadFile(src)
	if err != nil {
		return xerr.Wrap(xerr.Persistence, "feedback.backupSnapshot", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return xerr.Wrap(xerr.Persistence, "feedback.backupSnapshot", err)
	}
	return nil
}

// ListBackups returns backup file names under cfg.DataDirectory/backups,
// oldest first.
func ListBackups(cfg PersistenceConfig) ([]string, error) {
	dir := filepath.Join(cfg.DataDirectory, "backups")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerr.Wrap(xerr.Persistence, "feedback.ListBackups", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// pruneOldBackups deletes the oldest backups beyond cfg.MaxBackupCount.
func pruneOldBackups(cfg PersistenceConfig) error {
	names, err := ListBackups(cfg)
	if err != nil {
		return err
	}
	if len(names) <= cfg.MaxBackupCount {
		return nil
	}
	dir := filepath.Join(cfg.DataDirectory, "backups")
	for _, name := range names[:len(names)-cfg.MaxBackupCount] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return xerr.Wrap(xerr.Persistence, "feedback.pruneOldBackups", err)
		}
	}
	return nil
}

// RestoreFromBackup replaces the live snapshot file with the named backup
// and loads it into the store.
func (s *Store) RestoreFromBackup(cfg PersistenceConfig, backupFile string) error {
	src := filepath.Join(cfg.DataDirectory, "backups", backupFile)
	dst := filepath.Join(cfg.DataDirectory, snapshotFileName)
	data, err := os.ReadFile(src)
	if err != nil {
		return xerr.Wrap(xerr.Persistence, "feedback.RestoreFromBackup", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return xerr.Wrap(xerr.Persistence, "feedback.RestoreFromBackup", err)
	}
	return s.Load(cfg)
}

// zlib's header magic bytes (spec §6 names these explicitly so a reader
// can tell a compressed snapshot from a raw one without a side channel).
var zlibMagic = [][]byte{{0x78, 0x01}, {0x78, 0x9C}, {0x78, 0xDA}}

func looksCompressed(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	for _, m := range zlibMagic {
		if data[0] == m[0] && data[1] == m[1] {
			return true
		}
	}
	return false
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, xerr.Wrap(xerr.Persistence, "feedback.compress", err)
	}
	if err := w.Close(); err != nil {
		return nil, xerr.Wrap(xerr.Persistence, "feedback.compress", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, xerr.Wrap(xerr.Persistence, "feedback.decompress", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, xerr.Wrap(xerr.Persistence, "feedback.decompress", err)
	}
	return out, nil
}

func encodeContainer(outcomes []Outcome, metrics map[string][]MetricSample, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	writeUint32(&buf, containerVersion)
	writeTime(&buf, now)

	writeUint32(&buf, uint32(len(outcomes)))
	for _, o := range outcomes {
		writeOutcome(&buf, o)
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	writeUint32(&buf, uint32(len(names)))
	for _, name := range names {
		writeString(&buf, name)
		samples := metrics[name]
		writeUint32(&buf, uint32(len(samples)))
		for _, sample := range samples {
			writeFloat64(&buf, sample.Value)
			writeTime(&buf, sample.Timestamp)
		}
	}
	return buf.Bytes(), nil
}

func decodeContainer(data []byte) ([]Outcome, map[string][]MetricSample, error) {
	if looksCompressed(data) {
		raw, err := decompress(data)
		if err != nil {
			return nil, nil, err
		}
		data = raw
	}

	r := bytes.NewReader(data)
	version, err := readUint32(r)
	if err != nil || version != containerVersion {
		return nil, nil, xerr.New(xerr.Persistence, "feedback.decodeContainer")
	}
	if _, err := readTime(r); err != nil {
		return nil, nil, err
	}

	outcomeCount, err := readUint32(r)
	if err != nil {
		return nil, nil, err
	}
	outcomes := make([]Outcome, outcomeCount)
	for i := range outcomes {
		o, err := readOutcome(r)
		if err != nil {
			return nil, nil, err
		}
		outcomes[i] = o
	}

	seriesCount, err := readUint32(r)
	if err != nil {
		return nil, nil, err
	}
	metrics := make(map[string][]MetricSample, seriesCount)
	for i := uint32(0); i < seriesCount; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, nil, err
		}
		sampleCount, err := readUint32(r)
		if err != nil {
			return nil, nil, err
		}
		samples := make([]MetricSample, sampleCount)
		for j := range samples {
			value, err := readFloat64(r)
			if err != nil {
				return nil, nil, err
			}
			ts, err := readTime(r)
			if err != nil {
				return nil, nil, err
			}
			samples[j] = MetricSample{Value: value, Timestamp: ts}
		}
		metrics[name] = samples
	}
	return outcomes, metrics, nil
}

func writeOutcome(buf *bytes.Buffer, o Outcome) {
	var success byte
	if o.Success {
		success = 1
	}
	buf.WriteByte(success)
	writeUint64(buf, uint64(o.Latency.Microseconds()))
	writeUint32(buf, o.BytesTransferred)
	writeUint32(buf, o.RetryCount)
	writeUint32(buf, o.ErrorCount)
	writeString(buf, o.ErrorType)
	writeTime(buf, o.Timestamp)
}

func readOutcome(r *bytes.Reader) (Outcome, error) {
	success, err := r.ReadByte()
	if err != nil {
		return Outcome{}, xerr.Wrap(xerr.Persistence, "feedback.readOutcome", err)
	}
	latencyUS, err := readUint64(r)
	if err != nil {
		return Outcome{}, err
	}
	bytesTransferred, err := readUint32(r)
	if err != nil {
		return Outcome{}, err
	}
	retryCount, err := readUint32(r)
	if err != nil {
		return Outcome{}, err
	}
	errorCount, err := readUint32(r)
	if err != nil {
		return Outcome{}, err
	}
	errorType, err := readString(r)
	if err != nil {
		return Outcome{}, err
	}
	ts, err := readTime(r)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Success:          success != 0,
		Latency:          time.Duration(latencyUS) * time.Microsecond,
		BytesTransferred: bytesTransferred,
		RetryCount:       retryCount,
		ErrorCount:       errorCount,
		ErrorType:        errorType,
		Timestamp:        ts,
	}, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeFloat64(buf *bytes.Buffer, v float64) {
	writeUint64(buf, math.Float64bits(v))
}

func writeTime(buf *bytes.Buffer, t time.Time) {
	writeUint64(buf, uint64(t.Unix()))
	writeUint32(buf, uint32(t.Nanosecond()))
}

func writeString(buf *bytes.Buffer, s string) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, xerr.Wrap(xerr.Persistence, "feedback.readUint32", err)
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, xerr.Wrap(xerr.Persistence, "feedback.readUint64", err)
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func readFloat64(r *bytes.Reader) (float64, error) {
	bits, err := readUint64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(bits), nil
}

func readTime(r *bytes.Reader) (time.Time, error) {
	sec, err := readUint64(r)
	if err != nil {
		return time.Time{}, err
	}
	nsec, err := readUint32(r)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(sec), int64(nsec)).UTC(), nil
}

func readString(r *bytes.Reader) (string, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return "", xerr.Wrap(xerr.Persistence, "feedback.readString", err)
	}
	n := binary.LittleEndian.Uint16(tmp[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", xerr.Wrap(xerr.Persistence, "feedback.readString", err)
	}
	return string(buf), nil
}
