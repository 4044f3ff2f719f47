// Package doselog is the durable event log collaborator: an append-only,
// per-frame checksummed record of every dose start and completion. It is the
// source of truth for power-loss recovery — a start frame with no matching
// completion is exactly what an outage leaves behind.
package doselog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/grovebox/irrigationd/internal/model"
)

// Log is the event-log contract the engine consumes.
type Log interface {
	// Append writes a dose record. Records with a non-zero CompletedAt
	// (lighting state changes) land already closed.
	Append(rec model.DoseRecord) error
	// Complete closes a previously appended record.
	Complete(id string, completedAt time.Time, actual time.Duration) error
	// FindIncomplete returns open dosing records for one actuator, oldest
	// first.
	FindIncomplete(actuatorID string) ([]model.DoseRecord, error)
	// LastAutopilot returns the most recent sensor-triggered dose for one
	// actuator, open or closed. Settling windows are rebuilt from these
	// after a restart; they are never persisted on their own.
	LastAutopilot(actuatorID string) (model.DoseRecord, bool, error)
}

// Frame layout, little-endian: u32 payload length, u32 CRC32 (IEEE) of the
// payload, payload bytes. Payload type byte 1 is a full record, type byte 2
// is a completion referencing a record id. Appends are serialized under a
// mutex; the file is opened O_APPEND so a frame is written in one syscall.
const (
	frameOpen  = uint8(1)
	frameClose = uint8(2)

	frameHeaderSize = 8
)

// FileLog is the file-backed Log implementation.
type FileLog struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	open     map[string]model.DoseRecord // started, not yet completed
	lastAuto map[string]model.DoseRecord // newest autopilot dose per actuator
	logger   *zap.SugaredLogger
}

// OpenFileLog opens (creating if needed) the log at path and replays it to
// rebuild the open-record set. A torn final frame — the normal residue of a
// power loss mid-append — is truncated away with a warning; anything before
// it is preserved.
func OpenFileLog(path string, logger *zap.SugaredLogger) (*FileLog, error) {
	l := &FileLog{
		path:     path,
		open:     make(map[string]model.DoseRecord),
		lastAuto: make(map[string]model.DoseRecord),
		logger:   logger,
	}
	if err := l.replay(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dose log: %w", err)
	}
	l.f = f
	return l, nil
}

// Close releases the underlying file.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *FileLog) Append(rec model.DoseRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("dose record without id")
	}
	payload := encodeOpen(rec)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writeFrame(payload); err != nil {
		return err
	}
	if rec.Incomplete() {
		l.open[rec.ID] = rec
	}
	l.noteAutopilot(rec)
	return nil
}

func (l *FileLog) Complete(id string, completedAt time.Time, actual time.Duration) error {
	payload := encodeClose(id, completedAt, actual)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writeFrame(payload); err != nil {
		return err
	}
	delete(l.open, id)
	l.closeAutopilot(id, completedAt, actual)
	return nil
}

func (l *FileLog) FindIncomplete(actuatorID string) ([]model.DoseRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.DoseRecord
	for _, rec := range l.open {
		if rec.ActuatorID == actuatorID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (l *FileLog) LastAutopilot(actuatorID string) (model.DoseRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.lastAuto[actuatorID]
	return rec, ok, nil
}

// noteAutopilot and closeAutopilot keep the per-actuator newest autopilot
// dose current; both are called with the mutex held.
func (l *FileLog) noteAutopilot(rec model.DoseRecord) {
	if rec.Kind != model.DoseAutopilot {
		return
	}
	if prev, ok := l.lastAuto[rec.ActuatorID]; ok && rec.StartedAt.Before(prev.StartedAt) {
		return
	}
	l.lastAuto[rec.ActuatorID] = rec
}

func (l *FileLog) closeAutopilot(id string, completedAt time.Time, actual time.Duration) {
	for actuatorID, rec := range l.lastAuto {
		if rec.ID == id {
			rec.CompletedAt = completedAt
			rec.Actual = actual
			l.lastAuto[actuatorID] = rec
			return
		}
	}
}

func (l *FileLog) writeFrame(payload []byte) error {
	if l.f == nil {
		return fmt.Errorf("dose log is closed")
	}
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)
	if _, err := l.f.Write(frame); err != nil {
		return fmt.Errorf("append dose frame: %w", err)
	}
	return nil
}

func (l *FileLog) replay() error {
	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dose log: %w", err)
	}

	offset := 0
	for offset < len(raw) {
		if len(raw)-offset < frameHeaderSize {
			break // torn header
		}
		length := int(binary.LittleEndian.Uint32(raw[offset : offset+4]))
		sum := binary.LittleEndian.Uint32(raw[offset+4 : offset+8])
		if len(raw)-offset-frameHeaderSize < length {
			break // torn payload
		}
		payload := raw[offset+frameHeaderSize : offset+frameHeaderSize+length]
		if crc32.ChecksumIEEE(payload) != sum {
			break // corrupt frame, everything after is untrusted
		}
		l.applyFrame(payload)
		offset += frameHeaderSize + length
	}

	if offset < len(raw) {
		l.logger.Warnw("dose log has a torn tail, truncating",
			"path", l.path, "good_bytes", offset, "total_bytes", len(raw))
		if err := os.Truncate(l.path, int64(offset)); err != nil {
			return fmt.Errorf("truncate torn dose log: %w", err)
		}
	}
	return nil
}

func (l *FileLog) applyFrame(payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch payload[0] {
	case frameOpen:
		rec, err := decodeOpen(payload)
		if err != nil {
			l.logger.Warnw("unreadable dose frame", "error", err)
			return
		}
		if rec.Incomplete() {
			l.open[rec.ID] = rec
		} else {
			delete(l.open, rec.ID)
		}
		l.noteAutopilot(rec)
	case frameClose:
		id, at, actual, err := decodeClose(payload)
		if err != nil {
			l.logger.Warnw("unreadable completion frame", "error", err)
			return
		}
		delete(l.open, id)
		l.closeAutopilot(id, at, actual)
	default:
		l.logger.Warnw("unknown dose frame type", "type", payload[0])
	}
}

func encodeOpen(rec model.DoseRecord) []byte {
	var buf bytes.Buffer
	buf.WriteByte(frameOpen)
	putString(&buf, rec.ID)
	putString(&buf, rec.ActuatorID)
	putString(&buf, rec.InstanceID)
	buf.WriteByte(uint8(rec.Kind))
	putInt64(&buf, int64(rec.Requested))
	putInt64(&buf, int64(rec.Actual))
	putInt64(&buf, unixNanoOrZero(rec.StartedAt))
	putInt64(&buf, unixNanoOrZero(rec.CompletedAt))
	if rec.DryRun {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func decodeOpen(payload []byte) (model.DoseRecord, error) {
	r := bytes.NewReader(payload[1:])
	var rec model.DoseRecord
	var err error
	if rec.ID, err = getString(r); err != nil {
		return rec, err
	}
	if rec.ActuatorID, err = getString(r); err != nil {
		return rec, err
	}
	if rec.InstanceID, err = getString(r); err != nil {
		return rec, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("dose frame kind: %w", model.ErrCorruptRecord)
	}
	rec.Kind = model.DoseKind(kind)
	requested, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	actual, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	started, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	completed, err := getInt64(r)
	if err != nil {
		return rec, err
	}
	dry, err := r.ReadByte()
	if err != nil {
		return rec, fmt.Errorf("dose frame dry-run flag: %w", model.ErrCorruptRecord)
	}
	rec.Requested = time.Duration(requested)
	rec.Actual = time.Duration(actual)
	rec.StartedAt = timeFromUnixNano(started)
	rec.CompletedAt = timeFromUnixNano(completed)
	rec.DryRun = dry == 1
	return rec, nil
}

func encodeClose(id string, completedAt time.Time, actual time.Duration) []byte {
	var buf bytes.Buffer
	buf.WriteByte(frameClose)
	putString(&buf, id)
	putInt64(&buf, unixNanoOrZero(completedAt))
	putInt64(&buf, int64(actual))
	return buf.Bytes()
}

func decodeClose(payload []byte) (id string, completedAt time.Time, actual time.Duration, err error) {
	r := bytes.NewReader(payload[1:])
	if id, err = getString(r); err != nil {
		return "", time.Time{}, 0, err
	}
	at, err := getInt64(r)
	if err != nil {
		return "", time.Time{}, 0, err
	}
	d, err := getInt64(r)
	if err != nil {
		return "", time.Time{}, 0, err
	}
	return id, timeFromUnixNano(at), time.Duration(d), nil
}

func putString(buf *bytes.Buffer, s string) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
	buf.Write(b[:])
	buf.WriteString(s)
}

func getString(r *bytes.Reader) (string, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("dose frame string length: %w", model.ErrCorruptRecord)
	}
	n := int(binary.LittleEndian.Uint16(b[:]))
	s := make([]byte, n)
	if _, err := io.ReadFull(r, s); err != nil {
		return "", fmt.Errorf("dose frame string body: %w", model.ErrCorruptRecord)
	}
	return string(s), nil
}

func putInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func getInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("dose frame int64: %w", model.ErrCorruptRecord)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
