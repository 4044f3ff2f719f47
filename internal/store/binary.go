// Package store persists schedule templates and instances as individually
// checksummed binary records, one file per record, and provides optimistic
// CRUD over them.
package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/grovebox/irrigationd/internal/model"
)

// Container layout, little-endian:
//
//	offset 0  magic      4 bytes  "SNRS"
//	offset 4  version    u16      container format version
//	offset 6  length     u32      payload byte count
//	offset 10 crc32      u32      IEEE CRC of the payload
//	offset 14 payload    length bytes
//
// Reads validate magic, then length, then CRC, in that order, so callers can
// tell a foreign/old file from a torn write from bit rot.
const (
	containerMagic   = "SNRS"
	containerVersion = uint16(1)
	headerSize       = 14
)

// WriteRecord writes payload to path inside a checksummed container. The
// file lands via a temp name and an atomic rename; the filesystem gives no
// partial-write guarantee, so a torn write is caught by the CRC on read
// instead of being served as valid data.
func WriteRecord(path string, payload []byte) error {
	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	buf.WriteString(containerMagic)
	var scratch [4]byte
	binary.LittleEndian.PutUint16(scratch[:2], containerVersion)
	buf.Write(scratch[:2])
	binary.LittleEndian.PutUint32(scratch[:], uint32(len(payload)))
	buf.Write(scratch[:])
	binary.LittleEndian.PutUint32(scratch[:], crc32.ChecksumIEEE(payload))
	buf.Write(scratch[:])
	buf.Write(payload)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename record into place: %w", err)
	}
	return nil
}

// ReadRecord reads and validates a container, returning the raw payload.
// Missing files surface as model.ErrNotFound; damaged files surface as one
// of the corrupt-record sentinels depending on which validation stage
// failed.
func ReadRecord(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, model.ErrNotFound)
		}
		return nil, fmt.Errorf("read record: %w", err)
	}
	payload, err := unwrapContainer(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return payload, nil
}

func unwrapContainer(raw []byte) ([]byte, error) {
	if len(raw) < headerSize {
		return nil, model.ErrCorruptHeader
	}
	if string(raw[:4]) != containerMagic {
		return nil, model.ErrCorruptHeader
	}
	if v := binary.LittleEndian.Uint16(raw[4:6]); v != containerVersion {
		return nil, fmt.Errorf("container version %d: %w", v, model.ErrCorruptHeader)
	}
	length := binary.LittleEndian.Uint32(raw[6:10])
	if int(length) != len(raw)-headerSize {
		return nil, model.ErrSizeMismatch
	}
	payload := raw[headerSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(raw[10:14]) {
		return nil, model.ErrChecksumMismatch
	}
	return payload, nil
}
