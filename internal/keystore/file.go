package keystore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleng/internal/event"
)

// On-disk format, version 1:
//
//	bytes 0-3  magic "BKS1"
//	byte  4    format version (0x01)
//	bytes 5-8  CRC-32C (Castagnoli) of the body, big-endian
//	bytes 9+   CBOR-encoded KeyRecord
//
// The checksum makes truncation and bit rot detectable; the version byte
// leaves room to evolve the record without guessing at old layouts.
var fileMagic = [4]byte{'B', 'K', 'S', '1'}

const fileVersion = 0x01

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// File is a KeyStore persisting one record per device+role as a small
// checksummed CBOR file in a directory.
type File struct {
	dir    string
	logger *logrus.Logger
}

// NewFile creates (if needed) the directory and returns a file-backed store.
func NewFile(dir string, logger *logrus.Logger) (*File, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory %s: %w", dir, err)
	}
	return &File{dir: dir, logger: logger}, nil
}

func (f *File) path(addr event.Addr, role Role) string {
	name := strings.ReplaceAll(addr.String(), ":", "") + "-" + role.String() + ".key"
	return filepath.Join(f.dir, name)
}

func encodeRecord(rec *KeyRecord) ([]byte, error) {
	body, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key record: %w", err)
	}
	buf := make([]byte, 0, 9+len(body))
	buf = append(buf, fileMagic[:]...)
	buf = append(buf, fileVersion)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.Checksum(body, castagnoli))
	buf = append(buf, sum[:]...)
	buf = append(buf, body...)
	return buf, nil
}

func decodeRecord(raw []byte) (*KeyRecord, error) {
	if len(raw) < 9 || !bytes.Equal(raw[:4], fileMagic[:]) {
		return nil, ErrCorrupted
	}
	if raw[4] != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version 0x%02x", ErrCorrupted, raw[4])
	}
	body := raw[9:]
	if binary.BigEndian.Uint32(raw[5:9]) != crc32.Checksum(body, castagnoli) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupted)
	}
	var rec KeyRecord
	if err := cbor.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return &rec, nil
}

func (f *File) Load(addr event.Addr, role Role) (*KeyRecord, error) {
	raw, err := os.ReadFile(f.path(addr, role))
	if os.IsNotExist(err) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key record: %w", err)
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		f.logger.WithFields(logrus.Fields{
			"address": addr.String(),
			"role":    role.String(),
		}).WithError(err).Warn("Discarding unreadable key record")
		return nil, err
	}
	return rec, nil
}

func (f *File) Store(addr event.Addr, role Role, rec *KeyRecord) error {
	if rec == nil {
		return fmt.Errorf("nil key record")
	}
	buf, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	path := f.path(addr, role)

	// Idempotence: identical material is a no-op, a corrupt or differing
	// file is replaced.
	if existing, err := os.ReadFile(path); err == nil && bytes.Equal(existing, buf) {
		return nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write key record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write key record: %w", err)
	}

	f.logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"role":    role.String(),
		"level":   rec.Level.String(),
	}).Debug("Stored key record")
	return nil
}

func (f *File) Delete(addr event.Addr, role Role) error {
	err := os.Remove(f.path(addr, role))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key record: %w", err)
	}
	return nil
}

// List returns the file names of all stored records, for CLI inspection.
func (f *File) List() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list keystore: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".key") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}
