package keystore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleng/internal/event"
)

func testAddr(t *testing.T) event.Addr {
	t.Helper()
	a, err := event.ParseAddr("AA:BB:CC:DD:EE:FF", event.AddrPublic)
	require.NoError(t, err)
	return a
}

func testRecord() *KeyRecord {
	return &KeyRecord{
		Level:         LevelEncOnly,
		Authenticated: false,
		KeySize:       16,
		LTK:           [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		EDiv:          0x1234,
		Rand:          0xdeadbeefcafe,
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	ks := NewMemory()
	addr := testAddr(t)

	_, err := ks.Load(addr, RoleCentral)
	assert.ErrorIs(t, err, ErrNoRecord)

	require.NoError(t, ks.Store(addr, RoleCentral, testRecord()))

	rec, err := ks.Load(addr, RoleCentral)
	require.NoError(t, err)
	assert.Equal(t, LevelEncOnly, rec.Level)
	assert.Equal(t, uint16(0x1234), rec.EDiv)

	// Roles are independent namespaces
	_, err = ks.Load(addr, RolePeripheral)
	assert.ErrorIs(t, err, ErrNoRecord)

	require.NoError(t, ks.Delete(addr, RoleCentral))
	_, err = ks.Load(addr, RoleCentral)
	assert.ErrorIs(t, err, ErrNoRecord)
}

func TestFileRoundTrip(t *testing.T) {
	ks, err := NewFile(t.TempDir(), nil)
	require.NoError(t, err)
	addr := testAddr(t)

	_, err = ks.Load(addr, RoleCentral)
	assert.ErrorIs(t, err, ErrNoRecord)

	want := testRecord()
	require.NoError(t, ks.Store(addr, RoleCentral, want))

	got, err := ks.Load(addr, RoleCentral)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	names, err := ks.List()
	require.NoError(t, err)
	assert.Len(t, names, 1)

	require.NoError(t, ks.Delete(addr, RoleCentral))
	_, err = ks.Load(addr, RoleCentral)
	assert.ErrorIs(t, err, ErrNoRecord)

	// Deleting again is not an error
	assert.NoError(t, ks.Delete(addr, RoleCentral))
}

func TestFileStoreIdempotent(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFile(dir, nil)
	require.NoError(t, err)
	addr := testAddr(t)

	require.NoError(t, ks.Store(addr, RoleCentral, testRecord()))

	path := ks.path(addr, RoleCentral)
	before, err := os.Stat(path)
	require.NoError(t, err)

	// Identical material must be a no-op, not a rewrite
	require.NoError(t, ks.Store(addr, RoleCentral, testRecord()))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestFileDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFile(dir, nil)
	require.NoError(t, err)
	addr := testAddr(t)

	require.NoError(t, ks.Store(addr, RoleCentral, testRecord()))
	path := ks.path(addr, RoleCentral)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Flip a bit in the CBOR body
	raw[len(raw)-1] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = ks.Load(addr, RoleCentral)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestFileDetectsTruncation(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewFile(dir, nil)
	require.NoError(t, err)
	addr := testAddr(t)

	require.NoError(t, ks.Store(addr, RoleCentral, testRecord()))
	path := ks.path(addr, RoleCentral)

	require.NoError(t, os.WriteFile(path, []byte("BKS1"), 0o600))
	_, err = ks.Load(addr, RoleCentral)
	assert.ErrorIs(t, err, ErrCorrupted)

	// Garbage file with the wrong magic
	other := filepath.Join(dir, "junk.key")
	require.NoError(t, os.WriteFile(other, []byte("not a key record"), 0o600))
}

func TestSatisfies(t *testing.T) {
	rec := &KeyRecord{Level: LevelEncOnly}
	assert.True(t, rec.Satisfies(LevelNone))
	assert.True(t, rec.Satisfies(LevelEncOnly))
	assert.False(t, rec.Satisfies(LevelEncAuth))
	assert.False(t, rec.Satisfies(LevelSecureConn))
}
