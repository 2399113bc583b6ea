package transport

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttUUIDShortForm(t *testing.T) {
	raw, ok := attUUID([]byte{0x0f, 0x18}) // 0x180f, battery service
	require.True(t, ok)
	assert.Equal(t, uuid.MustParse("0000180f-0000-1000-8000-00805f9b34fb"), uuid.UUID(raw))
}

func TestAttUUIDLongForm(t *testing.T) {
	want := uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	le := make([]byte, 16)
	for i, b := range want {
		le[15-i] = b
	}
	raw, ok := attUUID(le)
	require.True(t, ok)
	assert.Equal(t, want, uuid.UUID(raw))
}

func TestAttUUIDRejectsOtherLengths(t *testing.T) {
	_, ok := attUUID([]byte{0x01})
	assert.False(t, ok)
	_, ok = attUUID(make([]byte, 4))
	assert.False(t, ok)
}
