package security

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hex16(t *testing.T, s string) [16]byte {
	t.Helper()
	raw, err := hex.DecodeString(s)
	require.NoError(t, err)
	require.Len(t, raw, 16)
	var out [16]byte
	copy(out[:], raw)
	return out
}

// TestC1SampleVector checks the confirm computation against the sample data
// from Core spec Vol 3 Part H 2.2.3.
func TestC1SampleVector(t *testing.T) {
	k := [16]byte{}
	r := hex16(t, "5783d52156ad6f0e6388274ec6702ee0")

	// Wire order: opcode first. The Core spec renders these values MSB first as
	// 0x07071000000101 and 0x05000800000302.
	preq := [7]byte{0x01, 0x01, 0x00, 0x00, 0x10, 0x07, 0x07}
	pres := [7]byte{0x02, 0x03, 0x00, 0x00, 0x08, 0x00, 0x05}

	ia := [6]byte{0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6}
	ra := [6]byte{0xb1, 0xb2, 0xb3, 0xb4, 0xb5, 0xb6}

	got, err := c1(k, r, preq, pres, 0x01, 0x00, ia, ra)
	require.NoError(t, err)
	assert.Equal(t, hex16(t, "1e1e3fef878988ead2a74dc5bef13b86"), got)
}

// TestS1SampleVector checks STK derivation against the sample data from
// Core spec Vol 3 Part H 2.2.4.
func TestS1SampleVector(t *testing.T) {
	k := [16]byte{}
	r1 := hex16(t, "000f0e0d0c0b0a091122334455667788")
	r2 := hex16(t, "010203040506070899aabbccddeeff00")

	got, err := s1(k, r1, r2)
	require.NoError(t, err)
	assert.Equal(t, hex16(t, "9a1fe1f0e8b0f49b5b4216ae796da062"), got)
}

func TestPasskeyTK(t *testing.T) {
	tk := passkeyTK(123456) // 0x0001E240
	var want [16]byte
	want[13] = 0x01
	want[14] = 0xe2
	want[15] = 0x40
	assert.Equal(t, want, tk)
}

func TestNewRandom128Unique(t *testing.T) {
	a, err := newRandom128()
	require.NoError(t, err)
	b, err := newRandom128()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
