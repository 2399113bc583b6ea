package security

import (
	"crypto/aes"
	"crypto/rand"
	"fmt"
)

// Legacy-pairing confirm primitives (Core spec Vol 3 Part H 2.2.3/2.2.4).
// All 128-bit values here are most-significant byte first.

// e runs one AES-128 block: e(key, plaintext).
func e(key, plaintext [16]byte) ([16]byte, error) {
	var out [16]byte
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, fmt.Errorf("failed to init confirm cipher: %w", err)
	}
	block.Encrypt(out[:], plaintext[:])
	return out, nil
}

func xor16(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// reverse7 converts a 7-byte pairing PDU from wire order (opcode first,
// least significant byte first) to the MSB-first layout c1 operates on.
func reverse7(in [7]byte) [7]byte {
	var out [7]byte
	for i := range in {
		out[i] = in[6-i]
	}
	return out
}

// c1 computes the confirm value:
//
//	p1 = pres || preq || rat || iat
//	p2 = 0x00000000 || ia || ra
//	c1 = e(k, e(k, r xor p1) xor p2)
//
// preq/pres are the 7-byte pairing request/response PDUs in wire order
// (opcode first); ia/ra the 6-byte initiating/responding addresses, MSB
// first.
func c1(k, r [16]byte, preq, pres [7]byte, iat, rat uint8, ia, ra [6]byte) ([16]byte, error) {
	presMSB := reverse7(pres)
	preqMSB := reverse7(preq)

	var p1 [16]byte
	copy(p1[0:7], presMSB[:])
	copy(p1[7:14], preqMSB[:])
	p1[14] = rat
	p1[15] = iat

	var p2 [16]byte
	copy(p2[4:10], ia[:])
	copy(p2[10:16], ra[:])

	inner, err := e(k, xor16(r, p1))
	if err != nil {
		return [16]byte{}, err
	}
	return e(k, xor16(inner, p2))
}

// s1 derives the short-term key from the two pairing randoms: the least
// significant 64 bits of r1 form the most significant half of the input.
func s1(k, r1, r2 [16]byte) ([16]byte, error) {
	var rp [16]byte
	copy(rp[0:8], r1[8:16])
	copy(rp[8:16], r2[8:16])
	return e(k, rp)
}

// newRandom128 draws a fresh pairing random from the system CSPRNG.
func newRandom128() ([16]byte, error) {
	var r [16]byte
	if _, err := rand.Read(r[:]); err != nil {
		return r, fmt.Errorf("failed to generate pairing random: %w", err)
	}
	return r, nil
}

// passkeyTK spreads a 6-digit passkey into a temporary key (value in the
// least significant bytes, MSB-first layout).
func passkeyTK(passkey uint32) [16]byte {
	var tk [16]byte
	tk[12] = byte(passkey >> 24)
	tk[13] = byte(passkey >> 16)
	tk[14] = byte(passkey >> 8)
	tk[15] = byte(passkey)
	return tk
}
