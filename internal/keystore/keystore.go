// Package keystore persists long-term key material established by pairing,
// so later connections can resume a security session without repeating the
// handshake.
package keystore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/srg/bleng/internal/event"
)

var (
	// ErrNoRecord is returned by Load when no material is stored for the
	// device and role.
	ErrNoRecord = errors.New("no key record")
	// ErrCorrupted is returned by Load when a stored record fails its
	// integrity check. Callers treat this the same as absent material.
	ErrCorrupted = errors.New("key record corrupted")
)

// SecurityLevel is the link security achieved by (or required from) pairing.
type SecurityLevel uint8

const (
	LevelNone       SecurityLevel = iota // no encryption required
	LevelEncOnly                         // encrypted, unauthenticated (Just Works)
	LevelEncAuth                         // encrypted and MITM-authenticated
	LevelSecureConn                      // LE Secure Connections, authenticated
)

func (l SecurityLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelEncOnly:
		return "enc"
	case LevelEncAuth:
		return "enc+auth"
	case LevelSecureConn:
		return "secure-conn"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// Role is the local link-layer role the keys were established under. Keys
// are not shared across roles.
type Role uint8

const (
	RoleCentral Role = iota
	RolePeripheral
)

func (r Role) String() string {
	if r == RolePeripheral {
		return "peripheral"
	}
	return "central"
}

// KeyRecord is the persisted outcome of a successful pairing: the long-term
// key plus the association data needed to re-derive a session.
type KeyRecord struct {
	Level         SecurityLevel `cbor:"1,keyasint"`
	Authenticated bool          `cbor:"2,keyasint"`
	KeySize       uint8         `cbor:"3,keyasint"`

	LTK  [16]byte `cbor:"4,keyasint"` // long-term key
	EDiv uint16   `cbor:"5,keyasint"` // encrypted diversifier
	Rand uint64   `cbor:"6,keyasint"` // random value paired with EDiv
	IRK  [16]byte `cbor:"7,keyasint"` // identity resolving key
	CSRK [16]byte `cbor:"8,keyasint"` // connection signature resolving key
}

// Satisfies reports whether material at this record's level covers the
// requested level, enabling the pre-paired fast path.
func (k *KeyRecord) Satisfies(requested SecurityLevel) bool {
	return k.Level >= requested
}

// KeyStore is the engine's persistence collaborator. One record per
// device identity + local role.
type KeyStore interface {
	// Load returns the stored record, ErrNoRecord when absent, or
	// ErrCorrupted when the stored bytes fail integrity checks.
	Load(addr event.Addr, role Role) (*KeyRecord, error)
	// Store persists the record. Re-storing identical material is a no-op.
	Store(addr event.Addr, role Role, rec *KeyRecord) error
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(addr event.Addr, role Role) error
}

// Memory is an in-process KeyStore for tests and deployments without
// durable storage.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]KeyRecord
}

// NewMemory creates an empty in-memory key store.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]KeyRecord)}
}

func memKey(addr event.Addr, role Role) string {
	return addr.String() + "/" + role.String()
}

func (m *Memory) Load(addr event.Addr, role Role) (*KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[memKey(addr, role)]
	if !ok {
		return nil, ErrNoRecord
	}
	out := rec
	return &out, nil
}

func (m *Memory) Store(addr event.Addr, role Role, rec *KeyRecord) error {
	if rec == nil {
		return errors.New("nil key record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[memKey(addr, role)] = *rec
	return nil
}

func (m *Memory) Delete(addr event.Addr, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, memKey(addr, role))
	return nil
}
