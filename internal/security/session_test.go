package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/keystore"
)

type recordingDelegate struct {
	pdus         [][]byte
	passkeyCalls int
	compareCalls int
	compareValue uint32
}

func (d *recordingDelegate) PasskeyRequested(event.Addr) { d.passkeyCalls++ }

func (d *recordingDelegate) NumericCompareRequested(_ event.Addr, value uint32) {
	d.compareCalls++
	d.compareValue = value
}

func (d *recordingDelegate) SendPairing(_ event.Addr, pdu []byte) error {
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	d.pdus = append(d.pdus, cp)
	return nil
}

// lastOpcode returns the opcode of the most recent outbound SMP PDU
func (d *recordingDelegate) lastOpcode() byte {
	if len(d.pdus) == 0 {
		return 0
	}
	return d.pdus[len(d.pdus)-1][0]
}

type countingStore struct {
	keystore.KeyStore
	stores  int
	deletes int
}

func (c *countingStore) Store(addr event.Addr, role keystore.Role, rec *keystore.KeyRecord) error {
	c.stores++
	return c.KeyStore.Store(addr, role, rec)
}

func (c *countingStore) Delete(addr event.Addr, role keystore.Role) error {
	c.deletes++
	return c.KeyStore.Delete(addr, role)
}

func sessionFixture(t *testing.T, cfg Config) (*Session, *recordingDelegate, *countingStore) {
	t.Helper()
	local, err := event.ParseAddr("11:22:33:44:55:66", event.AddrPublic)
	require.NoError(t, err)
	peer, err := event.ParseAddr("AA:BB:CC:DD:EE:FF", event.AddrPublic)
	require.NoError(t, err)

	d := &recordingDelegate{}
	ks := &countingStore{KeyStore: keystore.NewMemory()}
	return NewSession(cfg, local, peer, keystore.RoleCentral, ks, d, nil), d, ks
}

func securityEvent(kind event.Kind, data []byte) event.Event {
	ev := event.Event{Kind: kind, Timestamp: time.Now()}
	ev.Data = data
	return ev
}

// peerFeatures builds a pairing-response payload for the given peer I/O
// capability and auth requirements
func peerFeatures(io, authReq byte) []byte {
	return []byte{io, 0x00, authReq, 16, KeyDistEncKey, KeyDistEncKey | KeyDistIDKey | KeyDistSignKey}
}

// peerConfirmFor computes the confirm value the peer would send for its
// random, using the session's own exchanged PDUs
func peerConfirmFor(t *testing.T, s *Session, tk, peerRand [16]byte) []byte {
	t.Helper()
	ia, iat, ra, rat := s.addressRoles()
	conf, err := c1(tk, peerRand, s.preq, s.pres, iat, rat, ia, ra)
	require.NoError(t, err)
	return conf[:]
}

func keyDistPayload() []byte {
	data := make([]byte, 26)
	for i := 0; i < 16; i++ {
		data[i] = byte(i + 1) // LTK
	}
	data[16], data[17] = 0x34, 0x12 // EDiv
	data[18] = 0x99                 // Rand
	return data
}

// runToKeyDistribution drives a just-works handshake up to key distribution
func runToKeyDistribution(t *testing.T, s *Session) {
	t.Helper()
	require.Equal(t, StateRequested, s.Start(keystore.LevelEncOnly))
	require.Equal(t, StateFeatureExchangeStarted,
		s.Advance(securityEvent(event.KindPairingResponse, peerFeatures(IOCapNone, AuthBonding))))

	var zeroTK [16]byte
	peerRand, err := newRandom128()
	require.NoError(t, err)

	require.Equal(t, StateKeyDistribution,
		s.Advance(securityEvent(event.KindPairingConfirm, peerConfirmFor(t, s, zeroTK, peerRand))))
	require.Equal(t, StateKeyDistribution,
		s.Advance(securityEvent(event.KindPairingRandom, peerRand[:])))

	_, ok := s.STK()
	require.True(t, ok, "STK must be derived after the random exchange")
}

func TestJustWorksHandshakeCompletes(t *testing.T) {
	s, _, ks := sessionFixture(t, DefaultConfig())
	runToKeyDistribution(t, s)

	st := s.Advance(securityEvent(event.KindKeyDistribution, keyDistPayload()))
	assert.Equal(t, StateCompleted, st)
	assert.Equal(t, keystore.LevelEncOnly, s.Achieved())
	require.NotNil(t, s.Keys())
	assert.Equal(t, uint16(0x1234), s.Keys().EDiv)

	// Persisted exactly once
	assert.Equal(t, 1, ks.stores)
	rec, err := ks.Load(s.addr, keystore.RoleCentral)
	require.NoError(t, err)
	assert.Equal(t, keystore.LevelEncOnly, rec.Level)

	// Re-delivery after completion is a no-op, not a re-write
	assert.Equal(t, StateCompleted, s.Advance(securityEvent(event.KindKeyDistribution, keyDistPayload())))
	assert.Equal(t, 1, ks.stores)
}

func TestPrePairedFastPath(t *testing.T) {
	s, d, ks := sessionFixture(t, DefaultConfig())
	require.NoError(t, ks.Store(s.addr, keystore.RoleCentral, &keystore.KeyRecord{
		Level:   keystore.LevelEncOnly,
		KeySize: 16,
	}))
	ks.stores = 0

	st := s.Start(keystore.LevelEncOnly)
	assert.Equal(t, StateCompleted, st, "stored keys at the requested level skip the handshake")
	assert.Equal(t, keystore.LevelEncOnly, s.Achieved())
	assert.Empty(t, d.pdus, "fast path must not emit any pairing PDU")
	assert.Equal(t, 0, ks.stores, "fast path must not re-persist")
}

func TestFastPathRejectedWhenLevelTooLow(t *testing.T) {
	s, d, ks := sessionFixture(t, DefaultConfig())
	require.NoError(t, ks.Store(s.addr, keystore.RoleCentral, &keystore.KeyRecord{
		Level: keystore.LevelEncOnly,
	}))

	st := s.Start(keystore.LevelEncAuth)
	assert.Equal(t, StateRequested, st, "requested level above the record forces a full handshake")
	require.Len(t, d.pdus, 1)
	assert.Equal(t, byte(OpPairingRequest), d.pdus[0][0])
}

func TestNoSecurityRequired(t *testing.T) {
	s, d, _ := sessionFixture(t, DefaultConfig())
	st := s.Start(keystore.LevelNone)
	assert.Equal(t, StateNone, st)
	assert.True(t, st.Resolved())
	assert.Empty(t, d.pdus)
}

func TestFailureClearsKeys(t *testing.T) {
	s, _, ks := sessionFixture(t, DefaultConfig())
	require.NoError(t, ks.Store(s.addr, keystore.RoleCentral, &keystore.KeyRecord{
		Level: keystore.LevelEncOnly,
	}))

	require.Equal(t, StateRequested, s.Start(keystore.LevelEncAuth))
	st := s.Advance(securityEvent(event.KindPairingFailed, []byte{ReasonRepeatedAttempts}))

	assert.Equal(t, StateFailed, st)
	assert.Equal(t, uint8(ReasonRepeatedAttempts), s.FailureReason())
	_, err := ks.Load(s.addr, keystore.RoleCentral)
	assert.ErrorIs(t, err, keystore.ErrNoRecord, "failed pairing must invalidate stored material")
}

func TestPasskeyFlow(t *testing.T) {
	s, d, _ := sessionFixture(t, DefaultConfig())

	require.Equal(t, StateRequested, s.Start(keystore.LevelEncAuth))
	require.Equal(t, StateFeatureExchangeStarted,
		s.Advance(securityEvent(event.KindPairingResponse, peerFeatures(IOCapDisplayOnly, AuthBonding|AuthMITM))))

	tk := passkeyTK(123456)
	peerRand, err := newRandom128()
	require.NoError(t, err)
	peerConfirm := peerConfirmFor(t, s, tk, peerRand)

	st := s.Advance(securityEvent(event.KindPairingConfirm, peerConfirm))
	assert.Equal(t, StatePasskeyExpected, st)
	assert.Equal(t, 1, d.passkeyCalls, "entering passkey wait must ask the application")
	_, waiting := s.UserDeadline()
	assert.True(t, waiting, "user wait must carry a bounded deadline")

	// Decision arrives later as its own event
	decision := event.Event{Kind: event.KindPasskeyDecision, Value: 123456}
	require.Equal(t, StateKeyDistribution, s.Advance(decision))
	assert.Equal(t, byte(OpPairingRandom), d.lastOpcode())

	require.Equal(t, StateKeyDistribution,
		s.Advance(securityEvent(event.KindPairingRandom, peerRand[:])))
	st = s.Advance(securityEvent(event.KindKeyDistribution, keyDistPayload()))
	assert.Equal(t, StateCompleted, st)
	assert.Equal(t, keystore.LevelEncAuth, s.Achieved())
	assert.True(t, s.Keys().Authenticated)
}

func TestPasskeyHoldTimeout(t *testing.T) {
	s, d, _ := sessionFixture(t, DefaultConfig())

	require.Equal(t, StateRequested, s.Start(keystore.LevelEncAuth))
	require.Equal(t, StateFeatureExchangeStarted,
		s.Advance(securityEvent(event.KindPairingResponse, peerFeatures(IOCapDisplayOnly, AuthBonding|AuthMITM))))

	peerRand, err := newRandom128()
	require.NoError(t, err)
	require.Equal(t, StatePasskeyExpected,
		s.Advance(securityEvent(event.KindPairingConfirm, peerConfirmFor(t, s, passkeyTK(1), peerRand))))

	st := s.Advance(event.Event{Kind: event.KindUserConfirmTimeout})
	assert.Equal(t, StateFailed, st)
	assert.Equal(t, uint8(ReasonPasskeyEntryFailed), s.FailureReason())
	assert.Equal(t, byte(OpPairingFailed), d.lastOpcode())
}

func TestNumericCompareRejection(t *testing.T) {
	s, d, _ := sessionFixture(t, DefaultConfig())

	require.Equal(t, StateRequested, s.Start(keystore.LevelEncAuth))
	require.Equal(t, StateFeatureExchangeStarted,
		s.Advance(securityEvent(event.KindPairingResponse, peerFeatures(IOCapDisplayYesNo, AuthBonding|AuthMITM))))

	var zeroTK [16]byte
	peerRand, err := newRandom128()
	require.NoError(t, err)
	st := s.Advance(securityEvent(event.KindPairingConfirm, peerConfirmFor(t, s, zeroTK, peerRand)))
	assert.Equal(t, StateNumericCompareExpected, st)
	assert.Equal(t, 1, d.compareCalls)
	assert.Less(t, d.compareValue, uint32(1000000), "comparison value is six digits")

	st = s.Advance(event.Event{Kind: event.KindNumericCompareDecision, Status: 1})
	assert.Equal(t, StateFailed, st)
}

func TestConfirmMismatchFails(t *testing.T) {
	s, _, _ := sessionFixture(t, DefaultConfig())
	runToKeyDistributionWithBadConfirm(t, s)
	assert.Equal(t, uint8(ReasonConfirmFailed), s.FailureReason())
}

func runToKeyDistributionWithBadConfirm(t *testing.T, s *Session) {
	t.Helper()
	require.Equal(t, StateRequested, s.Start(keystore.LevelEncOnly))
	require.Equal(t, StateFeatureExchangeStarted,
		s.Advance(securityEvent(event.KindPairingResponse, peerFeatures(IOCapNone, AuthBonding))))

	bogusConfirm := make([]byte, 16)
	bogusConfirm[0] = 0xff
	require.Equal(t, StateKeyDistribution,
		s.Advance(securityEvent(event.KindPairingConfirm, bogusConfirm)))

	peerRand, err := newRandom128()
	require.NoError(t, err)
	st := s.Advance(securityEvent(event.KindPairingRandom, peerRand[:]))
	require.Equal(t, StateFailed, st)
}

func TestOutOfSequenceEventFails(t *testing.T) {
	s, _, _ := sessionFixture(t, DefaultConfig())
	require.Equal(t, StateRequested, s.Start(keystore.LevelEncOnly))

	// A confirm before the feature exchange is a protocol violation
	st := s.Advance(securityEvent(event.KindPairingConfirm, make([]byte, 16)))
	assert.Equal(t, StateFailed, st)
	assert.Equal(t, uint8(ReasonInvalidParameters), s.FailureReason())
}

func TestSmallKeySizeRejected(t *testing.T) {
	s, _, _ := sessionFixture(t, DefaultConfig())
	require.Equal(t, StateRequested, s.Start(keystore.LevelEncOnly))

	feat := peerFeatures(IOCapNone, AuthBonding)
	feat[3] = 5 // below the 7-byte minimum
	st := s.Advance(securityEvent(event.KindPairingResponse, feat))
	assert.Equal(t, StateFailed, st)
	assert.Equal(t, uint8(ReasonEncKeySize), s.FailureReason())
}

func TestMITMRequiredButNotPossible(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IOCapability = IOCapNone
	s, _, _ := sessionFixture(t, cfg)

	require.Equal(t, StateRequested, s.Start(keystore.LevelEncAuth))
	st := s.Advance(securityEvent(event.KindPairingResponse, peerFeatures(IOCapNone, AuthBonding)))
	assert.Equal(t, StateFailed, st)
	assert.Equal(t, uint8(ReasonAuthRequirements), s.FailureReason())
}

func TestSelectMethod(t *testing.T) {
	tests := []struct {
		name             string
		localIO, peerIO  uint8
		localOOB, peerOOB bool
		mitm             bool
		want             Method
	}{
		{"no mitm is just works", IOCapKeyboardDisplay, IOCapKeyboardDisplay, false, false, false, MethodJustWorks},
		{"no io is just works", IOCapNone, IOCapKeyboardDisplay, false, false, true, MethodJustWorks},
		{"both oob wins", IOCapNone, IOCapNone, true, true, false, MethodOOB},
		{"displays compare", IOCapDisplayYesNo, IOCapKeyboardDisplay, false, false, true, MethodNumericCompare},
		{"keyboard and display is passkey", IOCapKeyboardOnly, IOCapDisplayOnly, false, false, true, MethodPasskey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectMethod(tt.localIO, tt.peerIO, tt.localOOB, tt.peerOOB, tt.mitm)
			assert.Equal(t, tt.want, got)
		})
	}
}
