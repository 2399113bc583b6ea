package security

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/keystore"
)

// State is the pairing progression for one connection.
type State int

const (
	StateNone State = iota // no security required; terminal entry point
	StateRequested
	StateFeatureExchangeStarted
	StateFeatureExchangeCompleted
	StatePasskeyExpected
	StateNumericCompareExpected
	StateOOBExpected
	StateKeyDistribution
	StateCompleted // terminal; also the pre-paired entry point
	StateFailed    // terminal; reachable from any non-terminal state
)

var stateNames = map[State]string{
	StateNone:                     "none",
	StateRequested:                "requested",
	StateFeatureExchangeStarted:   "feature_exchange_started",
	StateFeatureExchangeCompleted: "feature_exchange_completed",
	StatePasskeyExpected:          "passkey_expected",
	StateNumericCompareExpected:   "numeric_compare_expected",
	StateOOBExpected:              "oob_expected",
	StateKeyDistribution:          "key_distribution",
	StateCompleted:                "completed",
	StateFailed:                   "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Resolved reports whether the session reached a state that unblocks the
// connection readiness gate: completed pairing, or no pairing required.
func (s State) Resolved() bool { return s == StateNone || s == StateCompleted }

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateNone || s == StateCompleted || s == StateFailed
}

// AwaitingUser reports whether the session is parked on an application
// decision (passkey, numeric comparison, or out-of-band data).
func (s State) AwaitingUser() bool {
	return s == StatePasskeyExpected || s == StateNumericCompareExpected || s == StateOOBExpected
}

// Config carries the local pairing features and tunables.
type Config struct {
	IOCapability uint8
	OOB          bool
	Bonding      bool
	MaxKeySize   uint8

	// UserConfirmTimeout bounds how long a session waits for a passkey or
	// numeric-comparison decision before auto-rejecting. Zero means the
	// package default.
	UserConfirmTimeout time.Duration
}

// DefaultUserConfirmTimeout bounds the passkey/numeric-compare hold time.
const DefaultUserConfirmTimeout = 30 * time.Second

// DefaultConfig returns the pairing features used when the application does
// not override them: keyboard+display capable, bonding, 128-bit keys.
func DefaultConfig() Config {
	return Config{
		IOCapability:       IOCapKeyboardDisplay,
		Bonding:            true,
		MaxKeySize:         16,
		UserConfirmTimeout: DefaultUserConfirmTimeout,
	}
}

// Delegate is implemented by the engine: application-facing credential
// requests plus the hook used to emit SMP frames toward the peer. All calls
// return promptly; the eventual passkey/decision arrives later as its own
// queued event.
type Delegate interface {
	PasskeyRequested(addr event.Addr)
	NumericCompareRequested(addr event.Addr, value uint32)
	SendPairing(addr event.Addr, pdu []byte) error
}

// Session is the pairing state machine for a single connection. It never
// blocks: every transition is driven by one dequeued security event, and the
// caller (the per-device dispatcher) serializes access, so Session carries
// no lock of its own.
type Session struct {
	cfg      Config
	addr     event.Addr // peer
	local    event.Addr
	role     keystore.Role
	ks       keystore.KeyStore
	delegate Delegate
	logger   *logrus.Logger

	state     State
	requested keystore.SecurityLevel
	achieved  keystore.SecurityLevel
	method    Method
	reason    uint8

	preq, pres  [7]byte
	keySize     uint8
	tk          [16]byte
	localRand   [16]byte
	peerConfirm [16]byte
	stk         [16]byte
	stkReady    bool

	keys         *keystore.KeyRecord
	persisted    bool
	userDeadline time.Time
}

// NewSession creates a session in StateNone. Start decides the entry point.
func NewSession(cfg Config, local, peer event.Addr, role keystore.Role,
	ks keystore.KeyStore, delegate Delegate, logger *logrus.Logger) *Session {
	if cfg.MaxKeySize == 0 {
		cfg.MaxKeySize = 16
	}
	if cfg.UserConfirmTimeout <= 0 {
		cfg.UserConfirmTimeout = DefaultUserConfirmTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		cfg:      cfg,
		addr:     peer,
		local:    local,
		role:     role,
		ks:       ks,
		delegate: delegate,
		logger:   logger,
	}
}

func (s *Session) State() State                     { return s.state }
func (s *Session) Achieved() keystore.SecurityLevel { return s.achieved }
func (s *Session) FailureReason() uint8             { return s.reason }

// Keys returns the established key material once the session completed.
func (s *Session) Keys() *keystore.KeyRecord { return s.keys }

// STK returns the short-term key derived from the confirm exchange, used to
// encrypt the link while distribution of the long-term keys is in flight.
func (s *Session) STK() ([16]byte, bool) { return s.stk, s.stkReady }

// UserDeadline returns the auto-reject deadline while the session is
// waiting on an application decision.
func (s *Session) UserDeadline() (time.Time, bool) {
	return s.userDeadline, s.state.AwaitingUser()
}

// Start enters the state machine for the requested security level.
//
// Fast paths: LevelNone resolves immediately to StateNone; a stored key
// record that covers the requested level resolves to StateCompleted without
// a handshake ("pre-paired"). A record below the requested level forces the
// full handshake.
func (s *Session) Start(requested keystore.SecurityLevel) State {
	s.requested = requested

	if requested == keystore.LevelNone {
		s.state = StateNone
		return s.state
	}

	if rec, err := s.ks.Load(s.addr, s.role); err == nil && rec.Satisfies(requested) {
		s.keys = rec
		s.achieved = rec.Level
		s.persisted = true // material already durable, never re-write
		s.state = StateCompleted
		s.logger.WithFields(logrus.Fields{
			"address": s.addr.String(),
			"level":   rec.Level.String(),
		}).Info("Resuming pre-paired security session")
		return s.state
	}

	authReq := uint8(0)
	if s.cfg.Bonding {
		authReq |= AuthBonding
	}
	if requested >= keystore.LevelEncAuth {
		authReq |= AuthMITM
	}
	oob := uint8(0)
	if s.cfg.OOB {
		oob = 1
	}

	s.preq = [7]byte{OpPairingRequest, s.cfg.IOCapability, oob, authReq,
		s.cfg.MaxKeySize, KeyDistEncKey, KeyDistEncKey | KeyDistIDKey | KeyDistSignKey}

	if err := s.delegate.SendPairing(s.addr, s.preq[:]); err != nil {
		return s.fail(ReasonUnspecified, fmt.Errorf("failed to send pairing request: %w", err))
	}
	s.state = StateRequested
	return s.state
}

// Advance feeds one dequeued security event into the state machine and
// returns the resulting state. Non-security events and events that cannot
// occur in a terminal state are ignored.
func (s *Session) Advance(ev event.Event) State {
	if s.state.Terminal() {
		// Re-delivery after completion (or failure) is a no-op; in
		// particular Completed is never re-persisted without new material.
		return s.state
	}

	switch ev.Kind {
	case event.KindPairingFailed:
		reason := ev.Status
		if reason == 0 && len(ev.Data) > 0 {
			reason = ev.Data[0]
		}
		s.reason = reason
		return s.failSilent(reason)

	case event.KindUserConfirmTimeout:
		if s.state.AwaitingUser() {
			return s.fail(ReasonPasskeyEntryFailed, fmt.Errorf("user confirmation timed out after %s", s.cfg.UserConfirmTimeout))
		}
		return s.state

	case event.KindPairingResponse:
		return s.onPairingResponse(ev)

	case event.KindPairingConfirm:
		return s.onPairingConfirm(ev)

	case event.KindPasskeyDecision:
		return s.onPasskeyDecision(ev)

	case event.KindNumericCompareDecision:
		return s.onNumericCompareDecision(ev)

	case event.KindPairingRandom:
		return s.onPairingRandom(ev)

	case event.KindKeyDistribution:
		return s.onKeyDistribution(ev)
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.addr.String(),
		"state":   s.state.String(),
		"event":   ev.Kind.String(),
	}).Debug("Ignoring event in pairing state machine")
	return s.state
}

func (s *Session) onPairingResponse(ev event.Event) State {
	if s.state != StateRequested {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("pairing response in state %s", s.state))
	}
	if len(ev.Data) < 6 {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("short pairing response (%d bytes)", len(ev.Data)))
	}

	s.pres[0] = OpPairingResponse
	copy(s.pres[1:], ev.Data[:6])

	peerIO := ev.Data[0]
	peerOOB := ev.Data[1] != 0
	peerAuth := ev.Data[2]
	peerKeySize := ev.Data[3]

	s.keySize = s.cfg.MaxKeySize
	if peerKeySize < s.keySize {
		s.keySize = peerKeySize
	}
	if s.keySize < 7 {
		return s.fail(ReasonEncKeySize, fmt.Errorf("negotiated key size %d too small", s.keySize))
	}

	mitm := s.requested >= keystore.LevelEncAuth || peerAuth&AuthMITM != 0
	s.method = selectMethod(s.cfg.IOCapability, peerIO, s.cfg.OOB, peerOOB, mitm)

	if mitm && s.method == MethodJustWorks && s.requested >= keystore.LevelEncAuth {
		// Neither side can authenticate but the caller demanded MITM
		// protection; refusing beats silently downgrading.
		return s.fail(ReasonAuthRequirements, fmt.Errorf("requested %s but capabilities only allow just-works", s.requested))
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.addr.String(),
		"method":  s.method.String(),
	}).Debug("Pairing features exchanged")

	var err error
	if s.localRand, err = newRandom128(); err != nil {
		return s.fail(ReasonUnspecified, err)
	}

	if s.method == MethodJustWorks {
		// TK is zero; the confirm can go out right away.
		if err := s.sendConfirm(); err != nil {
			return s.fail(ReasonUnspecified, err)
		}
	}

	s.state = StateFeatureExchangeStarted
	return s.state
}

func (s *Session) onPairingConfirm(ev event.Event) State {
	if s.state != StateFeatureExchangeStarted {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("pairing confirm in state %s", s.state))
	}
	if len(ev.Data) != 16 {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("confirm value must be 16 bytes, got %d", len(ev.Data)))
	}
	copy(s.peerConfirm[:], ev.Data)
	s.state = StateFeatureExchangeCompleted

	switch s.method {
	case MethodJustWorks:
		if err := s.sendRandom(); err != nil {
			return s.fail(ReasonUnspecified, err)
		}
		s.state = StateKeyDistribution

	case MethodPasskey:
		s.state = StatePasskeyExpected
		s.armUserDeadline()
		s.delegate.PasskeyRequested(s.addr)

	case MethodNumericCompare:
		// The comparison number shown on both sides is derived from the
		// exchanged confirm value.
		value := binary.BigEndian.Uint32(s.peerConfirm[12:16]) % 1000000
		s.state = StateNumericCompareExpected
		s.armUserDeadline()
		s.delegate.NumericCompareRequested(s.addr, value)

	case MethodOOB:
		s.state = StateOOBExpected
		s.armUserDeadline()
	}
	return s.state
}

func (s *Session) onPasskeyDecision(ev event.Event) State {
	switch s.state {
	case StatePasskeyExpected:
		if ev.Status != 0 {
			return s.fail(ReasonPasskeyEntryFailed, fmt.Errorf("passkey entry rejected"))
		}
		s.tk = passkeyTK(ev.Value)
	case StateOOBExpected:
		if ev.Status != 0 || len(ev.Data) != 16 {
			return s.fail(ReasonOOBNotAvailable, fmt.Errorf("out-of-band key not provided"))
		}
		copy(s.tk[:], ev.Data)
	default:
		return s.fail(ReasonInvalidParameters, fmt.Errorf("passkey decision in state %s", s.state))
	}

	s.userDeadline = time.Time{}
	if err := s.sendConfirm(); err != nil {
		return s.fail(ReasonUnspecified, err)
	}
	if err := s.sendRandom(); err != nil {
		return s.fail(ReasonUnspecified, err)
	}
	s.state = StateKeyDistribution
	return s.state
}

func (s *Session) onNumericCompareDecision(ev event.Event) State {
	if s.state != StateNumericCompareExpected {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("numeric-compare decision in state %s", s.state))
	}
	if ev.Status != 0 {
		return s.fail(ReasonConfirmFailed, fmt.Errorf("numeric comparison rejected"))
	}

	s.userDeadline = time.Time{}
	if err := s.sendConfirm(); err != nil {
		return s.fail(ReasonUnspecified, err)
	}
	if err := s.sendRandom(); err != nil {
		return s.fail(ReasonUnspecified, err)
	}
	s.state = StateKeyDistribution
	return s.state
}

func (s *Session) onPairingRandom(ev event.Event) State {
	if s.state != StateKeyDistribution {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("pairing random in state %s", s.state))
	}
	if len(ev.Data) != 16 {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("pairing random must be 16 bytes, got %d", len(ev.Data)))
	}

	var peerRand [16]byte
	copy(peerRand[:], ev.Data)

	ia, iat, ra, rat := s.addressRoles()
	want, err := c1(s.tk, peerRand, s.preq, s.pres, iat, rat, ia, ra)
	if err != nil {
		return s.fail(ReasonUnspecified, err)
	}
	if want != s.peerConfirm {
		return s.fail(ReasonConfirmFailed, fmt.Errorf("peer confirm value does not match"))
	}

	if s.stk, err = s1(s.tk, peerRand, s.localRand); err != nil {
		return s.fail(ReasonUnspecified, err)
	}
	s.stkReady = true
	return s.state
}

func (s *Session) onKeyDistribution(ev event.Event) State {
	if s.state != StateKeyDistribution {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("key distribution in state %s", s.state))
	}
	if !s.stkReady {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("key distribution before confirm exchange finished"))
	}
	// LTK(16) || EDiv(2) || Rand(8) [|| IRK(16) [|| CSRK(16)]]
	if len(ev.Data) < 26 {
		return s.fail(ReasonInvalidParameters, fmt.Errorf("short key distribution payload (%d bytes)", len(ev.Data)))
	}

	rec := &keystore.KeyRecord{
		Level:         s.achievedLevel(),
		Authenticated: s.method != MethodJustWorks,
		KeySize:       s.keySize,
		EDiv:          binary.LittleEndian.Uint16(ev.Data[16:18]),
		Rand:          binary.LittleEndian.Uint64(ev.Data[18:26]),
	}
	copy(rec.LTK[:], ev.Data[:16])
	if len(ev.Data) >= 42 {
		copy(rec.IRK[:], ev.Data[26:42])
	}
	if len(ev.Data) >= 58 {
		copy(rec.CSRK[:], ev.Data[42:58])
	}

	return s.complete(rec)
}

func (s *Session) achievedLevel() keystore.SecurityLevel {
	if s.method == MethodJustWorks {
		return keystore.LevelEncOnly
	}
	return keystore.LevelEncAuth
}

// complete enters StateCompleted and persists the material exactly once.
func (s *Session) complete(rec *keystore.KeyRecord) State {
	s.keys = rec
	s.achieved = rec.Level
	s.state = StateCompleted

	if !s.persisted {
		if err := s.ks.Store(s.addr, s.role, rec); err != nil {
			s.logger.WithField("address", s.addr.String()).
				WithError(err).Error("Failed to persist key record")
		} else {
			s.persisted = true
		}
	}

	s.logger.WithFields(logrus.Fields{
		"address": s.addr.String(),
		"method":  s.method.String(),
		"level":   s.achieved.String(),
	}).Info("Pairing completed")
	return s.state
}

// fail enters StateFailed, invalidates stored material and notifies the
// peer. A later connection attempt starts a clean handshake.
func (s *Session) fail(reason uint8, err error) State {
	_ = s.delegate.SendPairing(s.addr, []byte{OpPairingFailed, reason})
	s.reason = reason
	return s.enterFailed(err)
}

// failSilent is fail without emitting a Pairing Failed PDU, used when the
// failure came from the peer.
func (s *Session) failSilent(reason uint8) State {
	s.reason = reason
	return s.enterFailed(fmt.Errorf("peer reported: %s", ReasonString(reason)))
}

func (s *Session) enterFailed(err error) State {
	s.state = StateFailed
	s.userDeadline = time.Time{}

	// Partial or stale material must not survive a failed handshake.
	if delErr := s.ks.Delete(s.addr, s.role); delErr != nil {
		s.logger.WithField("address", s.addr.String()).
			WithError(delErr).Warn("Failed to invalidate key record")
	}
	s.keys = nil
	s.persisted = false

	s.logger.WithFields(logrus.Fields{
		"address": s.addr.String(),
		"reason":  ReasonString(s.reason),
	}).WithError(err).Warn("Pairing failed")
	return s.state
}

func (s *Session) armUserDeadline() {
	s.userDeadline = time.Now().Add(s.cfg.UserConfirmTimeout)
}

func (s *Session) sendConfirm() error {
	ia, iat, ra, rat := s.addressRoles()
	conf, err := c1(s.tk, s.localRand, s.preq, s.pres, iat, rat, ia, ra)
	if err != nil {
		return err
	}
	pdu := make([]byte, 17)
	pdu[0] = OpPairingConfirm
	copy(pdu[1:], conf[:])
	if err := s.delegate.SendPairing(s.addr, pdu); err != nil {
		return fmt.Errorf("failed to send pairing confirm: %w", err)
	}
	return nil
}

func (s *Session) sendRandom() error {
	pdu := make([]byte, 17)
	pdu[0] = OpPairingRandom
	copy(pdu[1:], s.localRand[:])
	if err := s.delegate.SendPairing(s.addr, pdu); err != nil {
		return fmt.Errorf("failed to send pairing random: %w", err)
	}
	return nil
}

// addressRoles maps local/peer addresses onto the initiating/responding
// slots of the confirm computation based on our link-layer role.
func (s *Session) addressRoles() (ia [6]byte, iat uint8, ra [6]byte, rat uint8) {
	localMSB := msbAddr(s.local)
	peerMSB := msbAddr(s.addr)
	if s.role == keystore.RoleCentral {
		return localMSB, uint8(s.local.Kind), peerMSB, uint8(s.addr.Kind)
	}
	return peerMSB, uint8(s.addr.Kind), localMSB, uint8(s.local.Kind)
}

// msbAddr converts the wire-order address into the MSB-first layout the
// confirm primitives use.
func msbAddr(a event.Addr) [6]byte {
	var out [6]byte
	for i := 0; i < 6; i++ {
		out[i] = a.B[5-i]
	}
	return out
}
