// Package security implements the per-connection pairing state machine:
// the SMP-style handshake that establishes long-term key material, including
// the pre-paired fast path backed by the key store.
package security

import "fmt"

// SMP command opcodes, emitted on the security channel.
const (
	OpPairingRequest  = 0x01
	OpPairingResponse = 0x02
	OpPairingConfirm  = 0x03
	OpPairingRandom   = 0x04
	OpPairingFailed   = 0x05
	OpEncryptionInfo  = 0x06
	OpCentralIdent    = 0x07
	OpIdentityInfo    = 0x08
	OpIdentityAddr    = 0x09
	OpSigningInfo     = 0x0a
	OpSecurityRequest = 0x0b
)

// I/O capabilities advertised during feature exchange.
const (
	IOCapDisplayOnly     = 0x00
	IOCapDisplayYesNo    = 0x01
	IOCapKeyboardOnly    = 0x02
	IOCapNone            = 0x03
	IOCapKeyboardDisplay = 0x04
)

// AuthReq bits.
const (
	AuthBonding = 0x01
	AuthMITM    = 0x04
)

// Key distribution bits.
const (
	KeyDistEncKey  = 0x01
	KeyDistIDKey   = 0x02
	KeyDistSignKey = 0x04
)

// Pairing failure reasons (SMP Pairing Failed reason codes).
const (
	ReasonPasskeyEntryFailed  = 0x01
	ReasonOOBNotAvailable     = 0x02
	ReasonAuthRequirements    = 0x03
	ReasonConfirmFailed       = 0x04
	ReasonPairingNotSupported = 0x05
	ReasonEncKeySize          = 0x06
	ReasonUnspecified         = 0x08
	ReasonRepeatedAttempts    = 0x09
	ReasonInvalidParameters   = 0x0a
)

// ReasonString renders a failure reason for logs and user messages.
func ReasonString(reason uint8) string {
	switch reason {
	case ReasonPasskeyEntryFailed:
		return "passkey entry failed"
	case ReasonOOBNotAvailable:
		return "OOB data not available"
	case ReasonAuthRequirements:
		return "authentication requirements not met"
	case ReasonConfirmFailed:
		return "confirm value mismatch"
	case ReasonPairingNotSupported:
		return "pairing not supported"
	case ReasonEncKeySize:
		return "encryption key size too small"
	case ReasonUnspecified:
		return "unspecified"
	case ReasonRepeatedAttempts:
		return "repeated attempts"
	case ReasonInvalidParameters:
		return "invalid parameters"
	}
	return fmt.Sprintf("reason(0x%02x)", reason)
}

// Method is the association model selected from both sides' capabilities.
type Method int

const (
	MethodJustWorks Method = iota
	MethodPasskey
	MethodNumericCompare
	MethodOOB
)

func (m Method) String() string {
	switch m {
	case MethodJustWorks:
		return "just-works"
	case MethodPasskey:
		return "passkey"
	case MethodNumericCompare:
		return "numeric-compare"
	case MethodOOB:
		return "oob"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// selectMethod picks the association model from the exchanged features.
// OOB wins when both sides have it; otherwise MITM-capable combinations of
// I/O capabilities select passkey or numeric comparison, and everything
// else degrades to Just Works.
func selectMethod(localIO, peerIO uint8, localOOB, peerOOB bool, mitm bool) Method {
	if localOOB && peerOOB {
		return MethodOOB
	}
	if !mitm {
		return MethodJustWorks
	}
	if localIO == IOCapNone || peerIO == IOCapNone {
		return MethodJustWorks
	}
	if (localIO == IOCapDisplayYesNo || localIO == IOCapKeyboardDisplay) &&
		(peerIO == IOCapDisplayYesNo || peerIO == IOCapKeyboardDisplay) {
		return MethodNumericCompare
	}
	return MethodPasskey
}
