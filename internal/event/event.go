// Package event defines the protocol event envelope exchanged between the
// transport reader and the engine's state machines. Events are plain values:
// the transport parses raw frames into them, the dispatcher consumes them.
package event

import (
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the event payload.
type Kind int

const (
	KindInvalid Kind = iota

	// Link-layer / controller events
	KindAdvReport      // advertising or scan-response report
	KindConnComplete   // LE connection established (Status, Handle)
	KindDisconnect     // connection closed (Status carries the reason code)
	KindEncryptChanged // link encryption state changed (Status, Value=enabled)
	KindWriteAck       // transport acknowledged an attribute write

	// Attribute-protocol events
	KindMTUExchanged        // MTU negotiation concluded (Value=negotiated MTU)
	KindNotify              // unacknowledged value push (Handle=value handle)
	KindIndicate            // acknowledged value push (Handle=value handle)
	KindServiceFound        // discovery: one primary service (Data=RFC 4122 UUID bytes)
	KindCharacteristicFound // discovery: one characteristic (Handle, Status=properties, Data=UUID)
	KindDiscoveryComplete   // attribute discovery walk finished

	// Security-layer (SMP) events
	KindPairingRequest
	KindPairingResponse
	KindPairingConfirm
	KindPairingRandom
	KindPairingFailed // Status carries the SMP reason
	KindKeyDistribution
	KindSecurityRequest

	// Application decision events, injected by the engine itself
	KindPasskeyDecision        // Value=passkey, Status!=0 means rejected
	KindNumericCompareDecision // Status==0 accepted, else rejected
	KindUserConfirmTimeout     // bounded passkey/numeric-compare hold expired
)

var kindNames = map[Kind]string{
	KindInvalid:                "invalid",
	KindAdvReport:              "adv_report",
	KindConnComplete:           "conn_complete",
	KindDisconnect:             "disconnect",
	KindEncryptChanged:         "encrypt_changed",
	KindWriteAck:               "write_ack",
	KindMTUExchanged:           "mtu_exchanged",
	KindNotify:                 "notify",
	KindIndicate:               "indicate",
	KindServiceFound:           "service_found",
	KindCharacteristicFound:    "characteristic_found",
	KindDiscoveryComplete:      "discovery_complete",
	KindPairingRequest:         "pairing_request",
	KindPairingResponse:        "pairing_response",
	KindPairingConfirm:         "pairing_confirm",
	KindPairingRandom:          "pairing_random",
	KindPairingFailed:          "pairing_failed",
	KindKeyDistribution:        "key_distribution",
	KindSecurityRequest:        "security_request",
	KindPasskeyDecision:        "passkey_decision",
	KindNumericCompareDecision: "numeric_compare_decision",
	KindUserConfirmTimeout:     "user_confirm_timeout",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Security returns true for SMP-layer kinds that the pairing state machine
// consumes (including the decision events the engine injects on its behalf).
func (k Kind) Security() bool {
	switch k {
	case KindPairingRequest, KindPairingResponse, KindPairingConfirm,
		KindPairingRandom, KindPairingFailed, KindKeyDistribution,
		KindSecurityRequest, KindPasskeyDecision,
		KindNumericCompareDecision, KindUserConfirmTimeout:
		return true
	}
	return false
}

// AddrKind is the BLE address kind.
type AddrKind uint8

const (
	AddrPublic AddrKind = 0x00
	AddrRandom AddrKind = 0x01
)

func (t AddrKind) String() string {
	if t == AddrRandom {
		return "random"
	}
	return "public"
}

// Addr identifies a peer device: 6-byte address plus address kind.
// The byte order matches the over-the-air (little-endian) representation.
type Addr struct {
	B    [6]byte
	Kind AddrKind
}

// String renders the address most-significant byte first, colon separated.
func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a.B[5], a.B[4], a.B[3], a.B[2], a.B[1], a.B[0])
}

// ParseAddr parses "AA:BB:CC:DD:EE:FF" (case-insensitive, '-' also accepted
// as separator) into an Addr of the given kind.
func ParseAddr(s string, kind AddrKind) (Addr, error) {
	norm := strings.NewReplacer("-", ":").Replace(strings.TrimSpace(s))
	parts := strings.Split(norm, ":")
	if len(parts) != 6 {
		return Addr{}, fmt.Errorf("invalid device address %q", s)
	}
	var a Addr
	a.Kind = kind
	for i, p := range parts {
		var b byte
		if _, err := fmt.Sscanf(p, "%02x", &b); err != nil || len(p) != 2 {
			return Addr{}, fmt.Errorf("invalid device address %q", s)
		}
		a.B[5-i] = b
	}
	return a, nil
}

// Event is the envelope moved through the bounded queue. Field meaning
// depends on Kind; unrelated fields are zero.
type Event struct {
	Kind      Kind
	Addr      Addr
	Timestamp time.Time // transport-side monotonic timestamp

	Handle uint16 // connection handle or attribute value handle
	Status uint8  // HCI status / disconnect reason / SMP failure reason
	Value  uint32 // negotiated MTU, passkey, numeric-compare value
	Data   []byte // raw payload (adv data, SMP PDU body, attribute value)
}

// New returns an event stamped with the current time.
func New(kind Kind, addr Addr) Event {
	return Event{Kind: kind, Addr: addr, Timestamp: time.Now()}
}
