// Package transport abstracts the raw link to the local radio controller.
// Implementations parse controller frames into event.Event values and push
// them into the engine's bounded queue; malformed frames are discarded
// here, never surfaced to the engine.
package transport

import (
	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/queue"
)

// ConnParams are connection parameters in raw protocol units: intervals in
// 1.25 ms units, supervision timeout in 10 ms units.
type ConnParams struct {
	IntervalMinUnits uint16
	IntervalMaxUnits uint16
	Latency          uint16
	TimeoutUnits     uint16
}

// Source is the transport the engine drives. All methods are safe for
// concurrent use; inbound traffic arrives through the event queue handed
// to the implementation at construction.
type Source interface {
	// Scan enables or disables discovery.
	Scan(enable bool) error
	// Connect initiates a connection; completion arrives as KindConnComplete.
	Connect(addr event.Addr, params ConnParams) error
	// CancelConnect aborts the outstanding Connect attempt; the outcome
	// arrives as a KindConnComplete with a non-zero status.
	CancelConnect() error
	// Disconnect tears the link down; completion arrives as KindDisconnect.
	Disconnect(conn uint16, reason uint8) error
	// ExchangeMTU starts MTU negotiation; the result arrives as
	// KindMTUExchanged.
	ExchangeMTU(conn uint16, mtu uint16) error
	// DiscoverProfile walks the peer's service and characteristic tables.
	// Results arrive as KindServiceFound events, each immediately followed
	// by that service's KindCharacteristicFound events, terminated by one
	// KindDiscoveryComplete.
	DiscoverProfile(conn uint16) error
	// WriteAttribute writes a characteristic value. With withAck the
	// peer's acknowledgement arrives as KindWriteAck.
	WriteAttribute(conn uint16, valueHandle uint16, data []byte, withAck bool) error
	// SendSecurity emits a raw SMP PDU on the security channel.
	SendSecurity(conn uint16, pdu []byte) error
	// StartEncryption encrypts the link with previously established keys;
	// the outcome arrives as KindEncryptChanged.
	StartEncryption(conn uint16, ltk [16]byte, ediv uint16, rand uint64) error
	Close() error
}

// enqueue delivers an event without ever blocking the reader: when the
// queue is full the oldest backlog is shed instead of back-pressuring the
// link layer.
func enqueue(q *queue.Queue[event.Event], ev event.Event) {
	for {
		if err := q.Put(ev, false, 0); err == nil {
			return
		}
		if q.Drop(1) == 0 {
			// Racing consumer emptied the queue; retry the put.
			continue
		}
	}
}
