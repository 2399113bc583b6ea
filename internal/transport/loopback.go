package transport

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/queue"
)

// Loopback is an in-process Source for tests and simulations: it records
// every outbound operation and lets the test script the peer by injecting
// events into the engine's queue.
type Loopback struct {
	q      *queue.Queue[event.Event]
	logger *logrus.Logger

	mu          sync.Mutex
	closed      bool
	scanning    bool
	connects    []event.Addr
	attrs       []LoopbackWrite
	security    []LoopbackSecurity
	nextConn    uint16
	handles     map[uint16]event.Addr
	onWrite     func(LoopbackWrite)
	onPairing   func(LoopbackSecurity)
	pendingAddr event.Addr
	pendingConn uint16
	connPending bool

	// AutoAck acknowledges every acknowledged attribute write immediately,
	// the way a responsive peer would.
	AutoAck bool
	// AutoConnect completes every Connect immediately.
	AutoConnect bool
	// Services is the attribute table the scripted peer answers discovery
	// from.
	Services []LoopbackService
}

// LoopbackService is one scripted primary service.
type LoopbackService struct {
	UUID  uuid.UUID
	Chars []LoopbackCharacteristic
}

// LoopbackCharacteristic is one scripted characteristic.
type LoopbackCharacteristic struct {
	UUID        uuid.UUID
	ValueHandle uint16
	Properties  uint8
}

// LoopbackWrite is one recorded attribute write.
type LoopbackWrite struct {
	Conn        uint16
	ValueHandle uint16
	Data        []byte
	WithAck     bool
}

// LoopbackSecurity is one recorded outbound SMP PDU.
type LoopbackSecurity struct {
	Conn uint16
	PDU  []byte
}

// NewLoopback creates a loopback transport feeding the given queue.
func NewLoopback(q *queue.Queue[event.Event], logger *logrus.Logger) *Loopback {
	if logger == nil {
		logger = logrus.New()
	}
	return &Loopback{
		q:        q,
		logger:   logger,
		nextConn: 0x0040,
		handles:  make(map[uint16]event.Addr),
	}
}

// Inject delivers an event to the engine as if it came off the radio.
func (l *Loopback) Inject(ev event.Event) {
	enqueue(l.q, ev)
}

// OnWrite installs a hook invoked for every attribute write.
func (l *Loopback) OnWrite(fn func(LoopbackWrite)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onWrite = fn
}

// OnSecurity installs a hook invoked for every outbound SMP PDU.
func (l *Loopback) OnSecurity(fn func(LoopbackSecurity)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onPairing = fn
}

// AttrWrites returns a snapshot of recorded attribute writes.
func (l *Loopback) AttrWrites() []LoopbackWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoopbackWrite, len(l.attrs))
	copy(out, l.attrs)
	return out
}

// SecurityPDUs returns a snapshot of recorded outbound SMP PDUs.
func (l *Loopback) SecurityPDUs() []LoopbackSecurity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoopbackSecurity, len(l.security))
	copy(out, l.security)
	return out
}

// AddrFor returns the peer address bound to a connection handle.
func (l *Loopback) AddrFor(conn uint16) (event.Addr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.handles[conn]
	return a, ok
}

func (l *Loopback) Scan(enable bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("transport closed")
	}
	l.scanning = enable
	return nil
}

// Scanning reports whether discovery is enabled.
func (l *Loopback) Scanning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanning
}

func (l *Loopback) Connect(addr event.Addr, _ ConnParams) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	l.connects = append(l.connects, addr)
	conn := l.nextConn
	l.nextConn++
	l.handles[conn] = addr
	auto := l.AutoConnect
	if !auto {
		l.pendingAddr = addr
		l.pendingConn = conn
		l.connPending = true
	}
	l.mu.Unlock()

	if auto {
		ev := event.New(event.KindConnComplete, addr)
		ev.Handle = conn
		l.Inject(ev)
	}
	return nil
}

func (l *Loopback) CancelConnect() error {
	l.mu.Lock()
	if !l.connPending {
		l.mu.Unlock()
		return fmt.Errorf("no connection attempt in progress")
	}
	addr := l.pendingAddr
	delete(l.handles, l.pendingConn)
	l.connPending = false
	l.mu.Unlock()

	// 0x02: unknown connection identifier, the cancel outcome.
	ev := event.New(event.KindConnComplete, addr)
	ev.Status = 0x02
	l.Inject(ev)
	return nil
}

func (l *Loopback) Disconnect(conn uint16, reason uint8) error {
	l.mu.Lock()
	addr, ok := l.handles[conn]
	delete(l.handles, conn)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection handle 0x%04x", conn)
	}

	ev := event.New(event.KindDisconnect, addr)
	ev.Handle = conn
	ev.Status = reason
	l.Inject(ev)
	return nil
}

func (l *Loopback) ExchangeMTU(conn uint16, mtu uint16) error {
	l.mu.Lock()
	addr, ok := l.handles[conn]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection handle 0x%04x", conn)
	}

	// The loopback peer accepts whatever the engine offers.
	ev := event.New(event.KindMTUExchanged, addr)
	ev.Handle = conn
	ev.Value = uint32(mtu)
	l.Inject(ev)
	return nil
}

func (l *Loopback) DiscoverProfile(conn uint16) error {
	l.mu.Lock()
	addr, ok := l.handles[conn]
	services := l.Services
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection handle 0x%04x", conn)
	}

	for _, svc := range services {
		ev := event.New(event.KindServiceFound, addr)
		ev.Data = append([]byte(nil), svc.UUID[:]...)
		l.Inject(ev)
		for _, c := range svc.Chars {
			cev := event.New(event.KindCharacteristicFound, addr)
			cev.Handle = c.ValueHandle
			cev.Status = c.Properties
			cev.Data = append([]byte(nil), c.UUID[:]...)
			l.Inject(cev)
		}
	}
	l.Inject(event.New(event.KindDiscoveryComplete, addr))
	return nil
}

func (l *Loopback) WriteAttribute(conn uint16, valueHandle uint16, data []byte, withAck bool) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	w := LoopbackWrite{Conn: conn, ValueHandle: valueHandle, Data: cp, WithAck: withAck}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	l.attrs = append(l.attrs, w)
	addr, known := l.handles[conn]
	hook := l.onWrite
	auto := l.AutoAck
	l.mu.Unlock()

	if hook != nil {
		hook(w)
	}
	if withAck && auto && known {
		ev := event.New(event.KindWriteAck, addr)
		ev.Handle = valueHandle
		l.Inject(ev)
	}
	return nil
}

func (l *Loopback) SendSecurity(conn uint16, pdu []byte) error {
	cp := make([]byte, len(pdu))
	copy(cp, pdu)
	s := LoopbackSecurity{Conn: conn, PDU: cp}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	l.security = append(l.security, s)
	hook := l.onPairing
	l.mu.Unlock()

	if hook != nil {
		hook(s)
	}
	return nil
}

func (l *Loopback) StartEncryption(conn uint16, _ [16]byte, _ uint16, _ uint64) error {
	l.mu.Lock()
	addr, ok := l.handles[conn]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown connection handle 0x%04x", conn)
	}

	ev := event.New(event.KindEncryptChanged, addr)
	ev.Handle = conn
	ev.Value = 1
	l.Inject(ev)
	return nil
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
