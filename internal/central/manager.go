// Package central is the host-side engine: it owns the device registry,
// drains the bounded event queue on a single dispatcher goroutine, and
// drives the per-connection lifecycle, pairing and transaction layers.
package central

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/gatt"
	"github.com/srg/bleng/internal/keystore"
	"github.com/srg/bleng/internal/queue"
	"github.com/srg/bleng/internal/security"
	"github.com/srg/bleng/internal/transport"
)

var (
	// ErrUnknownDevice is returned for operations on an address the engine
	// does not track.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNotReady is returned for data-path operations before the device
	// reached Ready.
	ErrNotReady = errors.New("device not ready")
	// ErrQueueSaturated is returned when a user decision cannot be queued.
	// Unlike radio traffic, decisions are never shed to make room.
	ErrQueueSaturated = errors.New("event queue saturated")
)

// Callbacks are the application-facing hooks. All callbacks run on the
// dispatcher goroutine: they must return promptly and must not call back
// into blocking Manager operations.
type Callbacks struct {
	DeviceDiscovered func(snap DeviceSnapshot)
	DeviceReady      func(addr event.Addr)
	// ProfileDiscovered fires when the post-connect attribute walk finished;
	// the device's Profile is fully populated at that point.
	ProfileDiscovered func(addr event.Addr)
	// DeviceDisconnected fires after teardown completed: in-flight commands
	// are already cancelled when it runs.
	DeviceDisconnected func(addr event.Addr, reason uint8)

	PasskeyRequested        func(addr event.Addr)
	NumericCompareRequested func(addr event.Addr, value uint32)
	PairingFailed           func(addr event.Addr, reason uint8)

	// ValueReceived delivers notify/indicate traffic that was not claimed
	// as a command response.
	ValueReceived func(addr event.Addr, valueHandle uint16, data []byte, indication bool)
}

// Options configure the engine.
type Options struct {
	LocalAddr event.Addr
	Params    Params
	Security  security.Config
	// RequiredLevel is the security level demanded of every connection.
	RequiredLevel keystore.SecurityLevel
	// MTU is offered to every peer after connect. Zero means 247.
	MTU uint16
	// Accept filters discovery reports. Nil accepts everything. A device
	// is offered to the application at most once; later reports only
	// refresh its advertisement cache.
	Accept func(addr event.Addr, adv Advertisement) bool
}

// Manager is the engine. One Manager per adapter.
type Manager struct {
	opts   Options
	wire   transport.ConnParams
	q      *queue.Queue[event.Event]
	src    transport.Source
	ks     keystore.KeyStore
	tx     *gatt.Transactor
	logger *logrus.Logger

	devices   *hashmap.Map[string, *Device]
	callbacks atomic.Pointer[Callbacks]
}

// NewManager validates the options and assembles the engine. Run must be
// called to start dispatching.
func NewManager(opts Options, q *queue.Queue[event.Event], src transport.Source,
	ks keystore.KeyStore, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	wire, err := opts.Params.Wire()
	if err != nil {
		return nil, fmt.Errorf("invalid connection parameters: %w", err)
	}
	if opts.MTU == 0 {
		opts.MTU = 247
	}
	if ks == nil {
		ks = keystore.NewMemory()
	}

	m := &Manager{
		opts:    opts,
		wire:    wire,
		q:       q,
		src:     src,
		ks:      ks,
		tx:      gatt.NewTransactor(src, logger),
		logger:  logger,
		devices: hashmap.New[string, *Device](),
	}
	m.callbacks.Store(&Callbacks{})
	return m, nil
}

// SetCallbacks replaces the callback set. The swap is atomic: events
// dispatched after it returns see the new set.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.callbacks.Store(&cb)
}

func (m *Manager) cb() *Callbacks { return m.callbacks.Load() }

// Run drains the event queue until the context is cancelled. It is the only
// goroutine that mutates device lifecycle state.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Engine dispatcher started")
	for {
		ev, err := m.q.Get(true, 250*time.Millisecond)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				select {
				case <-ctx.Done():
					m.logger.Info("Engine dispatcher stopped")
					return ctx.Err()
				default:
					continue
				}
			}
			return fmt.Errorf("failed to read event queue: %w", err)
		}
		m.dispatch(ev)
	}
}

// QueueMetrics reports the event queue counters.
func (m *Manager) QueueMetrics() queue.Metrics { return m.q.GetMetrics() }

// Scan enables or disables discovery.
func (m *Manager) Scan(enable bool) error {
	return m.src.Scan(enable)
}

// Device returns the tracked record for the address.
func (m *Manager) Device(addr event.Addr) (*Device, bool) {
	return m.devices.Get(addr.String())
}

// Devices returns a snapshot of every tracked device.
func (m *Manager) Devices() []DeviceSnapshot {
	out := make([]DeviceSnapshot, 0, m.devices.Len())
	m.devices.Range(func(_ string, d *Device) bool {
		out = append(out, d.Snapshot())
		return true
	})
	return out
}

// Connect initiates a connection. The address does not need to have been
// discovered first. Completion is reported through DeviceReady (or
// DeviceDisconnected when the attempt fails).
func (m *Manager) Connect(addr event.Addr) error {
	d, _ := m.devices.GetOrInsert(addr.String(), newDevice(addr))
	switch d.State() {
	case StateConnecting, StateConnected, StateReady:
		return fmt.Errorf("device %s: connection already in progress", addr)
	}
	d.setState(StateConnecting)
	if err := m.src.Connect(addr, m.wire); err != nil {
		d.setState(StateDisconnected)
		return fmt.Errorf("failed to initiate connection to %s: %w", addr, err)
	}
	return nil
}

// Disconnect requests teardown. The record transitions to Disconnected when
// the transport confirms; commands in flight are cancelled at that point.
func (m *Manager) Disconnect(addr event.Addr) error {
	d, ok := m.devices.Get(addr.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	switch d.State() {
	case StateConnecting:
		// No link yet, so nothing to tear down; abort the attempt instead.
		// The outcome arrives as a failed connection complete.
		if err := m.src.CancelConnect(); err != nil {
			return fmt.Errorf("failed to cancel connection attempt to %s: %w", addr, err)
		}
		return nil
	case StateConnected, StateReady:
	default:
		return fmt.Errorf("device %s is not connected", addr)
	}
	// 0x13: remote user terminated connection.
	if err := m.src.Disconnect(d.Conn(), 0x13); err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", addr, err)
	}
	return nil
}

// Remove evicts a disconnected device together with its cached profile.
func (m *Manager) Remove(addr event.Addr) error {
	d, ok := m.devices.Get(addr.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	switch d.State() {
	case StateDiscovered, StateDisconnected:
	default:
		return fmt.Errorf("device %s is connected; disconnect before removing", addr)
	}
	m.devices.Del(addr.String())
	return nil
}

// Send issues a correlated command on the channel and waits for the
// response. The device must be Ready.
func (m *Manager) Send(ctx context.Context, addr event.Addr, ch gatt.Channel,
	data []byte, minResponse int, timeout time.Duration) ([]byte, error) {
	d, ok := m.devices.Get(addr.String())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	if d.State() != StateReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, addr, d.State())
	}
	return m.tx.Send(ctx, addr, d.Conn(), ch, data, minResponse, timeout)
}

// SendOnly issues a fire-and-forget command.
func (m *Manager) SendOnly(addr event.Addr, ch gatt.Channel, data []byte) error {
	d, ok := m.devices.Get(addr.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	if d.State() != StateReady {
		return fmt.Errorf("%w: %s is %s", ErrNotReady, addr, d.State())
	}
	return m.tx.SendOnly(addr, d.Conn(), ch, data)
}

// ProvidePasskey answers a PasskeyRequested callback.
func (m *Manager) ProvidePasskey(addr event.Addr, passkey uint32) error {
	ev := event.New(event.KindPasskeyDecision, addr)
	ev.Value = passkey
	return m.injectDecision(ev)
}

// RejectPasskey declines a PasskeyRequested callback.
func (m *Manager) RejectPasskey(addr event.Addr) error {
	ev := event.New(event.KindPasskeyDecision, addr)
	ev.Status = 1
	return m.injectDecision(ev)
}

// ConfirmNumeric answers a NumericCompareRequested callback.
func (m *Manager) ConfirmNumeric(addr event.Addr, accept bool) error {
	ev := event.New(event.KindNumericCompareDecision, addr)
	if !accept {
		ev.Status = 1
	}
	return m.injectDecision(ev)
}

// ProvideOOB supplies the 128-bit out-of-band temporary key.
func (m *Manager) ProvideOOB(addr event.Addr, key [16]byte) error {
	ev := event.New(event.KindPasskeyDecision, addr)
	ev.Data = append([]byte(nil), key[:]...)
	return m.injectDecision(ev)
}

// injectDecision feeds an application decision through the same queue as
// radio traffic so it is serialized with the pairing state machine. It is
// never allowed to displace protocol events.
func (m *Manager) injectDecision(ev event.Event) error {
	if err := m.q.Put(ev, false, 0); err != nil {
		return fmt.Errorf("%w: cannot deliver %s", ErrQueueSaturated, ev.Kind)
	}
	return nil
}

// ---- dispatcher ----

func (m *Manager) dispatch(ev event.Event) {
	if ev.Kind.Security() {
		m.routeSecurity(ev)
		return
	}

	switch ev.Kind {
	case event.KindAdvReport:
		m.onAdvReport(ev)
	case event.KindConnComplete:
		m.onConnComplete(ev)
	case event.KindDisconnect:
		m.onDisconnect(ev)
	case event.KindEncryptChanged:
		m.onEncryptChanged(ev)
	case event.KindWriteAck:
		m.tx.OnWriteAck(ev.Addr, ev.Handle)
	case event.KindMTUExchanged:
		m.onMTUExchanged(ev)
	case event.KindNotify, event.KindIndicate:
		m.onValue(ev)
	case event.KindServiceFound:
		m.onServiceFound(ev)
	case event.KindCharacteristicFound:
		m.onCharacteristicFound(ev)
	case event.KindDiscoveryComplete:
		m.onDiscoveryComplete(ev)
	default:
		m.logger.WithField("event", ev.Kind.String()).Debug("Ignoring event")
	}
}

func (m *Manager) onAdvReport(ev event.Event) {
	rssi := int8(ev.Status)

	d, tracked := m.devices.Get(ev.Addr.String())
	if !tracked {
		probe := newDevice(ev.Addr)
		probe.refreshAdv(rssi, ev.Data)
		if m.opts.Accept != nil && !m.opts.Accept(ev.Addr, probe.Advertisement()) {
			return
		}
		d, _ = m.devices.GetOrInsert(ev.Addr.String(), probe)
	} else {
		d.refreshAdv(rssi, ev.Data)
	}

	d.mu.Lock()
	first := !d.offered
	d.offered = true
	d.mu.Unlock()

	if first {
		m.logger.WithFields(logrus.Fields{
			"address": ev.Addr.String(),
			"rssi":    rssi,
		}).Info("Discovered device")
		if cb := m.cb().DeviceDiscovered; cb != nil {
			cb(d.Snapshot())
		}
	}
}

func (m *Manager) onConnComplete(ev event.Event) {
	d, ok := m.devices.Get(ev.Addr.String())
	if !ok {
		// Connection we did not initiate; track it anyway.
		d, _ = m.devices.GetOrInsert(ev.Addr.String(), newDevice(ev.Addr))
	}

	if ev.Status != 0 {
		m.logger.WithFields(logrus.Fields{
			"address": ev.Addr.String(),
			"status":  fmt.Sprintf("0x%02x", ev.Status),
		}).Warn("Connection attempt failed")
		d.setState(StateDisconnected)
		if cb := m.cb().DeviceDisconnected; cb != nil {
			cb(ev.Addr, ev.Status)
		}
		return
	}

	m.logger.WithFields(logrus.Fields{
		"address": ev.Addr.String(),
		"handle":  fmt.Sprintf("0x%04x", ev.Handle),
	}).Info("Connected")

	sess := security.NewSession(m.opts.Security, m.opts.LocalAddr, ev.Addr,
		keystore.RoleCentral, m.ks, m, m.logger)

	d.mu.Lock()
	d.conn = ev.Handle
	d.state = StateConnected
	d.mtu = 0
	d.mtuDone = false
	d.encSent = false
	d.encrypted = false
	d.session = sess
	// Handles can move between connections; the walk runs fresh every time.
	d.profile = gatt.NewProfile()
	d.curSvc = nil
	d.mu.Unlock()

	st := sess.Start(m.opts.RequiredLevel)
	m.afterSecurityTransition(d, st)

	if err := m.src.ExchangeMTU(ev.Handle, m.opts.MTU); err != nil {
		m.logger.WithField("address", ev.Addr.String()).
			WithError(err).Warn("Failed to start MTU exchange")
	}
}

// onDisconnect tears the device down synchronously: by the time the
// application callback fires, every in-flight command has already resolved
// with a cancellation.
func (m *Manager) onDisconnect(ev event.Event) {
	d, ok := m.devices.Get(ev.Addr.String())
	if !ok {
		return
	}

	cancelled := m.tx.CancelAll(ev.Addr)
	d.stopUserTimer()

	d.mu.Lock()
	d.state = StateDisconnected
	d.conn = 0
	d.mtu = 0
	d.mtuDone = false
	d.encSent = false
	d.encrypted = false
	d.session = nil
	d.curSvc = nil
	d.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address":   ev.Addr.String(),
		"reason":    fmt.Sprintf("0x%02x", ev.Status),
		"cancelled": cancelled,
	}).Info("Disconnected")

	if cb := m.cb().DeviceDisconnected; cb != nil {
		cb(ev.Addr, ev.Status)
	}
}

func (m *Manager) onEncryptChanged(ev event.Event) {
	d, ok := m.devices.Get(ev.Addr.String())
	if !ok {
		return
	}
	d.mu.Lock()
	d.encrypted = ev.Status == 0 && ev.Value != 0
	d.mu.Unlock()

	if ev.Status != 0 {
		m.logger.WithFields(logrus.Fields{
			"address": ev.Addr.String(),
			"status":  fmt.Sprintf("0x%02x", ev.Status),
		}).Warn("Link encryption failed")
		return
	}
	m.maybeReady(d)
}

func (m *Manager) onMTUExchanged(ev event.Event) {
	d, ok := m.devices.Get(ev.Addr.String())
	if !ok {
		return
	}
	d.mu.Lock()
	d.mtu = uint16(ev.Value)
	d.mtuDone = true
	d.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": ev.Addr.String(),
		"mtu":     ev.Value,
	}).Debug("MTU exchanged")
	m.maybeReady(d)
}

func (m *Manager) onValue(ev event.Event) {
	// A pending command on the matching response characteristic claims the
	// event; only unclaimed traffic reaches the application.
	if m.tx.HandleInbound(ev.Addr, ev.Handle, ev.Data) {
		return
	}
	if cb := m.cb().ValueReceived; cb != nil {
		cb(ev.Addr, ev.Handle, ev.Data, ev.Kind == event.KindIndicate)
	}
}

func (m *Manager) routeSecurity(ev event.Event) {
	d, ok := m.devices.Get(ev.Addr.String())
	if !ok {
		m.logger.WithField("address", ev.Addr.String()).
			Debug("Security event for unknown device")
		return
	}

	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()

	if ev.Kind == event.KindSecurityRequest && (sess == nil || sess.State() == security.StateNone) {
		// The peer is asking for security we did not plan to establish.
		level := m.opts.RequiredLevel
		if level == keystore.LevelNone {
			level = keystore.LevelEncOnly
		}
		sess = security.NewSession(m.opts.Security, m.opts.LocalAddr, ev.Addr,
			keystore.RoleCentral, m.ks, m, m.logger)
		d.mu.Lock()
		d.session = sess
		d.mu.Unlock()
		m.afterSecurityTransition(d, sess.Start(level))
		return
	}
	if sess == nil {
		return
	}

	m.afterSecurityTransition(d, sess.Advance(ev))
}

// afterSecurityTransition reacts to a pairing state change: arms or clears
// the user-confirmation deadline, starts link encryption at the right
// moments, and re-evaluates the readiness gate.
func (m *Manager) afterSecurityTransition(d *Device, st security.State) {
	d.mu.Lock()
	sess := d.session
	conn := d.conn
	encSent := d.encSent
	d.mu.Unlock()
	if sess == nil {
		return
	}

	if deadline, waiting := sess.UserDeadline(); waiting {
		m.armUserTimer(d, deadline)
	} else {
		d.stopUserTimer()
	}

	switch st {
	case security.StateKeyDistribution:
		// The confirm exchange finished once the short-term key exists;
		// encrypt the link so key distribution travels protected.
		if stk, ready := sess.STK(); ready && !encSent {
			d.mu.Lock()
			d.encSent = true
			d.mu.Unlock()
			if err := m.src.StartEncryption(conn, stk, 0, 0); err != nil {
				m.logger.WithField("address", d.addr.String()).
					WithError(err).Warn("Failed to start encryption")
			}
		}

	case security.StateCompleted:
		// Pre-paired resume: encrypt with the stored long-term key.
		if keys := sess.Keys(); keys != nil && !encSent {
			d.mu.Lock()
			d.encSent = true
			d.mu.Unlock()
			if err := m.src.StartEncryption(conn, keys.LTK, keys.EDiv, keys.Rand); err != nil {
				m.logger.WithField("address", d.addr.String()).
					WithError(err).Warn("Failed to start encryption")
			}
		}
		m.maybeReady(d)

	case security.StateNone:
		m.maybeReady(d)

	case security.StateFailed:
		if cb := m.cb().PairingFailed; cb != nil {
			cb(d.addr, sess.FailureReason())
		}
	}
}

func (m *Manager) armUserTimer(d *Device, deadline time.Time) {
	addr := d.addr
	t := time.AfterFunc(time.Until(deadline), func() {
		// Late decisions win the race: the state machine ignores a timeout
		// that arrives after it left the waiting state.
		ev := event.New(event.KindUserConfirmTimeout, addr)
		if err := m.q.Put(ev, false, 0); err != nil {
			m.logger.WithField("address", addr.String()).
				Warn("Dropped user-confirmation timeout, queue full")
		}
	})

	d.mu.Lock()
	old := d.userTimer
	d.userTimer = t
	d.mu.Unlock()
	if old != nil {
		old.Stop()
	}
}

// maybeReady promotes the device once every gate condition holds: security
// resolved, MTU exchanged, and any requested link encryption in effect. The
// conditions arrive in no particular order.
func (m *Manager) maybeReady(d *Device) {
	d.mu.Lock()
	sess := d.session
	conn := d.conn
	ready := d.state == StateConnected &&
		sess != nil && sess.State().Resolved() &&
		d.mtuDone &&
		(!d.encSent || d.encrypted)
	if ready {
		d.state = StateReady
	}
	d.mu.Unlock()

	if !ready {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"address": d.addr.String(),
		"mtu":     d.MTU(),
		"level":   d.SecurityLevel().String(),
	}).Info("Device ready")
	if cb := m.cb().DeviceReady; cb != nil {
		cb(d.addr)
	}

	if err := m.src.DiscoverProfile(conn); err != nil {
		m.logger.WithField("address", d.addr.String()).
			WithError(err).Warn("Failed to start attribute discovery")
	}
}

// ---- attribute discovery ----

func (m *Manager) onServiceFound(ev event.Event) {
	d, ok := m.devices.Get(ev.Addr.String())
	if !ok {
		return
	}
	id, err := uuid.FromBytes(ev.Data)
	if err != nil {
		m.logger.WithField("address", ev.Addr.String()).
			WithError(err).Warn("Malformed service UUID in discovery")
		return
	}

	d.mu.Lock()
	d.curSvc = d.profile.AddService(id)
	d.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address": ev.Addr.String(),
		"service": id.String(),
	}).Debug("Service discovered")
}

func (m *Manager) onCharacteristicFound(ev event.Event) {
	d, ok := m.devices.Get(ev.Addr.String())
	if !ok {
		return
	}
	id, err := uuid.FromBytes(ev.Data)
	if err != nil {
		m.logger.WithField("address", ev.Addr.String()).
			WithError(err).Warn("Malformed characteristic UUID in discovery")
		return
	}

	d.mu.Lock()
	svc := d.curSvc
	d.mu.Unlock()
	if svc == nil {
		m.logger.WithField("address", ev.Addr.String()).
			Debug("Characteristic outside any service, dropping")
		return
	}
	svc.AddCharacteristic(id, ev.Handle, ev.Status)

	m.logger.WithFields(logrus.Fields{
		"address":        ev.Addr.String(),
		"characteristic": id.String(),
		"handle":         fmt.Sprintf("0x%04x", ev.Handle),
	}).Debug("Characteristic discovered")
}

func (m *Manager) onDiscoveryComplete(ev event.Event) {
	d, ok := m.devices.Get(ev.Addr.String())
	if !ok {
		return
	}
	d.mu.Lock()
	d.curSvc = nil
	services := len(d.profile.Services())
	d.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"address":  ev.Addr.String(),
		"services": services,
	}).Info("Attribute discovery complete")
	if cb := m.cb().ProfileDiscovered; cb != nil {
		cb(ev.Addr)
	}
}

// ---- security.Delegate ----

// PasskeyRequested forwards the credential request to the application.
func (m *Manager) PasskeyRequested(addr event.Addr) {
	if cb := m.cb().PasskeyRequested; cb != nil {
		cb(addr)
	}
}

// NumericCompareRequested forwards the comparison value to the application.
func (m *Manager) NumericCompareRequested(addr event.Addr, value uint32) {
	if cb := m.cb().NumericCompareRequested; cb != nil {
		cb(addr, value)
	}
}

// SendPairing emits an SMP PDU toward the peer.
func (m *Manager) SendPairing(addr event.Addr, pdu []byte) error {
	d, ok := m.devices.Get(addr.String())
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, addr)
	}
	return m.src.SendSecurity(d.Conn(), pdu)
}
