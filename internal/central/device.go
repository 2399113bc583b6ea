package central

import (
	"sync"
	"time"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/gatt"
	"github.com/srg/bleng/internal/keystore"
	"github.com/srg/bleng/internal/security"
)

// DeviceState is the connection lifecycle position of one tracked device.
type DeviceState int

const (
	StateDiscovered DeviceState = iota
	StateConnecting
	StateConnected // link up, readiness gate not yet satisfied
	StateReady     // security resolved and MTU exchanged
	StateDisconnected
)

var deviceStateNames = map[DeviceState]string{
	StateDiscovered:   "discovered",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateReady:        "ready",
	StateDisconnected: "disconnected",
}

func (s DeviceState) String() string {
	if n, ok := deviceStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Advertisement is the cached discovery metadata for a device, refreshed on
// every report.
type Advertisement struct {
	RSSI     int8
	Data     []byte
	LastSeen time.Time
}

// Device is the engine's record for one peer. The dispatcher goroutine owns
// the lifecycle transitions; the mutex covers reads from API goroutines.
type Device struct {
	mu sync.Mutex

	addr  event.Addr
	state DeviceState
	conn  uint16
	mtu   uint16
	adv   Advertisement

	session *security.Session
	profile *gatt.Profile
	curSvc  *gatt.Service // service currently receiving discovered characteristics

	offered   bool // discovery callback fired once; re-reports only refresh adv
	mtuDone   bool
	encSent   bool // StartEncryption issued
	encrypted bool // link encryption confirmed by the controller

	userTimer *time.Timer // pending passkey/numeric-compare auto-reject
}

func newDevice(addr event.Addr) *Device {
	return &Device{
		addr:    addr,
		state:   StateDiscovered,
		profile: gatt.NewProfile(),
	}
}

// Addr returns the peer address.
func (d *Device) Addr() event.Addr { return d.addr }

// State returns the lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Conn returns the connection handle, valid in Connected and Ready.
func (d *Device) Conn() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// MTU returns the negotiated MTU, or zero before the exchange finished.
func (d *Device) MTU() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtu
}

// SecurityLevel returns the achieved link security.
func (d *Device) SecurityLevel() keystore.SecurityLevel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return keystore.LevelNone
	}
	return d.session.Achieved()
}

// Advertisement returns the latest discovery metadata.
func (d *Device) Advertisement() Advertisement {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.adv
	out.Data = append([]byte(nil), d.adv.Data...)
	return out
}

// Profile returns the attribute discovery cache. A fresh cache is installed
// on every connection, so hold the returned pointer only briefly.
func (d *Device) Profile() *gatt.Profile {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.profile
}

func (d *Device) setState(s DeviceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Device) refreshAdv(rssi int8, data []byte) {
	d.mu.Lock()
	d.adv = Advertisement{
		RSSI:     rssi,
		Data:     append([]byte(nil), data...),
		LastSeen: time.Now(),
	}
	d.mu.Unlock()
}

// stopUserTimer cancels a pending confirmation deadline, if any.
func (d *Device) stopUserTimer() {
	d.mu.Lock()
	t := d.userTimer
	d.userTimer = nil
	d.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// DeviceSnapshot is a point-in-time copy of the externally visible device
// state, safe to hold after the device record changes or is removed.
type DeviceSnapshot struct {
	Addr          event.Addr
	State         DeviceState
	MTU           uint16
	SecurityLevel keystore.SecurityLevel
	RSSI          int8
	LastSeen      time.Time
}

// Snapshot captures the device record.
func (d *Device) Snapshot() DeviceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	level := keystore.LevelNone
	if d.session != nil {
		level = d.session.Achieved()
	}
	return DeviceSnapshot{
		Addr:          d.addr,
		State:         d.state,
		MTU:           d.mtu,
		SecurityLevel: level,
		RSSI:          d.adv.RSSI,
		LastSeen:      d.adv.LastSeen,
	}
}
