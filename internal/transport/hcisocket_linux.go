//go:build linux

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/queue"
)

// HCI packet indicators.
const (
	pktCommand = 0x01
	pktACL     = 0x02
	pktEvent   = 0x04
)

// HCI event codes.
const (
	evtDisconnComplete = 0x05
	evtEncryptChange   = 0x08
	evtCommandComplete = 0x0e
	evtCommandStatus   = 0x0f
	evtLEMeta          = 0x3e

	leConnComplete         = 0x01
	leAdvReport            = 0x02
	leEnhancedConnComplete = 0x0a
)

// HCI command opcodes, OGF<<10 | OCF.
const (
	opDisconnect         = 0x0406
	opLESetScanParams    = 0x200b
	opLESetScanEnable    = 0x200c
	opLECreateConnection = 0x200d
	opLECreateConnCancel = 0x200e
	opLEStartEncryption  = 0x2019
)

// L2CAP fixed channels.
const (
	cidATT = 0x0004
	cidSMP = 0x0006
)

// ATT opcodes this transport understands.
const (
	attErrorRsp        = 0x01
	attMTUReq          = 0x02
	attMTURsp          = 0x03
	attReadByTypeReq   = 0x08
	attReadByTypeRsp   = 0x09
	attReadByGroupReq  = 0x10
	attReadByGroupRsp  = 0x11
	attWriteReq        = 0x12
	attWriteRsp        = 0x13
	attNotify          = 0x1b
	attIndicate        = 0x1d
	attConfirm         = 0x1e
	attWriteCmd        = 0x52
)

// GATT declaration type UUIDs used by the discovery walk.
const (
	uuidPrimaryService = 0x2800
	uuidCharacteristic = 0x2803
)

// SMP opcodes visible on the wire.
const (
	smpPairingRequest  = 0x01
	smpPairingResponse = 0x02
	smpPairingConfirm  = 0x03
	smpPairingRandom   = 0x04
	smpPairingFailed   = 0x05
	smpEncInfo         = 0x06
	smpCentralIdent    = 0x07
	smpIdentityInfo    = 0x08
	smpIdentityAddr    = 0x09
	smpSigningInfo     = 0x0a
	smpSecurityRequest = 0x0b
)

// Key distribution field bits, shared by pairing request and response.
const (
	distEncKey  = 0x01
	distIDKey   = 0x02
	distSignKey = 0x04
)

const aclReassemblyCap = 1024

// hciConn is the per-connection transport state: L2CAP reassembly, the
// outstanding ATT write request, the discovery walk, and the SMP key
// accumulator. The reassembly fields belong to the reader goroutine alone;
// every other mutable field is shared with API goroutines and is guarded by
// the socket mutex.
type hciConn struct {
	addr event.Addr

	reassembly *ringbuffer.RingBuffer
	wantLen    int // remaining L2CAP payload bytes, 0 when idle
	wantCID    uint16

	pendingWrite uint16 // value handle of the in-flight ATT write request
	hasPending   bool

	discovering bool
	svcQueue    []svcRange // services awaiting their characteristic walk
	charEnd     uint16     // end handle of the range currently being walked

	// Key distribution spans several SMP PDUs; the engine wants them as a
	// single event. reqDist is taken from our outbound pairing request,
	// expDist is the AND with the peer's response.
	reqDist  uint8
	expDist  uint8
	ltk      [16]byte
	haveLTK  bool
	ediv     uint16
	rand     uint64
	haveIdnt bool
	irk      [16]byte
	haveIRK  bool
	csrk     [16]byte
	haveCSRK bool
}

// HCISocket drives a Bluetooth controller through the kernel's HCI user
// channel. It requires the adapter to be down (hciconfig hciN down) and
// the process to hold CAP_NET_ADMIN.
type HCISocket struct {
	fd     int
	q      *queue.Queue[event.Event]
	logger *logrus.Logger

	wmu sync.Mutex // serializes writes to the socket

	mu           sync.Mutex
	conns        map[uint16]*hciConn
	scanParamsOK bool

	closed atomic.Bool
	done   chan struct{}
}

// NewHCISocket opens the user channel on hci<devID> and starts the reader.
func NewHCISocket(devID int, q *queue.Queue[event.Event], logger *logrus.Logger) (*HCISocket, error) {
	if logger == nil {
		logger = logrus.New()
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.BTPROTO_HCI)
	if err != nil {
		return nil, fmt.Errorf("failed to open HCI socket: %w", err)
	}

	sa := &unix.SockaddrHCI{Dev: uint16(devID), Channel: unix.HCI_CHANNEL_USER}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind hci%d user channel: %w", devID, err)
	}

	h := &HCISocket{
		fd:     fd,
		q:      q,
		logger: logger,
		conns:  make(map[uint16]*hciConn),
		done:   make(chan struct{}),
	}
	go h.readLoop()

	logger.WithField("device", fmt.Sprintf("hci%d", devID)).Info("HCI user channel opened")
	return h, nil
}

// Done is closed when the reader loop exits.
func (h *HCISocket) Done() <-chan struct{} {
	return h.done
}

func (h *HCISocket) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(h.fd)
}

func (h *HCISocket) readLoop() {
	defer close(h.done)

	buf := make([]byte, 1024)
	for {
		n, err := unix.Read(h.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if !h.closed.Load() {
				h.logger.WithError(err).Error("HCI read failed, stopping reader")
			}
			return
		}
		if n < 1 {
			continue
		}
		pkt := buf[:n]
		switch pkt[0] {
		case pktEvent:
			h.handleEvent(pkt[1:])
		case pktACL:
			h.handleACL(pkt[1:])
		default:
			h.logger.WithField("indicator", pkt[0]).Debug("Ignoring HCI packet")
		}
	}
}

// ---- HCI event parsing ----

func (h *HCISocket) handleEvent(pkt []byte) {
	if len(pkt) < 2 {
		return
	}
	code, plen := pkt[0], int(pkt[1])
	if len(pkt) < 2+plen {
		return
	}
	p := pkt[2 : 2+plen]

	switch code {
	case evtLEMeta:
		h.handleLEMeta(p)
	case evtDisconnComplete:
		if len(p) < 4 {
			return
		}
		handle := binary.LittleEndian.Uint16(p[1:3]) & 0x0fff
		h.mu.Lock()
		c, ok := h.conns[handle]
		delete(h.conns, handle)
		h.mu.Unlock()
		if !ok {
			return
		}
		ev := event.New(event.KindDisconnect, c.addr)
		ev.Handle = handle
		ev.Status = p[3] // reason
		enqueue(h.q, ev)
	case evtEncryptChange:
		if len(p) < 4 {
			return
		}
		handle := binary.LittleEndian.Uint16(p[1:3]) & 0x0fff
		c := h.lookup(handle)
		if c == nil {
			return
		}
		ev := event.New(event.KindEncryptChanged, c.addr)
		ev.Handle = handle
		ev.Status = p[0]
		ev.Value = uint32(p[3])
		enqueue(h.q, ev)
	case evtCommandComplete:
		if len(p) >= 4 && p[3] != 0 {
			h.logger.WithFields(logrus.Fields{
				"opcode": fmt.Sprintf("0x%04x", binary.LittleEndian.Uint16(p[1:3])),
				"status": fmt.Sprintf("0x%02x", p[3]),
			}).Warn("HCI command failed")
		}
	case evtCommandStatus:
		if len(p) >= 4 && p[0] != 0 {
			h.logger.WithFields(logrus.Fields{
				"opcode": fmt.Sprintf("0x%04x", binary.LittleEndian.Uint16(p[2:4])),
				"status": fmt.Sprintf("0x%02x", p[0]),
			}).Warn("HCI command rejected")
		}
	}
}

func (h *HCISocket) handleLEMeta(p []byte) {
	if len(p) < 1 {
		return
	}
	switch p[0] {
	case leConnComplete, leEnhancedConnComplete:
		// Both layouts agree through the peer address; the enhanced form
		// appends resolvable-address fields we do not need.
		if len(p) < 12 {
			return
		}
		status := p[1]
		handle := binary.LittleEndian.Uint16(p[2:4]) & 0x0fff
		addr := event.Addr{Kind: addrKindFromByte(p[5])}
		copy(addr.B[:], p[6:12])

		if status == 0 {
			h.mu.Lock()
			h.conns[handle] = &hciConn{
				addr:       addr,
				reassembly: ringbuffer.New(aclReassemblyCap),
			}
			h.mu.Unlock()
		}
		ev := event.New(event.KindConnComplete, addr)
		ev.Handle = handle
		ev.Status = status
		enqueue(h.q, ev)
	case leAdvReport:
		h.handleAdvReport(p[1:])
	}
}

func (h *HCISocket) handleAdvReport(p []byte) {
	if len(p) < 1 {
		return
	}
	num := int(p[0])
	off := 1
	for i := 0; i < num; i++ {
		if len(p) < off+9 {
			return
		}
		addrType := p[off+1]
		addr := event.Addr{Kind: addrKindFromByte(addrType)}
		copy(addr.B[:], p[off+2:off+8])
		dlen := int(p[off+8])
		if len(p) < off+9+dlen+1 {
			return
		}
		data := make([]byte, dlen)
		copy(data, p[off+9:off+9+dlen])
		rssi := p[off+9+dlen]

		ev := event.New(event.KindAdvReport, addr)
		ev.Status = rssi // signed dBm, raw wire encoding
		ev.Data = data
		enqueue(h.q, ev)

		off += 9 + dlen + 1
	}
}

// ---- ACL / L2CAP ----

func (h *HCISocket) handleACL(pkt []byte) {
	if len(pkt) < 4 {
		return
	}
	hf := binary.LittleEndian.Uint16(pkt[0:2])
	handle := hf & 0x0fff
	pb := (hf >> 12) & 0x3
	dlen := int(binary.LittleEndian.Uint16(pkt[2:4]))
	if len(pkt) < 4+dlen {
		return
	}
	payload := pkt[4 : 4+dlen]

	c := h.lookup(handle)
	if c == nil {
		return
	}

	switch pb {
	case 0x2, 0x0: // first fragment
		if len(payload) < 4 {
			return
		}
		l2len := int(binary.LittleEndian.Uint16(payload[0:2]))
		cid := binary.LittleEndian.Uint16(payload[2:4])
		body := payload[4:]
		if len(body) >= l2len {
			h.dispatchL2CAP(c, handle, cid, body[:l2len])
			return
		}
		c.reassembly.Reset()
		c.wantLen = l2len
		c.wantCID = cid
		c.reassembly.Write(body)
	case 0x1: // continuation
		if c.wantLen == 0 {
			return
		}
		c.reassembly.Write(payload)
		if c.reassembly.Length() < c.wantLen {
			return
		}
		full := make([]byte, c.wantLen)
		if _, err := c.reassembly.TryRead(full); err != nil {
			c.wantLen = 0
			return
		}
		cid := c.wantCID
		c.wantLen = 0
		h.dispatchL2CAP(c, handle, cid, full)
	}
}

func (h *HCISocket) dispatchL2CAP(c *hciConn, handle uint16, cid uint16, body []byte) {
	switch cid {
	case cidATT:
		h.handleATT(c, handle, body)
	case cidSMP:
		h.handleSMP(c, body)
	default:
		h.logger.WithField("cid", cid).Debug("Ignoring L2CAP frame on unknown channel")
	}
}

func (h *HCISocket) handleATT(c *hciConn, handle uint16, body []byte) {
	if len(body) < 1 {
		return
	}
	switch body[0] {
	case attMTURsp:
		if len(body) < 3 {
			return
		}
		ev := event.New(event.KindMTUExchanged, c.addr)
		ev.Handle = handle
		ev.Value = uint32(binary.LittleEndian.Uint16(body[1:3]))
		enqueue(h.q, ev)
	case attWriteRsp:
		// The response carries no handle; attribute it to the single
		// outstanding write request. The pending fields are written by
		// WriteAttribute on an API goroutine, so take the socket mutex.
		h.mu.Lock()
		pending, has := c.pendingWrite, c.hasPending
		c.hasPending = false
		h.mu.Unlock()
		if !has {
			return
		}
		ev := event.New(event.KindWriteAck, c.addr)
		ev.Handle = pending
		enqueue(h.q, ev)
	case attNotify, attIndicate:
		if len(body) < 3 {
			return
		}
		kind := event.KindNotify
		if body[0] == attIndicate {
			kind = event.KindIndicate
			// Confirm before the engine sees the event; the peer may not
			// send further indications until we do.
			if err := h.sendACL(handle, cidATT, []byte{attConfirm}); err != nil {
				h.logger.WithError(err).Warn("Failed to confirm indication")
			}
		}
		data := make([]byte, len(body)-3)
		copy(data, body[3:])
		ev := event.New(kind, c.addr)
		ev.Handle = binary.LittleEndian.Uint16(body[1:3])
		ev.Data = data
		enqueue(h.q, ev)
	case attReadByGroupRsp:
		h.onServiceEntries(c, handle, body)
	case attReadByTypeRsp:
		h.onCharacteristicEntries(c, handle, body)
	case attErrorRsp:
		if len(body) < 5 {
			return
		}
		switch body[1] {
		case attReadByGroupReq, attReadByTypeReq:
			// Attribute-not-found ends a discovery phase; any other error
			// ends it too, there is nothing left to ask for in the range.
			h.advanceDiscovery(c, handle)
		default:
			h.logger.WithFields(logrus.Fields{
				"request": fmt.Sprintf("0x%02x", body[1]),
				"handle":  fmt.Sprintf("0x%04x", binary.LittleEndian.Uint16(body[2:4])),
				"code":    fmt.Sprintf("0x%02x", body[4]),
			}).Warn("ATT error response")
		}
	}
}

func (h *HCISocket) handleSMP(c *hciConn, body []byte) {
	if len(body) < 1 {
		return
	}
	switch body[0] {
	case smpPairingResponse:
		if len(body) < 7 {
			return
		}
		// reqDist is set by SendSecurity on an API goroutine.
		h.mu.Lock()
		c.expDist = c.reqDist & body[6]
		c.haveLTK, c.haveIdnt, c.haveIRK, c.haveCSRK = false, false, false, false
		h.mu.Unlock()
		ev := event.New(event.KindPairingResponse, c.addr)
		ev.Data = append([]byte(nil), body[1:7]...)
		enqueue(h.q, ev)
	case smpPairingConfirm, smpPairingRandom:
		if len(body) < 17 {
			return
		}
		kind := event.KindPairingConfirm
		if body[0] == smpPairingRandom {
			kind = event.KindPairingRandom
		}
		ev := event.New(kind, c.addr)
		ev.Data = append([]byte(nil), body[1:17]...)
		enqueue(h.q, ev)
	case smpPairingFailed:
		if len(body) < 2 {
			return
		}
		ev := event.New(event.KindPairingFailed, c.addr)
		ev.Status = body[1]
		enqueue(h.q, ev)
	case smpEncInfo:
		if len(body) < 17 {
			return
		}
		h.mu.Lock()
		copy(c.ltk[:], body[1:17])
		c.haveLTK = true
		ev, ready := c.takeKeys()
		h.mu.Unlock()
		if ready {
			enqueue(h.q, ev)
		}
	case smpCentralIdent:
		if len(body) < 11 {
			return
		}
		h.mu.Lock()
		c.ediv = binary.LittleEndian.Uint16(body[1:3])
		c.rand = binary.LittleEndian.Uint64(body[3:11])
		c.haveIdnt = true
		ev, ready := c.takeKeys()
		h.mu.Unlock()
		if ready {
			enqueue(h.q, ev)
		}
	case smpIdentityAddr:
		// Identity address accompanies the IRK; the engine keys records by
		// the connection address, so it is not carried forward.
	case smpIdentityInfo, smpSigningInfo:
		if len(body) < 17 {
			return
		}
		h.mu.Lock()
		if body[0] == smpIdentityInfo {
			copy(c.irk[:], body[1:17])
			c.haveIRK = true
		} else {
			copy(c.csrk[:], body[1:17])
			c.haveCSRK = true
		}
		ev, ready := c.takeKeys()
		h.mu.Unlock()
		if ready {
			enqueue(h.q, ev)
		}
	case smpSecurityRequest:
		if len(body) < 2 {
			return
		}
		ev := event.New(event.KindSecurityRequest, c.addr)
		ev.Data = []byte{body[1]}
		enqueue(h.q, ev)
	}
}

// takeKeys assembles the accumulated distribution PDUs into one event once
// every key class the feature exchange negotiated has arrived. The caller
// must hold the socket mutex and enqueue the event after releasing it.
func (c *hciConn) takeKeys() (event.Event, bool) {
	if c.expDist&distEncKey != 0 && !(c.haveLTK && c.haveIdnt) {
		return event.Event{}, false
	}
	if c.expDist&distIDKey != 0 && !c.haveIRK {
		return event.Event{}, false
	}
	if c.expDist&distSignKey != 0 && !c.haveCSRK {
		return event.Event{}, false
	}
	if c.expDist&distEncKey == 0 {
		// Nothing useful without an LTK.
		return event.Event{}, false
	}

	data := make([]byte, 0, 58)
	data = append(data, c.ltk[:]...)
	data = binary.LittleEndian.AppendUint16(data, c.ediv)
	data = binary.LittleEndian.AppendUint64(data, c.rand)
	if c.expDist&distIDKey != 0 {
		data = append(data, c.irk[:]...)
	}
	if c.expDist&distSignKey != 0 {
		data = append(data, c.csrk[:]...)
	}
	c.haveLTK, c.haveIdnt, c.haveIRK, c.haveCSRK = false, false, false, false

	ev := event.New(event.KindKeyDistribution, c.addr)
	ev.Data = data
	return ev, true
}

// ---- attribute discovery ----

// svcRange is one discovered service awaiting its characteristic walk.
type svcRange struct {
	start uint16
	end   uint16
	uuid  [16]byte
}

// onServiceEntries handles one Read By Group Type response page: each entry
// is start handle, end handle, service UUID. Services are only queued here;
// the ServiceFound event is emitted when their characteristic walk starts,
// so every service event is immediately followed by its characteristics.
func (h *HCISocket) onServiceEntries(c *hciConn, handle uint16, body []byte) {
	if len(body) < 2 {
		return
	}
	entryLen := int(body[1])
	if entryLen < 6 {
		return
	}
	var lastEnd uint16
	for off := 2; off+entryLen <= len(body); off += entryLen {
		entry := body[off : off+entryLen]
		start := binary.LittleEndian.Uint16(entry[0:2])
		end := binary.LittleEndian.Uint16(entry[2:4])
		raw, ok := attUUID(entry[4:])
		if !ok {
			continue
		}
		h.mu.Lock()
		c.svcQueue = append(c.svcQueue, svcRange{start: start, end: end, uuid: raw})
		h.mu.Unlock()
		lastEnd = end
	}

	if lastEnd == 0 || lastEnd == 0xffff {
		h.advanceDiscovery(c, handle)
		return
	}
	if err := h.readByGroup(handle, lastEnd+1); err != nil {
		h.logger.WithError(err).Warn("Failed to continue service discovery")
		h.advanceDiscovery(c, handle)
	}
}

// onCharacteristicEntries handles one Read By Type response page: each entry
// is declaration handle, properties, value handle, characteristic UUID.
func (h *HCISocket) onCharacteristicEntries(c *hciConn, handle uint16, body []byte) {
	if len(body) < 2 {
		return
	}
	entryLen := int(body[1])
	if entryLen < 7 {
		return
	}
	var lastValue uint16
	for off := 2; off+entryLen <= len(body); off += entryLen {
		entry := body[off : off+entryLen]
		props := entry[2]
		valueHandle := binary.LittleEndian.Uint16(entry[3:5])
		raw, ok := attUUID(entry[5:])
		if !ok {
			continue
		}
		ev := event.New(event.KindCharacteristicFound, c.addr)
		ev.Handle = valueHandle
		ev.Status = props
		ev.Data = append([]byte(nil), raw[:]...)
		enqueue(h.q, ev)
		lastValue = valueHandle
	}

	h.mu.Lock()
	end := c.charEnd
	h.mu.Unlock()
	if lastValue == 0 || lastValue >= end {
		h.advanceDiscovery(c, handle)
		return
	}
	if err := h.readByType(handle, lastValue+1, end); err != nil {
		h.logger.WithError(err).Warn("Failed to continue characteristic discovery")
		h.advanceDiscovery(c, handle)
	}
}

// advanceDiscovery moves the walk to the next queued service range, or
// finishes it when none remain.
func (h *HCISocket) advanceDiscovery(c *hciConn, handle uint16) {
	h.mu.Lock()
	if !c.discovering {
		h.mu.Unlock()
		return
	}
	if len(c.svcQueue) == 0 {
		c.discovering = false
		h.mu.Unlock()
		enqueue(h.q, event.New(event.KindDiscoveryComplete, c.addr))
		return
	}
	next := c.svcQueue[0]
	c.svcQueue = c.svcQueue[1:]
	c.charEnd = next.end
	h.mu.Unlock()

	ev := event.New(event.KindServiceFound, c.addr)
	ev.Handle = next.start
	ev.Data = append([]byte(nil), next.uuid[:]...)
	enqueue(h.q, ev)

	if err := h.readByType(handle, next.start, next.end); err != nil {
		h.logger.WithError(err).Warn("Failed to start characteristic discovery")
		h.advanceDiscovery(c, handle)
	}
}

func (h *HCISocket) readByGroup(conn uint16, start uint16) error {
	body := make([]byte, 0, 7)
	body = append(body, attReadByGroupReq)
	body = binary.LittleEndian.AppendUint16(body, start)
	body = binary.LittleEndian.AppendUint16(body, 0xffff)
	body = binary.LittleEndian.AppendUint16(body, uuidPrimaryService)
	return h.sendACL(conn, cidATT, body)
}

func (h *HCISocket) readByType(conn uint16, start uint16, end uint16) error {
	body := make([]byte, 0, 7)
	body = append(body, attReadByTypeReq)
	body = binary.LittleEndian.AppendUint16(body, start)
	body = binary.LittleEndian.AppendUint16(body, end)
	body = binary.LittleEndian.AppendUint16(body, uuidCharacteristic)
	return h.sendACL(conn, cidATT, body)
}

// ---- outbound ----

func (h *HCISocket) command(opcode uint16, params []byte) error {
	pkt := make([]byte, 0, 4+len(params))
	pkt = append(pkt, pktCommand)
	pkt = binary.LittleEndian.AppendUint16(pkt, opcode)
	pkt = append(pkt, byte(len(params)))
	pkt = append(pkt, params...)
	return h.write(pkt)
}

func (h *HCISocket) sendACL(handle uint16, cid uint16, body []byte) error {
	pkt := make([]byte, 0, 9+len(body))
	pkt = append(pkt, pktACL)
	pkt = binary.LittleEndian.AppendUint16(pkt, handle&0x0fff) // PB=00, BC=00
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(4+len(body)))
	pkt = binary.LittleEndian.AppendUint16(pkt, uint16(len(body)))
	pkt = binary.LittleEndian.AppendUint16(pkt, cid)
	pkt = append(pkt, body...)
	return h.write(pkt)
}

func (h *HCISocket) write(pkt []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := unix.Write(h.fd, pkt); err != nil {
		return fmt.Errorf("failed to write HCI packet: %w", err)
	}
	return nil
}

func (h *HCISocket) Scan(enable bool) error {
	if enable {
		h.mu.Lock()
		need := !h.scanParamsOK
		h.scanParamsOK = true
		h.mu.Unlock()
		if need {
			// Active scanning, 10 ms interval and window, public own address,
			// no whitelist.
			params := []byte{0x01, 0x10, 0x00, 0x10, 0x00, 0x00, 0x00}
			if err := h.command(opLESetScanParams, params); err != nil {
				return err
			}
		}
	}
	var en byte
	if enable {
		en = 0x01
	}
	return h.command(opLESetScanEnable, []byte{en, 0x00})
}

func (h *HCISocket) Connect(addr event.Addr, params ConnParams) error {
	p := make([]byte, 0, 25)
	p = binary.LittleEndian.AppendUint16(p, 0x0060) // scan interval
	p = binary.LittleEndian.AppendUint16(p, 0x0030) // scan window
	p = append(p, 0x00)                             // no whitelist
	p = append(p, byte(addr.Kind))
	p = append(p, addr.B[:]...)
	p = append(p, 0x00) // own address: public
	p = binary.LittleEndian.AppendUint16(p, params.IntervalMinUnits)
	p = binary.LittleEndian.AppendUint16(p, params.IntervalMaxUnits)
	p = binary.LittleEndian.AppendUint16(p, params.Latency)
	p = binary.LittleEndian.AppendUint16(p, params.TimeoutUnits)
	p = binary.LittleEndian.AppendUint16(p, 0x0000) // min CE length
	p = binary.LittleEndian.AppendUint16(p, 0x0000) // max CE length
	return h.command(opLECreateConnection, p)
}

func (h *HCISocket) CancelConnect() error {
	// The controller tracks a single outstanding create-connection; the
	// outcome arrives as an LE Connection Complete with a non-zero status.
	return h.command(opLECreateConnCancel, nil)
}

func (h *HCISocket) DiscoverProfile(conn uint16) error {
	h.mu.Lock()
	c := h.conns[conn]
	if c == nil {
		h.mu.Unlock()
		return fmt.Errorf("unknown connection handle 0x%04x", conn)
	}
	if c.discovering {
		h.mu.Unlock()
		return fmt.Errorf("discovery already in progress on 0x%04x", conn)
	}
	c.discovering = true
	c.svcQueue = nil
	h.mu.Unlock()

	return h.readByGroup(conn, 0x0001)
}

func (h *HCISocket) Disconnect(conn uint16, reason uint8) error {
	p := make([]byte, 0, 3)
	p = binary.LittleEndian.AppendUint16(p, conn)
	p = append(p, reason)
	return h.command(opDisconnect, p)
}

func (h *HCISocket) ExchangeMTU(conn uint16, mtu uint16) error {
	body := make([]byte, 0, 3)
	body = append(body, attMTUReq)
	body = binary.LittleEndian.AppendUint16(body, mtu)
	return h.sendACL(conn, cidATT, body)
}

func (h *HCISocket) WriteAttribute(conn uint16, valueHandle uint16, data []byte, withAck bool) error {
	op := byte(attWriteCmd)
	if withAck {
		op = attWriteReq
	}
	body := make([]byte, 0, 3+len(data))
	body = append(body, op)
	body = binary.LittleEndian.AppendUint16(body, valueHandle)
	body = append(body, data...)

	if withAck {
		h.mu.Lock()
		if c := h.conns[conn]; c != nil {
			c.pendingWrite = valueHandle
			c.hasPending = true
		}
		h.mu.Unlock()
	}
	return h.sendACL(conn, cidATT, body)
}

func (h *HCISocket) SendSecurity(conn uint16, pdu []byte) error {
	// Remember the responder distribution we asked for so inbound key PDUs
	// can be bundled into one event.
	if len(pdu) >= 7 && pdu[0] == smpPairingRequest {
		h.mu.Lock()
		if c := h.conns[conn]; c != nil {
			c.reqDist = pdu[6]
		}
		h.mu.Unlock()
	}
	return h.sendACL(conn, cidSMP, pdu)
}

func (h *HCISocket) StartEncryption(conn uint16, ltk [16]byte, ediv uint16, rand uint64) error {
	p := make([]byte, 0, 28)
	p = binary.LittleEndian.AppendUint16(p, conn)
	p = binary.LittleEndian.AppendUint64(p, rand)
	p = binary.LittleEndian.AppendUint16(p, ediv)
	p = append(p, ltk[:]...)
	return h.command(opLEStartEncryption, p)
}

func (h *HCISocket) lookup(handle uint16) *hciConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[handle]
}

func addrKindFromByte(b byte) event.AddrKind {
	if b == 0x00 {
		return event.AddrPublic
	}
	return event.AddrRandom
}
