//go:build linux

package transport

import (
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/queue"
)

// hciFixture builds a socket over a plain socketpair so the outbound path has
// a real fd to write to. The reader loop is not started; tests feed inbound
// traffic by calling handleACL directly, the way the loop would.
func hciFixture(t *testing.T) (*HCISocket, *queue.Queue[event.Event]) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	// Drain the peer end so outbound writes never block on the kernel's
	// socket buffer.
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := unix.Read(fds[1], buf); err != nil {
				return
			}
		}
	}()

	q, err := queue.New[event.Event](2048)
	require.NoError(t, err)
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)

	h := &HCISocket{
		fd:     fds[0],
		q:      q,
		logger: l,
		conns:  make(map[uint16]*hciConn),
		done:   make(chan struct{}),
	}
	return h, q
}

func hciTestConn(t *testing.T, h *HCISocket, handle uint16) *hciConn {
	t.Helper()
	addr, err := event.ParseAddr("AA:BB:CC:DD:EE:FF", event.AddrPublic)
	require.NoError(t, err)
	c := &hciConn{addr: addr, reassembly: ringbuffer.New(aclReassemblyCap)}
	h.mu.Lock()
	h.conns[handle] = c
	h.mu.Unlock()
	return c
}

func drainEvents(q *queue.Queue[event.Event]) []event.Event {
	var out []event.Event
	for {
		ev, err := q.Get(false, 0)
		if err != nil {
			return out
		}
		out = append(out, ev)
	}
}

// TestWriteAckAttributionUnderConcurrency hammers acknowledged writes from an
// API goroutine while the reader path attributes write responses, so the race
// detector can watch the shared pending-write bookkeeping.
func TestWriteAckAttributionUnderConcurrency(t *testing.T) {
	h, q := hciFixture(t)
	hciTestConn(t, h, 0x0040)

	// ACL first fragment, L2CAP len 1 on the ATT channel: a bare write
	// response.
	rsp := []byte{0x40, 0x20, 0x05, 0x00, 0x01, 0x00, 0x04, 0x00, attWriteRsp}

	const rounds = 400
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, h.WriteAttribute(0x0040, 0x0010, []byte{0x01}, true))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			h.handleACL(rsp)
		}
	}()
	wg.Wait()

	for _, ev := range drainEvents(q) {
		require.Equal(t, event.KindWriteAck, ev.Kind)
		assert.Equal(t, uint16(0x0010), ev.Handle)
	}
}

// TestPairingStateUnderConcurrency races outbound pairing requests against
// inbound pairing responses; the negotiated distribution bookkeeping is
// shared between the two paths.
func TestPairingStateUnderConcurrency(t *testing.T) {
	h, q := hciFixture(t)
	hciTestConn(t, h, 0x0040)

	req := []byte{smpPairingRequest, 0x03, 0x00, 0x01, 0x10, 0x07, 0x07}
	// L2CAP len 7 on the SMP channel: a pairing response distributing the
	// encryption key class.
	rsp := []byte{
		0x40, 0x20, 0x0b, 0x00, 0x07, 0x00, 0x06, 0x00,
		smpPairingResponse, 0x03, 0x00, 0x01, 0x10, 0x01, 0x01,
	}

	const rounds = 400
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			assert.NoError(t, h.SendSecurity(0x0040, req))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			h.handleACL(rsp)
		}
	}()
	wg.Wait()

	evs := drainEvents(q)
	require.Len(t, evs, rounds)
	for _, ev := range evs {
		assert.Equal(t, event.KindPairingResponse, ev.Kind)
	}
}
