package gatt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bleng/internal/event"
)

type attrWrite struct {
	conn    uint16
	handle  uint16
	data    []byte
	withAck bool
}

type fakeWriter struct {
	mu      sync.Mutex
	writes  []attrWrite
	onWrite func(w attrWrite)
}

func (f *fakeWriter) WriteAttribute(conn uint16, valueHandle uint16, data []byte, withAck bool) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	w := attrWrite{conn: conn, handle: valueHandle, data: cp, withAck: withAck}
	f.mu.Lock()
	f.writes = append(f.writes, w)
	cb := f.onWrite
	f.mu.Unlock()
	if cb != nil {
		cb(w)
	}
	return nil
}

func (f *fakeWriter) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

var testChannel = Channel{Request: 0x0010, Response: 0x0012}

func transactorFixture(t *testing.T) (*Transactor, *fakeWriter, event.Addr) {
	t.Helper()
	addr, err := event.ParseAddr("AA:BB:CC:DD:EE:FF", event.AddrPublic)
	require.NoError(t, err)
	w := &fakeWriter{}
	return NewTransactor(w, nil), w, addr
}

// ackImmediately wires the writer so acknowledged writes produce a
// write-ack the moment they land, as a well-behaved transport would
func ackImmediately(tr *Transactor, w *fakeWriter, addr event.Addr) {
	w.mu.Lock()
	w.onWrite = func(wr attrWrite) {
		if wr.withAck {
			go tr.OnWriteAck(addr, wr.handle)
		}
	}
	w.mu.Unlock()
}

func TestSendSuccess(t *testing.T) {
	tr, w, addr := transactorFixture(t)
	ackImmediately(tr, w, addr)

	go func() {
		// Response arrives as the next inbound event on the response
		// characteristic
		time.Sleep(20 * time.Millisecond)
		claimed := tr.HandleInbound(addr, testChannel.Response, []byte{0x01, 0x02, 0x03})
		if !claimed {
			t.Error("response event was not claimed by the pending command")
		}
	}()

	resp, err := tr.Send(context.Background(), addr, 0x0040, testChannel,
		[]byte{0xAA}, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, resp)
	assert.False(t, tr.Pending(addr, testChannel), "resolved command must not linger")
}

func TestSendTimeout(t *testing.T) {
	tr, w, addr := transactorFixture(t)
	ackImmediately(tr, w, addr)

	const timeout = 200 * time.Millisecond
	start := time.Now()
	_, err := tr.Send(context.Background(), addr, 0x0040, testChannel, []byte{0xAA}, 0, timeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout, "timeout must not fire early")
	assert.Less(t, elapsed, timeout+500*time.Millisecond)
	assert.False(t, tr.Pending(addr, testChannel), "timed-out command must not linger")
}

// TestTimeoutStartsAtWriteAck verifies transport queuing delay is excluded
// from the protocol timeout budget
func TestTimeoutStartsAtWriteAck(t *testing.T) {
	tr, w, addr := transactorFixture(t)

	const ackDelay = 150 * time.Millisecond
	const timeout = 100 * time.Millisecond

	w.mu.Lock()
	w.onWrite = func(wr attrWrite) {
		if wr.withAck {
			time.AfterFunc(ackDelay, func() { tr.OnWriteAck(addr, wr.handle) })
		}
	}
	w.mu.Unlock()

	// Respond between submission+timeout and ack+timeout: the command must
	// still succeed because the clock only started at the ack.
	time.AfterFunc(ackDelay+timeout/2, func() {
		tr.HandleInbound(addr, testChannel.Response, []byte{0x42})
	})

	resp, err := tr.Send(context.Background(), addr, 0x0040, testChannel, []byte{0xAA}, 1, timeout)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x42}, resp)
}

// TestNeverAckedWriteEventuallyTimesOut covers a peer that accepts the write
// but never acknowledges it: the command must still resolve on its own
// instead of waiting for context cancellation or disconnect
func TestNeverAckedWriteEventuallyTimesOut(t *testing.T) {
	tr, _, addr := transactorFixture(t)

	old := writeAckGrace
	writeAckGrace = 50 * time.Millisecond
	defer func() { writeAckGrace = old }()

	_, err := tr.Send(context.Background(), addr, 0x0040, testChannel, []byte{0xAA}, 0, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, tr.Pending(addr, testChannel), "abandoned command must not linger")
}

func TestSecondSendRejected(t *testing.T) {
	tr, w, addr := transactorFixture(t)
	ackImmediately(tr, w, addr)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := tr.Send(context.Background(), addr, 0x0040, testChannel, []byte{0x01}, 0, time.Second)
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool { return tr.Pending(addr, testChannel) },
		time.Second, 5*time.Millisecond)

	_, err := tr.Send(context.Background(), addr, 0x0040, testChannel, []byte{0x02}, 0, time.Second)
	assert.ErrorIs(t, err, ErrBusy, "overlapping command on one channel must be rejected, not queued over")

	tr.HandleInbound(addr, testChannel.Response, []byte{0xFF})
	<-firstDone
}

func TestDistinctChannelsRunConcurrently(t *testing.T) {
	tr, w, addr := transactorFixture(t)
	ackImmediately(tr, w, addr)
	other := Channel{Request: 0x0020, Response: 0x0022}

	var wg sync.WaitGroup
	for _, ch := range []Channel{testChannel, other} {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			resp, err := tr.Send(context.Background(), addr, 0x0040, ch, []byte{0x01}, 1, time.Second)
			assert.NoError(t, err)
			assert.Equal(t, []byte{byte(ch.Response)}, resp)
		}(ch)
	}

	require.Eventually(t, func() bool {
		return tr.Pending(addr, testChannel) && tr.Pending(addr, other)
	}, time.Second, 5*time.Millisecond)

	tr.HandleInbound(addr, testChannel.Response, []byte{byte(testChannel.Response)})
	tr.HandleInbound(addr, other.Response, []byte{byte(other.Response)})
	wg.Wait()
}

func TestShortResponse(t *testing.T) {
	tr, w, addr := transactorFixture(t)
	ackImmediately(tr, w, addr)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.HandleInbound(addr, testChannel.Response, []byte{0x01})
	}()

	_, err := tr.Send(context.Background(), addr, 0x0040, testChannel, []byte{0xAA}, 4, time.Second)
	assert.ErrorIs(t, err, ErrShortResponse)
}

func TestDisconnectCancelsInFlight(t *testing.T) {
	tr, w, addr := transactorFixture(t)
	ackImmediately(tr, w, addr)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Send(context.Background(), addr, 0x0040, testChannel, []byte{0xAA}, 0, 5*time.Second)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return tr.Pending(addr, testChannel) },
		time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, tr.CancelAll(addr))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancelled command did not resolve")
	}

	// The cancellation is the single terminal outcome: a late response
	// must not be misattributed to the dead command
	assert.False(t, tr.HandleInbound(addr, testChannel.Response, []byte{0x01}))
}

func TestContextCancellation(t *testing.T) {
	tr, w, addr := transactorFixture(t)
	ackImmediately(tr, w, addr)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := tr.Send(ctx, addr, 0x0040, testChannel, []byte{0xAA}, 0, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, tr.Pending(addr, testChannel))
}

func TestSendOnlyFireAndForget(t *testing.T) {
	tr, w, addr := transactorFixture(t)

	require.NoError(t, tr.SendOnly(addr, 0x0040, testChannel, []byte{0xAA, 0xBB}))
	assert.Equal(t, 1, w.writeCount())
	assert.False(t, w.writes[0].withAck, "send-only must use an unacknowledged write")
	assert.False(t, tr.Pending(addr, testChannel))
}

func TestUnclaimedInboundIsNotConsumed(t *testing.T) {
	tr, _, addr := transactorFixture(t)
	assert.False(t, tr.HandleInbound(addr, 0x0099, []byte{0x01}))
}
