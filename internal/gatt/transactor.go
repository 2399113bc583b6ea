// Package gatt layers correlated request/response transactions over raw
// notify/indicate primitives. The transport offers no correlation id, so
// per-characteristic ordering is the correlation mechanism: one outstanding
// command per request/response characteristic pair, the next inbound event
// on the response characteristic resolves it.
package gatt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleng/internal/event"
)

var (
	// ErrBusy is returned when a command is already outstanding on the
	// channel. This is a call-site error: callers must serialize commands
	// per channel, the protocol cannot correlate overlapping ones.
	ErrBusy = errors.New("command already pending on channel")
	// ErrTimeout is returned when no response arrived within the caller's
	// budget, measured from the transport's write acknowledgement.
	ErrTimeout = errors.New("command timed out")
	// ErrCancelled is returned when the device disconnected while the
	// command was in flight.
	ErrCancelled = errors.New("command cancelled by disconnect")
	// ErrShortResponse is returned when the response is smaller than the
	// caller-specified minimum.
	ErrShortResponse = errors.New("response below minimum size")
)

// Writer is the transport-facing write primitive. withAck selects an
// acknowledged write; the acknowledgement comes back as its own event.
type Writer interface {
	WriteAttribute(conn uint16, valueHandle uint16, data []byte, withAck bool) error
}

// Channel is a logical command channel: the value handles of the request
// and response characteristics.
type Channel struct {
	Request  uint16
	Response uint16
}

func (c Channel) String() string {
	return fmt.Sprintf("0x%04x->0x%04x", c.Request, c.Response)
}

type outcome struct {
	data []byte
	err  error
}

// pendingCommand is the single in-flight transaction on a channel. It is
// resolved exactly once: success, short response, timeout, or cancellation
// are mutually exclusive terminal outcomes.
type pendingCommand struct {
	addr        event.Addr
	ch          Channel
	minResponse int
	timeout     time.Duration

	done     chan outcome // buffered(1); receives the single resolution
	timer    *time.Timer  // fallback from submission, rearmed with the real budget on write-ack
	acked    bool
	resolved bool
}

// writeAckGrace bounds how long a command waits for the transport's write
// acknowledgement on top of its response budget. The budget proper only
// starts at the acknowledgement; this keeps a peer that never acks from
// pinning the caller until context cancellation.
var writeAckGrace = 30 * time.Second

type pendingKey struct {
	addr event.Addr
	ch   Channel
}

// Transactor owns all pending commands across devices.
type Transactor struct {
	writer Writer
	logger *logrus.Logger

	mu      sync.Mutex
	pending map[pendingKey]*pendingCommand
}

// NewTransactor creates a transactor writing through the given transport.
func NewTransactor(writer Writer, logger *logrus.Logger) *Transactor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transactor{
		writer:  writer,
		logger:  logger,
		pending: make(map[pendingKey]*pendingCommand),
	}
}

// Send writes data to the channel's request characteristic and waits for
// the next inbound notify/indicate on the response characteristic.
//
// The timeout clock starts when the transport acknowledges the write, so
// transport-side queuing does not eat into the protocol budget; an ack that
// never arrives trips a fallback deadline instead. minResponse
// below-size responses resolve as ErrShortResponse. A second Send while one
// is pending on the same channel is rejected with ErrBusy — overwriting the
// pending correlation state would hand a later response to the wrong caller.
func (t *Transactor) Send(ctx context.Context, addr event.Addr, conn uint16,
	ch Channel, data []byte, minResponse int, timeout time.Duration) ([]byte, error) {

	key := pendingKey{addr: addr, ch: ch}
	cmd := &pendingCommand{
		addr:        addr,
		ch:          ch,
		minResponse: minResponse,
		timeout:     timeout,
		done:        make(chan outcome, 1),
	}

	t.mu.Lock()
	if _, exists := t.pending[key]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("channel %s: %w", ch, ErrBusy)
	}
	t.pending[key] = cmd
	cmd.timer = time.AfterFunc(timeout+writeAckGrace, func() {
		t.resolve(key, outcome{err: ErrTimeout})
	})
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"channel": ch.String(),
		"bytes":   len(data),
	}).Debug("Issuing command")

	if err := t.writer.WriteAttribute(conn, ch.Request, data, true); err != nil {
		t.resolve(key, outcome{err: fmt.Errorf("failed to write command: %w", err)})
	}

	select {
	case res := <-cmd.done:
		return res.data, res.err
	case <-ctx.Done():
		t.resolve(key, outcome{err: ctx.Err()})
		res := <-cmd.done
		return res.data, res.err
	}
}

// SendOnly writes the request without awaiting a response. Best effort:
// non-delivery is unobservable to the sender.
func (t *Transactor) SendOnly(addr event.Addr, conn uint16, ch Channel, data []byte) error {
	if err := t.writer.WriteAttribute(conn, ch.Request, data, false); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// OnWriteAck starts the timeout clock for the command whose request
// characteristic matches the acknowledged handle, replacing the submission
// fallback with the caller's real budget.
func (t *Transactor) OnWriteAck(addr event.Addr, valueHandle uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, cmd := range t.pending {
		if key.addr != addr || cmd.ch.Request != valueHandle || cmd.acked {
			continue
		}
		cmd.acked = true
		if cmd.timer != nil {
			cmd.timer.Stop()
		}
		k := key
		cmd.timer = time.AfterFunc(cmd.timeout, func() {
			t.resolve(k, outcome{err: ErrTimeout})
		})
		return
	}
}

// HandleInbound offers a notify/indicate event to the pending command on
// the matching response characteristic. Returns true when the event was
// consumed as a command response.
func (t *Transactor) HandleInbound(addr event.Addr, valueHandle uint16, data []byte) bool {
	t.mu.Lock()
	var match pendingKey
	var cmd *pendingCommand
	for key, p := range t.pending {
		if key.addr == addr && p.ch.Response == valueHandle {
			match, cmd = key, p
			break
		}
	}
	t.mu.Unlock()

	if cmd == nil {
		return false
	}

	if len(data) < cmd.minResponse {
		t.resolve(match, outcome{err: fmt.Errorf("%w: got %d, want at least %d",
			ErrShortResponse, len(data), cmd.minResponse)})
		return true
	}

	payload := make([]byte, len(data))
	copy(payload, data)
	t.resolve(match, outcome{data: payload})
	return true
}

// CancelAll resolves every in-flight command for the device with
// ErrCancelled. Called synchronously from disconnect teardown so no stale
// completion can be delivered afterwards.
func (t *Transactor) CancelAll(addr event.Addr) int {
	t.mu.Lock()
	var keys []pendingKey
	for key := range t.pending {
		if key.addr == addr {
			keys = append(keys, key)
		}
	}
	t.mu.Unlock()

	for _, key := range keys {
		t.resolve(key, outcome{err: ErrCancelled})
	}
	return len(keys)
}

// Pending reports whether a command is outstanding on the channel.
func (t *Transactor) Pending(addr event.Addr, ch Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[pendingKey{addr: addr, ch: ch}]
	return ok
}

// resolve delivers the single terminal outcome and forgets the command.
// Later resolution attempts for the same key are no-ops.
func (t *Transactor) resolve(key pendingKey, res outcome) {
	t.mu.Lock()
	cmd, ok := t.pending[key]
	if !ok || cmd.resolved {
		t.mu.Unlock()
		return
	}
	cmd.resolved = true
	delete(t.pending, key)
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	t.mu.Unlock()

	cmd.done <- res
}
