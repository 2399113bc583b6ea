package central

import (
	"fmt"
	"time"

	"github.com/srg/bleng/internal/transport"
)

// Connection parameter bounds from the link layer: intervals in 7.5 ms to
// 4 s, supervision timeout in 100 ms to 32 s.
const (
	minConnInterval = 7500 * time.Microsecond
	maxConnInterval = 4 * time.Second

	minTimeoutUnits = 0x000A
	maxTimeoutUnits = 0x0C80

	connIntervalUnit = 1250 * time.Microsecond
	timeoutUnit      = 10 * time.Millisecond
)

// Params are the connection parameters in engine terms. A zero
// SupervisionTimeout means derive one from the interval and latency.
type Params struct {
	MinInterval        time.Duration
	MaxInterval        time.Duration
	Latency            uint16
	SupervisionTimeout time.Duration
}

// DefaultParams returns a responsive low-latency profile.
func DefaultParams() Params {
	return Params{
		MinInterval: 10 * time.Millisecond,
		MaxInterval: 15 * time.Millisecond,
	}
}

// DeriveSupervisionUnits computes a supervision timeout, in 10 ms units,
// that tolerates four missed connection events at the given interval and
// latency before the link is declared lost. The result is clamped to the
// protocol's [100 ms, 32 s] range.
func DeriveSupervisionUnits(latency uint16, maxInterval time.Duration) uint16 {
	effective := time.Duration(1+int64(latency)) * maxInterval
	// 1.25 safety factor times 4 events.
	timeout := effective * 5
	units := (timeout + timeoutUnit - 1) / timeoutUnit
	if units < minTimeoutUnits {
		units = minTimeoutUnits
	}
	if units > maxTimeoutUnits {
		units = maxTimeoutUnits
	}
	return uint16(units)
}

// Wire validates the parameters and converts them to raw protocol units.
func (p Params) Wire() (transport.ConnParams, error) {
	if p.MinInterval == 0 && p.MaxInterval == 0 {
		p = Params{
			MinInterval:        DefaultParams().MinInterval,
			MaxInterval:        DefaultParams().MaxInterval,
			Latency:            p.Latency,
			SupervisionTimeout: p.SupervisionTimeout,
		}
	}
	if p.MinInterval < minConnInterval || p.MaxInterval > maxConnInterval {
		return transport.ConnParams{}, fmt.Errorf("connection interval [%s, %s] outside [%s, %s]",
			p.MinInterval, p.MaxInterval, minConnInterval, maxConnInterval)
	}
	if p.MinInterval > p.MaxInterval {
		return transport.ConnParams{}, fmt.Errorf("min interval %s exceeds max interval %s",
			p.MinInterval, p.MaxInterval)
	}

	var timeoutUnits uint16
	if p.SupervisionTimeout == 0 {
		timeoutUnits = DeriveSupervisionUnits(p.Latency, p.MaxInterval)
	} else {
		units := (p.SupervisionTimeout + timeoutUnit - 1) / timeoutUnit
		if units < minTimeoutUnits || units > maxTimeoutUnits {
			return transport.ConnParams{}, fmt.Errorf("supervision timeout %s outside protocol range",
				p.SupervisionTimeout)
		}
		// A timeout the link can actually hit: it must exceed the worst-case
		// gap between connection events.
		if p.SupervisionTimeout <= time.Duration(1+int64(p.Latency))*p.MaxInterval*2 {
			return transport.ConnParams{}, fmt.Errorf("supervision timeout %s too tight for interval %s with latency %d",
				p.SupervisionTimeout, p.MaxInterval, p.Latency)
		}
		timeoutUnits = uint16(units)
	}

	return transport.ConnParams{
		IntervalMinUnits: uint16(p.MinInterval / connIntervalUnit),
		IntervalMaxUnits: uint16(p.MaxInterval / connIntervalUnit),
		Latency:          p.Latency,
		TimeoutUnits:     timeoutUnits,
	}, nil
}
