package main

import (
	"context"
	"errors"
	"os"

	"github.com/srg/bleng/internal/central"
	"github.com/srg/bleng/internal/gatt"
)

// Command-level errors
var (
	// ErrPairingRejected indicates the user or the peer declined pairing.
	ErrPairingRejected = errors.New("pairing rejected")
	// ErrDeviceNotReady indicates the device never reached the ready state
	// within the command's budget.
	ErrDeviceNotReady = errors.New("device did not become ready")
)

// FormatUserError maps internal errors onto messages a CLI user can act on.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, os.ErrPermission):
		return "permission denied: the HCI user channel needs CAP_NET_ADMIN (try sudo)"
	case errors.Is(err, context.DeadlineExceeded):
		return "operation timed out"
	case errors.Is(err, gatt.ErrTimeout):
		return "device did not answer the command in time"
	case errors.Is(err, gatt.ErrCancelled):
		return "connection was lost while the command was in flight"
	case errors.Is(err, gatt.ErrBusy):
		return "another command is already running on this channel"
	case errors.Is(err, central.ErrUnknownDevice):
		return "unknown device address"
	case errors.Is(err, central.ErrNotReady):
		return "device is not connected and ready"
	default:
		return err.Error()
	}
}
