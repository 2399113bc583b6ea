package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/gatt"
	"github.com/srg/bleng/internal/security"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <address> <hex-payload>",
	Short: "Send a command and print the response",
	Long: `Connect to a device and issue one correlated command: the payload is
written to the request characteristic and the next notification on the
response characteristic is printed as hex.

With --no-response the payload is written fire-and-forget and nothing is
awaited.`,
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var (
	sendRequestHandle  uint16
	sendResponseHandle uint16
	sendTimeout        time.Duration
	sendMinResponse    int
	sendNoResponse     bool
	sendRandom         bool
)

func init() {
	sendCmd.Flags().Uint16Var(&sendRequestHandle, "request", 0, "Value handle of the request characteristic (required)")
	sendCmd.Flags().Uint16Var(&sendResponseHandle, "response", 0, "Value handle of the response characteristic")
	sendCmd.Flags().DurationVarP(&sendTimeout, "timeout", "t", 0, "Response budget, measured from the write acknowledgement (default: config command_timeout)")
	sendCmd.Flags().IntVar(&sendMinResponse, "min-response", 0, "Reject responses shorter than this many bytes")
	sendCmd.Flags().BoolVar(&sendNoResponse, "no-response", false, "Fire-and-forget write, no response expected")
	sendCmd.Flags().BoolVar(&sendRandom, "random", false, "Peer uses a random address")
	_ = sendCmd.MarkFlagRequired("request")
}

func runSend(cmd *cobra.Command, args []string) error {
	kind := event.AddrPublic
	if sendRandom {
		kind = event.AddrRandom
	}
	addr, err := event.ParseAddr(args[0], kind)
	if err != nil {
		return err
	}
	payload, err := hex.DecodeString(strings.ReplaceAll(args[1], " ", ""))
	if err != nil {
		return fmt.Errorf("invalid hex payload: %w", err)
	}
	if !sendNoResponse && sendResponseHandle == 0 {
		return fmt.Errorf("--response is required unless --no-response is set")
	}

	eng, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer eng.Close()
	cmd.SilenceUsage = true

	if sendTimeout == 0 {
		sendTimeout = eng.cfg.CommandTimeout
	}

	ready := make(chan struct{}, 1)
	failed := make(chan uint8, 1)
	lost := make(chan uint8, 1)
	installInteractiveCallbacks(eng.manager, ready, failed, lost, make(chan struct{}, 1))

	if err := eng.manager.Connect(addr); err != nil {
		return err
	}
	select {
	case <-ready:
	case reason := <-failed:
		return fmt.Errorf("%w: %s", ErrPairingRejected, security.ReasonString(reason))
	case reason := <-lost:
		return fmt.Errorf("connection failed (reason 0x%02x)", reason)
	case <-time.After(30 * time.Second):
		return ErrDeviceNotReady
	}
	defer eng.manager.Disconnect(addr)

	ch := gatt.Channel{Request: sendRequestHandle, Response: sendResponseHandle}

	if sendNoResponse {
		if err := eng.manager.SendOnly(addr, ch, payload); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Sent %d bytes to 0x%04x\n", len(payload), ch.Request)
		return nil
	}

	resp, err := eng.manager.Send(context.Background(), addr, ch, payload,
		sendMinResponse, sendTimeout)
	if err != nil {
		return err
	}
	color.Green("Response (%d bytes):", len(resp))
	fmt.Println(hex.EncodeToString(resp))
	return nil
}
