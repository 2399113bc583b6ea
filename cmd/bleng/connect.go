package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bleng/internal/central"
	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/gatt"
	"github.com/srg/bleng/internal/security"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect and pair with a BLE device",
	Long: `Connect to a device, run pairing at the configured security level and
negotiate the MTU. Passkey and numeric-comparison prompts are answered
interactively. The connection is held until Ctrl+C.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var (
	connectTimeout time.Duration
	connectRandom  bool
)

func init() {
	connectCmd.Flags().DurationVarP(&connectTimeout, "timeout", "t", 30*time.Second, "Time allowed to reach the ready state")
	connectCmd.Flags().BoolVar(&connectRandom, "random", false, "Peer uses a random address")
}

func runConnect(cmd *cobra.Command, args []string) error {
	kind := event.AddrPublic
	if connectRandom {
		kind = event.AddrRandom
	}
	addr, err := event.ParseAddr(args[0], kind)
	if err != nil {
		return err
	}

	eng, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer eng.Close()
	cmd.SilenceUsage = true

	ready := make(chan struct{}, 1)
	failed := make(chan uint8, 1)
	lost := make(chan uint8, 1)
	discovered := make(chan struct{}, 1)
	installInteractiveCallbacks(eng.manager, ready, failed, lost, discovered)

	if err := eng.manager.Connect(addr); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Connecting to %s...\n", addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ready:
	case reason := <-failed:
		return fmt.Errorf("%w: %s", ErrPairingRejected, security.ReasonString(reason))
	case reason := <-lost:
		return fmt.Errorf("connection failed (reason 0x%02x)", reason)
	case <-time.After(connectTimeout):
		_ = eng.manager.Disconnect(addr)
		return ErrDeviceNotReady
	case <-sigCh:
		return nil
	}

	d, _ := eng.manager.Device(addr)
	color.Green("Connected: %s  MTU %d  security %s", addr, d.MTU(), d.SecurityLevel())

	select {
	case <-discovered:
		printProfile(d.Profile())
	case reason := <-lost:
		return fmt.Errorf("connection lost (reason 0x%02x)", reason)
	case <-time.After(5 * time.Second):
		fmt.Fprintln(os.Stderr, "Attribute discovery did not finish, continuing without it")
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\nDisconnecting...")
		return eng.manager.Disconnect(addr)
	}

	fmt.Fprintln(os.Stderr, "Holding connection, Ctrl+C to disconnect...")

	select {
	case reason := <-lost:
		return fmt.Errorf("connection lost (reason 0x%02x)", reason)
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\nDisconnecting...")
		return eng.manager.Disconnect(addr)
	}
}

// installInteractiveCallbacks wires pairing prompts to the terminal.
func installInteractiveCallbacks(m *central.Manager, ready chan struct{}, failed, lost chan uint8, discovered chan struct{}) {
	m.SetCallbacks(central.Callbacks{
		DeviceReady: func(event.Addr) {
			select {
			case ready <- struct{}{}:
			default:
			}
		},
		ProfileDiscovered: func(event.Addr) {
			select {
			case discovered <- struct{}{}:
			default:
			}
		},
		DeviceDisconnected: func(_ event.Addr, reason uint8) {
			select {
			case lost <- reason:
			default:
			}
		},
		PairingFailed: func(_ event.Addr, reason uint8) {
			select {
			case failed <- reason:
			default:
			}
		},
		PasskeyRequested: func(addr event.Addr) {
			// Prompt on a separate goroutine: callbacks must not block the
			// dispatcher, and the decision loops back through the queue.
			go promptPasskey(m, addr)
		},
		NumericCompareRequested: func(addr event.Addr, value uint32) {
			go promptNumericCompare(m, addr, value)
		},
	})
}

// printProfile lists the discovered services and characteristics the way
// they sit in the attribute table.
func printProfile(p *gatt.Profile) {
	services := p.Services()
	if len(services) == 0 {
		fmt.Fprintln(os.Stderr, "No services discovered")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, svc := range services {
		fmt.Fprintf(w, "service %s\n", svc.UUID)
		for pair := svc.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
			c := pair.Value
			fmt.Fprintf(w, "  0x%04x\t%s\t%s\n", c.ValueHandle, c.UUID, c.PropertiesString())
		}
	}
	w.Flush()
}

func promptPasskey(m *central.Manager, addr event.Addr) {
	color.Yellow("Passkey required for %s", addr)
	fmt.Print("Enter 6-digit passkey (empty to reject): ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		_ = m.RejectPasskey(addr)
		return
	}
	line = strings.TrimSpace(line)
	if line == "" {
		_ = m.RejectPasskey(addr)
		return
	}
	passkey, err := strconv.ParseUint(line, 10, 32)
	if err != nil || passkey > 999999 {
		color.Red("Invalid passkey %q", line)
		_ = m.RejectPasskey(addr)
		return
	}
	_ = m.ProvidePasskey(addr, uint32(passkey))
}

func promptNumericCompare(m *central.Manager, addr event.Addr, value uint32) {
	color.Yellow("Confirm pairing with %s", addr)
	fmt.Printf("Does the device show %06d? [y/N]: ", value)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	accept := err == nil && strings.EqualFold(strings.TrimSpace(line), "y")
	_ = m.ConfirmNumeric(addr, accept)
}
