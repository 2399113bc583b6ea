package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleng/internal/central"
	"github.com/srg/bleng/internal/event"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Discovered devices are listed with address, RSSI and the raw advertising
payload. Each device is reported once; later advertisements refresh its
entry.`,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanAllowList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	eng, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	allow := make(map[string]bool, len(scanAllowList))
	for _, a := range scanAllowList {
		addr, err := event.ParseAddr(a, event.AddrPublic)
		if err != nil {
			return fmt.Errorf("invalid address in --allow: %w", err)
		}
		allow[addr.String()] = true
	}

	var mu sync.Mutex
	seen := make(map[string]central.DeviceSnapshot)
	eng.manager.SetCallbacks(central.Callbacks{
		DeviceDiscovered: func(snap central.DeviceSnapshot) {
			if len(allow) > 0 && !allow[snap.Addr.String()] {
				return
			}
			mu.Lock()
			seen[snap.Addr.String()] = snap
			mu.Unlock()
		},
	})

	if err := eng.manager.Scan(true); err != nil {
		return fmt.Errorf("failed to start scanning: %w", err)
	}
	defer eng.manager.Scan(false)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	fmt.Fprintf(os.Stderr, "Scanning for %s (Ctrl+C to stop)...\n", scanDuration)

	var timeout <-chan time.Time
	if scanDuration > 0 {
		timer := time.NewTimer(scanDuration)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-timeout:
	case <-sigCh:
		fmt.Fprintln(os.Stderr, "\nCtrl+C pressed, stopping scan...")
	}

	// Refresh snapshots so RSSI and last-seen reflect the final state.
	mu.Lock()
	list := make([]central.DeviceSnapshot, 0, len(seen))
	for _, snap := range eng.manager.Devices() {
		if _, ok := seen[snap.Addr.String()]; ok {
			list = append(list, snap)
		}
	}
	mu.Unlock()

	return displayDevicesTable(list)
}

func displayDevicesTable(devices []central.DeviceSnapshot) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tRSSI\tLAST SEEN")
	fmt.Fprintln(w, strings.Repeat("-", 50))
	for _, d := range devices {
		lastSeen := time.Since(d.LastSeen).Truncate(time.Second)
		fmt.Fprintf(w, "%s\t%d dBm\t%s ago\n", d.Addr, d.RSSI, lastSeen)
	}
	return w.Flush()
}
