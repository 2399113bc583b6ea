package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bleng/internal/config"
	"github.com/srg/bleng/internal/event"
	"github.com/srg/bleng/internal/keystore"
)

// keysCmd groups the bonding key management subcommands
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage persisted bonding keys",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored key records",
	RunE:  runKeysList,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete <address>",
	Short: "Delete the key record for a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysDelete,
}

func init() {
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysDeleteCmd)
}

func openFileKeystore(cmd *cobra.Command) (*keystore.File, *config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.KeystoreDir == "" {
		return nil, nil, fmt.Errorf("no keystore_dir configured; bonding keys are kept in memory only")
	}
	logger, err := configureLogger(cmd)
	if err != nil {
		return nil, nil, err
	}
	ks, err := keystore.NewFile(cfg.KeystoreDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return ks, cfg, nil
}

func runKeysList(cmd *cobra.Command, args []string) error {
	ks, cfg, err := openFileKeystore(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	names, err := ks.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Printf("No key records in %s\n", cfg.KeystoreDir)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tROLE\tLEVEL\tAUTH\tKEY SIZE")
	for _, name := range names {
		addr, role, ok := parseRecordName(name)
		if !ok {
			continue
		}
		rec, err := ks.Load(addr, role)
		if err != nil {
			color.Red("%s: %v", name, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\n",
			addr, role, rec.Level, rec.Authenticated, rec.KeySize)
	}
	return w.Flush()
}

func runKeysDelete(cmd *cobra.Command, args []string) error {
	ks, _, err := openFileKeystore(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	addr, err := event.ParseAddr(args[0], event.AddrPublic)
	if err != nil {
		return err
	}
	if err := ks.Delete(addr, keystore.RoleCentral); err != nil {
		return err
	}
	color.Green("Deleted key record for %s", addr)
	return nil
}

// parseRecordName decodes the "<12 hex digits>-<role>.key" file name.
func parseRecordName(name string) (event.Addr, keystore.Role, bool) {
	base, ok := strings.CutSuffix(name, ".key")
	if !ok {
		return event.Addr{}, 0, false
	}
	hexAddr, roleName, ok := strings.Cut(base, "-")
	if !ok || len(hexAddr) != 12 {
		return event.Addr{}, 0, false
	}

	var parts []string
	for i := 0; i < 12; i += 2 {
		parts = append(parts, hexAddr[i:i+2])
	}
	addr, err := event.ParseAddr(strings.Join(parts, ":"), event.AddrPublic)
	if err != nil {
		return event.Addr{}, 0, false
	}

	role := keystore.RoleCentral
	if roleName == keystore.RolePeripheral.String() {
		role = keystore.RolePeripheral
	}
	return addr, role, true
}
