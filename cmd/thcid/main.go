// Command thcid runs the THCI driver as a standalone daemon: it opens
// the configured serial port, brings the NCP up, and blocks relaying
// unsolicited events to its own log until asked to shut down.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ezhangle/thci/device/config"
	"github.com/ezhangle/thci/device/dispatch"
	"github.com/ezhangle/thci/driver"
)

// finalizeTimeout bounds the best-effort shutdown notice sent to the
// NCP before the process exits regardless.
const finalizeTimeout = 5 * time.Second

var (
	cfgFile        string
	portFlag       string
	baudFlag       int
	mandatoryReset bool
)

var rootCmd = &cobra.Command{
	Use:   "thcid",
	Short: "thcid runs the Thread Host Control Interface driver against a serial NCP",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.Flags().StringVar(&portFlag, "port", "", "serial port device, overriding the config file")
	rootCmd.Flags().IntVar(&baudFlag, "baud", 0, "serial baud rate, overriding the config file")
	rootCmd.Flags().BoolVar(&mandatoryReset, "force-reset", false, "skip the re-establish fast path and hard-reset the NCP on start")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loggingGPIO stands in for a board-specific reset/bootloader-select
// wiring: it logs the requested line state instead of driving real
// pins. Boards that expose those lines through the serial adapter's
// control signals should use reset.SerialGPIO against the open port
// instead.
type loggingGPIO struct {
	log *slog.Logger
}

func (g loggingGPIO) SetReset(assert bool) error {
	g.log.Info("reset line requested", "assert", assert)
	return nil
}

func (g loggingGPIO) SetBootloaderMode(assert bool) error {
	g.log.Info("bootloader-select line requested", "assert", assert)
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if portFlag != "" {
		cfg.Port = portFlag
	}
	if baudFlag != 0 {
		cfg.UARTBaud = baudFlag
	}
	if cfg.Port == "" {
		return fmt.Errorf("no serial port configured; pass --port or set it in %s", path)
	}

	cbs := driver.Callbacks{
		OnDatagram: func(payload []byte, secure bool) {
			logger.Info("datagram received", "bytes", len(payload), "secure", secure)
		},
		OnStateChange: func(flags dispatch.StateFlag) {
			logger.Info("NCP state changed", "flags", flags)
		},
		OnRoleChange: func(role dispatch.Role) {
			logger.Info("NCP role changed", "role", role)
		},
		OnLegacyULA: func(prefix []byte) {
			logger.Info("legacy ULA prefix updated", "prefix", fmt.Sprintf("%x", prefix))
		},
		OnScanResult: func(payload []byte) {
			logger.Info("scan result received", "bytes", len(payload))
		},
		OnScanDone: func() {
			logger.Info("scan complete")
		},
		OnChildTable: func(payload []byte) {
			logger.Info("child table changed", "bytes", len(payload))
		},
		OnAddressTable: func(payload []byte) {
			logger.Info("IPv6 address table changed", "bytes", len(payload))
		},
		OnMulticastAddressTable: func(payload []byte) {
			logger.Info("IPv6 multicast address table changed", "bytes", len(payload))
		},
		OnLegacyWake: func(payload []byte) {
			logger.Info("legacy device wake observed", "bytes", len(payload))
		},
		OnResetRecovery: func() {
			logger.Warn("NCP reset recovery initiated")
		},
	}

	d := driver.New(cfg, loggingGPIO{log: logger}, cbs, logger)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := d.Initialize(ctx, mandatoryReset); err != nil {
		return fmt.Errorf("initializing driver: %w", err)
	}
	logger.Info("thcid ready", "port", cfg.Port, "state", d.State())

	<-ctx.Done()
	logger.Info("shutting down")

	finalizeCtx, finalizeCancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer finalizeCancel()
	if err := d.Finalize(finalizeCtx); err != nil {
		return fmt.Errorf("finalizing driver: %w", err)
	}
	return nil
}
