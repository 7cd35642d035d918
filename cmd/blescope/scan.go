package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/devicefactory"
	"github.com/srg/blescope/internal/export"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/session"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices and print them",
	Long: `Scan for Bluetooth Low Energy devices for a fixed duration and print
what was discovered, without opening the interactive shell.

Examples:
  # Scan for 5 seconds and print a table
  blescope scan -d 5s

  # Only devices advertising the Heart Rate service, as CSV
  blescope scan --services 180d --format csv`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json, csv)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" {
		if _, err := export.ParseFormat(scanFormat); err != nil {
			return fmt.Errorf("invalid format '%s': must be one of [table json csv]", scanFormat)
		}
	}
	if scanDuration <= 0 {
		return fmt.Errorf("invalid duration %s: must be positive", scanDuration)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(scanServices) > 0 {
		if _, err := device.ValidateUUID(scanServices...); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
		cfg.Scan.Services = scanServices
	}
	if len(scanAllowList) > 0 {
		cfg.Scan.Allow = scanAllowList
	}
	if len(scanBlockList) > 0 {
		cfg.Scan.Block = scanBlockList
	}
	cfg.Mode = session.ModeClient.String()

	logger, closeLog, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	opts, err := cfg.SessionOptions()
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, err := devicefactory.NewTransport(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE transport: %w", err)
	}
	defer func() { _ = devicefactory.Close(transport) }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices, err := collectDevices(ctx, session.New(transport, opts, logger), scanDuration)
	if err != nil {
		return err
	}
	return printDevices(cmd, devices)
}

// collectDevices runs sess for d, or until ctx is done, and returns what it discovered.
func collectDevices(ctx context.Context, sess *session.Session, d time.Duration) ([]device.Device, error) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan struct{})
	groutine.Go(loopCtx, "scan-loop", func(ctx context.Context) {
		defer close(loopDone)
		_ = sess.Run(ctx)
	})
	defer func() {
		cancel()
		<-loopDone
	}()

	if err := sess.StartScan(loopCtx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	if ctx.Err() == nil {
		if err := sess.StopScan(ctx); err != nil {
			return nil, err
		}
	}
	return sess.Devices(), nil
}

func printDevices(cmd *cobra.Command, devices []device.Device) error {
	out := cmd.OutOrStdout()
	if scanFormat == "table" {
		if len(devices) == 0 {
			fmt.Fprintln(out, "No devices discovered")
			return nil
		}
		return writeDeviceTable(out, devices, time.Now())
	}
	format, _ := export.ParseFormat(scanFormat)
	return export.Devices(out, devices, format)
}
