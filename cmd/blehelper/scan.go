package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/R1ick/BLEHelper/internal/device"
	"github.com/R1ick/BLEHelper/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

This command will scan for BLE devices and display information about
discovered devices, including their names, addresses, RSSI values, and
advertised services.`,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanFormat     string
	scanServices   []string
	scanAllowList  []string
	scanBlockList  []string
	scanDuplicates bool
	scanWatch      bool
	scanVerbose    bool
)

type scanConfig struct {
	scanTimeout  time.Duration
	outputFormat string
}

func init() {
	registerScanFlags(scanCmd)
}

func registerScanFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	cmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	cmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	cmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	cmd.Flags().BoolVar(&scanDuplicates, "duplicates", true, "Process duplicate advertisements (RSSI updates)")
	cmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Continuously scan and update results")
	cmd.Flags().BoolVar(&scanVerbose, "verbose", false, "Verbose output")
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, cfg, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	scanCfg := &scanConfig{
		scanTimeout:  cfg.ScanTimeout,
		outputFormat: scanFormat,
	}
	if cmd.Flags().Changed("duration") {
		scanCfg.scanTimeout = scanDuration
	} else if scanWatch {
		// Watch mode defaults to indefinite when no duration was given
		scanCfg.scanTimeout = 0
	}

	s, err := scanner.NewScanner(logger)
	if err != nil {
		return fmt.Errorf("failed to create BLE scanner: %w", err)
	}

	// Validate and normalize service UUIDs if provided
	var serviceUUIDs []string
	if len(scanServices) > 0 {
		serviceUUIDs, err = device.ValidateUUID(scanServices...)
		if err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	scanOpts := &scanner.ScanOptions{
		Duration:        scanCfg.scanTimeout,
		AllowDuplicates: scanDuplicates,
		ServiceUUIDs:    serviceUUIDs,
		AllowList:       scanAllowList,
		BlockList:       scanBlockList,
	}

	if scanWatch {
		return runWatchMode(s, scanOpts, scanCfg, logger)
	}
	return runSingleScan(s, scanOpts, scanCfg, logger)
}

func runSingleScan(s *scanner.Scanner, opts *scanner.ScanOptions, cfg *scanConfig, logger *logrus.Logger) error {
	baseCtx := context.Background()
	if cfg.scanTimeout > 0 {
		var cancel context.CancelFunc
		baseCtx, cancel = context.WithTimeout(baseCtx, cfg.scanTimeout)
		defer cancel()
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", cfg.scanTimeout, "Processing results")
	progress.Start()
	defer progress.Stop()

	devices, err := s.Scan(ctx, opts, progress.Callback())
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("scan failed")
		return err
	}
	return displayDevices(devices, cfg)
}

func runWatchMode(s *scanner.Scanner, opts *scanner.ScanOptions, cfg *scanConfig, logger *logrus.Logger) error {
	// Scan until interrupted by the user.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Println("\nCtrl+C pressed, cancelling scan...")
		cancel()
	}()

	// Collect events into a local registry; the blocking Scan runs aside.
	devices := make(map[string]device.DeviceInfo)

	scanErrCh := make(chan error, 1)
	go func() {
		snapshot, err := s.Scan(ctx, opts, nil)
		for addr, info := range snapshot {
			devices[addr] = info
		}
		scanErrCh <- err
		close(scanErrCh)
	}()

	printTable := func(err error) error {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		clearScreen()
		return displayDevices(devices, cfg)
	}

	// The ticker both refreshes the table and keeps ctx.Done() from being
	// starved by a busy event channel.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	tickCount := 0

	for {
		select {
		case <-ctx.Done():
			return printTable(ctx.Err())

		case err := <-scanErrCh:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return printTable(err)
			}
			// Scan finished cleanly - keep watching events until Ctrl+C.

		case <-ticker.C:
			select {
			case <-ctx.Done():
				return printTable(nil)
			default:
			}

			tickCount++
			if tickCount == 10 {
				_ = printTable(nil)
				tickCount = 0
			}

		case ev := <-s.Events():
			if ev.DeviceInfo != nil {
				devices[ev.DeviceInfo.Address()] = ev.DeviceInfo
			}
		}
	}
}

func displayDevices(devices map[string]device.DeviceInfo, cfg *scanConfig) error {
	if len(devices) == 0 {
		fmt.Println("No devices discovered")
		return nil
	}

	devList := make([]device.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		devList = append(devList, d)
	}
	sort.Slice(devList, func(i, j int) bool {
		return devList[i].Name() > devList[j].Name()
	})

	if cfg.outputFormat == "json" {
		return displayDevicesJSON(devList)
	}
	return displayDevicesTable(devList)
}

func displayDevicesTable(devices []device.DeviceInfo) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, dev := range devices {
		name := dev.Name()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		services := strings.Join(dev.AdvertisedServices(), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}

		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, dev.Address(), dev.RSSI(), services)
	}

	return w.Flush()
}

func displayDevicesJSON(devices []device.DeviceInfo) error {
	var w io.Writer = os.Stdout
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(devices)
}

func clearScreen() {
	fmt.Print("\033[2J\033[H")
}
