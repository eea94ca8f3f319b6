package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/R1ick/BLEHelper/internal/collector"
	"github.com/R1ick/BLEHelper/internal/device"
	"github.com/R1ick/BLEHelper/internal/ringchan"
	"github.com/R1ick/BLEHelper/session"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor <device-address>",
	Short: "Stream characteristic notifications from a device",
	Long: fmt.Sprintf(`Connects to a BLE device, enables notifications and streams incoming
values to stdout, one line per notification with a timestamp, the endpoint
UUID and the value in hex.

Examples:
  # Monitor the first notifiable characteristic until Ctrl+C
  blehelper monitor %s

  # Monitor explicit characteristics for one minute
  blehelper monitor %s --endpoint 2a37,2a19 --duration 1m

  # Print only the last 20 notifications observed
  blehelper monitor %s --tail 20 --duration 30s

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runMonitor,
}

var (
	monitorEndpoints string
	monitorDuration  time.Duration
	monitorTail      int
	monitorVerbose   bool
)

const monitorQueueDepth = 256

func init() {
	registerMonitorFlags(monitorCmd)
}

func registerMonitorFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&monitorEndpoints, "endpoint", "", "Characteristic UUID(s) to monitor, comma-separated (default: first notifiable)")
	cmd.Flags().DurationVar(&monitorDuration, "duration", 0, "Monitoring duration (0 until Ctrl+C)")
	cmd.Flags().IntVar(&monitorTail, "tail", 0, "Buffer notifications and print only the last N on exit")
	cmd.Flags().BoolVar(&monitorVerbose, "verbose", false, "Verbose output")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	address := args[0]

	endpoints := parseCSVUUIDs(monitorEndpoints)
	if len(endpoints) > 0 {
		var err error
		endpoints, err = device.ValidateUUID(endpoints...)
		if err != nil {
			return fmt.Errorf("invalid endpoint UUID: %w", err)
		}
	}
	if monitorTail < 0 {
		return fmt.Errorf("--tail must be >= 0")
	}

	logger, cfg, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if monitorDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, monitorDuration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	// Notifications flow observer -> drop-oldest ring -> drainer/collector,
	// so a slow terminal cannot back-pressure the transport callback.
	records := ringchan.NewRingChannel[collector.Record](monitorQueueDepth)
	obs := newCmdObserver(func(endpoint string, value []byte) {
		records.ForceSend(collector.Record{
			Endpoint:   endpoint,
			Value:      value,
			ReceivedAt: time.Now(),
		})
	})

	return withSession(ctx, address, cfg.ConnectTimeout, cfg.RetryCount, logger, obs,
		func(mgr *session.Manager) error {
			if len(endpoints) == 0 {
				if err := mgr.SetNotifying(true, ""); err != nil {
					return err
				}
			} else {
				for _, ep := range endpoints {
					if err := mgr.SetNotifying(true, ep); err != nil {
						return fmt.Errorf("failed to enable notifications on %s: %w", ep, err)
					}
				}
			}

			fmt.Fprintln(os.Stderr, "Monitoring notifications. Press Ctrl+C to stop...")

			if monitorTail > 0 {
				return monitorTailMode(ctx, records, obs)
			}
			return monitorLiveMode(ctx, records, obs, logger)
		})
}

// monitorLiveMode streams records to stdout as they arrive until the context
// ends or the session drops for good.
func monitorLiveMode(ctx context.Context, records *ringchan.RingChannel[collector.Record], obs *cmdObserver, logger *logrus.Logger) error {
	drainer := collector.NewDrainer(ctx, records.C(), logger, os.Stdout, collector.HexLineFormat)
	defer func() {
		drainer.Cancel()
		drainer.Wait()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-obs.down:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return ErrConnectionLost
	}
}

// monitorTailMode buffers records in an overwriting ring and prints the most
// recent window once monitoring ends.
func monitorTailMode(ctx context.Context, records *ringchan.RingChannel[collector.Record], obs *cmdObserver) error {
	coll, err := collector.New(records.C(), monitorTail, nil)
	if err != nil {
		return err
	}
	if err := coll.Start(); err != nil {
		return err
	}

	var downErr error
	select {
	case <-ctx.Done():
	case err := <-obs.down:
		if err != nil {
			downErr = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		} else {
			downErr = ErrConnectionLost
		}
	}

	if err := coll.Stop(); err != nil {
		return err
	}
	text, err := coll.ConsumeText(collector.HexLineFormat)
	if err != nil {
		return err
	}
	fmt.Print(text)
	return downErr
}
