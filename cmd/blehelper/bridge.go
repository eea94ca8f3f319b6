package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/R1ick/BLEHelper/bridge"
	"github.com/R1ick/BLEHelper/internal/device"
)

// bridgeCmd represents the bridge command
var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Create a PTY bridge to a BLE device",
	Long: fmt.Sprintf(`Creates a bidirectional PTY (pseudoterminal) bridge to a BLE device,
allowing applications that expect a serial port to communicate with BLE devices.

The bridge creates a virtual serial device (e.g., /dev/ttys001) that applications
can connect to. Data written to the PTY is sent to the BLE device via the Nordic
UART Service, and data received from the device is written to the PTY.

This is useful for:
- Connecting terminal emulators to BLE devices
- Using existing serial applications with BLE devices
- Testing and debugging BLE serial communication
- Integrating BLE devices with legacy serial software

Example:
  blehelper bridge %s
  blehelper bridge --service=custom-uuid %s

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeServiceUUID    string
	bridgeWriteEndpoint  string
	bridgeNotifyEndpoint string
	bridgeConnectTimeout time.Duration
	bridgeSymlink        string
	bridgeVerbose        bool
)

func init() {
	registerBridgeFlags(bridgeCmd)
}

func registerBridgeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&bridgeServiceUUID, "service", bridge.DefaultBridgeService, "BLE service UUID to bridge with")
	cmd.Flags().StringVar(&bridgeWriteEndpoint, "write-endpoint", "", "Write characteristic UUID override")
	cmd.Flags().StringVar(&bridgeNotifyEndpoint, "notify-endpoint", "", "Notify characteristic UUID override")
	cmd.Flags().DurationVar(&bridgeConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g., /tmp/ble-device)")
	cmd.Flags().BoolVar(&bridgeVerbose, "verbose", false, "Verbose output")
}

func runBridge(cmd *cobra.Command, args []string) error {
	logger, _, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	deviceAddress := args[0]

	// Validate and normalize service UUID
	serviceUUIDs, err := device.ValidateUUID(bridgeServiceUUID)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}
	serviceUUID := serviceUUIDs[0]

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle interrupts gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	progress := NewProgressPrinter(fmt.Sprintf("Starting bridge for %s", deviceAddress), "Connecting", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	bridgeCallback := func(b bridge.Bridge) (any, error) {
		progress.Stop()

		fmt.Printf("Bridge running: %s <-> %s\n", b.GetTTYName(), deviceAddress)
		if link := b.GetTTYSymlink(); link != "" {
			fmt.Printf("Symlink: %s\n", link)
		}
		fmt.Println("Press Ctrl+C to stop...")

		// Keep the bridge running until Ctrl+C or the pumps stop on
		// their own (session dropped for good, PTY failure).
		select {
		case <-ctx.Done():
			logger.Info("Bridge shutting down...")
			return nil, nil
		case <-b.Done():
			return nil, b.Err()
		}
	}

	_, err = bridge.RunSessionBridge(
		ctx,
		&bridge.BridgeOptions{
			Address:        deviceAddress,
			ConnectTimeout: bridgeConnectTimeout,
			ServiceUUID:    serviceUUID,
			WriteEndpoint:  bridgeWriteEndpoint,
			NotifyEndpoint: bridgeNotifyEndpoint,
			Logger:         logger,
			TTYSymlinkPath: bridgeSymlink,
		},
		progress.Callback(),
		bridgeCallback,
	)

	return err
}
