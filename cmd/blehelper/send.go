package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/R1ick/BLEHelper/internal/device"
	"github.com/R1ick/BLEHelper/session"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <device-address> <payload>",
	Short: "Send a fire-and-forget command to a device",
	Long: fmt.Sprintf(`Connects to a BLE device and writes a payload to a writable
characteristic without waiting for a response. Use 'request' when the device
answers through a notification.

Examples:
  # Send text to the first writable characteristic
  blehelper send %s "LED ON"

  # Send raw hex bytes to an explicit characteristic
  blehelper send %s 01ff02 --format hex --endpoint 6e400002-b5a3-f393-e0a9-e50e24dcca9e

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runSend,
}

var (
	sendEndpoint string
	sendFormat   string
	sendTimeout  time.Duration
	sendVerbose  bool
)

func init() {
	registerSendFlags(sendCmd)
}

func registerSendFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&sendEndpoint, "endpoint", "", "Target characteristic UUID (default: first writable)")
	cmd.Flags().StringVar(&sendFormat, "format", "text", "Payload format (text, hex)")
	cmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "Connection timeout (default from config)")
	cmd.Flags().BoolVar(&sendVerbose, "verbose", false, "Verbose output")
}

func runSend(cmd *cobra.Command, args []string) error {
	address := args[0]

	payload, err := parsePayload(args[1], sendFormat)
	if err != nil {
		return err
	}

	if sendEndpoint != "" {
		if _, err := device.ValidateUUID(sendEndpoint); err != nil {
			return fmt.Errorf("invalid endpoint UUID: %w", err)
		}
	}

	logger, cfg, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	connectTimeout := cfg.ConnectTimeout
	if sendTimeout > 0 {
		connectTimeout = sendTimeout
	}

	progress := NewProgressPrinter(fmt.Sprintf("Sending %d bytes to %s", len(payload), address), "Connecting", "Done")
	progress.Start()
	defer progress.Stop()

	obs := newCmdObserver(nil)
	acks := make(chan error, 1)
	obs.onAck = func(endpoint string, err error) {
		select {
		case acks <- err:
		default:
		}
	}

	err = withSession(context.Background(), address, connectTimeout, cfg.RetryCount, logger, obs,
		func(mgr *session.Manager) error {
			mgr.SendBytes(payload, sendEndpoint)

			// Send never surfaces failures through its return path; the
			// write acknowledgement event carries the outcome instead.
			select {
			case err := <-acks:
				return err
			case <-time.After(connectTimeout):
				return fmt.Errorf("%w: no write acknowledgement", session.ErrRequestTimeout)
			}
		})

	progress.Callback()("Done")
	if err != nil {
		return err
	}

	fmt.Printf("Sent %d bytes\n", len(payload))
	return nil
}
