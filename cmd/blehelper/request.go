package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/R1ick/BLEHelper/session"
)

// requestCmd represents the request command
var requestCmd = &cobra.Command{
	Use:   "request <device-address> <payload>",
	Short: "Send a command and wait for the matching response",
	Long: fmt.Sprintf(`Connects to a BLE device, writes a payload to the first writable
characteristic and waits for a notification on the first notifiable
characteristic that equals or contains the expected value. The first of
{matching notification, timeout} resolves the exchange.

Examples:
  # Classic ping/pong exchange
  blehelper request %s "PING" --expect "PONG" --timeout 2s

  # Hex payload, hex expectation
  blehelper request %s 01ff --format hex --expect a0 --expect-format hex

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRequest,
}

var (
	requestExpect       string
	requestExpectFormat string
	requestFormat       string
	requestOutput       string
	requestTimeout      time.Duration
	requestVerbose      bool
)

func init() {
	registerRequestFlags(requestCmd)
}

func registerRequestFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&requestExpect, "expect", "", "Expected response value (exact match or contained in the notification)")
	cmd.Flags().StringVar(&requestExpectFormat, "expect-format", "text", "Expected value format (text, hex)")
	cmd.Flags().StringVar(&requestFormat, "format", "text", "Payload format (text, hex)")
	cmd.Flags().StringVar(&requestOutput, "output", "text", "Response output format (text, hex)")
	cmd.Flags().DurationVar(&requestTimeout, "timeout", 5*time.Second, "Response timeout")
	cmd.Flags().BoolVar(&requestVerbose, "verbose", false, "Verbose output")
	_ = cmd.MarkFlagRequired("expect")
}

func runRequest(cmd *cobra.Command, args []string) error {
	address := args[0]
	command := args[1]

	// The session dispatches the command as text; hex payloads are decoded
	// and re-wrapped so both forms go through the same path. Hex that does
	// not decode to valid text is declined by the dispatcher.
	payload, err := parsePayload(command, requestFormat)
	if err != nil {
		return err
	}

	expected, err := parsePayload(requestExpect, requestExpectFormat)
	if err != nil {
		return fmt.Errorf("invalid --expect value: %w", err)
	}

	if requestOutput != "text" && requestOutput != "hex" {
		return fmt.Errorf("invalid output %q: use text or hex", requestOutput)
	}

	logger, cfg, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	progress := NewProgressPrinter(fmt.Sprintf("Requesting from %s", address), "Connecting", "Done")
	progress.Start()
	defer progress.Stop()

	obs := newCmdObserver(nil)
	var response []byte
	err = withSession(ctx, address, cfg.ConnectTimeout, cfg.RetryCount, logger, obs,
		func(mgr *session.Manager) error {
			progress.Callback()("Waiting for response")
			value, err := mgr.SendAndWait(ctx, string(payload), expected, requestTimeout)
			if err != nil {
				return err
			}
			response = value
			return nil
		})

	progress.Callback()("Done")
	if err != nil {
		return err
	}

	fmt.Println(formatValue(response, requestOutput))
	return nil
}
