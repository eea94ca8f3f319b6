package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/R1ick/BLEHelper/inspector"
	"github.com/R1ick/BLEHelper/internal/device"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services, characteristics, and descriptors of a BLE device",
	Long: `Connects to a BLE device by address and discovers its services,
characteristics, and descriptors. Attempts to read characteristic values when possible.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectConnectTimeout        time.Duration
	inspectDescriptorReadTimeout time.Duration
	inspectVerbose               bool
	inspectJSON                  bool
	inspectReadLimit             int
)

func init() {
	registerInspectFlags(inspectCmd)
}

func registerInspectFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&inspectConnectTimeout, "connect-timeout", 30*time.Second, "Connection timeout")
	cmd.Flags().DurationVar(&inspectDescriptorReadTimeout, "descriptor-timeout", 2*time.Second, "Timeout for reading descriptor values (0 to skip descriptor reads)")
	cmd.Flags().BoolVarP(&inspectVerbose, "verbose", "v", false, "Verbose output")
	cmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes to read from readable characteristics (0 to disable reads)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	address := args[0]

	logger, _, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	opts := &inspector.InspectOptions{
		ConnectTimeout:        inspectConnectTimeout,
		DescriptorReadTimeout: inspectDescriptorReadTimeout,
	}

	// Use background context; per-command timeout is applied inside the inspector
	ctx := context.Background()

	progress := NewProgressPrinter(fmt.Sprintf("Inspecting device %s", address), "Connecting", "Processing results")
	progress.Start()
	defer progress.Stop()

	processDevice := func(dev device.Device) (any, error) {
		progress.Stop()
		if inspectJSON {
			return nil, printDeviceJSON(dev)
		}
		return nil, printDeviceProfile(dev)
	}

	_, err = inspector.InspectDevice(ctx, address, opts, logger, progress.Callback(), processDevice)
	return err
}

func printDeviceJSON(dev device.Device) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(dev)
}

// printDeviceProfile renders the discovered GATT profile as an indented
// tree with known SIG names alongside the UUIDs.
func printDeviceProfile(dev device.Device) error {
	conn := dev.GetConnection()
	if conn == nil {
		return fmt.Errorf("device not connected")
	}

	fmt.Printf("Device: %s", dev.Address())
	if name := dev.Name(); name != "" {
		fmt.Printf(" (%s)", name)
	}
	fmt.Println()

	for _, svc := range conn.Services() {
		fmt.Printf("Service %s%s\n", svc.UUID(), nameSuffix(svc.KnownName()))

		for _, char := range svc.GetCharacteristics() {
			fmt.Printf("  Characteristic %s%s [%s]\n",
				char.UUID(), nameSuffix(char.KnownName()), propertyNames(char.GetProperties()))

			if inspectReadLimit > 0 && isReadable(char) {
				printCharacteristicValue(char)
			}

			for _, desc := range char.GetDescriptors() {
				fmt.Printf("    Descriptor %s%s%s\n",
					desc.UUID(), nameSuffix(desc.KnownName()), descriptorValueSuffix(desc))
			}
		}
	}
	return nil
}

func nameSuffix(known string) string {
	if known == "" {
		return ""
	}
	return fmt.Sprintf(" (%s)", known)
}

// propertyNames joins the names of the set property flags in declaration
// order.
func propertyNames(props device.Properties) string {
	if props == nil {
		return ""
	}
	var names []string
	for _, p := range []device.Property{
		props.Broadcast(),
		props.Read(),
		props.WriteWithoutResponse(),
		props.Write(),
		props.Notify(),
		props.Indicate(),
		props.AuthenticatedSignedWrites(),
		props.ExtendedProperties(),
	} {
		if p != nil {
			names = append(names, p.KnownName())
		}
	}
	return strings.Join(names, ",")
}

func isReadable(char device.Characteristic) bool {
	props := char.GetProperties()
	return props != nil && props.Read() != nil
}

func printCharacteristicValue(char device.Characteristic) {
	data, err := char.Read(2 * time.Second)
	if err != nil {
		fmt.Printf("    Value: <read failed: %v>\n", err)
		return
	}
	if len(data) > inspectReadLimit {
		data = data[:inspectReadLimit]
	}
	if isPrintable(data) {
		fmt.Printf("    Value: %q\n", string(data))
	} else {
		fmt.Printf("    Value: 0x%s\n", hex.EncodeToString(data))
	}
}

func descriptorValueSuffix(desc device.Descriptor) string {
	value := desc.Value()
	if value == nil {
		return ""
	}
	if isPrintable(value) {
		return fmt.Sprintf(" = %q", string(value))
	}
	return fmt.Sprintf(" = 0x%s", hex.EncodeToString(value))
}

func isPrintable(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}
