package main

import (
	"encoding/json"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"

	"github.com/R1ick/BLEHelper/internal/testutils"
)

// ScanCommandTestSuite exercises the scan command against the mocked
// transport. Each test gets freshly registered flags so Changed() state
// cannot leak between executions.
type ScanCommandTestSuite struct {
	CommandTestSuite
}

func (suite *ScanCommandTestSuite) SetupTest() {
	adv1 := testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("Heart Monitor").
		WithRSSI(-45).
		WithServices("180D", "180F").
		WithConnectable(true).
		WithManufacturerData(nil).
		WithNoServiceData().
		WithTxPower(4).
		Build()
	adv2 := testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:66").
		WithName("Thermometer").
		WithRSSI(-67).
		WithServices("1809").
		WithConnectable(true).
		WithManufacturerData(nil).
		WithNoServiceData().
		WithTxPower(0).
		Build()

	suite.WithAdvertisements().
		WithAdvertisements(adv1, adv2).
		Build()

	suite.CommandTestSuite.SetupTest()

	// Re-register flags so defaults and Changed() state reset per test.
	scanCmd.ResetFlags()
	registerScanFlags(scanCmd)
}

func (suite *ScanCommandTestSuite) newRoot() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.AddCommand(scanCmd)
	return cmd
}

func (suite *ScanCommandTestSuite) TestScanCmd_Help() {
	// GOAL: Verify scan command displays help text with all flags
	//
	// TEST SCENARIO: Execute scan --help → returns success → output contains description and flag documentation

	output, err := suite.ExecuteCommand(suite.newRoot(), "scan", "--help")
	suite.Require().NoError(err, "help command MUST succeed")

	suite.Contains(output, "Scan for and display Bluetooth Low Energy devices", "help MUST contain command description")
	suite.Contains(output, "--duration", "help MUST document --duration flag")
	suite.Contains(output, "--format", "help MUST document --format flag")
	suite.Contains(output, "--watch", "help MUST document --watch flag")
}

func (suite *ScanCommandTestSuite) TestScanCmd_InvalidFormat() {
	// GOAL: Verify scan command rejects invalid format values
	//
	// TEST SCENARIO: Execute scan with invalid format → returns error → error message lists valid formats

	_, err := suite.ExecuteCommand(suite.newRoot(), "scan", "--format=invalid")

	suite.Require().Error(err, "invalid format MUST return error")
	suite.Contains(err.Error(), "invalid format 'invalid': must be one of [table json]", "error MUST list valid formats")
}

func (suite *ScanCommandTestSuite) TestScanCmd_InvalidServiceUUID() {
	// GOAL: Verify scan command rejects malformed service UUID filters
	//
	// TEST SCENARIO: Execute scan with a non-hex service filter → returns error naming the UUID

	_, err := suite.ExecuteCommand(suite.newRoot(), "scan", "--services=not-a-uuid", "--duration=100ms")

	suite.Require().Error(err, "malformed service UUID MUST return error")
	suite.Contains(err.Error(), "invalid service UUID")
}

func (suite *ScanCommandTestSuite) TestScanCmd_TableOutput() {
	// GOAL: Verify a bounded scan renders every discovered device as a table row
	//
	// TEST SCENARIO: Execute scan against two mocked advertisements → table output contains both names and addresses

	var err error
	output := suite.CaptureStdout(func() {
		_, err = suite.ExecuteCommand(suite.newRoot(), "scan", "--duration=250ms")
	})
	suite.Require().NoError(err, "scan MUST succeed against the mock transport")

	suite.Contains(output, "NAME", "table MUST have a header row")
	suite.Contains(output, "Heart Monitor")
	suite.Contains(output, "AA:BB:CC:DD:EE:FF")
	suite.Contains(output, "Thermometer")
	suite.Contains(output, "11:22:33:44:55:66")
	suite.Contains(output, "-45 dBm", "table MUST show the last RSSI")
}

func (suite *ScanCommandTestSuite) TestScanCmd_JSONOutput() {
	// GOAL: Verify JSON output is a parseable array carrying the advertisement data
	//
	// TEST SCENARIO: Execute scan --format=json → stdout decodes into two objects keyed by address

	var err error
	output := suite.CaptureStdout(func() {
		_, err = suite.ExecuteCommand(suite.newRoot(), "scan", "--duration=250ms", "--format=json")
	})
	suite.Require().NoError(err)

	// The progress printer shares stdout; the JSON document starts at the
	// first bracket.
	start := 0
	for start < len(output) && output[start] != '[' {
		start++
	}
	suite.Require().Less(start, len(output), "output MUST contain a JSON array")

	var devices []map[string]any
	suite.Require().NoError(json.Unmarshal([]byte(output[start:]), &devices), "JSON output MUST parse")
	suite.Require().Len(devices, 2)

	addresses := map[string]bool{}
	for _, d := range devices {
		addr, _ := d["address"].(string)
		addresses[addr] = true
	}
	suite.True(addresses["AA:BB:CC:DD:EE:FF"], "JSON MUST include the first device")
	suite.True(addresses["11:22:33:44:55:66"], "JSON MUST include the second device")
}

func (suite *ScanCommandTestSuite) TestScanCmd_BlockListFiltersDevice() {
	// GOAL: Verify the block list removes a device from the rendered results
	//
	// TEST SCENARIO: Execute scan blocking one address → output contains only the other device

	var err error
	output := suite.CaptureStdout(func() {
		_, err = suite.ExecuteCommand(suite.newRoot(), "scan", "--duration=250ms", "--block=AA:BB:CC:DD:EE:FF")
	})
	suite.Require().NoError(err)

	suite.NotContains(output, "AA:BB:CC:DD:EE:FF", "blocked device MUST NOT be listed")
	suite.Contains(output, "11:22:33:44:55:66")
}

func (suite *ScanCommandTestSuite) TestScanCmd_ServiceFilter() {
	// GOAL: Verify the service filter keeps only devices advertising the UUID
	//
	// TEST SCENARIO: Execute scan filtering on the Health Thermometer service → only the thermometer remains

	var err error
	output := suite.CaptureStdout(func() {
		_, err = suite.ExecuteCommand(suite.newRoot(), "scan", "--duration=250ms", "--services=1809")
	})
	suite.Require().NoError(err)

	suite.Contains(output, "Thermometer")
	suite.NotContains(output, "Heart Monitor", "devices without the service MUST be filtered out")
}

func (suite *ScanCommandTestSuite) TestScanCmd_WatchModeKeepsRunning() {
	// GOAL: Verify watch mode defaults to an indefinite scan and exits
	// cleanly on SIGINT
	//
	// TEST SCENARIO: Execute scan --watch → still running after a grace
	// period → send SIGINT → command returns within 5s

	done := make(chan error, 1)
	go func() {
		_, err := suite.ExecuteCommand(suite.newRoot(), "scan", "--watch")
		done <- err
	}()

	select {
	case <-done:
		suite.Fail("watch mode MUST NOT exit without interrupt")
	case <-time.After(1 * time.Second):
		suite.True(scanWatch, "watch flag MUST be set")
	}

	process, _ := os.FindProcess(os.Getpid())
	suite.Require().NoError(process.Signal(syscall.SIGINT))

	select {
	case <-done:
		// Watch mode stopped after the interrupt.
	case <-time.After(5 * time.Second):
		suite.Fail("watch mode MUST complete within 5s after SIGINT")
	}
}

// TestScanCommandTestSuite runs the test suite using testify/suite
func TestScanCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ScanCommandTestSuite))
}
