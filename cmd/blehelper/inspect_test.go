package main

import (
	"encoding/json"
	"errors"
	"testing"

	blelib "github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"

	goble "github.com/R1ick/BLEHelper/internal/device/go-ble"
)

type InspectCommandTestSuite struct {
	CommandTestSuite
}

func (suite *InspectCommandTestSuite) SetupTest() {
	suite.WithPeripheral().
		WithService("180f").
		WithCharacteristic("2a19", "read,notify", []byte{50})

	suite.CommandTestSuite.SetupTest()

	inspectCmd.ResetFlags()
	registerInspectFlags(inspectCmd)
}

func (suite *InspectCommandTestSuite) newRoot() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.AddCommand(inspectCmd)
	return cmd
}

func (suite *InspectCommandTestSuite) TestInspectCmd_Help() {
	// GOAL: Verify inspect command displays help text with all flags
	//
	// TEST SCENARIO: Execute inspect --help → returns success → output documents the flags

	output, err := suite.ExecuteCommand(suite.newRoot(), "inspect", "--help")
	suite.Require().NoError(err, "help command MUST succeed")

	suite.Contains(output, "discovers its services", "help MUST describe the command")
	suite.Contains(output, "--json", "help MUST document --json flag")
	suite.Contains(output, "--read-limit", "help MUST document --read-limit flag")
}

func (suite *InspectCommandTestSuite) TestInspectCmd_RequiresAddress() {
	// GOAL: Verify argument validation rejects a missing address
	//
	// TEST SCENARIO: Execute inspect without arguments → returns error

	_, err := suite.ExecuteCommand(suite.newRoot(), "inspect")
	suite.Require().Error(err, "inspect without an address MUST fail")
}

func (suite *InspectCommandTestSuite) TestInspectCmd_ProfileTree() {
	// GOAL: Verify the discovered GATT profile renders as an indented tree
	// with SIG names, properties and readable values
	//
	// TEST SCENARIO: Inspect the mocked battery peripheral → tree names the device, the service, the characteristic and its value

	var err error
	output := suite.CaptureStdout(func() {
		_, err = suite.ExecuteCommand(suite.newRoot(), "inspect", testDeviceAddress)
	})
	suite.Require().NoError(err, "inspect MUST succeed against the mock peripheral")

	suite.Contains(output, "Device: "+testDeviceAddress)
	suite.Contains(output, "Service 180f (Battery Service)")
	suite.Contains(output, "Characteristic 2a19 (Battery Level)", "characteristics MUST carry their SIG names")
	suite.Contains(output, "Read", "properties MUST be listed by name")
	suite.Contains(output, "Notify")
	suite.Contains(output, `Value: "2"`, "printable values MUST render as quoted text")
}

func (suite *InspectCommandTestSuite) TestInspectCmd_ReadLimitZeroSkipsValues() {
	// GOAL: Verify --read-limit=0 disables characteristic value reads
	//
	// TEST SCENARIO: Inspect with reads disabled → the tree still renders but carries no Value lines

	var err error
	output := suite.CaptureStdout(func() {
		_, err = suite.ExecuteCommand(suite.newRoot(), "inspect", testDeviceAddress, "--read-limit=0")
	})
	suite.Require().NoError(err)

	suite.Contains(output, "Characteristic 2a19")
	suite.NotContains(output, "Value:", "no reads MUST happen with --read-limit=0")
}

func (suite *InspectCommandTestSuite) TestInspectCmd_JSONOutput() {
	// GOAL: Verify --json emits a parseable document carrying the device
	// address
	//
	// TEST SCENARIO: Inspect with --json → stdout decodes → address matches

	var err error
	output := suite.CaptureStdout(func() {
		_, err = suite.ExecuteCommand(suite.newRoot(), "inspect", testDeviceAddress, "--json")
	})
	suite.Require().NoError(err)

	start := 0
	for start < len(output) && output[start] != '{' {
		start++
	}
	suite.Require().Less(start, len(output), "output MUST contain a JSON document")

	var doc map[string]any
	suite.Require().NoError(json.Unmarshal([]byte(output[start:]), &doc), "JSON output MUST parse")
	suite.Equal(testDeviceAddress, doc["address"], "the document MUST carry the device address")
}

func (suite *InspectCommandTestSuite) TestInspectCmd_ConnectFailure() {
	// GOAL: Verify a transport failure surfaces as a connect error
	//
	// TEST SCENARIO: Make the device factory fail → inspect returns an error

	orig := goble.DeviceFactory
	goble.DeviceFactory = func() (blelib.Device, error) {
		return nil, errors.New("bluetooth adapter unavailable")
	}
	defer func() { goble.DeviceFactory = orig }()

	_, err := suite.ExecuteCommand(suite.newRoot(), "inspect", testDeviceAddress)

	suite.Require().Error(err)
	suite.Contains(err.Error(), "bluetooth adapter unavailable")
}

// TestInspectCommandTestSuite runs the test suite using testify/suite
func TestInspectCommandTestSuite(t *testing.T) {
	suite.Run(t, new(InspectCommandTestSuite))
}
