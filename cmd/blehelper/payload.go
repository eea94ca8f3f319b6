package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/R1ick/BLEHelper/session"
)

// parsePayload converts a command-line payload to bytes. format is "text"
// (bytes as typed) or "hex" (separators and 0x prefixes tolerated). A bad
// hex string maps to ErrEncodingFailure so main() prints the payload hint.
func parsePayload(input, format string) ([]byte, error) {
	switch format {
	case "", "text":
		return []byte(input), nil
	case "hex":
		cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "").Replace(input)
		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid hex payload: %v", session.ErrEncodingFailure, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("invalid format %q: use text or hex", format)
	}
}

// formatValue renders a received value for display in the requested format.
func formatValue(data []byte, format string) string {
	if format == "hex" {
		return hex.EncodeToString(data)
	}
	return string(data)
}

// parseCSVUUIDs parses a comma-separated string of UUIDs into a slice,
// trimming whitespace and dropping empty elements.
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}
