// Package helpers provides small utilities shared across the relayer.
package helpers

import (
	"encoding/hex"
	"strings"
)

// HexToBytes decodes a hex string, with or without 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// BytesToHex encodes bytes as a 0x-prefixed hex string.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
