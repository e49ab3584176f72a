package fingerprint

import (
	"bytes"
	"encoding/hex"

	"github.com/mdp/qrterminal/v3"
)

// QR renders raw bytes (typically an identity or destination hash) as a
// half-block QR code suitable for printing to a terminal or embedding in a
// monospace UI. It performs no I/O itself — the caller decides where the
// result is written.
func QR(b []byte) string {
	var buf bytes.Buffer
	qrterminal.GenerateHalfBlock(hex.EncodeToString(b), qrterminal.L, &buf)
	return buf.String()
}
