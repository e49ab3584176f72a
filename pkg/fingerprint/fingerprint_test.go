package fingerprint_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torlando-tech/reticulum-go/pkg/fingerprint"
)

func TestEmojiOneGlyphPerByte(t *testing.T) {
	out := fingerprint.Emoji([]byte{0, 1, 255})
	require.Equal(t, 3, len(strings.Split(out, " ")))
}

func TestEmojiDeterministic(t *testing.T) {
	input := []byte{1, 2, 3, 4}
	require.Equal(t, fingerprint.Emoji(input), fingerprint.Emoji(input))
}

func TestHexColonSeparated(t *testing.T) {
	out := fingerprint.Hex([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.Equal(t, "de:ad:be:ef", out)
}

func TestQRNonEmpty(t *testing.T) {
	out := fingerprint.QR([]byte{1, 2, 3, 4})
	require.NotEmpty(t, out)
}
