// Package fingerprint renders identity and destination hashes into forms a
// human can compare out of band: a hex string, a short emoji sequence, and a
// terminal QR code. None of these functions perform I/O; rendering a QR code
// to a terminal or a chat message is left to the caller.
package fingerprint

import (
	"encoding/hex"
	"strings"
)

// wordlist is a fixed, 256-entry alphabet so each input byte maps to exactly
// one emoji. The set favors visually distinct glyphs over thematic grouping,
// so adjacent fingerprints aren't easy to eyeball-confuse.
var wordlist = [256]string{
	"😀", "😃", "😄", "😁", "😆", "😅", "😂", "🤣", "😊", "😇", "🙂", "🙃", "😉", "😌", "😍", "🥰",
	"😘", "😗", "😙", "😚", "😋", "😛", "😝", "😜", "🤪", "🤨", "🧐", "🤓", "😎", "🥸", "🤩", "🥳",
	"😏", "😒", "😞", "😔", "😟", "😕", "🙁", "☹️", "😣", "😖", "😫", "😩", "🥺", "😢", "😭", "😤",
	"😠", "😡", "🤬", "🤯", "😳", "🥵", "🥶", "😱", "😨", "😰", "😥", "😓", "🤗", "🤔", "🤭", "🤫",
	"🤥", "😶", "😐", "😑", "😬", "🙄", "😯", "😦", "😧", "😮", "😲", "🥱", "😴", "🤤", "😪", "😵",
	"🤐", "🥴", "🤢", "🤮", "🤧", "😷", "🤒", "🤕", "🤑", "🤠", "😈", "👿", "👹", "👺", "🤡", "💩",
	"👻", "💀", "☠️", "👽", "👾", "🤖", "🎃", "😺", "😸", "😹", "😻", "😼", "😽", "🙀", "😿", "😾",
	"🙈", "🙉", "🙊", "🐵", "🐒", "🦍", "🦧", "🐶", "🐕", "🦮", "🐩", "🐺", "🦊", "🦝", "🐱", "🐈",
	"🦁", "🐯", "🐅", "🐆", "🐴", "🐎", "🦄", "🦓", "🦌", "🐮", "🐂", "🐃", "🐄", "🐷", "🐖", "🐗",
	"🐽", "🐏", "🐑", "🐐", "🐪", "🐫", "🦙", "🦒", "🐘", "🦣", "🦏", "🦛", "🐭", "🐁", "🐀", "🐹",
	"🐰", "🐇", "🐿️", "🦫", "🦔", "🦇", "🐻", "🐨", "🐼", "🦥", "🦦", "🦨", "🦘", "🦡", "🐾", "🦃",
	"🐔", "🐓", "🐣", "🐤", "🐥", "🐦", "🐧", "🕊️", "🦅", "🦆", "🦢", "🦉", "🦩", "🦚", "🦜", "🐸",
	"🐊", "🐢", "🦎", "🐍", "🐲", "🐉", "🦕", "🦖", "🐳", "🐋", "🐬", "🦭", "🐟", "🐠", "🐡", "🦈",
	"🐙", "🐚", "🐌", "🦋", "🐛", "🐜", "🐝", "🪲", "🐞", "🦗", "🕷️", "🕸️", "🦂", "🦟", "🪰", "🪱",
	"🌵", "🎄", "🌲", "🌳", "🌴", "🪵", "🌱", "🌿", "☘️", "🍀", "🎍", "🪴", "🎋", "🍃", "🍂", "🍁",
	"🍄", "🐚", "🌾", "💐", "🌷", "🌹", "🥀", "🌺", "🌸", "🌼", "🌻", "🌞", "🌝", "🌛", "🌜", "🌚",
}

// Emoji renders raw bytes as a fixed-width emoji sequence, one glyph per
// byte, joined with a single ASCII space for readability.
func Emoji(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = wordlist[c]
	}
	return strings.Join(parts, " ")
}

// Hex renders raw bytes as a lowercase, colon-separated hex string.
func Hex(b []byte) string {
	enc := hex.EncodeToString(b)
	var sb strings.Builder
	for i := 0; i < len(enc); i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(enc[i : i+2])
	}
	return sb.String()
}
