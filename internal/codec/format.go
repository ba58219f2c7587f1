package codec

// Format describes how an encoded payload was produced. It is a bitmask:
// a payload may be JSON-marshalled, then compressed, then encrypted, and
// the decoder reverses the stages in that order.
type Format byte

// Format flags.
const (
	FormatRaw  Format = 0      // opaque bytes, no transformation
	FormatJSON Format = 1 << 0 // payload is JSON-marshalled
	FormatGzip Format = 1 << 1 // payload is gzip-compressed
	FormatAES  Format = 1 << 2 // payload is AES-256-GCM encrypted
)

// formatBase anchors tag bytes in 0xE0-0xE7. The first byte of JSON text is
// '{' (0x7B) or '[' (0x5B), so tagged and untagged payloads never collide.
const formatBase byte = 0xE0

const formatMask = FormatJSON | FormatGzip | FormatAES

// TagPayload prepends the format tag byte to payload.
func TagPayload(f Format, payload []byte) []byte {
	out := make([]byte, len(payload)+1)
	out[0] = formatBase | byte(f&formatMask)
	copy(out[1:], payload)
	return out
}

// SplitTag inspects data for a leading format tag. When tagged it returns
// the format and the payload without the tag byte. Untagged data is
// reported with ok=false; callers fall back to legacy detection
// (leading '{' or '[' means plain JSON).
func SplitTag(data []byte) (f Format, payload []byte, ok bool) {
	if len(data) == 0 {
		return FormatRaw, data, false
	}
	if data[0]&^byte(formatMask) != formatBase {
		return FormatRaw, data, false
	}
	return Format(data[0]) & formatMask, data[1:], true
}

// LooksLikeJSON reports whether untagged data is plausibly a JSON document.
// Kept only for compatibility with peers that predate format tagging.
func LooksLikeJSON(data []byte) bool {
	return len(data) > 0 && (data[0] == '{' || data[0] == '[')
}
