package syncengine

import "strings"

// decodeAttributedBody extracts a pragmatic best-effort text rendering of an
// NSAttributedString typedstream payload, used only when a message's plain
// text column is empty. This is not a general typedstream parser: it
// truncates the payload at the first "NSNumber" marker, then within that
// prefix finds the text run between the first "NSString" marker and the
// following "NSDictionary" marker, trimming the archiver's fixed framing
// bytes around it.
func decodeAttributedBody(body []byte) string {
	s := string(body)

	numIdx := strings.Index(s, "NSNumber")
	if numIdx == -1 {
		return ""
	}
	s = s[:numIdx]

	parts := strings.SplitN(s, "NSString", 2)
	if len(parts) != 2 {
		return ""
	}
	s = parts[1]

	parts = strings.SplitN(s, "NSDictionary", 2)
	if len(parts) != 2 {
		return ""
	}
	s = parts[0]

	runes := []rune(s)
	if len(runes) < 18 {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(runes[6 : len(runes)-12]))
}
