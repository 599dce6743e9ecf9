// Package policy keeps customer details out of logs.
package policy

import (
	"regexp"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// audioEvents carry base64 audio that is useless in a log line.
var audioEvents = map[string]bool{
	"input_audio_buffer.append": true,
	"response.audio.delta":      true,
}

// Redact masks emails, card numbers and phone numbers. Cards are masked
// before phones so a card number is never reported as a phone.
func Redact(input string) (redacted string, changed bool) {
	out := input
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// EventPayload renders a channel event for a debug log: audio events are
// elided, the rest is redacted and cut to at most limit bytes.
func EventPayload(eventType string, raw []byte, limit int) string {
	if audioEvents[eventType] {
		return "(audio elided)"
	}
	out, _ := Redact(string(raw))
	if limit > 0 && len(out) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + "..."
	}
	return out
}
