package chatsync

import (
	"regexp"
	"strings"
	"time"
)

var tagRE = regexp.MustCompile(`<[^>]*>`)

// StripMarkup removes embedded markup tags from message text before
// display. Any remaining angle brackets are escaped so a renderer never
// interprets the output as structure, even when the server or assistant
// echoes the user's own input back.
func StripMarkup(text string) string {
	out := tagRE.ReplaceAllString(text, "")
	out = strings.ReplaceAll(out, "<", "&lt;")
	out = strings.ReplaceAll(out, ">", "&gt;")
	return out
}

// ShortTime renders an RFC 3339 timestamp as a short local HH:MM string.
// Unparsable input is returned unchanged rather than failing; a stale or
// odd timestamp is not worth breaking the message row over.
func ShortTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("15:04")
}
