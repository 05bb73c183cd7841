// Package transcript defines the attributed utterances that make up one call.
package transcript

import "strings"

// Speaker labels for a transcript line.
const (
	SpeakerUser    = "user"
	SpeakerAgent   = "agent"
	SpeakerUnknown = "unknown"
)

// Line is one attributed utterance within a call. Lines are immutable once
// produced by the voice provider; a slice of Lines in insertion order is the
// full visible conversation for one call.
type Line struct {
	Speaker string `json:"speaker" firestore:"speaker"`
	Text    string `json:"text" firestore:"text"`
}

// Normalize filters a raw provider payload down to well-formed lines.
// Missing speakers become "unknown", missing text becomes "", and lines
// whose trimmed text is empty are dropped. Order is preserved.
func Normalize(raw []Line) []Line {
	out := make([]Line, 0, len(raw))
	for _, l := range raw {
		if l.Speaker == "" {
			l.Speaker = SpeakerUnknown
		}
		if strings.TrimSpace(l.Text) == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// RenderContext flattens lines into the "speaker: text" form handed to the
// agent as prior-call context, one line per utterance.
func RenderContext(lines []Line) string {
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.Speaker)
		b.WriteString(": ")
		b.WriteString(l.Text)
	}
	return b.String()
}
