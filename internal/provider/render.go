package provider

import (
	"fmt"
	"strings"
)

// renderTranscript groups consecutive words by speaker and emits one quoted
// markdown block per speaker turn.
func renderTranscript(results []sttResult) string {
	var sb strings.Builder
	var prevSpeaker string
	var turn []string

	flush := func() {
		if prevSpeaker == "" || len(turn) == 0 {
			return
		}
		fmt.Fprintf(&sb, "> **Speaker %s**\n> \n> %s\n>\n\n",
			strings.TrimSpace(prevSpeaker), strings.Join(turn, " "))
	}

	for _, result := range results {
		for _, w := range result.Words {
			text := strings.TrimSpace(w.Word)
			if text == "" {
				continue
			}
			if w.Speaker != "" && w.Speaker != prevSpeaker {
				flush()
				prevSpeaker = w.Speaker
				turn = turn[:0]
			}
			turn = append(turn, text)
		}
	}
	flush()

	return sb.String()
}

// renderMinutes turns the structured minutes into markdown: the meeting
// title as an H2, each section as an H3 with its bullets, important bullets
// in bold.
func renderMinutes(title string, minutes []minute) string {
	if len(minutes) == 0 {
		return ""
	}

	var sb strings.Builder
	if title != "" {
		sb.WriteString("## " + title + "\n\n")
	}

	for _, m := range minutes {
		sb.WriteString("### " + m.Title + "\n\n")
		for _, b := range m.Bullets {
			if b.Important {
				sb.WriteString("- **" + b.Text + "**\n")
			} else {
				sb.WriteString("- " + b.Text + "\n")
			}
		}
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String())
}
