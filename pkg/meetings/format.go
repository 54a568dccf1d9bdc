package meetings

import (
	"fmt"
	"strings"

	"github.com/xhad/dealctx/internal/models"
)

// excerptLines is how many transcript lines are shown from each end.
const excerptLines = 3

// FormatContext renders a meeting as a context block: title, date, type,
// participants, summary, transcript excerpts, action items and link.
func FormatContext(m models.Meeting) string {
	var b strings.Builder

	fmt.Fprintf(&b, "MEETING: %s\n", m.DisplayTitle())
	if m.CreatedAt.IsZero() {
		b.WriteString("Date: Unknown Date\n")
	} else {
		fmt.Fprintf(&b, "Date: %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"))
	}
	kind := m.MeetingType
	if kind == "" {
		kind = "unknown"
	}
	fmt.Fprintf(&b, "Type: %s meeting\n", kind)

	var participants []string
	for _, inv := range m.Invitees {
		name := inv.Name
		if name == "" {
			name = inv.Email
		}
		if name == "" {
			name = "Unknown"
		}
		if inv.IsExternal {
			participants = append(participants, name+" (External)")
		} else {
			participants = append(participants, name+" (Internal)")
		}
	}
	if len(participants) == 0 {
		b.WriteString("Participants: Not specified\n")
	} else {
		fmt.Fprintf(&b, "Participants: %s\n", strings.Join(participants, ", "))
	}

	summary := strings.TrimSpace(m.Summary.Markdown)
	if summary == "" {
		summary = "No summary available"
	}
	fmt.Fprintf(&b, "\nSummary:\n%s\n", summary)

	if len(m.Transcript) > 0 {
		b.WriteString("\nTranscript excerpts:\n")
		head := m.Transcript
		if len(head) > excerptLines {
			head = head[:excerptLines]
		}
		for _, l := range head {
			writeLine(&b, l)
		}
		if len(m.Transcript) > 2*excerptLines {
			b.WriteString("...\n")
			for _, l := range m.Transcript[len(m.Transcript)-excerptLines:] {
				writeLine(&b, l)
			}
		}
	}

	if len(m.ActionItems) > 0 {
		b.WriteString("\nAction items:\n")
		for _, item := range m.ActionItems {
			status := "[ ]"
			if item.Completed {
				status = "[x]"
			}
			assignee := item.Assignee.Name
			if assignee == "" {
				assignee = "Unassigned"
			}
			fmt.Fprintf(&b, "%s %s (assigned to %s)\n", status, item.Description, assignee)
		}
	}

	link := m.ShareURL
	if link == "" {
		link = m.URL
	}
	if link != "" {
		fmt.Fprintf(&b, "\nLink: %s\n", link)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeLine(b *strings.Builder, l models.TranscriptLine) {
	speaker := l.Speaker.DisplayName
	if speaker == "" {
		speaker = "Unknown Speaker"
	}
	fmt.Fprintf(b, "[%s] %s: %s\n", l.Timestamp, speaker, l.Text)
}
