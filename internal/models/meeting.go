package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Meeting is a recording from the meeting-transcription service. The core
// only relies on the identifiers and the fields used for scoring.
type Meeting struct {
	ID           string              `json:"-"`
	URL          string              `json:"url"`
	ShareURL     string              `json:"share_url"`
	Title        string              `json:"title"`
	MeetingTitle string              `json:"meeting_title"`
	MeetingType  string              `json:"meeting_type"`
	CreatedAt    time.Time           `json:"created_at"`
	Invitees     []Invitee           `json:"calendar_invitees"`
	Transcript   []TranscriptLine    `json:"transcript"`
	Summary      MeetingSummary      `json:"default_summary"`
	ActionItems  []MeetingActionItem `json:"action_items"`
}

type Invitee struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	IsExternal bool   `json:"is_external"`
}

type TranscriptLine struct {
	Speaker struct {
		DisplayName string `json:"display_name"`
	} `json:"speaker"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

type MeetingSummary struct {
	Markdown string `json:"markdown_formatted"`
}

type MeetingActionItem struct {
	Description string `json:"description"`
	Completed   bool   `json:"completed"`
	Assignee    struct {
		Name string `json:"name"`
	} `json:"assignee"`
}

// UnmarshalJSON accepts either "id" or "recording_id", as string or number,
// and tolerates an empty or unparseable created_at.
func (m *Meeting) UnmarshalJSON(data []byte) error {
	type alias Meeting
	aux := struct {
		*alias
		ID          json.RawMessage `json:"id"`
		RecordingID json.RawMessage `json:"recording_id"`
		CreatedAt   string          `json:"created_at"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, aux.CreatedAt); err == nil {
			m.CreatedAt = t
		}
	}
	m.ID = rawID(aux.ID)
	if m.ID == "" {
		m.ID = rawID(aux.RecordingID)
	}
	return nil
}

func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// DisplayTitle prefers the recording title over the calendar title.
func (m Meeting) DisplayTitle() string {
	if m.Title != "" {
		return m.Title
	}
	if m.MeetingTitle != "" {
		return m.MeetingTitle
	}
	return "Untitled Meeting"
}

// TranscriptText joins every transcript line.
func (m Meeting) TranscriptText() string {
	parts := make([]string, 0, len(m.Transcript))
	for _, line := range m.Transcript {
		parts = append(parts, line.Text)
	}
	return strings.Join(parts, " ")
}

// IsExternal reports whether the meeting was client-facing.
func (m Meeting) IsExternal() bool {
	if strings.EqualFold(m.MeetingType, "external") {
		return true
	}
	for _, inv := range m.Invitees {
		if inv.IsExternal {
			return true
		}
	}
	return false
}

// Identifiers returns every non-empty dedup identifier.
func (m Meeting) Identifiers() []string {
	var ids []string
	if m.ID != "" {
		ids = append(ids, "id:"+m.ID)
	}
	if m.URL != "" {
		ids = append(ids, "url:"+m.URL)
	}
	if m.ShareURL != "" {
		ids = append(ids, "url:"+m.ShareURL)
	}
	return ids
}
