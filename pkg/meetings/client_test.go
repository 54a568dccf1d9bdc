package meetings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/dealctx/internal/types"
)

func meetingJSON(id int, title string, withTranscript bool) string {
	transcript := `[]`
	if withTranscript {
		transcript = `[{"speaker":{"display_name":"Jane"},"text":"we discussed ` + title + `","timestamp":"00:01"}]`
	}
	return fmt.Sprintf(`{"recording_id":%d,"title":%q,"url":"https://m/%d","share_url":"https://s/%d",
		"created_at":"2025-01-%02dT10:00:00Z","meeting_type":"internal","transcript":%s,
		"default_summary":{"markdown_formatted":"summary of %s"}}`, id, title, id, id, id, transcript, title)
}

func TestRecentPaginatesAndFiltersTranscripts(t *testing.T) {
	var limits, cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/meetings", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "true", r.URL.Query().Get("include_transcript"))
		limits = append(limits, r.URL.Query().Get("limit"))
		cursors = append(cursors, r.URL.Query().Get("cursor"))

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("cursor") {
		case "":
			fmt.Fprintf(w, `{"items":[%s,%s],"next_cursor":"c2"}`,
				meetingJSON(1, "acme kickoff", true), meetingJSON(2, "no transcript", false))
		case "c2":
			fmt.Fprintf(w, `{"items":[%s],"next_cursor":""}`, meetingJSON(3, "globex demo", true))
		}
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "key", PageSize: 2}, nil)
	require.NoError(t, err)

	ms, err := c.Recent(context.Background(), 10, "")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "1", ms[0].ID)
	assert.Equal(t, "3", ms[1].ID)
	assert.Equal(t, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC), ms[0].CreatedAt)
	assert.Equal(t, []string{"2", "2"}, limits)
	assert.Equal(t, []string{"", "c2"}, cursors)
}

func TestSearchByAttendeeEmail(t *testing.T) {
	var invitees []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		invitees = r.URL.Query()["calendar_invitees[]"]
		fmt.Fprintf(w, `{"items":[%s]}`, meetingJSON(4, "acme pricing", true))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "key"}, nil)
	require.NoError(t, err)

	ms, err := c.SearchByAttendeeEmail(context.Background(), " Jane@Acme.com ", 15)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, []string{"jane@acme.com"}, invitees)
}

func TestSearchByQueryRanks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"items":[%s,%s,%s]}`,
			meetingJSON(1, "hiring plan", true),
			meetingJSON(2, "renewal call", true),
			meetingJSON(3, "acme renewal pricing", true))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "key"}, nil)
	require.NoError(t, err)

	ms, err := c.SearchByQuery(context.Background(), "acme renewal", 5)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "3", ms[0].ID)
	assert.Equal(t, "2", ms[1].ID)
}

func TestClientErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "key"}, nil)
	require.NoError(t, err)

	_, err = c.SearchByAttendeeEmail(context.Background(), "a@b.com", 5)
	var rl *types.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 2*time.Second, rl.RetryAfter)

	status = http.StatusUnauthorized
	_, err = c.SearchByQuery(context.Background(), "x", 5)
	assert.ErrorIs(t, err, types.ErrNoAccess)

	_, err = NewClient(ClientConfig{}, nil)
	assert.Error(t, err)
}
