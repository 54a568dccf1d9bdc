// Package meetings searches the meeting-transcription service and ranks,
// deduplicates and formats its recordings.
package meetings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
)

// MaxPageSize is the largest page the service returns.
const MaxPageSize = 10

type ClientConfig struct {
	BaseURL  string
	APIKey   string
	PageSize int
	Timeout  time.Duration
}

// Client is the Fathom external API client. It implements
// types.MeetingSearch.
type Client struct {
	baseURL  string
	apiKey   string
	pageSize int
	http     *http.Client
	logger   *zap.Logger
}

var _ types.MeetingSearch = (*Client)(nil)

func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, errors.New("meeting service API key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.fathom.ai/external/v1"
	}
	if config.PageSize <= 0 || config.PageSize > MaxPageSize {
		config.PageSize = MaxPageSize
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		apiKey:   config.APIKey,
		pageSize: config.PageSize,
		http:     &http.Client{Timeout: config.Timeout},
		logger:   logger,
	}, nil
}

type listResponse struct {
	Items      []models.Meeting `json:"items"`
	NextCursor string           `json:"next_cursor"`
}

// Recent pages through the newest meetings until limit meetings have been
// examined, keeping only those with a transcript. invitee, when set,
// restricts the listing to meetings with that calendar invitee.
func (c *Client) Recent(ctx context.Context, limit int, invitee string) ([]models.Meeting, error) {
	var out []models.Meeting
	cursor := ""
	fetched := 0
	for fetched < limit {
		params := url.Values{}
		params.Set("include_transcript", "true")
		params.Set("limit", strconv.Itoa(min(c.pageSize, limit-fetched)))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		if invitee != "" {
			params.Add("calendar_invitees[]", invitee)
		}

		page, err := c.list(ctx, params)
		if err != nil {
			return out, err
		}
		for _, m := range page.Items {
			if len(m.Transcript) > 0 {
				out = append(out, m)
			}
		}
		fetched += len(page.Items)
		cursor = page.NextCursor
		if cursor == "" || len(page.Items) == 0 {
			break
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SearchByAttendeeEmail returns meetings that had email as an invitee.
func (c *Client) SearchByAttendeeEmail(ctx context.Context, email string, limit int) ([]models.Meeting, error) {
	ms, err := c.Recent(ctx, limit, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return ms, fmt.Errorf("search meetings by attendee: %w", err)
	}
	return ms, nil
}

// SearchByQuery scores recent meetings against the query terms and returns
// the matching ones, best first.
func (c *Client) SearchByQuery(ctx context.Context, text string, limit int) ([]models.Meeting, error) {
	recent, err := c.Recent(ctx, limit*3, "")
	if err != nil {
		return nil, fmt.Errorf("search meetings by query: %w", err)
	}

	terms := Terms(text)
	scored := make([]scoredMeeting, 0, len(recent))
	for _, m := range recent {
		if s := Score(m, terms); s > 0 {
			scored = append(scored, scoredMeeting{m, s})
		}
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	out := make([]models.Meeting, 0, min(limit, len(scored)))
	for i := 0; i < len(scored) && i < limit; i++ {
		out = append(out, scored[i].meeting)
	}
	c.logger.Debug("meeting query search", zap.String("query", text), zap.Int("matches", len(scored)))
	return out, nil
}

type scoredMeeting struct {
	meeting models.Meeting
	score   float64
}

func (c *Client) list(ctx context.Context, params url.Values) (listResponse, error) {
	var page listResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/meetings?"+params.Encode(), nil)
	if err != nil {
		return page, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return page, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return page, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		rl := &types.RateLimitError{}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			rl.RetryAfter = time.Duration(secs) * time.Second
		}
		return page, rl
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return page, fmt.Errorf("%w: meeting service returned %d", types.ErrNoAccess, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return page, fmt.Errorf("meeting service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, &page); err != nil {
		return page, fmt.Errorf("decode meetings: %w", err)
	}
	return page, nil
}
