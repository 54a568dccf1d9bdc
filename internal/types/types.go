package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xhad/dealctx/internal/models"
)

var (
	// ErrRateLimited marks a transient rate-limit response from a collaborator.
	ErrRateLimited = errors.New("rate limited")
	// ErrNoAccess marks permission-denied and not-found responses.
	ErrNoAccess = errors.New("no access")
)

// RateLimitError carries the server-suggested wait, when there is one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// Core collaborator interfaces

// ChatPlatform is the team chat service.
type ChatPlatform interface {
	ListChannels(ctx context.Context, cursor string) ([]models.Channel, string, error)
	ChannelHistory(ctx context.Context, channelID, oldest, cursor string, limit int) (HistoryPage, error)
	ThreadReplies(ctx context.Context, channelID, threadTS, oldest, cursor string) (HistoryPage, error)
	ChannelInfo(ctx context.Context, channelID string) (models.Channel, error)
	JoinChannel(ctx context.Context, channelID string) error
}

// HistoryPage is one page of channel history or thread replies.
type HistoryPage struct {
	Messages   []models.Message
	HasMore    bool
	NextCursor string
}

// CRM is the customer relationship system.
type CRM interface {
	QueryRecords(ctx context.Context, q Query) ([]Record, error)
}

// Query selects records of one object type.
type Query struct {
	Object     string
	Fields     []string
	Conditions []Condition
	OrderBy    string
	Limit      int
}

// Condition is a single field comparison. Values are escaped by the CRM adapter.
type Condition struct {
	Field string
	Op    string // "=", "!=", "LIKE"
	Value any
}

// Record is one CRM row. Nested relationship fields are maps.
type Record map[string]any

// String returns a field as a string, following dotted relationship paths
// such as "Account.Name".
func (r Record) String(path string) string {
	var cur any = map[string]any(r)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// MeetingSearch is the meeting-transcription service.
type MeetingSearch interface {
	SearchByAttendeeEmail(ctx context.Context, email string, limit int) ([]models.Meeting, error)
	SearchByQuery(ctx context.Context, text string, limit int) ([]models.Meeting, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
