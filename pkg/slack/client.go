// Package slack adapts the Slack Web API to the chat platform interface
// used by discovery and sync.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	slackgo "github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/internal/types"
)

// ClientConfig configures the adapter.
type ClientConfig struct {
	Token string
	// APIURL overrides the Web API base URL. It must end with a slash.
	APIURL   string
	PageSize int // channels per listing page
}

// Client implements types.ChatPlatform.
type Client struct {
	api      *slackgo.Client
	pageSize int
	logger   *zap.Logger
}

var _ types.ChatPlatform = (*Client)(nil)

func New(config ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PageSize <= 0 {
		config.PageSize = 200
	}

	var opts []slackgo.Option
	if config.APIURL != "" {
		url := config.APIURL
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		opts = append(opts, slackgo.OptionAPIURL(url))
	}

	return &Client{
		api:      slackgo.New(config.Token, opts...),
		pageSize: config.PageSize,
		logger:   logger,
	}
}

func (c *Client) ListChannels(ctx context.Context, cursor string) ([]models.Channel, string, error) {
	chs, next, err := c.api.GetConversationsContext(ctx, &slackgo.GetConversationsParameters{
		Cursor: cursor,
		Limit:  c.pageSize,
		Types:  []string{"public_channel", "private_channel"},
	})
	if err != nil {
		return nil, "", Classify(err)
	}

	out := make([]models.Channel, 0, len(chs))
	for _, ch := range chs {
		out = append(out, toChannel(ch))
	}
	return out, next, nil
}

func (c *Client) ChannelHistory(ctx context.Context, channelID, oldest, cursor string, limit int) (types.HistoryPage, error) {
	resp, err := c.api.GetConversationHistoryContext(ctx, &slackgo.GetConversationHistoryParameters{
		ChannelID: channelID,
		Cursor:    cursor,
		Oldest:    oldest,
		Limit:     limit,
	})
	if err != nil {
		return types.HistoryPage{}, Classify(err)
	}

	return types.HistoryPage{
		Messages:   toMessages(channelID, resp.Messages),
		HasMore:    resp.HasMore,
		NextCursor: resp.ResponseMetaData.NextCursor,
	}, nil
}

func (c *Client) ThreadReplies(ctx context.Context, channelID, threadTS, oldest, cursor string) (types.HistoryPage, error) {
	msgs, hasMore, next, err := c.api.GetConversationRepliesContext(ctx, &slackgo.GetConversationRepliesParameters{
		ChannelID: channelID,
		Timestamp: threadTS,
		Cursor:    cursor,
		Oldest:    oldest,
	})
	if err != nil {
		return types.HistoryPage{}, Classify(err)
	}

	return types.HistoryPage{
		Messages:   toMessages(channelID, msgs),
		HasMore:    hasMore,
		NextCursor: next,
	}, nil
}

func (c *Client) ChannelInfo(ctx context.Context, channelID string) (models.Channel, error) {
	ch, err := c.api.GetConversationInfoContext(ctx, &slackgo.GetConversationInfoInput{
		ChannelID:         channelID,
		IncludeNumMembers: true,
	})
	if err != nil {
		return models.Channel{}, Classify(err)
	}
	return toChannel(*ch), nil
}

// JoinChannel joins a public channel. Being a member already is success.
func (c *Client) JoinChannel(ctx context.Context, channelID string) error {
	_, warning, _, err := c.api.JoinConversationContext(ctx, channelID)
	if err != nil {
		if slackCode(err) == "already_in_channel" {
			return nil
		}
		return Classify(err)
	}
	if warning != "" {
		c.logger.Debug("join channel warning", zap.String("channel", channelID), zap.String("warning", warning))
	}
	return nil
}

func toChannel(ch slackgo.Channel) models.Channel {
	return models.Channel{
		ID:          ch.ID,
		Name:        ch.Name,
		MemberCount: ch.NumMembers,
		IsArchived:  ch.IsArchived,
		IsMember:    ch.IsMember,
	}
}

func toMessages(channelID string, msgs []slackgo.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ToMessage(channelID, m.Msg))
	}
	return out
}

// ToMessage converts one Slack message.
func ToMessage(channelID string, m slackgo.Msg) models.Message {
	if m.Channel != "" {
		channelID = m.Channel
	}
	return models.Message{
		ChannelID:       channelID,
		Timestamp:       m.Timestamp,
		ThreadTimestamp: m.ThreadTimestamp,
		UserID:          m.User,
		BotID:           m.BotID,
		SubType:         m.SubType,
		Text:            m.Text,
		ReplyCount:      m.ReplyCount,
	}
}

// Error codes meaning the bot cannot read the channel.
var noAccessCodes = map[string]struct{}{
	"channel_not_found": {},
	"not_in_channel":    {},
	"missing_scope":     {},
	"is_archived":       {},
	"access_denied":     {},
	"no_permission":     {},
}

// Classify maps Slack errors onto types.ErrRateLimited and types.ErrNoAccess.
// Other errors are wrapped unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var rl *slackgo.RateLimitedError
	if errors.As(err, &rl) {
		return &types.RateLimitError{RetryAfter: rl.RetryAfter}
	}

	code := slackCode(err)
	if code == "ratelimited" {
		return &types.RateLimitError{}
	}
	if _, ok := noAccessCodes[code]; ok {
		return fmt.Errorf("%w: %s", types.ErrNoAccess, code)
	}
	return fmt.Errorf("slack: %w", err)
}

func slackCode(err error) string {
	var resp slackgo.SlackErrorResponse
	if errors.As(err, &resp) {
		return resp.Err
	}
	return strings.TrimSpace(err.Error())
}
