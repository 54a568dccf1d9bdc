package syncer

import (
	"context"

	"go.uber.org/zap"

	"github.com/xhad/dealctx/internal/models"
	"github.com/xhad/dealctx/pkg/channels"
)

// IndexMessage indexes one message received as a live event. A threaded
// message causes the whole thread to be fetched again and re-propagated so
// siblings pick up the entities it adds. It returns the number of documents
// written.
func (e *Engine) IndexMessage(ctx context.Context, msg models.Message) int {
	if reason, ok := Indexable(msg); !ok {
		e.config.Metrics.Skipped(reason)
		return 0
	}

	ch := e.channelInfo(ctx, msg.ChannelID)
	depth := channels.DepthFor(e.config.Depths, ch.Category)
	snap := e.cache.Snapshot()
	dedicated := e.extractor.DedicatedCompany(snap, ch.Name)

	batch := []models.Message{msg}
	if msg.ThreadTimestamp != "" {
		replies, err := e.fetchThread(ctx, msg.ChannelID, msg.ThreadTimestamp, "")
		if err != nil {
			e.logger.Warn("thread refetch failed, indexing fetched messages only",
				zap.String("channel_id", msg.ChannelID),
				zap.String("thread_ts", msg.ThreadTimestamp),
				zap.Error(err))
		}
		batch = mergeMessage(replies, msg)
	}

	return e.indexBatch(ctx, ch, ch.Category, depth.MinLength, snap, dedicated, batch)
}

// channelInfo returns the channel's details and tier, looked up once per
// channel. Lookup failures fall back to the bare id in the low tier.
func (e *Engine) channelInfo(ctx context.Context, channelID string) models.Channel {
	e.mu.Lock()
	ch, ok := e.infos[channelID]
	e.mu.Unlock()
	if ok {
		return ch
	}

	err := e.config.Caller.Call(ctx, func(ctx context.Context) error {
		var err error
		ch, err = e.platform.ChannelInfo(ctx, channelID)
		return err
	})
	if err != nil {
		e.logger.Warn("channel info unavailable", zap.String("channel_id", channelID), zap.Error(err))
		return models.Channel{ID: channelID, Category: models.TierLow}
	}

	ch.Category = models.TierLow
	if e.config.Categorize != nil {
		if tier, ok := e.config.Categorize(ch); ok {
			ch.Category = tier
		}
	}

	e.mu.Lock()
	e.infos[channelID] = ch
	e.mu.Unlock()
	return ch
}

// mergeMessage returns thread with msg in it, replacing the fetched copy
// when one exists.
func mergeMessage(thread []models.Message, msg models.Message) []models.Message {
	out := make([]models.Message, 0, len(thread)+1)
	found := false
	for _, m := range thread {
		if m.Timestamp == msg.Timestamp {
			m = msg
			found = true
		}
		out = append(out, m)
	}
	if !found {
		out = append(out, msg)
	}
	return out
}
