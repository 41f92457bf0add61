package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	EventApplicationCreated   = "application.created"
	EventCampaignTransitioned = "campaign.transitioned"

	// streamMaxLen bounds each replay stream; trimming is approximate
	streamMaxLen = 10000
)

// Event is what gets published on a campaign channel
type Event struct {
	Type          string    `json:"type"`
	CampaignID    string    `json:"campaignId"`
	ApplicationID string    `json:"applicationId,omitempty"`
	OldStatus     string    `json:"oldStatus,omitempty"`
	NewStatus     string    `json:"newStatus,omitempty"`
	At            time.Time `json:"at"`
}

type Bus struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{rdb: rdb, log: log}
}

// CampaignChannel is the channel all events of one campaign go to
func CampaignChannel(campaignID string) string {
	return "campaign:" + campaignID
}

func streamKey(channel string) string {
	return "stream:" + channel
}

// PublishCampaign publishes an event to its campaign's channel
func (b *Bus) PublishCampaign(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	return b.Publish(ctx, CampaignChannel(event.CampaignID), event)
}

// Publish sends the event over Redis pub/sub and appends it to the channel's
// stream for replay. A stream failure is logged but not returned.
func (b *Bus) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		b.log.Error("Failed to publish event", zap.String("channel", channel), zap.Error(err))
		return err
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: streamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		b.log.Warn("Failed to append event to stream", zap.String("channel", channel), zap.Error(err))
		return nil
	}

	b.log.Debug("Published event",
		zap.String("channel", channel),
		zap.String("type", event.Type),
		zap.String("stream_id", id),
	)
	return nil
}

// Replay returns up to count events of a channel, oldest first
func (b *Bus) Replay(ctx context.Context, channel string, count int64) ([]Event, error) {
	msgs, err := b.rdb.XRangeN(ctx, streamKey(channel), "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var event Event
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			b.log.Warn("Skipping malformed stream entry", zap.String("stream_id", msg.ID), zap.Error(err))
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
