package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/arbexec/types"
)

// payloadField carries the JSON record inside a stream entry.
const payloadField = "payload"

// RedisFeed consumes a Redis stream through a consumer group. Entries are
// acknowledged once handed to the pipeline, malformed ones immediately.
type RedisFeed struct {
	rdb      redis.UniversalClient
	stream   string
	group    string
	consumer string
	logger   *zap.Logger
}

func NewRedisFeed(rdb redis.UniversalClient, stream, group, consumer string, logger *zap.Logger) *RedisFeed {
	return &RedisFeed{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		logger:   logger,
	}
}

func (f *RedisFeed) Opportunities(ctx context.Context) (<-chan types.TradeOpportunity, <-chan error) {
	out := make(chan types.TradeOpportunity)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		err := f.rdb.XGroupCreateMkStream(ctx, f.stream, f.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			sendErr(ctx, errs, fmt.Errorf("failed to create consumer group: %w", err))
			return
		}

		for ctx.Err() == nil {
			streams, err := f.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    f.group,
				Consumer: f.consumer,
				Streams:  []string{f.stream, ">"},
				Count:    100,
				Block:    time.Second,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sendErr(ctx, errs, fmt.Errorf("stream read: %w", err))
				select {
				case <-time.After(200 * time.Millisecond):
				case <-ctx.Done():
				}
				continue
			}

			for _, s := range streams {
				for _, m := range s.Messages {
					if !f.deliver(ctx, m, out, errs) {
						return
					}
				}
			}
		}
	}()

	return out, errs
}

func (f *RedisFeed) deliver(ctx context.Context, m redis.XMessage, out chan<- types.TradeOpportunity, errs chan<- error) bool {
	opp, err := ParseMessage(m.Values)
	if err != nil {
		sendErr(ctx, errs, fmt.Errorf("entry %s: %w", m.ID, err))
	} else {
		select {
		case out <- opp:
		case <-ctx.Done():
			return false
		}
	}

	if err := f.rdb.XAck(ctx, f.stream, f.group, m.ID).Err(); err != nil {
		f.logger.Warn("Failed to acknowledge entry", zap.String("id", m.ID), zap.Error(err))
	}
	return true
}

// ParseMessage decodes a stream entry. The entry ID is not reused as the
// opportunity ID; producers set "id" in the payload when they care.
func ParseMessage(values map[string]interface{}) (types.TradeOpportunity, error) {
	raw, ok := values[payloadField]
	if !ok {
		return types.TradeOpportunity{}, fmt.Errorf("missing %q field", payloadField)
	}

	switch v := raw.(type) {
	case string:
		return Decode([]byte(v))
	case []byte:
		return Decode(v)
	default:
		return types.TradeOpportunity{}, fmt.Errorf("unexpected %q type %T", payloadField, raw)
	}
}
