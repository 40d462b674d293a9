package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/michaelpento.lv/arbexec/types"
)

const streamMaxLen = 10000

// RedisSink appends results to a capped Redis stream.
type RedisSink struct {
	rdb    redis.UniversalClient
	stream string
}

func NewRedisSink(rdb redis.UniversalClient, stream string) *RedisSink {
	return &RedisSink{rdb: rdb, stream: stream}
}

func (s *RedisSink) Record(ctx context.Context, res types.TradeResult) error {
	payload, err := json.Marshal(NewEntry(res))
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"opportunity_id": res.OpportunityID,
			"outcome":        res.Outcome.String(),
			"payload":        payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", s.stream, err)
	}
	return nil
}
