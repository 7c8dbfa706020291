package event

import (
	"context"
	"encoding/json"

	"github.com/quillpay/platform/libs/logging"
	"github.com/quillpay/platform/libs/redisutils"
)

// RunBridge pumps redis pub/sub into the local hub until the context is
// done. Every process runs one bridge; it is the only writer into the
// hub, so local consumers observe redis publication order.
func RunBridge(ctx context.Context, redis *redisutils.Client, hub *Hub) {
	logger := logging.Logger(ctx, "event.RunBridge")

	pubsub := redis.Subscriber(ctx, "events:*")
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Warn().Msg("redis subscription channel closed")
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				logger.Error().Err(err).Str("channel", msg.Channel).Msg("failed to decode event envelope")
				continue
			}
			hub.Publish(ctx, &e)
		}
	}
}
