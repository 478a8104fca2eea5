package relay

import (
	"context"
	"sync"

	"github.com/doriancollier/relay/internal/schema"
)

const streamBuffer = 64

// SubscribeStream exposes a pattern subscription as a channel for callers
// that consume rather than handle, such as an outer transport bridging the
// bus to remote clients. The returned cancel func is idempotent; after it
// returns no further envelopes are sent and the channel is closed. A slow
// consumer drops the newest envelope rather than blocking the bus.
func (c *Core) SubscribeStream(ctx context.Context, pattern, owner string) (<-chan *schema.Envelope, func(), error) {
	out := make(chan *schema.Envelope, streamBuffer)
	var mu sync.Mutex
	stopped := false

	sub, err := c.Subscribe(pattern, owner, func(_ context.Context, env *schema.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return nil
		}
		select {
		case out <- env:
		default:
			c.logger.Warn().Str("pattern", pattern).Str("subject", env.Subject).
				Msg("stream consumer lagging, envelope dropped")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.Unsubscribe(sub)
			mu.Lock()
			stopped = true
			mu.Unlock()
			close(out)
		})
	}

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return out, cancel, nil
}
