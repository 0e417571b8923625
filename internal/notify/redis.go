package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisNotifier publishes notices on a redis pub/sub channel so that UI
// processes running elsewhere can render them.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(ctx context.Context, addr, password string, db int, channel string) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("notify.NewRedisNotifier: ping: %w", err)
	}
	return &RedisNotifier{client: client, channel: channel}, nil
}

func (r *RedisNotifier) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("notify.RedisNotifier.Close: %w", err)
	}
	return nil
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notice) {
	payload, err := EncodeNotice(n)
	if err != nil {
		log.Warn().Err(err).Msg("notify: encode notice")
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.client.Publish(pubCtx, r.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("channel", r.channel).Msg("notify: redis publish")
	}
}

// Subscribe relays notices published on the channel until ctx is done.
func (r *RedisNotifier) Subscribe(ctx context.Context) (<-chan Notice, func(), error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("notify.RedisNotifier.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan Notice, 32)
	redisCh := sub.Channel()
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				n, err := DecodeNotice([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}

// Channel returns the pub/sub channel notices for a wallet are published on.
func Channel(prefix, wallet string) string {
	if wallet == "" {
		return prefix + ":notices"
	}
	return prefix + ":notices:" + wallet
}

func EncodeNotice(n Notice) ([]byte, error) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	return json.Marshal(n)
}

func DecodeNotice(buf []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(buf, &n); err != nil {
		return Notice{}, fmt.Errorf("notify.DecodeNotice: %w", err)
	}
	return n, nil
}
