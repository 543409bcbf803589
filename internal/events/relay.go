package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askqwen/gptuidemo/internal/models"
	"github.com/askqwen/gptuidemo/internal/redis"
)

const relayChannel = "chat:signals"

type envelope struct {
	Origin   string       `json:"origin"`
	Kind     Kind         `json:"kind"`
	ClientID string       `json:"client_id"`
	Chat     *models.Chat `json:"chat,omitempty"`
}

// RedisRelay forwards signals between instances sharing one redis.
type RedisRelay struct {
	bus    *Bus
	client *redis.Client
	origin string
	logger *zap.Logger
}

func NewRedisRelay(bus *Bus, client *redis.Client, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{bus: bus, client: client, origin: uuid.NewString(), logger: logger}
}

// Start forwards local publishes to redis and delivers remote signals to
// the bus until ctx is done.
func (r *RedisRelay) Start(ctx context.Context) error {
	ps, err := r.client.Subscribe(ctx, relayChannel)
	if err != nil {
		return fmt.Errorf("start relay: %w", err)
	}
	r.bus.OnPublish(func(s Signal) {
		if err := r.forward(ctx, s); err != nil {
			r.logger.Warn("relay publish failed", zap.String("kind", string(s.Kind())), zap.Error(err))
		}
	})
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.receive([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

func (r *RedisRelay) forward(ctx context.Context, s Signal) error {
	env := envelope{Origin: r.origin, Kind: s.Kind(), ClientID: s.Client()}
	if lc, ok := s.(LoadChat); ok {
		chat := lc.Chat
		env.Chat = &chat
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	return r.client.Publish(ctx, relayChannel, payload)
}

func (r *RedisRelay) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("relay decode failed", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	s, err := env.signal()
	if err != nil {
		r.logger.Warn("relay dropped signal", zap.Error(err))
		return
	}
	r.bus.Deliver(s)
}

func (e envelope) signal() (Signal, error) {
	switch e.Kind {
	case KindNewChat:
		return NewChat{ClientID: e.ClientID}, nil
	case KindLoadChat:
		if e.Chat == nil {
			return nil, fmt.Errorf("load-chat without chat")
		}
		return LoadChat{ClientID: e.ClientID, Chat: *e.Chat}, nil
	case KindChatsUpdated:
		return ChatsUpdated{ClientID: e.ClientID}, nil
	default:
		return nil, fmt.Errorf("unknown signal kind %q", e.Kind)
	}
}
