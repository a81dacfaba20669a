package main

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type relayMeta struct {
	Origin string `json:"origin"`
}

// Relay shares events between servers over a redis channel. Each event is
// the client-facing frame with a meta.origin field naming the server that
// published it; a server ignores its own events.
type Relay struct {
	rdb     *redis.Client
	channel string
	origin  string
}

func NewRelay(rdb *redis.Client, channel string) *Relay {
	return &Relay{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

func (r *Relay) Publish(ctx context.Context, frame []byte) error {
	payload, err := withOrigin(frame, r.origin)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

// Run delivers foreign events, without their meta field, until ctx is done.
func (r *Relay) Run(ctx context.Context, deliver func(msgType string, frame []byte)) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	glog.Infof("[relay]listening on %s as %s\n", r.channel, r.origin)
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			msgType, frame, err := stripOrigin([]byte(message.Payload), r.origin)
			if errors.Is(err, errOwnEvent) {
				continue
			}
			if err != nil {
				glog.V(1).Infof("[relay]ignore malformed event = %s\n", err)
				continue
			}
			deliver(msgType, frame)
		}
	}
}

var errOwnEvent = errors.New("own event")

func withOrigin(frame []byte, origin string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, err
	}
	meta, err := json.Marshal(&relayMeta{Origin: origin})
	if err != nil {
		return nil, err
	}
	fields["meta"] = meta
	return json.Marshal(fields)
}

func stripOrigin(payload []byte, origin string) (string, []byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", nil, err
	}
	var meta relayMeta
	if raw, ok := fields["meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return "", nil, err
		}
	}
	if meta.Origin == origin {
		return "", nil, errOwnEvent
	}
	var msgType string
	if err := json.Unmarshal(fields["type"], &msgType); err != nil || msgType == "" {
		return "", nil, errors.New("event has no type")
	}
	delete(fields, "meta")
	frame, err := json.Marshal(fields)
	if err != nil {
		return "", nil, err
	}
	return msgType, frame, nil
}
