package trigger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tenghongzou/Ara-notification-service-sub000/internal/notification"
	"github.com/tenghongzou/Ara-notification-service-sub000/pkg/config"
)

// Target type discriminators on the trigger wire.
const (
	TypeUser      = "user"
	TypeUsers     = "users"
	TypeBroadcast = "broadcast"
	TypeChannel   = "channel"
	TypeChannels  = "channels"
)

// Config controls the trigger subscriber.
type Config struct {
	Enabled  bool
	Channels []string
}

// DefaultConfig returns the stock trigger channels.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Channels: []string{
			"notification:user:*",
			"notification:broadcast",
			"notification:channel:*",
		},
	}
}

// ConfigFromEnv reads trigger settings from the environment. Channels are a
// comma-separated list.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.Enabled = config.GetEnvBool("TRIGGER_ENABLED", cfg.Enabled)
	if raw := config.GetEnv("TRIGGER_CHANNELS", ""); raw != "" {
		cfg.Channels = cfg.Channels[:0]
		for _, ch := range strings.Split(raw, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				cfg.Channels = append(cfg.Channels, ch)
			}
		}
	}
	return cfg
}

// TargetField accepts either a scalar string or a list of strings on the
// wire.
type TargetField []string

func (t *TargetField) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*t = TargetField{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*t = TargetField(many)
		return nil
	}
	var null interface{}
	if err := json.Unmarshal(data, &null); err == nil && null == nil {
		*t = nil
		return nil
	}
	return fmt.Errorf("target must be a string, a list of strings, or null")
}

// EventBody is the event half of a trigger message.
type EventBody struct {
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Priority      string          `json:"priority,omitempty"`
	TTL           *int64          `json:"ttl,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// Message is the trigger wire format published by external systems.
type Message struct {
	Type   string      `json:"type"`
	Target TargetField `json:"target"`
	Event  EventBody   `json:"event"`
}

// Decode parses a trigger message into a dispatch target and an event.
// Single-target types tolerate a one-element list; list types tolerate a
// scalar.
func Decode(data []byte) (notification.Target, notification.Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return notification.Target{}, notification.Event{}, fmt.Errorf("decode trigger message: %w", err)
	}

	if msg.Event.EventType == "" {
		return notification.Target{}, notification.Event{}, fmt.Errorf("trigger message missing event_type")
	}

	target, err := mapTarget(msg.Type, msg.Target)
	if err != nil {
		return notification.Target{}, notification.Event{}, err
	}

	event := notification.NewEvent(msg.Event.EventType, msg.Event.Payload)
	event.Metadata.Priority = notification.ParsePriority(msg.Event.Priority)
	event.Metadata.TTLSeconds = msg.Event.TTL
	event.Metadata.CorrelationID = msg.Event.CorrelationID
	event.Metadata.Source = "redis-trigger"
	return target, event, nil
}

func mapTarget(kind string, target TargetField) (notification.Target, error) {
	switch kind {
	case TypeUser:
		id, err := scalar(kind, target)
		if err != nil {
			return notification.Target{}, err
		}
		return notification.UserTarget(id), nil
	case TypeUsers:
		if len(target) == 0 {
			return notification.Target{}, fmt.Errorf("trigger type %q requires at least one target", kind)
		}
		return notification.UsersTarget(target), nil
	case TypeBroadcast:
		return notification.BroadcastTarget(), nil
	case TypeChannel:
		ch, err := scalar(kind, target)
		if err != nil {
			return notification.Target{}, err
		}
		return notification.ChannelTarget(ch), nil
	case TypeChannels:
		if len(target) == 0 {
			return notification.Target{}, fmt.Errorf("trigger type %q requires at least one target", kind)
		}
		return notification.ChannelsTarget(target), nil
	default:
		return notification.Target{}, fmt.Errorf("unknown trigger type %q", kind)
	}
}

func scalar(kind string, target TargetField) (string, error) {
	if len(target) != 1 || target[0] == "" {
		return "", fmt.Errorf("trigger type %q requires exactly one target", kind)
	}
	return target[0], nil
}

// isPattern reports whether a channel needs a pattern subscribe.
func isPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}
