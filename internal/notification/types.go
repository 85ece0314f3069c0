package notification

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders notifications by urgency. The dispatcher does not reorder
// deliveries by priority; the value travels with the event for consumers.
type Priority string

const (
	PriorityLow      Priority = "Low"
	PriorityNormal   Priority = "Normal"
	PriorityHigh     Priority = "High"
	PriorityCritical Priority = "Critical"
)

// ParsePriority maps a wire value to a Priority, defaulting to Normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

// Audience restricts which connections may receive an event. Only the roles
// variant is applied as an output filter at dispatch time; users and channels
// variants are input filtering performed by the caller.
type Audience struct {
	Type     string   `json:"type"`
	Roles    []string `json:"roles,omitempty"`
	Users    []string `json:"users,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

const (
	AudienceAll      = "all"
	AudienceRoles    = "roles"
	AudienceUsers    = "users"
	AudienceChannels = "channels"
)

// MatchesRoles reports whether a connection holding the given roles is
// included in the audience. Non-role audiences always match here.
func (a *Audience) MatchesRoles(roles []string) bool {
	if a == nil || a.Type != AudienceRoles {
		return true
	}
	for _, want := range a.Roles {
		for _, have := range roles {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Metadata carries delivery hints attached to an event.
type Metadata struct {
	Source        string    `json:"source,omitempty"`
	Priority      Priority  `json:"priority"`
	TTLSeconds    *int64    `json:"ttl_seconds,omitempty"`
	Audience      *Audience `json:"audience,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Event is a single notification as it moves through the system.
type Event struct {
	ID         string          `json:"id"`
	OccurredAt time.Time       `json:"occurred_at"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   Metadata        `json:"metadata"`
}

// NewEvent constructs an event with a fresh id and the current timestamp.
func NewEvent(eventType string, payload json.RawMessage) Event {
	return Event{
		ID:         uuid.New().String(),
		OccurredAt: time.Now().UTC(),
		EventType:  eventType,
		Payload:    payload,
		Metadata:   Metadata{Priority: PriorityNormal},
	}
}

// IsExpired reports whether the event's TTL has elapsed at the given time.
// Events without a TTL never expire.
func (e *Event) IsExpired(now time.Time) bool {
	if e.Metadata.TTLSeconds == nil {
		return false
	}
	ttl := time.Duration(*e.Metadata.TTLSeconds) * time.Second
	return now.After(e.OccurredAt.Add(ttl))
}

// TargetKind discriminates dispatch targets.
type TargetKind string

const (
	TargetUser      TargetKind = "user"
	TargetUsers     TargetKind = "users"
	TargetBroadcast TargetKind = "broadcast"
	TargetChannel   TargetKind = "channel"
	TargetChannels  TargetKind = "channels"
)

// Target selects the recipients of a dispatch.
type Target struct {
	Kind     TargetKind `json:"kind"`
	User     string     `json:"user,omitempty"`
	Users    []string   `json:"users,omitempty"`
	Channel  string     `json:"channel,omitempty"`
	Channels []string   `json:"channels,omitempty"`
}

func UserTarget(userID string) Target        { return Target{Kind: TargetUser, User: userID} }
func UsersTarget(userIDs []string) Target    { return Target{Kind: TargetUsers, Users: userIDs} }
func BroadcastTarget() Target                { return Target{Kind: TargetBroadcast} }
func ChannelTarget(channel string) Target    { return Target{Kind: TargetChannel, Channel: channel} }
func ChannelsTarget(channels []string) Target { return Target{Kind: TargetChannels, Channels: channels} }
