package notification

import "encoding/json"

// Server message type discriminators.
const (
	MessageNotification = "notification"
	MessageSubscribed   = "subscribed"
	MessageUnsubscribed = "unsubscribed"
	MessagePong         = "pong"
	MessageHeartbeat    = "heartbeat"
	MessageAcked        = "acked"
	MessageError        = "error"
	MessageShutdown     = "shutdown"
)

// Client message type discriminators.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessagePing        = "ping"
	MessageAck         = "ack"
)

// ServerMessage is a server-to-client frame. The Type field selects which of
// the remaining fields are meaningful.
type ServerMessage struct {
	Type                  string   `json:"type"`
	Event                 *Event   `json:"event,omitempty"`
	Channels              []string `json:"channels,omitempty"`
	NotificationID        string   `json:"notification_id,omitempty"`
	Code                  string   `json:"code,omitempty"`
	Message               string   `json:"message,omitempty"`
	Reason                string   `json:"reason,omitempty"`
	ReconnectAfterSeconds *int64   `json:"reconnect_after_seconds,omitempty"`
}

func NotificationMessage(event Event) ServerMessage {
	return ServerMessage{Type: MessageNotification, Event: &event}
}

func SubscribedMessage(channels []string) ServerMessage {
	return ServerMessage{Type: MessageSubscribed, Channels: channels}
}

func UnsubscribedMessage(channels []string) ServerMessage {
	return ServerMessage{Type: MessageUnsubscribed, Channels: channels}
}

func PongMessage() ServerMessage {
	return ServerMessage{Type: MessagePong}
}

func HeartbeatMessage() ServerMessage {
	return ServerMessage{Type: MessageHeartbeat}
}

func AckedMessage(notificationID string) ServerMessage {
	return ServerMessage{Type: MessageAcked, NotificationID: notificationID}
}

func ErrorMessage(code, message string) ServerMessage {
	return ServerMessage{Type: MessageError, Code: code, Message: message}
}

func ShutdownMessage(reason string, reconnectAfter *int64) ServerMessage {
	return ServerMessage{Type: MessageShutdown, Reason: reason, ReconnectAfterSeconds: reconnectAfter}
}

// ClientMessage is a client-to-server frame.
type ClientMessage struct {
	Type           string   `json:"type"`
	Channels       []string `json:"channels,omitempty"`
	NotificationID string   `json:"notification_id,omitempty"`
}

// Outbound is a message staged for a connection's write loop. It is either a
// ServerMessage serialized lazily at write time, or bytes serialized once and
// shared across many recipients when the same payload fans out widely.
type Outbound struct {
	raw        *ServerMessage
	serialized []byte
}

// Raw stages a server message for lazy serialization.
func Raw(msg ServerMessage) Outbound {
	return Outbound{raw: &msg}
}

// Serialized stages pre-serialized bytes shared across recipients.
func Serialized(data []byte) Outbound {
	return Outbound{serialized: data}
}

// Bytes returns the JSON encoding of the message, serializing on demand for
// the raw variant.
func (o Outbound) Bytes() ([]byte, error) {
	if o.serialized != nil {
		return o.serialized, nil
	}
	return json.Marshal(o.raw)
}
