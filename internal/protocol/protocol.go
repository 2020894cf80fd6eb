// Package protocol defines the wire envelope and the event catalog relayed
// between the desktop clients and the server. Payloads are opaque to the
// relay; only the envelope type is inspected for routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// System events.
const (
	EventAuthenticate      = "authenticate"
	EventAuthenticated     = "authenticated"
	EventAuthRequired      = "auth:required"
	EventAuthError         = "authentication:error"
	EventPing              = "ping"
	EventPong              = "pong"
	EventHeartbeat         = "heartbeat"
	EventHeartbeatAck      = "heartbeat-ack"
	EventUserConnected     = "user:connected"
	EventUserDisconnected  = "user:disconnected"
	EventRateLimitExceeded = "rate-limit-exceeded"
	EventSessionReplaced   = "session-replaced"
	EventServerShutdown    = "server-shutdown"
	EventShutdownServer    = "shutdown-server"
)

// Domain events, client to server.
const (
	EventScheduleCreate   = "schedule:create"
	EventScheduleUpdate   = "schedule:update"
	EventScheduleShare    = "schedule:share"
	EventUserCreate       = "user:create"
	EventUserUpdate       = "user:update"
	EventUserDelete       = "user:delete"
	EventDriversSync      = "drivers:sync"
	EventDriversAdd       = "drivers:add"
	EventDriversRemove    = "drivers:remove"
	EventNotificationSend = "notification:send"
)

// Domain events, server to clients.
const (
	EventScheduleBroadcast    = "schedule:broadcast"
	EventScheduleUpdated      = "schedule:update"
	EventScheduleShared       = "schedule:shared"
	EventUserCreated          = "user:created"
	EventUserUpdated          = "user:updated"
	EventUserDeleted          = "user:deleted"
	EventNotificationReceived = "notification:received"
)

// Scope selects the fan-out target set for a relayed event.
type Scope int

const (
	// AllExceptSender fans out to every connection except the sender.
	AllExceptSender Scope = iota
	// SingleTarget delivers to the connection of the userId named in the
	// payload's targetUserId field.
	SingleTarget
	// AllIncludingSender fans out to every connection, sender included.
	AllIncludingSender
)

// Rule describes how one inbound domain event is relayed.
type Rule struct {
	// Out is the event type peers receive.
	Out string
	// Attribution is the top-level key carrying the sender identity.
	Attribution string
	// Scope selects the target set.
	Scope Scope
}

// Rules is the static relay table. Events absent from this table and from
// the system catalog are dropped.
var Rules = map[string]Rule{
	EventScheduleCreate:   {Out: EventScheduleBroadcast, Attribution: "createdBy", Scope: AllExceptSender},
	EventScheduleUpdate:   {Out: EventScheduleUpdated, Attribution: "updatedBy", Scope: AllExceptSender},
	EventScheduleShare:    {Out: EventScheduleShared, Attribution: "sharedBy", Scope: AllExceptSender},
	EventUserCreate:       {Out: EventUserCreated, Attribution: "createdBy", Scope: AllExceptSender},
	EventUserUpdate:       {Out: EventUserUpdated, Attribution: "updatedBy", Scope: AllExceptSender},
	EventUserDelete:       {Out: EventUserDeleted, Attribution: "deletedBy", Scope: AllExceptSender},
	EventDriversSync:      {Out: EventDriversSync, Attribution: "syncedBy", Scope: AllExceptSender},
	EventDriversAdd:       {Out: EventDriversAdd, Attribution: "addedBy", Scope: AllExceptSender},
	EventDriversRemove:    {Out: EventDriversRemove, Attribution: "removedBy", Scope: AllExceptSender},
	EventNotificationSend: {Out: EventNotificationReceived, Attribution: "from", Scope: SingleTarget},
}

// Identity is the server-resolved sender identity stamped onto relayed
// events. Client-supplied sender metadata is never trusted for display.
type Identity struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
}

// Envelope is the wire frame exchanged over the transport.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Decode parses a raw frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// PeekType extracts the envelope type from a raw frame without a full
// decode. Returns "" for frames with no usable type.
func PeekType(raw []byte) string {
	return gjson.GetBytes(raw, "type").String()
}

// TargetUserID extracts the targetUserId field from a single-target payload.
func TargetUserID(payload json.RawMessage) string {
	return gjson.GetBytes(payload, "targetUserId").String()
}

// IsHeartbeat reports whether the event is a liveness signal.
func IsHeartbeat(eventType string) bool {
	return eventType == EventPing || eventType == EventHeartbeat
}

// Encode builds a raw frame for a typed payload.
func Encode(eventType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: eventType, Payload: raw})
}

// Notice builds a server notice frame carrying a human-readable message.
func Notice(eventType, message string) []byte {
	frame, _ := Encode(eventType, map[string]string{"message": message})
	return frame
}

// RateLimitNotice builds the guard rejection frame.
func RateLimitNotice(message string, retryAfter time.Duration) []byte {
	frame, _ := Encode(EventRateLimitExceeded, map[string]any{
		"error":      message,
		"retryAfter": int(retryAfter.Seconds()),
	})
	return frame
}

// BuildRelay assembles the enriched fan-out frame: the opaque payload, the
// resolved sender identity under the rule's attribution key, and a
// server-generated timestamp.
func BuildRelay(rule Rule, payload json.RawMessage, sender Identity, at time.Time) ([]byte, error) {
	frame := map[string]any{
		"type":           rule.Out,
		"timestamp":      at.UTC().Format(time.RFC3339Nano),
		rule.Attribution: sender,
	}
	if len(payload) > 0 {
		frame["payload"] = payload
	}
	return json.Marshal(frame)
}

// AuthenticatedAck is the payload of the authenticated acknowledgement.
type AuthenticatedAck struct {
	Success            bool   `json:"success"`
	UserID             string `json:"userId"`
	UserName           string `json:"userName"`
	DisplayName        string `json:"displayName"`
	ConnectedUserCount int    `json:"connectedUserCount"`
}

// ShutdownPayload is the payload of the server-shutdown broadcast.
type ShutdownPayload struct {
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}
