// ABOUTME: Wire envelope and message type vocabulary shared by gateway and clients.
// ABOUTME: Every frame on a connection is one Envelope, discriminated by Type.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in Envelope.Type.
const (
	TypeConnect            = "connect"
	TypeRes                = "res"
	TypeRegistered         = "registered"
	TypeJoinGroup          = "join_group"
	TypeLeaveGroup         = "leave_group"
	TypeAck                = "ack"
	TypeBroadcast          = "broadcast"
	TypeDirect             = "direct"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeSessionSubscribe   = "session_subscribe"
	TypeSessionUnsubscribe = "session_unsubscribe"
	TypeAgentRequest       = "req:agent"
	TypeAgentCancel        = "req:agent:cancel"
	TypeAgentEvent         = "event:agent"
	TypeError              = "error"
)

// Envelope is the uniform framed message exchanged over a connection.
// ID is a correlation id chosen by whichever side initiates an exchange;
// replies carry the same ID. From/To/Group are node and group ids and are
// only present where they apply.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Group   string          `json:"group,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

// New builds an envelope of the given type, marshaling payload into the
// Payload field. A nil payload produces an envelope with no payload.
func New(msgType, correlationID string, payload any) (Envelope, error) {
	env := Envelope{
		Type: msgType,
		ID:   correlationID,
		TS:   time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshaling %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustNew is New for payloads that cannot fail to marshal (our own structs).
func MustNew(msgType, correlationID string, payload any) Envelope {
	env, err := New(msgType, correlationID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// ConnectPayload is the client half of the handshake.
type ConnectPayload struct {
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Token        string   `json:"token,omitempty"`
	Password     string   `json:"password,omitempty"`
}

// ResPayload is the correlated server reply to a connect.
type ResPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// RegisteredPayload notifies the client of its minted node identity.
type RegisteredPayload struct {
	NodeID      string `json:"nodeId"`
	DisplayName string `json:"displayName"`
}

// JoinGroupPayload asks to join (and optionally create) a group.
type JoinGroupPayload struct {
	Group           string `json:"group"`
	CreateIfMissing bool   `json:"createIfMissing,omitempty"`
	Description     string `json:"description,omitempty"`
}

// LeaveGroupPayload asks to leave a group by id.
type LeaveGroupPayload struct {
	GroupID string `json:"groupId"`
}

// AckPayload acknowledges a client action. Delivered counts broadcast and
// session routing recipients; Status carries cancel outcomes.
type AckPayload struct {
	Action    string `json:"action"`
	GroupID   string `json:"groupId,omitempty"`
	GroupName string `json:"groupName,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Status    string `json:"status,omitempty"`
	Delivered *int   `json:"delivered,omitempty"`
}

// BroadcastPayload carries an opaque application payload to a group.
type BroadcastPayload struct {
	Payload json.RawMessage `json:"payload"`
}

// DirectPayload carries an opaque application payload to a single node.
type DirectPayload struct {
	Payload json.RawMessage `json:"payload"`
}

// SessionPayload names a session for subscribe/unsubscribe.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

// AgentRequestPayload submits a prompt to the agent backend.
type AgentRequestPayload struct {
	RequestID string `json:"requestId"`
	AgentID   string `json:"agentId,omitempty"`
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

// AgentCancelPayload requests cooperative cancellation of a pending request.
type AgentCancelPayload struct {
	RequestID string `json:"requestId"`
}

// AgentEventPayload is one execution event delivered to session observers.
type AgentEventPayload struct {
	Tag       string          `json:"tag"`
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is a structured error reply. The connection stays open for
// routing errors; only handshake failures close it.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
