// Package server defines the relay's wire envelope and the tagged set of
// events the router understands.
package server

import (
	"bytes"
	"encoding/json"

	"github.com/samber/oops"
)

// Event names on the wire. Outbound names mirror inbound names.
const (
	EventMemberStatusUpdate = "memberStatusUpdate"
	EventMemberRoleUpdate   = "memberRoleUpdate"
	EventMemberKicked       = "memberKicked"
	EventDirectMessage      = "directMessage"
	EventCallSignal         = "callSignal"
	EventCallEnded          = "callEnded"
	EventError              = "error"
)

// RelayEventNames lists every event the relay delivers to clients on behalf
// of a sender, in table order.
var RelayEventNames = []string{
	EventMemberStatusUpdate,
	EventMemberRoleUpdate,
	EventMemberKicked,
	EventDirectMessage,
	EventCallSignal,
	EventCallEnded,
}

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusIdle    = "idle"
	StatusDND     = "dnd"
)

// Member roles.
const (
	RoleAdmin     = "ADMIN"
	RoleModerator = "MODERATOR"
	RoleMember    = "MEMBER"
)

// Signal types.
const (
	SignalOffer     = "offer"
	SignalAnswer    = "answer"
	SignalCandidate = "candidate"
)

// Event is one decoded inbound event. The set of implementations is closed.
type Event interface {
	Name() string
	isEvent()
}

// MemberStatusUpdate announces a presence change to a server room.
type MemberStatusUpdate struct {
	UserID   string `json:"userId" validate:"required"`
	Status   string `json:"status" validate:"required,oneof=online offline idle dnd"`
	ServerID string `json:"serverId" validate:"required"`
}

// MemberRoleUpdate announces a role change to a server room.
type MemberRoleUpdate struct {
	MemberID string `json:"memberId" validate:"required"`
	Role     string `json:"role" validate:"required,oneof=ADMIN MODERATOR MEMBER"`
	ServerID string `json:"serverId" validate:"required"`
}

// MemberKicked announces a removal to a server room.
type MemberKicked struct {
	MemberID string `json:"memberId" validate:"required"`
	ServerID string `json:"serverId" validate:"required"`
}

// DirectMessage lists the fields a direct message must carry. The relay
// forwards the whole data object, undeclared fields included.
type DirectMessage struct {
	ID         string `json:"id" validate:"required"`
	Content    string `json:"content" validate:"required"`
	SenderID   string `json:"senderId" validate:"required"`
	ReceiverID string `json:"receiverId" validate:"required"`
	CreatedAt  string `json:"createdAt" validate:"required"`
}

// CallSignal carries one WebRTC negotiation step. The body named by Type must
// be present; From is always set by the relay. Undeclared fields are
// forwarded untouched.
type CallSignal struct {
	Type      string          `json:"type" validate:"required,oneof=offer answer candidate"`
	To        string          `json:"to" validate:"required"`
	From      string          `json:"from,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// CallEnded tells the peer the call is over.
type CallEnded struct {
	To string `json:"to" validate:"required"`
}

func (*MemberStatusUpdate) Name() string { return EventMemberStatusUpdate }
func (*MemberRoleUpdate) Name() string   { return EventMemberRoleUpdate }
func (*MemberKicked) Name() string       { return EventMemberKicked }
func (*DirectMessage) Name() string      { return EventDirectMessage }
func (*CallSignal) Name() string         { return EventCallSignal }
func (*CallEnded) Name() string          { return EventCallEnded }

func (*MemberStatusUpdate) isEvent() {}
func (*MemberRoleUpdate) isEvent()   {}
func (*MemberKicked) isEvent()       {}
func (*DirectMessage) isEvent()      {}
func (*CallSignal) isEvent()         {}
func (*CallEnded) isEvent()          {}

// body returns the negotiation payload selected by Type.
func (c *CallSignal) body() json.RawMessage {
	switch c.Type {
	case SignalOffer:
		return c.Offer
	case SignalAnswer:
		return c.Answer
	case SignalCandidate:
		return c.Candidate
	default:
		return nil
	}
}

// Outbound payloads for server-room events.
type (
	StatusPayload struct {
		UserID string `json:"userId"`
		Status string `json:"status"`
	}

	RolePayload struct {
		MemberID string `json:"memberId"`
		Role     string `json:"role"`
	}

	KickPayload struct {
		MemberID string `json:"memberId"`
	}

	ErrorPayload struct {
		Code    string `json:"code"`
		Event   string `json:"event,omitempty"`
		Message string `json:"message"`
	}
)

var eventFactories = map[string]func() Event{
	EventMemberStatusUpdate: func() Event { return &MemberStatusUpdate{} },
	EventMemberRoleUpdate:   func() Event { return &MemberRoleUpdate{} },
	EventMemberKicked:       func() Event { return &MemberKicked{} },
	EventDirectMessage:      func() Event { return &DirectMessage{} },
	EventCallSignal:         func() Event { return &CallSignal{} },
	EventCallEnded:          func() Event { return &CallEnded{} },
}

// IsRelayEvent reports whether name is one of the relayed event names.
func IsRelayEvent(name string) bool {
	_, ok := eventFactories[name]
	return ok
}

// DecodeEvent parses a raw inbound frame into its typed event.
// It does not validate field contents.
func DecodeEvent(raw []byte) (Event, error) {
	ev, _, err := DecodeFrame(raw)
	return ev, err
}

// DecodeFrame is DecodeEvent that also returns the frame's data object as
// received, including fields the typed event does not declare.
func DecodeFrame(raw []byte) (Event, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, oops.Code(CodeInvalidPayload).Wrapf(err, "decode envelope")
	}

	factory, ok := eventFactories[env.Event]
	if !ok {
		return nil, nil, oops.Code(CodeUnknownEvent).
			With("event", env.Event).
			Errorf("unknown event %q", env.Event)
	}

	ev := factory()
	if isNull(env.Data) {
		return nil, nil, oops.Code(CodeInvalidPayload).
			With("event", env.Event).
			Errorf("event %q has no data", env.Event)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, nil, oops.Code(CodeInvalidPayload).
			With("event", env.Event).
			Wrapf(err, "decode %s", env.Event)
	}
	return ev, env.Data, nil
}

// withField returns the data object with key set to value. Every other
// field is kept as received.
func withField(data json.RawMessage, key, value string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, oops.Code(CodeInvalidPayload).With("field", key).Wrapf(err, "decode data object")
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, oops.With("field", key).Wrapf(err, "encode field")
	}
	fields[key] = encoded

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, oops.With("field", key).Wrapf(err, "encode data object")
	}
	return out, nil
}

// EncodeFrame builds an outbound frame. A nil payload produces a frame
// without data.
func EncodeFrame(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, oops.With("event", event).Wrapf(err, "encode payload")
		}
		if !isNull(data) {
			env.Data = data
		}
	}

	frame, err := json.Marshal(env)
	if err != nil {
		return nil, oops.With("event", event).Wrapf(err, "encode frame")
	}
	return frame, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
