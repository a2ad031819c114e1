// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package pworker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/creachadair/mds/value"
)

// An Envelope is the single wire unit exchanged over a channel.
//
// Host→worker envelopes carry a request: a correlation ID (empty when no
// reply is expected) and a typed payload. Their JSON form is
//
//	{"id": "<corr>", "req": {"type": t, "data": d}}
//
// Worker→host envelopes carry a reply or a passive message. A reply echoes
// the request's correlation ID; a passive message omits it and carries a
// typed payload in its result field. Their JSON form is
//
//	{"_id": "<corr>", "ok": 1|0, "res": r}
//
// Direction is determined by shape, not by a tag: an envelope with a
// request body is host→worker, everything else is worker→host.
type Envelope struct {
	// Host→worker fields.
	ID  string // correlation ID; empty for fire-and-forget
	Req *Call  // the request payload

	// Worker→host fields.
	RID string          // correlation ID of the request being answered
	OK  bool            // whether the request succeeded
	Res json.RawMessage // reply payload, or a Call for passive messages
}

// A Call is a typed payload: a request body in host→worker envelopes, and
// the content of a passive message in worker→host envelopes.
type Call struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Event types beginning with ReservedPrefix are reserved by the protocol
// and MUST NOT be used for application messages.
const ReservedPrefix = "@"

// TypeReady is the reserved passive event with which the worker side
// announces that its bootstrap and user body have finished initializing.
// The host flips readiness on the first occurrence per channel.
const TypeReady = ReservedPrefix + "ready"

// IsReserved reports whether etype is reserved by the protocol.
func IsReserved(etype string) bool { return strings.HasPrefix(etype, ReservedPrefix) }

// NewRequest constructs a host→worker envelope for a correlated request.
func NewRequest(id, etype string, data json.RawMessage) *Envelope {
	return &Envelope{ID: id, Req: &Call{Type: etype, Data: data}}
}

// NewReply constructs a worker→host envelope answering the request with
// correlation ID id.
func NewReply(id string, ok bool, res json.RawMessage) *Envelope {
	return &Envelope{RID: id, OK: ok, Res: res}
}

// NewEvent constructs a worker→host passive envelope for the given event
// type and payload.
func NewEvent(etype string, data json.RawMessage) *Envelope {
	res, err := json.Marshal(Call{Type: etype, Data: data})
	if err != nil {
		panic(fmt.Errorf("encoding event payload: %w", err))
	}
	return &Envelope{OK: true, Res: res}
}

// IsReply reports whether e is a worker→host envelope.
func (e *Envelope) IsReply() bool { return e.Req == nil }

// IsPassive reports whether e is a worker→host envelope with no correlation
// ID, i.e. a message not sent in reply to any host request.
func (e *Envelope) IsPassive() bool { return e.IsReply() && e.RID == "" }

// Event decodes the payload of a passive envelope.
func (e *Envelope) Event() (*Call, error) {
	var call Call
	if err := json.Unmarshal(e.Res, &call); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	} else if call.Type == "" {
		return nil, fmt.Errorf("event payload has no type")
	}
	return &call, nil
}

// wireRequest is the host→worker JSON shape.
type wireRequest struct {
	ID  string `json:"id,omitempty"`
	Req *Call  `json:"req"`
}

// wireReply is the worker→host JSON shape. The ok flag encodes as the
// integers 1 and 0 and is always present, so that a reply envelope is
// recognizable even when it carries no correlation ID.
type wireReply struct {
	RID string          `json:"_id,omitempty"`
	OK  int             `json:"ok"`
	Res json.RawMessage `json:"res,omitempty"`
}

// MarshalJSON encodes e in its directional wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	if !e.IsReply() {
		return json.Marshal(wireRequest{ID: e.ID, Req: e.Req})
	}
	return json.Marshal(wireReply{RID: e.RID, OK: value.Cond(e.OK, 1, 0), Res: e.Res})
}

// UnmarshalJSON decodes either wire form into e.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var probe struct {
		ID  string          `json:"id"`
		Req *Call           `json:"req"`
		RID string          `json:"_id"`
		OK  *int            `json:"ok"`
		Res json.RawMessage `json:"res"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Req != nil {
		*e = Envelope{ID: probe.ID, Req: probe.Req}
		return nil
	}
	if probe.OK == nil {
		return fmt.Errorf("envelope has neither req nor ok")
	}
	*e = Envelope{RID: probe.RID, OK: *probe.OK != 0, Res: probe.Res}
	return nil
}

// Encode encodes e in wire format.
func (e *Envelope) Encode() []byte {
	data, err := e.MarshalJSON()
	if err != nil {
		panic(fmt.Errorf("encoding envelope: %w", err))
	}
	return data
}

// Decode decodes data in wire format into e.
func (e *Envelope) Decode(data []byte) error { return e.UnmarshalJSON(data) }

// String returns a human-friendly rendering of the envelope.
func (e *Envelope) String() string {
	if !e.IsReply() {
		return fmt.Sprintf("Request(ID=%q, Type=%q, Data=%s)", e.ID, e.Req.Type, trimData(e.Req.Data))
	}
	if e.IsPassive() {
		if call, err := e.Event(); err == nil {
			return fmt.Sprintf("Event(Type=%q, Data=%s)", call.Type, trimData(call.Data))
		}
	}
	return fmt.Sprintf("Reply(ID=%q, OK=%v, Res=%s)", e.RID, e.OK, trimData(e.Res))
}

func trimData(data json.RawMessage) string {
	if len(data) == 0 {
		return "null"
	} else if len(data) > 32 {
		return string(data[:32]) + "..."
	}
	return string(data)
}
