// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package pworker_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/huzunjie/pworker"
)

func TestEnvelopeWireForm(t *testing.T) {
	tests := []struct {
		name string
		env  *pworker.Envelope
		want string
	}{
		{"request",
			pworker.NewRequest("a1", "resize", json.RawMessage(`{"w":640}`)),
			`{"id":"a1","req":{"type":"resize","data":{"w":640}}}`},
		{"fire-and-forget",
			pworker.NewRequest("", "note", json.RawMessage(`1`)),
			`{"req":{"type":"note","data":1}}`},
		{"reply-ok",
			pworker.NewReply("a1", true, json.RawMessage(`"done"`)),
			`{"_id":"a1","ok":1,"res":"done"}`},
		{"reply-fail",
			pworker.NewReply("a1", false, json.RawMessage(`{"error":"nope"}`)),
			`{"_id":"a1","ok":0,"res":{"error":"nope"}}`},
		{"passive",
			pworker.NewEvent("tick", json.RawMessage(`7`)),
			`{"ok":1,"res":{"type":"tick","data":7}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := string(tc.env.Encode())
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("Encoded envelope (-want, +got):\n%s", diff)
			}

			var dec pworker.Envelope
			if err := dec.Decode([]byte(got)); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if dec.IsReply() != tc.env.IsReply() {
				t.Errorf("IsReply = %v, want %v", dec.IsReply(), tc.env.IsReply())
			}
			if dec.IsPassive() != tc.env.IsPassive() {
				t.Errorf("IsPassive = %v, want %v", dec.IsPassive(), tc.env.IsPassive())
			}
			if reenc := string(dec.Encode()); reenc != tc.want {
				t.Errorf("Re-encoded envelope: got %s, want %s", reenc, tc.want)
			}
		})
	}
}

func TestEnvelopeDecodeErrors(t *testing.T) {
	tests := []string{
		`{"id":"x"}`,      // neither req nor ok
		`{"res":"data"}`,  // reply shape without ok
		`{"req":"blah"}}`, // malformed request body
		`nonsense`,
	}
	for _, input := range tests {
		var env pworker.Envelope
		if err := env.Decode([]byte(input)); err == nil {
			t.Errorf("Decode %q: got nil, want error", input)
		}
	}
}

func TestEnvelopeEvent(t *testing.T) {
	env := pworker.NewEvent("tick", json.RawMessage(`{"n":3}`))
	call, err := env.Event()
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if call.Type != "tick" {
		t.Errorf("Event type: got %q, want tick", call.Type)
	}
	if got := string(call.Data); got != `{"n":3}` {
		t.Errorf(`Event data: got %s, want {"n":3}`, got)
	}

	// A reply payload that is not a Call is rejected.
	bad := pworker.NewReply("", true, json.RawMessage(`"plain"`))
	if _, err := bad.Event(); err == nil {
		t.Error("Event on non-event payload: got nil, want error")
	}
}

func TestReservedTypes(t *testing.T) {
	if !pworker.IsReserved(pworker.TypeReady) {
		t.Errorf("IsReserved(%q) = false, want true", pworker.TypeReady)
	}
	if pworker.IsReserved("ready") {
		t.Error(`IsReserved("ready") = true, want false`)
	}
}
