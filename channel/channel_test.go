// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package channel_test

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/huzunjie/pworker"
	"github.com/huzunjie/pworker/channel"
)

func TestDirect(t *testing.T) {
	defer leaktest.Check(t)()

	a, b := channel.Direct()
	env := pworker.NewRequest("1", "hello", json.RawMessage(`"world"`))

	done := make(chan struct{})
	go func() {
		defer close(done)
		got, err := b.Recv()
		if err != nil {
			t.Errorf("Recv: unexpected error: %v", err)
			return
		}
		if diff := cmp.Diff(env.Encode(), got.Encode()); diff != "" {
			t.Errorf("Received envelope (-want, +got):\n%s", diff)
		}
	}()
	if err := a.Send(env); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	<-done

	// After close, both ends report errors; closing twice is safe.
	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := a.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Second close: got %v, want ErrClosed", err)
	}
	if err := a.Send(env); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want ErrClosed", err)
	}
	if _, err := b.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv after close: got %v, want ErrClosed", err)
	}
}

func TestIO(t *testing.T) {
	defer leaktest.Check(t)()

	pr, pw := io.Pipe()
	send := channel.IO(io.MultiReader(), pw) // write side only
	recv := channel.IO(pr, discardCloser{})

	envs := []*pworker.Envelope{
		pworker.NewRequest("a", "one", json.RawMessage(`1`)),
		pworker.NewReply("a", true, json.RawMessage(`{"x":[1,2]}`)),
		pworker.NewEvent("tick", nil),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, want := range envs {
			got, err := recv.Recv()
			if err != nil {
				t.Errorf("Recv %d: unexpected error: %v", i, err)
				return
			}
			if diff := cmp.Diff(want.Encode(), got.Encode()); diff != "" {
				t.Errorf("Envelope %d (-want, +got):\n%s", i, diff)
			}
		}
		if _, err := recv.Recv(); err != io.EOF {
			t.Errorf("Recv at EOF: got %v, want EOF", err)
		}
	}()

	for i, env := range envs {
		if err := send.Send(env); err != nil {
			t.Fatalf("Send %d: unexpected error: %v", i, err)
		}
	}
	if err := send.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	<-done
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
