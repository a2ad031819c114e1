// Copyright (C) 2024 Huzunjie. All Rights Reserved.

// Package shim implements the worker-side half of the protocol: the code a
// context factory injects before and after the user's worker body. It
// installs the inbound request router, the reply-construction helper, and
// announces readiness once initialization has finished.
//
// A factory hosting the worker in-process runs a Shim directly on its end
// of the channel. Out-of-process workers implement the same behavior in
// their own runtime; this package doubles as its reference.
package shim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/huzunjie/pworker"
)

// A Shim serves protocol requests inside a worker context. A zero-valued
// Shim is ready for use, but must not be copied after any method has been
// called.
//
// Register request handlers with Handle, then call Run with the worker's
// end of the channel. Run announces readiness and serves until the channel
// closes.
type Shim struct {
	μ       sync.Mutex
	methods map[string]pworker.Method
	init    func(context.Context) error

	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch pworker.Channel
	}
}

// New constructs a new shim with no methods registered.
func New() *Shim { return new(Shim) }

// Handle registers a handler for the specified request type. Passing a nil
// handler removes any handler for the type. Handle panics if the type is
// reserved by the protocol. It returns s to permit chaining.
func (s *Shim) Handle(etype string, m pworker.Method) *Shim {
	if pworker.IsReserved(etype) {
		panic(fmt.Sprintf("cannot handle reserved event type %q", etype))
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if s.methods == nil {
		s.methods = make(map[string]pworker.Method)
	}
	if m == nil {
		delete(s.methods, etype)
	} else {
		s.methods[etype] = m
	}
	return s
}

// OnInit registers a function run by Run before readiness is announced,
// standing in for the user body's initialization. If it reports an error,
// Run fails without announcing readiness. It returns s to permit chaining.
func (s *Shim) OnInit(fn func(context.Context) error) *Shim {
	s.μ.Lock()
	defer s.μ.Unlock()
	s.init = fn
	return s
}

// Push sends a passive message to the host: a worker-initiated envelope
// carrying no correlation ID. It panics if etype is reserved.
func (s *Shim) Push(etype string, data any) error {
	if pworker.IsReserved(etype) {
		panic(fmt.Sprintf("cannot push reserved event type %q", etype))
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	return s.send(pworker.NewEvent(etype, payload))
}

// Run serves requests on ch until ch closes or ctx ends. It first runs the
// OnInit function, if any, then announces readiness with the reserved ready
// event, then routes each inbound request to its handler and replies with
// the request's correlation ID. Requests carrying no correlation ID are
// executed without a reply.
//
// Run reports nil when the channel closes normally.
func (s *Shim) Run(ctx context.Context, ch pworker.Channel) error {
	s.out.Lock()
	s.out.ch = ch
	s.out.Unlock()

	s.μ.Lock()
	init := s.init
	s.μ.Unlock()
	if init != nil {
		if err := init(ctx); err != nil {
			ch.Close()
			return fmt.Errorf("worker init: %w", err)
		}
	}
	if err := s.send(pworker.NewEvent(pworker.TypeReady, nil)); err != nil {
		return fmt.Errorf("announcing readiness: %w", err)
	}

	g := taskgroup.New(nil)
	defer g.Wait()

	stop := context.AfterFunc(ctx, func() { ch.Close() })
	defer stop()

	for {
		env, err := ch.Recv()
		if err != nil {
			if treatErrorAsSuccess(err) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if env.IsReply() {
			continue // the host does not answer requests; ignore
		}
		req := env
		g.Go(func() error { s.serve(ctx, req); return nil })
	}
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// serve runs the handler for one request and, if the request carries a
// correlation ID, sends back a reply with the same ID.
func (s *Shim) serve(ctx context.Context, env *pworker.Envelope) {
	s.μ.Lock()
	m, ok := s.methods[env.Req.Type]
	s.μ.Unlock()

	if !ok {
		s.reply(env.ID, false, errorPayload("unknown message type", env.Req.Type))
		return
	}

	res, err := func() (_ any, err error) {
		// Ensure a panic out of the handler is turned into a rejection.
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return m(ctx, env.Req.Data)
	}()
	if err != nil {
		s.reply(env.ID, false, errorPayload(err.Error(), ""))
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		s.reply(env.ID, false, errorPayload(fmt.Sprintf("encoding reply: %v", err), ""))
		return
	}
	s.reply(env.ID, true, payload)
}

func (s *Shim) reply(id string, ok bool, res json.RawMessage) {
	if id == "" {
		return // fire-and-forget request, no reply expected
	}
	s.send(pworker.NewReply(id, ok, res))
}

func errorPayload(msg, etype string) json.RawMessage {
	v := struct {
		Error string `json:"error"`
		Type  string `json:"type,omitempty"`
	}{Error: msg, Type: etype}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("encoding error payload: %w", err))
	}
	return data
}

func (s *Shim) send(env *pworker.Envelope) error {
	s.out.Lock()
	defer s.out.Unlock()
	if s.out.ch == nil {
		return errors.New("channel is not open")
	}
	return s.out.ch.Send(env)
}
