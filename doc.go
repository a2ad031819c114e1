// Copyright (C) 2024 Huzunjie. All Rights Reserved.

// Package pworker turns a bare fire-and-forget message channel into a
// promise-oriented remote-call abstraction for an isolated worker context.
//
// A worker context is an isolated concurrent execution environment built by
// an external collaborator from a source descriptor (a binary blob, a URI, a
// literal source text, or a code-producing function). The collaborator is
// reached through the [ContextFactory] interface and is out of scope here;
// this package specifies only the request/response correlation and lifecycle
// protocol layered on top of the raw channel it produces.
//
// # Workers
//
// The core type defined by this package is the [Worker]. A Worker owns
// exactly one channel, one correlation-id counter, and one table of pending
// requests; none of these is shared across instances.
//
// To create and boot a worker:
//
//	w := pworker.New()
//	err := w.Init(ctx, source.Text(body), &pworker.Options{Factory: f})
//
// Init resolves only after the worker side has announced readiness. Requests
// issued before that point are buffered and replayed in order (see below).
//
// To issue a correlated request and wait for its reply:
//
//	res, err := w.Emit(ctx, "resize", map[string]int{"w": 640, "h": 480})
//
// Emit assigns a fresh correlation id, tracks the pending request, and
// settles exactly once: with the reply payload when the worker answers ok,
// or with a [*RemoteError] carrying the worker's payload when it answers
// not-ok. To send a message with no reply expected, use [Worker.Post].
//
// # Readiness and the command queue
//
// Between New and the worker's readiness announcement, every Emit and Post
// is captured in a FIFO queue rather than sent. Once readiness is confirmed
// the queue is drained strictly in order, each command waiting for its own
// settlement before the next is dispatched. If context creation fails, Init
// reports the creation error and every queued command is rejected with that
// same error, in queue order. The queue is unbounded; callers needing
// backpressure must bound it above this layer.
//
// # Passive messages
//
// A worker→host envelope without a correlation id is a passive message: a
// push the host never asked for. Passive messages are routed by event type
// to handlers registered with [Worker.HandleEvent] (or the [Options.OnEvent]
// override). A passive message matching no handler is reported to the
// diagnostic sink and counted, never silently dropped.
//
// Event types beginning with "@" are reserved by the protocol. The worker
// side announces readiness with the reserved event [TypeReady]; registering
// a passive handler for a reserved type panics.
//
// # Cancellation and teardown
//
// [Worker.Remove] rejects a selected subset of pending requests, chosen by a
// predicate over each request's original payload and creation time, without
// touching the channel. [Worker.Terminate] tears down the whole channel: it
// is idempotent, closes the channel, discards all correlation state, and
// causes any in-flight inbound message to be ignored from that point on.
//
// # Metrics
//
// Workers maintain expvar counters while running; use [Worker.Metrics] to
// obtain the map. Use [Worker.LogEnvelopes] to observe every envelope
// exchanged with the worker context.
package pworker
