// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package pworker

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/huzunjie/pworker/source"
)

// A Channel is a bidirectional asynchronous conduit of envelopes between the
// host and a worker context. Send is fire-and-forget at the protocol level;
// Recv is the inbound event stream.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the envelope to the other side.
	Send(*Envelope) error

	// Receive the next available envelope from the channel.
	Recv() (*Envelope, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// A ContextFactory constructs an isolated worker context from a source
// bundle and returns a live channel to it. It is the external collaborator
// of this package: any error it reports (network failure, rejected source,
// failed instantiation) is propagated verbatim into the rejection of Init
// and of every queued command.
type ContextFactory interface {
	CreateContext(ctx context.Context, bundle *source.Bundle, opts *Options) (Channel, error)
}

// A Method handles one request type inside the worker context. The returned
// value is encoded as the reply payload; a non-nil error rejects the request
// instead. Factories that host the context in-process install the methods
// given in [Options.Methods]; out-of-process contexts define their own.
type Method func(ctx context.Context, data json.RawMessage) (any, error)

// An EventHandler consumes one passive message from the worker.
type EventHandler func(data json.RawMessage)

// An EnvelopeLogger logs an envelope exchanged with the worker context.
type EnvelopeLogger func(env EnvelopeInfo)

// An EnvelopeInfo combines an envelope and a flag indicating whether the
// envelope was sent or received.
type EnvelopeInfo struct {
	*Envelope      // the envelope being logged
	Sent      bool // whether the envelope was sent (true) or received (false)
}

func (e EnvelopeInfo) dir() string {
	if e.Sent {
		return "send"
	}
	return "recv"
}

func (e EnvelopeInfo) String() string {
	return fmt.Sprintf("%v %v", e.dir(), e.Envelope)
}

// Options configure the bootstrap of a worker context. The fields consumed
// by this layer are documented below; Extra passes through to the context
// factory untouched.
type Options struct {
	// Factory constructs the worker context. Required.
	Factory ContextFactory

	// Before and After are source fragments prepended and appended to the
	// worker body when the bundle is built.
	Before []*source.Source
	After  []*source.Source

	// GlobalArgs are materialized as global bindings in the worker context
	// before the body runs. Values must be JSON-serializable.
	GlobalArgs map[string]any

	// Methods are worker-side request handlers keyed by message type,
	// installed into the context by factories that host it in-process.
	Methods map[string]Method

	// Events are host-side passive handlers, registered as if by
	// HandleEvent before bootstrap begins.
	Events map[string]EventHandler

	// OnEvent, if set, overrides all passive routing: every non-reserved
	// passive message is delivered to it regardless of Events.
	OnEvent func(etype string, data json.RawMessage)

	// Extra is passed through to the context factory untouched.
	Extra map[string]any
}

type workerState int

const (
	stateUninitialized workerState = iota
	stateBootstrapping
	stateReady
	stateTerminated
	stateFailed // bootstrap failed; absorbing
)

// A Worker mediates promise-style calls to one isolated worker context.
// A zero-valued Worker is ready for use, but must not be copied after any
// method has been called.
//
// Call Init to bootstrap the context; it returns only once the worker side
// has announced readiness. Emit and Post may be called at any time before
// or after Init: calls issued before readiness are buffered and replayed in
// order once the context is live. Use Terminate to tear the context down.
//
// Emit, Post, Remove, HandleEvent, and Terminate are safe for concurrent
// use by multiple goroutines.
type Worker struct {
	μ sync.Mutex

	state   workerState
	failure error            // bootstrap failure, set once
	tasks   *taskgroup.Group // service goroutines
	boot    chan error       // signals Init: nil on readiness, else the failure

	pending map[string]*pendingCall // correlation ID → pending request
	nextID  uint64                  // last issued correlation counter value
	queue   []*queuedCommand        // commands captured before readiness

	emux    map[string]EventHandler // passive event type → handler
	onEvent func(string, json.RawMessage)
	elog    EnvelopeLogger
	sink    *slog.Logger

	out struct {
		// Must hold the lock to send to or set ch.
		sync.Mutex
		ch Channel
	}
}

// New constructs a new uninitialized worker.
func New() *Worker { return new(Worker) }

// Metrics returns a metrics map for the worker. It is safe for the caller
// to add additional metrics to the map while the worker is active. Metrics
// are shared globally among all workers.
func (w *Worker) Metrics() *expvar.Map { return workerMetrics.emap }

// HandleEvent registers a handler for passive messages of the specified
// event type. It is safe to call this while the worker is running. Passing
// a nil handler removes any handler for the type. HandleEvent panics if the
// type is reserved by the protocol. It returns w to permit chaining.
func (w *Worker) HandleEvent(etype string, fn EventHandler) *Worker {
	w.μ.Lock()
	defer w.μ.Unlock()
	w.handleEventLocked(etype, fn)
	return w
}

func (w *Worker) handleEventLocked(etype string, fn EventHandler) {
	if IsReserved(etype) {
		panic(fmt.Sprintf("cannot handle reserved event type %q", etype))
	}
	if w.emux == nil {
		w.emux = make(map[string]EventHandler)
	}
	if fn == nil {
		delete(w.emux, etype)
	} else {
		w.emux[etype] = fn
	}
}

// LogEnvelopes registers a callback invoked for each envelope exchanged
// with the worker context, including envelopes to be discarded. Passing nil
// disables envelope logging. The logger is invoked synchronously with
// dispatch. It returns w to permit chaining.
func (w *Worker) LogEnvelopes(log EnvelopeLogger) *Worker {
	w.μ.Lock()
	defer w.μ.Unlock()
	w.elog = log
	return w
}

// Diagnostics sets the logger used to report unrouted and malformed passive
// messages. If it is not set, slog.Default is used. It returns w to permit
// chaining.
func (w *Worker) Diagnostics(l *slog.Logger) *Worker {
	w.μ.Lock()
	defer w.μ.Unlock()
	w.sink = l
	return w
}

func (w *Worker) diag() *slog.Logger {
	w.μ.Lock()
	defer w.μ.Unlock()
	if w.sink != nil {
		return w.sink
	}
	return slog.Default()
}

// Init bootstraps a worker context for the given body source and blocks
// until the worker side announces readiness, then drains the command queue
// in the background and returns nil.
//
// If the bundle cannot be built or the factory fails, Init reports that
// error, every command queued so far is rejected with the same error in
// queue order, and the worker moves to a permanently failed state. Calling
// Init on a terminated worker reports ErrTerminated; calling it on a worker
// that is already bootstrapped reports an error.
func (w *Worker) Init(ctx context.Context, src *source.Source, opts *Options) error {
	if opts == nil {
		opts = new(Options)
	}
	if opts.Factory == nil {
		return errors.New("init: no context factory")
	}

	w.μ.Lock()
	switch w.state {
	case stateTerminated:
		w.μ.Unlock()
		return ErrTerminated
	case stateFailed:
		err := w.failure
		w.μ.Unlock()
		return err
	case stateBootstrapping, stateReady:
		w.μ.Unlock()
		return errors.New("init: worker is already initialized")
	}
	w.state = stateBootstrapping
	w.boot = make(chan error, 1)
	for etype, fn := range opts.Events {
		w.handleEventLocked(etype, fn)
	}
	w.onEvent = opts.OnEvent
	w.μ.Unlock()

	bundle, err := source.NewBuilder().
		Before(opts.Before...).
		Globals(opts.GlobalArgs).
		Body(src).
		After(opts.After...).
		Bundle(ctx)
	if err != nil {
		w.bootstrapFailed(err)
		return err
	}

	ch, err := opts.Factory.CreateContext(ctx, bundle, opts)
	if err != nil {
		w.bootstrapFailed(err)
		return err
	}

	g := taskgroup.New(nil)
	w.μ.Lock()
	if w.state != stateBootstrapping {
		// Terminated while the context was being created.
		w.μ.Unlock()
		ch.Close()
		return ErrTerminated
	}
	w.tasks = g
	w.pending = make(map[string]*pendingCall)
	w.nextID = 0
	w.out.Lock()
	w.out.ch = ch
	w.out.Unlock()
	w.μ.Unlock()

	g.Go(func() error {
		for {
			env, err := ch.Recv()
			if err != nil {
				w.fail(err)
				return nil
			}
			workerMetrics.envRecv.Add(1)
			w.dispatch(env)
		}
	})

	select {
	case err := <-w.boot:
		return err
	case <-ctx.Done():
		w.fail(ctx.Err())
		return ctx.Err()
	}
}

// Emit sends a correlated request of the given type to the worker context
// and blocks until the reply arrives or ctx ends. Before readiness the
// request is queued; see the package documentation.
//
// A reply answering ok resolves with its payload. A reply answering not-ok
// reports a *RemoteError carrying the worker's payload. A failed channel
// write reports a *WriteError and leaves no pending request behind. If ctx
// ends first, the request is aborted as if by Remove and Emit reports an
// error satisfying errors.Is(err, ErrAborted).
func (w *Worker) Emit(ctx context.Context, etype string, data any) (json.RawMessage, error) {
	payload, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("encoding request data: %w", err)
	}

	w.μ.Lock()
	switch w.state {
	case stateTerminated:
		w.μ.Unlock()
		return nil, ErrTerminated
	case stateFailed:
		err := w.failure
		w.μ.Unlock()
		return nil, err
	case stateReady:
		id, pc := w.addPendingLocked(payload)
		w.μ.Unlock()
		return w.roundTrip(ctx, id, pc, etype, payload)
	default:
		qc := &queuedCommand{etype: etype, data: payload, result: make(chan callResult, 1)}
		w.queue = append(w.queue, qc)
		w.μ.Unlock()
		workerMetrics.queued.Add(1)

		select {
		case r := <-qc.result:
			return r.data, r.err
		case <-ctx.Done():
			if qc.claim() {
				// Abandoned while still queued; the drain will skip it.
				return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
			}
			// The command was already dispatched; wait for it to settle.
			r := <-qc.result
			return r.data, r.err
		}
	}
}

// Post sends a fire-and-forget message of the given type to the worker
// context: no correlation ID is assigned and no reply is expected. Before
// readiness the message is queued and Post blocks until it is flushed.
func (w *Worker) Post(etype string, data any) error {
	payload, err := marshalData(data)
	if err != nil {
		return fmt.Errorf("encoding message data: %w", err)
	}

	w.μ.Lock()
	switch w.state {
	case stateTerminated:
		w.μ.Unlock()
		return ErrTerminated
	case stateFailed:
		err := w.failure
		w.μ.Unlock()
		return err
	case stateReady:
		w.μ.Unlock()
		if err := w.send(NewRequest("", etype, payload)); err != nil {
			return &WriteError{Err: err}
		}
		return nil
	default:
		qc := &queuedCommand{etype: etype, data: payload, post: true, result: make(chan callResult, 1)}
		w.queue = append(w.queue, qc)
		w.μ.Unlock()
		workerMetrics.queued.Add(1)
		r := <-qc.result
		return r.err
	}
}

// Remove scans all pending requests and rejects, with ErrAborted, every one
// whose original payload and creation time satisfy pred, removing it from
// the correlation table. All other pending requests are left untouched, and
// the channel is unaffected. It returns w to permit chaining.
func (w *Worker) Remove(pred func(payload json.RawMessage, createdAt time.Time) bool) *Worker {
	w.μ.Lock()
	var victims []*pendingCall
	for id, pc := range w.pending {
		if pred(pc.payload, pc.createdAt) {
			delete(w.pending, id)
			victims = append(victims, pc)
		}
	}
	w.μ.Unlock()

	for _, pc := range victims {
		workerMetrics.removed.Add(1)
		pc.deliver(callResult{err: ErrAborted})
	}
	return w
}

// Terminate closes the channel and discards all correlation state: the
// pending-request table, the command queue, and the ID counter. Any inbound
// envelope already in flight is ignored from this point forward. Terminate
// is idempotent; a second call is a no-op.
//
// Pending requests existing at termination time are not answered by the
// worker; their callers are released with ErrTerminated.
func (w *Worker) Terminate() {
	w.closeOut()
	w.shutdown()
}

// fail is invoked by the service routine when the channel reports an error.
func (w *Worker) fail(err error) {
	w.closeOut()

	w.μ.Lock()
	state := w.state
	w.μ.Unlock()

	switch state {
	case stateBootstrapping:
		w.bootstrapFailed(err)
		w.signalBoot(err)
	case stateReady:
		w.shutdown()
	}
}

// bootstrapFailed moves a bootstrapping worker to the failed state and
// rejects every queued command with err, preserving queue order.
func (w *Worker) bootstrapFailed(err error) {
	w.μ.Lock()
	if w.state != stateBootstrapping {
		w.μ.Unlock()
		return
	}
	w.state = stateFailed
	w.failure = err
	victims := w.queue
	w.queue = nil
	w.μ.Unlock()

	for _, qc := range victims {
		qc.deliver(callResult{err: err})
	}
}

// shutdown moves the worker to the terminated state and releases everything
// still waiting on it.
func (w *Worker) shutdown() {
	w.μ.Lock()
	if w.state == stateTerminated {
		w.μ.Unlock()
		return
	}
	prev := w.state
	w.state = stateTerminated
	pend := w.pending
	w.pending = nil
	w.nextID = 0
	victims := w.queue
	w.queue = nil
	w.μ.Unlock()

	for _, qc := range victims {
		qc.deliver(callResult{err: ErrTerminated})
	}
	for _, pc := range pend {
		pc.deliver(callResult{err: ErrTerminated})
	}
	if prev == stateBootstrapping {
		w.signalBoot(ErrTerminated)
	}
}

func (w *Worker) signalBoot(err error) {
	w.μ.Lock()
	boot := w.boot
	w.μ.Unlock()
	if boot != nil {
		select {
		case boot <- err:
		default: // Init was already signaled
		}
	}
}

// becomeReady flips readiness exactly once per channel and starts the
// serial drain of the command queue.
func (w *Worker) becomeReady() {
	w.μ.Lock()
	if w.state != stateBootstrapping {
		w.μ.Unlock()
		return // duplicate or late readiness announcement
	}
	w.state = stateReady
	g := w.tasks
	w.μ.Unlock()

	w.signalBoot(nil)
	g.Go(func() error { w.flush(); return nil })
}

// flush drains the command queue in FIFO order. Replay is strictly serial:
// a correlated command is not followed by the next until its reply settles.
func (w *Worker) flush() {
	for {
		w.μ.Lock()
		if w.state != stateReady || len(w.queue) == 0 {
			w.μ.Unlock()
			return
		}
		qc := w.queue[0]
		w.queue = w.queue[1:]
		w.μ.Unlock()

		if !qc.claim() {
			continue // the caller gave up while queued
		}
		if qc.post {
			if err := w.send(NewRequest("", qc.etype, qc.data)); err != nil {
				qc.result <- callResult{err: &WriteError{Err: err}}
			} else {
				qc.result <- callResult{}
			}
			continue
		}

		w.μ.Lock()
		if w.state != stateReady {
			w.μ.Unlock()
			qc.result <- callResult{err: ErrTerminated}
			return
		}
		id, pc := w.addPendingLocked(qc.data)
		w.μ.Unlock()

		workerMetrics.emitOut.Add(1)
		if err := w.send(NewRequest(id, qc.etype, qc.data)); err != nil {
			w.μ.Lock()
			delete(w.pending, id)
			w.μ.Unlock()
			workerMetrics.emitErr.Add(1)
			qc.result <- callResult{err: &WriteError{Err: err}}
			continue
		}

		workerMetrics.emitPending.Add(1)
		r := <-pc.result
		workerMetrics.emitPending.Add(-1)
		if r.err != nil {
			workerMetrics.emitErr.Add(1)
		}
		qc.result <- r
	}
}

// roundTrip sends a correlated request already entered in the pending table
// and waits for its settlement.
func (w *Worker) roundTrip(ctx context.Context, id string, pc *pendingCall, etype string, payload json.RawMessage) (json.RawMessage, error) {
	workerMetrics.emitOut.Add(1)
	workerMetrics.emitPending.Add(1)
	defer workerMetrics.emitPending.Add(-1)

	// Note we MUST NOT hold the state lock while sending, as that would
	// block the receiver from dispatching replies.
	if err := w.send(NewRequest(id, etype, payload)); err != nil {
		w.μ.Lock()
		delete(w.pending, id)
		w.μ.Unlock()
		workerMetrics.emitErr.Add(1)
		return nil, &WriteError{Err: err}
	}

	select {
	case r := <-pc.result:
		if r.err != nil {
			workerMetrics.emitErr.Add(1)
		}
		return r.data, r.err
	case <-ctx.Done():
		w.μ.Lock()
		if _, ok := w.pending[id]; ok {
			// Abort this one request, leaving the channel untouched.
			delete(w.pending, id)
			w.μ.Unlock()
			workerMetrics.emitErr.Add(1)
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		w.μ.Unlock()
		r := <-pc.result // the reply won the race
		if r.err != nil {
			workerMetrics.emitErr.Add(1)
		}
		return r.data, r.err
	}
}

// dispatch routes an inbound envelope from the worker context.
func (w *Worker) dispatch(env *Envelope) {
	w.μ.Lock()
	state, elog := w.state, w.elog
	w.μ.Unlock()

	if state == stateTerminated {
		workerMetrics.envIgnored.Add(1)
		return
	}
	if elog != nil {
		elog(EnvelopeInfo{Envelope: env, Sent: false})
	}

	if !env.IsReply() {
		// The protocol has no host-side request handling; the worker must
		// not issue requests to the host.
		workerMetrics.envIgnored.Add(1)
		w.diag().Warn("discarding request envelope from worker", "type", env.Req.Type)
		return
	}
	if env.IsPassive() {
		w.dispatchEvent(env)
		return
	}

	w.μ.Lock()
	pc, ok := w.pending[env.RID]
	if ok {
		delete(w.pending, env.RID)
	}
	w.μ.Unlock()
	if !ok {
		// Stale or unknown correlation ID; drop for correlation purposes.
		workerMetrics.replyStale.Add(1)
		return
	}
	if env.OK {
		pc.deliver(callResult{data: env.Res})
	} else {
		pc.deliver(callResult{err: &RemoteError{Data: env.Res}})
	}
}

// dispatchEvent routes a passive message to the readiness gate, the OnEvent
// override, or a registered handler, in that order of precedence.
func (w *Worker) dispatchEvent(env *Envelope) {
	call, err := env.Event()
	if err != nil {
		workerMetrics.eventDropped.Add(1)
		w.diag().Warn("discarding malformed passive message", "err", err)
		return
	}
	if call.Type == TypeReady {
		w.becomeReady()
		return
	}
	if IsReserved(call.Type) {
		workerMetrics.eventDropped.Add(1)
		w.diag().Warn("discarding reserved passive message", "type", call.Type)
		return
	}

	w.μ.Lock()
	onEvent := w.onEvent
	fn := w.emux[call.Type]
	w.μ.Unlock()

	switch {
	case onEvent != nil:
		workerMetrics.eventIn.Add(1)
		onEvent(call.Type, call.Data)
	case fn != nil:
		workerMetrics.eventIn.Add(1)
		fn(call.Data)
	default:
		workerMetrics.eventDropped.Add(1)
		w.diag().Warn("unrouted passive message", "type", call.Type)
	}
}

// addPendingLocked allocates a fresh correlation ID and enters a pending
// request for it. The caller must hold μ and the worker must be ready.
func (w *Worker) addPendingLocked(payload json.RawMessage) (string, *pendingCall) {
	w.nextID++
	id := strconv.FormatUint(w.nextID, 36)
	pc := &pendingCall{
		payload:   payload,
		createdAt: time.Now(),
		result:    make(chan callResult, 1),
	}
	w.pending[id] = pc
	return id, pc
}

func (w *Worker) send(env *Envelope) error {
	w.μ.Lock()
	elog := w.elog
	w.μ.Unlock()

	w.out.Lock()
	defer w.out.Unlock()
	if w.out.ch == nil {
		return errors.New("channel is not open")
	}
	workerMetrics.envSent.Add(1)
	if elog != nil {
		elog(EnvelopeInfo{Envelope: env, Sent: true})
	}
	return w.out.ch.Send(env)
}

func (w *Worker) closeOut() {
	w.out.Lock()
	defer w.out.Unlock()
	if w.out.ch != nil {
		w.out.ch.Close()
	}
}

type callResult struct {
	data json.RawMessage
	err  error
}

// A pendingCall tracks one correlated request from the moment it is sent
// until a matching reply arrives, it is removed, or the channel is torn
// down. Every path delivering a result first deletes the entry from the
// pending table under μ, so at most one result is ever delivered.
type pendingCall struct {
	payload   json.RawMessage
	createdAt time.Time
	result    chan callResult // buffered, receives exactly one result
}

func (p *pendingCall) deliver(r callResult) { p.result <- r }

// A queuedCommand holds one Emit or Post captured before readiness.
// Whoever claims the command owns delivering its result.
type queuedCommand struct {
	etype   string
	data    json.RawMessage
	post    bool
	claimed atomic.Bool
	result  chan callResult // buffered 1
}

func (q *queuedCommand) claim() bool { return q.claimed.CompareAndSwap(false, true) }

func (q *queuedCommand) deliver(r callResult) bool {
	if !q.claim() {
		return false
	}
	q.result <- r
	return true
}

func marshalData(data any) (json.RawMessage, error) {
	switch t := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	default:
		return json.Marshal(data)
	}
}
