// Package workers provides support code for constructing and testing
// in-process worker contexts.
package workers

import (
	"context"
	"sync"

	"github.com/creachadair/taskgroup"
	"github.com/huzunjie/pworker"
	"github.com/huzunjie/pworker/channel"
	"github.com/huzunjie/pworker/shim"
	"github.com/huzunjie/pworker/source"
)

// A Factory is a pworker.ContextFactory that hosts the worker context
// in-process: each CreateContext starts a shim goroutine on the far end of
// a direct channel. The methods given in Options.Methods are installed into
// the shim, so host-supplied handlers behave as the worker body.
//
// A Factory ignores the bundle text: in-process contexts have no separate
// runtime to load it into.
type Factory struct {
	// Shim, if set, is the shim to run for the next context instead of a
	// fresh one. Useful for preconfiguring OnInit or extra handlers.
	Shim *shim.Shim

	// Configure, if set, is called with the shim before it starts.
	Configure func(*shim.Shim)

	μ sync.Mutex
	g *taskgroup.Group
}

// NewFactory constructs a new in-process context factory.
func NewFactory() *Factory { return &Factory{g: taskgroup.New(nil)} }

// CreateContext implements the [pworker.ContextFactory] interface.
func (f *Factory) CreateContext(ctx context.Context, bundle *source.Bundle, opts *pworker.Options) (pworker.Channel, error) {
	host, work := channel.Direct()

	s := f.Shim
	if s == nil {
		s = shim.New()
	}
	for etype, m := range opts.Methods {
		s.Handle(etype, m)
	}
	if f.Configure != nil {
		f.Configure(s)
	}

	f.μ.Lock()
	if f.g == nil {
		f.g = taskgroup.New(nil)
	}
	g := f.g
	f.μ.Unlock()

	// The context lives until its channel closes, not until the bootstrap
	// context ends.
	sctx := context.WithoutCancel(ctx)
	g.Go(func() error { return s.Run(sctx, work) })
	return host, nil
}

// Wait blocks until all contexts started by f have exited.
func (f *Factory) Wait() error {
	f.μ.Lock()
	g := f.g
	f.μ.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Config configures a Local pair.
type Config struct {
	// Methods are installed into the shim as worker-side request handlers.
	Methods map[string]pworker.Method

	// Init, if set, runs in the shim before readiness is announced.
	Init func(context.Context) error

	// Options, if set, is the base bootstrap options; the Factory and
	// Methods fields are populated by NewLocal.
	Options *pworker.Options
}

// Local is a host worker wired to an in-process shim over a direct channel,
// suitable for testing.
type Local struct {
	W *pworker.Worker
	S *shim.Shim

	f *Factory
}

// NewLocal creates a host worker connected to an in-process shim serving
// cfg.Methods, and boots it to readiness.
func NewLocal(cfg Config) (*Local, error) {
	s := shim.New()
	if cfg.Init != nil {
		s.OnInit(cfg.Init)
	}
	f := NewFactory()
	f.Shim = s

	opts := cfg.Options
	if opts == nil {
		opts = new(pworker.Options)
	}
	opts.Factory = f
	if cfg.Methods != nil {
		opts.Methods = cfg.Methods
	}

	w := pworker.New()
	if err := w.Init(context.Background(), source.Text(""), opts); err != nil {
		return nil, err
	}
	return &Local{W: w, S: s, f: f}, nil
}

// Stop terminates the worker and blocks until the shim has exited.
func (l *Local) Stop() error {
	l.W.Terminate()
	return l.f.Wait()
}
