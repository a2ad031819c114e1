// Program pworker is a command-line utility for interacting with worker
// contexts that speak the pworker envelope protocol.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/huzunjie/pworker"
	"github.com/huzunjie/pworker/process"
	"github.com/huzunjie/pworker/source"
)

var bundleFlags struct {
	URI     bool   `flag:"uri,Treat the argument as a URI to fetch"`
	Before  string `flag:"before,Source text prepended to the body"`
	After   string `flag:"after,Source text appended to the body"`
	Globals string `flag:"globals,JSON object of global bindings"`
}

var callFlags struct {
	Worker  string        `flag:"worker,Worker program command line (use {} for the bundle path)"`
	Type    string        `flag:"type,Message type to send"`
	Data    string        `flag:"data,JSON request payload"`
	Timeout time.Duration `flag:"timeout,default=30s,Reply timeout"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for interacting with pworker worker contexts.",
		Commands: []*command.C{
			{
				Name:  "bundle",
				Usage: "<file|->",
				Help: `Build and print a worker source bundle.

The argument names a file containing the worker body, or "-" to read the
body from stdin. With -uri, the argument is fetched over HTTP(S) instead.
The -before and -after fragments and the -globals bindings are composed
around the body exactly as Init composes them at bootstrap time.`,
				SetFlags: command.Flags(flax.MustBind, &bundleFlags),
				Run:      runBundle,
			},
			{
				Name:  "call",
				Usage: "<file|->",
				Help: `Boot a worker process and issue one request.

The worker program given by -worker is started with the materialized
bundle path substituted for {} (or appended), spoken to over stdio, and
sent one request of the given -type and -data once it announces
readiness. The reply payload is printed to stdout.`,
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func bodySource(env *command.Env, isURI bool) (*source.Source, error) {
	if len(env.Args) != 1 {
		return nil, env.Usagef("missing body argument")
	}
	arg := env.Args[0]
	switch {
	case isURI:
		return source.URI(arg), nil
	case arg == "-":
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return source.Text(string(body)), nil
	default:
		body, err := os.ReadFile(arg)
		if err != nil {
			return nil, err
		}
		return source.Text(string(body)), nil
	}
}

func parseGlobals(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(s), &vars); err != nil {
		return nil, fmt.Errorf("invalid -globals: %w", err)
	}
	return vars, nil
}

func runBundle(env *command.Env) error {
	body, err := bodySource(env, bundleFlags.URI)
	if err != nil {
		return err
	}
	vars, err := parseGlobals(bundleFlags.Globals)
	if err != nil {
		return err
	}

	b := source.NewBuilder().Globals(vars).Body(body)
	if bundleFlags.Before != "" {
		b.Before(source.Text(bundleFlags.Before))
	}
	if bundleFlags.After != "" {
		b.After(source.Text(bundleFlags.After))
	}
	bundle, err := b.Bundle(env.Context())
	if err != nil {
		return err
	}
	fmt.Println(bundle.Text)
	return nil
}

func runCall(env *command.Env) error {
	if callFlags.Worker == "" {
		return env.Usagef("missing -worker command")
	}
	if callFlags.Type == "" {
		return env.Usagef("missing -type")
	}
	body, err := bodySource(env, false)
	if err != nil {
		return err
	}

	var data json.RawMessage
	if callFlags.Data != "" {
		if !json.Valid([]byte(callFlags.Data)) {
			return fmt.Errorf("invalid -data: not JSON")
		}
		data = json.RawMessage(callFlags.Data)
	}

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()

	w := pworker.New()
	defer w.Terminate()
	err = w.Init(ctx, body, &pworker.Options{
		Factory: &process.Factory{
			Command: strings.Fields(callFlags.Worker),
			Stderr:  os.Stderr,
		},
	})
	if err != nil {
		return fmt.Errorf("boot worker: %w", err)
	}

	res, err := w.Emit(ctx, callFlags.Type, data)
	if err != nil {
		return err
	}
	fmt.Println(string(res))
	return nil
}
