// Copyright (C) 2024 Huzunjie. All Rights Reserved.

// Package process provides a pworker.ContextFactory that runs the worker
// context in a subprocess, exchanging envelopes as newline-delimited JSON
// over the child's stdin and stdout.
//
// The child program must implement the worker-side half of the protocol:
// announce readiness with the reserved ready event once initialized, and
// answer each request envelope with a reply carrying the same correlation
// ID. See the shim package for the reference behavior.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/huzunjie/pworker"
	"github.com/huzunjie/pworker/channel"
	"github.com/huzunjie/pworker/source"
)

// Placeholder in a Factory command that is replaced by the path of the
// materialized source bundle.
const Placeholder = "{}"

// A Factory launches one subprocess per context. The bundle is written to a
// scratch file whose path replaces the Placeholder in Command; if Command
// contains no placeholder, the path is appended as the final argument.
type Factory struct {
	// Command is the argv of the worker program. Required.
	Command []string

	// Dir, if set, is the working directory of the worker process.
	Dir string

	// Env, if set, replaces the environment of the worker process.
	Env []string

	// Stderr, if set, receives the worker's standard error.
	Stderr io.Writer
}

// CreateContext implements the [pworker.ContextFactory] interface. Any
// failure to materialize the bundle or start the process is a
// context-creation error.
func (f *Factory) CreateContext(ctx context.Context, bundle *source.Bundle, opts *pworker.Options) (pworker.Channel, error) {
	if len(f.Command) == 0 {
		return nil, errors.New("process factory: no command")
	}

	path, err := writeScratch(bundle)
	if err != nil {
		return nil, err
	}

	argv := substitute(f.Command, path)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = f.Dir
	cmd.Env = f.Env
	cmd.Stderr = f.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("starting worker process: %w", err)
	}

	return &procChannel{
		IOChannel: channel.IO(stdout, stdin),
		cmd:       cmd,
		scratch:   path,
	}, nil
}

// writeScratch materializes the bundle to a scratch file and returns its
// path.
func writeScratch(bundle *source.Bundle) (string, error) {
	data := bundle.Blob
	if data == nil {
		data = []byte(bundle.Text)
	}
	path := filepath.Join(os.TempDir(), "pworker-"+uuid.NewString()+".src")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("materializing bundle: %w", err)
	}
	return path, nil
}

// substitute replaces the placeholder in argv with path, or appends path if
// no argument contains it.
func substitute(argv []string, path string) []string {
	out := make([]string, len(argv))
	found := false
	for i, arg := range argv {
		if strings.Contains(arg, Placeholder) {
			out[i] = strings.ReplaceAll(arg, Placeholder, path)
			found = true
		} else {
			out[i] = arg
		}
	}
	if !found {
		out = append(out, path)
	}
	return out
}

// A procChannel is an IO channel bound to the lifetime of a subprocess.
type procChannel struct {
	channel.IOChannel

	cmd     *exec.Cmd
	scratch string

	once sync.Once
	cerr error
}

// Close closes the child's stdin, kills the process, reaps it, and removes
// the scratch file. It is safe to call more than once.
func (p *procChannel) Close() error {
	p.once.Do(func() {
		p.cerr = p.IOChannel.Close()
		p.cmd.Process.Kill()
		p.cmd.Wait()
		os.Remove(p.scratch)
	})
	return p.cerr
}
