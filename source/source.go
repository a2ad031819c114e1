// Copyright (C) 2024 Huzunjie. All Rights Reserved.

// Package source defines descriptors for worker body sources and a builder
// that composes them with protocol bootstrap fragments into a bundle a
// context factory can instantiate.
//
// A source is one of: an in-memory binary blob, a URI to fetch, a literal
// source text, or a code-producing function. The extraction rule for a
// code-producing function is documented on [Func]: it is called once at
// bundle time and its return value is used as the fragment's text.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// A Source describes where the text (or binary image) of a worker body or
// bootstrap fragment comes from. Use the Blob, URI, Text, or Func
// constructors; a zero Source is empty text.
type Source struct {
	blob []byte
	uri  string
	text string
	fn   func() string
}

// Blob describes a prebuilt binary worker image. A blob cannot be combined
// with textual fragments; see Builder.Bundle.
func Blob(data []byte) *Source { return &Source{blob: data} }

// URI describes a source to be fetched over HTTP(S) at bundle time.
func URI(u string) *Source { return &Source{uri: u} }

// Text describes a literal source text.
func Text(s string) *Source { return &Source{text: s} }

// Func describes a code-producing source: fn is called once when the bundle
// is built, and its return value is used as the source text.
func Func(fn func() string) *Source { return &Source{fn: fn} }

// IsBlob reports whether s is a binary blob source.
func (s *Source) IsBlob() bool { return s != nil && s.blob != nil }

// resolve returns the textual form of s, fetching URIs with cl.
func (s *Source) resolve(ctx context.Context, cl *http.Client) (string, error) {
	switch {
	case s == nil:
		return "", nil
	case s.blob != nil:
		return "", errors.New("binary source has no textual form")
	case s.fn != nil:
		return s.fn(), nil
	case s.uri != "":
		return fetch(ctx, cl, s.uri)
	default:
		return s.text, nil
	}
}

func fetch(ctx context.Context, cl *http.Client, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", uri, err)
	}
	rsp, err := cl.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", uri, err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: unexpected status %s", uri, rsp.Status)
	}
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", uri, err)
	}
	return string(body), nil
}

// A Bundle is a fully resolved worker source: either a binary image or a
// concatenated text comprising prologue, global bindings, body, and
// epilogue. Exactly one of Blob and Text is populated.
type Bundle struct {
	Blob []byte // binary worker image, if the body was a blob
	Text string // concatenated source text otherwise
}

// A Builder composes typed source fragments into a Bundle. The zero value
// is ready for use; methods return the builder to permit chaining.
type Builder struct {
	client   *http.Client
	prologue []*Source
	globals  map[string]any
	body     *Source
	epilogue []*Source
}

// NewBuilder constructs a new empty builder.
func NewBuilder() *Builder { return new(Builder) }

// HTTPClient sets the client used to fetch URI sources.
// If it is not set, http.DefaultClient is used.
func (b *Builder) HTTPClient(cl *http.Client) *Builder { b.client = cl; return b }

// Before appends fragments to the bundle's prologue.
func (b *Builder) Before(frags ...*Source) *Builder {
	b.prologue = append(b.prologue, frags...)
	return b
}

// Globals sets the bindings materialized between the prologue and the body.
func (b *Builder) Globals(vars map[string]any) *Builder { b.globals = vars; return b }

// Body sets the worker body source.
func (b *Builder) Body(src *Source) *Builder { b.body = src; return b }

// After appends fragments to the bundle's epilogue.
func (b *Builder) After(frags ...*Source) *Builder {
	b.epilogue = append(b.epilogue, frags...)
	return b
}

// Bundle resolves all fragments and concatenates them in order: prologue,
// global bindings, body, epilogue. Global bindings are rendered in name
// order as "var <name> = <json>;" lines.
//
// A blob body passes through unmodified; combining a blob with fragments or
// globals is an error, as a binary image cannot be recomposed.
func (b *Builder) Bundle(ctx context.Context) (*Bundle, error) {
	if b.body.IsBlob() {
		if len(b.prologue) != 0 || len(b.epilogue) != 0 || len(b.globals) != 0 {
			return nil, errors.New("bundle: cannot compose fragments around a binary source")
		}
		return &Bundle{Blob: b.body.blob}, nil
	}

	cl := b.client
	if cl == nil {
		cl = http.DefaultClient
	}

	var parts []string
	add := func(src *Source) error {
		text, err := src.resolve(ctx, cl)
		if err != nil {
			return err
		}
		if text != "" {
			parts = append(parts, text)
		}
		return nil
	}

	for _, src := range b.prologue {
		if err := add(src); err != nil {
			return nil, err
		}
	}
	if len(b.globals) != 0 {
		bindings, err := renderGlobals(b.globals)
		if err != nil {
			return nil, err
		}
		parts = append(parts, bindings)
	}
	if err := add(b.body); err != nil {
		return nil, err
	}
	for _, src := range b.epilogue {
		if err := add(src); err != nil {
			return nil, err
		}
	}
	return &Bundle{Text: strings.Join(parts, "\n")}, nil
}

// renderGlobals renders the bindings deterministically, in name order.
func renderGlobals(vars map[string]any) (string, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		val, err := json.Marshal(vars[name])
		if err != nil {
			return "", fmt.Errorf("global %q: %w", name, err)
		}
		fmt.Fprintf(&sb, "var %s = %s;\n", name, val)
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}
