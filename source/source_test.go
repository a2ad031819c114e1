// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package source_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/huzunjie/pworker/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleComposition(t *testing.T) {
	ctx := context.Background()

	bundle, err := source.NewBuilder().
		Before(source.Text("prologue();")).
		Globals(map[string]any{
			"zeta":  true,
			"alpha": map[string]int{"n": 3},
		}).
		Body(source.Text("body();")).
		After(source.Func(func() string { return "epilogue();" })).
		Bundle(ctx)
	require.NoError(t, err)

	// Globals render between prologue and body, in name order.
	want := "prologue();\n" +
		`var alpha = {"n":3};` + "\n" +
		"var zeta = true;\n" +
		"body();\n" +
		"epilogue();"
	assert.Equal(t, want, bundle.Text)
	assert.Nil(t, bundle.Blob)
}

func TestBundleBodyOnly(t *testing.T) {
	bundle, err := source.NewBuilder().Body(source.Text("only();")).Bundle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only();", bundle.Text)
}

func TestFuncExtraction(t *testing.T) {
	calls := 0
	src := source.Func(func() string { calls++; return "generated();" })

	bundle, err := source.NewBuilder().Body(src).Bundle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "generated();", bundle.Text)
	assert.Equal(t, 1, calls, "the producing function is called exactly once per bundle")
}

func TestBlobPassthrough(t *testing.T) {
	img := []byte{0x00, 0x61, 0x73, 0x6d}
	bundle, err := source.NewBuilder().Body(source.Blob(img)).Bundle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, img, bundle.Blob)
	assert.Empty(t, bundle.Text)
}

func TestBlobRejectsFragments(t *testing.T) {
	_, err := source.NewBuilder().
		Before(source.Text("nope();")).
		Body(source.Blob([]byte{1})).
		Bundle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary source")
}

func TestURIFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/worker.src" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("fetched();"))
	}))
	defer srv.Close()

	b := source.NewBuilder().HTTPClient(srv.Client())

	bundle, err := b.Body(source.URI(srv.URL + "/worker.src")).Bundle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fetched();", bundle.Text)

	// A non-2xx response is a context-creation error.
	_, err = source.NewBuilder().
		HTTPClient(srv.Client()).
		Body(source.URI(srv.URL + "/missing")).
		Bundle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}
