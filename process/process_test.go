// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package process

import (
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/huzunjie/pworker/source"
)

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want []string
	}{
		{"bare-placeholder",
			[]string{"runner", "{}"},
			[]string{"runner", "/tmp/x.src"}},
		{"embedded-placeholder",
			[]string{"runner", "--source={}"},
			[]string{"runner", "--source=/tmp/x.src"}},
		{"multiple-placeholders",
			[]string{"runner", "{}", "--alt", "{}"},
			[]string{"runner", "/tmp/x.src", "--alt", "/tmp/x.src"}},
		{"no-placeholder-appends",
			[]string{"runner", "--fast"},
			[]string{"runner", "--fast", "/tmp/x.src"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := substitute(tc.argv, "/tmp/x.src")
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Substituted argv (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestWriteScratch(t *testing.T) {
	check := func(t *testing.T, bundle *source.Bundle, want string) {
		t.Helper()
		path, err := writeScratch(bundle)
		if err != nil {
			t.Fatalf("writeScratch: unexpected error: %v", err)
		}
		defer os.Remove(path)

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Reading scratch file: %v", err)
		}
		if got := string(data); got != want {
			t.Errorf("Scratch contents: got %q, want %q", got, want)
		}
		fi, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat scratch file: %v", err)
		}
		if perm := fi.Mode().Perm(); perm != 0o600 {
			t.Errorf("Scratch mode: got %v, want 0600", perm)
		}
	}

	t.Run("text", func(t *testing.T) {
		check(t, &source.Bundle{Text: "body();"}, "body();")
	})
	t.Run("blob", func(t *testing.T) {
		check(t, &source.Bundle{Blob: []byte{0, 1, 2}}, "\x00\x01\x02")
	})
}
