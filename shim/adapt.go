// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package shim

import (
	"context"
	"encoding/json"

	"github.com/huzunjie/pworker"
)

// Adapters to the pworker.Method type for functions with typed signatures.
// Parameters decode from the request payload as JSON; results encode back
// the same way.

// Func adapts a function accepting parameters of type P and returning a
// result of type R and an error, to a pworker.Method.
func Func[P, R any](f func(context.Context, P) (R, error)) pworker.Method {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		var p P
		if len(data) != 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
		}
		return f(ctx, p)
	}
}

// Value adapts a function accepting no parameters and returning a result of
// type R and an error, to a pworker.Method.
func Value[R any](f func(context.Context) (R, error)) pworker.Method {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		return f(ctx)
	}
}

// Ack adapts a function accepting parameters of type P and returning only
// an error, to a pworker.Method. A successful call replies with null.
func Ack[P any](f func(context.Context, P) error) pworker.Method {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		var p P
		if len(data) != 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return nil, err
			}
		}
		return nil, f(ctx, p)
	}
}
