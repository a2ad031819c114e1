// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package pworker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAborted is reported for a pending request rejected by [Worker.Remove],
// or by its Emit context ending before the reply arrived.
var ErrAborted = errors.New("request aborted")

// ErrTerminated is reported for operations on a terminated worker, and to
// callers still blocked on a reply when the channel is torn down.
var ErrTerminated = errors.New("worker terminated")

// A RemoteError is reported when the worker side explicitly rejected a
// request. Data carries the worker-supplied payload verbatim; at the
// protocol level it is indistinguishable from any other reply payload.
type RemoteError struct {
	Data json.RawMessage
}

// Error satisfies the error interface.
func (r *RemoteError) Error() string {
	if len(r.Data) == 0 {
		return "remote error"
	}
	return fmt.Sprintf("remote error: %s", trimData(r.Data))
}

// A WriteError is reported when the channel refused to accept an outbound
// send, for example after termination. It rejects only the call that
// attempted the write.
type WriteError struct {
	Err error // the underlying channel error
}

// Unwrap reports the underlying error of w.
func (w *WriteError) Unwrap() error { return w.Err }

// Error satisfies the error interface.
func (w *WriteError) Error() string { return fmt.Sprintf("channel write: %v", w.Err) }
