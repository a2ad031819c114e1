// Copyright (C) 2024 Huzunjie. All Rights Reserved.

// Package channel provides implementations of the pworker.Channel interface.
package channel

import (
	"bufio"
	"encoding/json"
	"io"
	"net"

	"github.com/huzunjie/pworker"
)

// Direct constructs a connected pair of in-memory channels that pass
// envelopes directly without encoding. Envelopes sent to A are received by
// B and vice versa.
func Direct() (A, B pworker.Channel) {
	a2b := make(chan *pworker.Envelope)
	b2a := make(chan *pworker.Envelope)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *pworker.Envelope
	b2a <-chan *pworker.Envelope
}

// Send implements a method of the [pworker.Channel] interface.
func (d direct) Send(env *pworker.Envelope) (err error) {
	defer safeClose(&err)
	d.a2b <- env
	return nil
}

// Recv implements a method of the [pworker.Channel] interface.
func (d direct) Recv() (*pworker.Envelope, error) {
	env, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return env, nil
}

// Close implements a method of the [pworker.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc. Envelopes
// are framed as newline-delimited JSON in their wire form.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	bw := bufio.NewWriter(wc)
	return IOChannel{dec: json.NewDecoder(bufio.NewReader(r)), enc: json.NewEncoder(bw), w: bw, c: wc}
}

// An IOChannel sends and receives envelopes on a reader and a writer.
type IOChannel struct {
	dec *json.Decoder
	enc *json.Encoder
	w   *bufio.Writer
	c   io.Closer
}

// Send implements a method of the [pworker.Channel] interface.
func (c IOChannel) Send(env *pworker.Envelope) error {
	if err := c.enc.Encode(env); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [pworker.Channel] interface.
func (c IOChannel) Recv() (*pworker.Envelope, error) {
	var env pworker.Envelope
	if err := c.dec.Decode(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Close implements a method of the [pworker.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
