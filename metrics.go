// Copyright (C) 2024 Huzunjie. All Rights Reserved.

package pworker

import "expvar"

// workerMetrics record worker activity counters.
type metrics struct {
	envRecv      expvar.Int
	envSent      expvar.Int
	envIgnored   expvar.Int // inbound envelopes dropped after termination
	emitOut      expvar.Int // number of correlated requests sent
	emitErr      expvar.Int // number of correlated requests reporting an error
	emitPending  expvar.Int // gauge of requests awaiting a reply
	replyStale   expvar.Int // replies matching no pending request
	eventIn      expvar.Int // passive messages routed to a handler
	eventDropped expvar.Int // passive messages matching no handler
	queued       expvar.Int // commands captured before readiness
	removed      expvar.Int // pending requests rejected via Remove

	emap *expvar.Map
}

var workerMetrics = newMetrics()

func newMetrics() *metrics {
	m := &metrics{emap: new(expvar.Map)}
	m.emap.Set("envelopes_received", &m.envRecv)
	m.emap.Set("envelopes_sent", &m.envSent)
	m.emap.Set("envelopes_ignored", &m.envIgnored)
	m.emap.Set("emits_out", &m.emitOut)
	m.emap.Set("emits_failed", &m.emitErr)
	m.emap.Set("emits_pending", &m.emitPending)
	m.emap.Set("replies_stale", &m.replyStale)
	m.emap.Set("events_in", &m.eventIn)
	m.emap.Set("events_dropped", &m.eventDropped)
	m.emap.Set("commands_queued", &m.queued)
	m.emap.Set("requests_removed", &m.removed)
	return m
}
