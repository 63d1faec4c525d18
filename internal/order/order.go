// Package order implements the Event Orderer (L6): it assigns a total
// order to events emitted across one or more concurrent streams so a
// client replays them in the sequence a human narrating the turn would
// expect, even when the underlying transport delivered them out of order.
//
// No single teacher file implements this; the envelope/stamp-then-sink
// shape is grounded on internal/agent/event_emitter.go and event_sink.go
// (an emitter stamps outgoing events, a sink is responsible for final
// ordering/serialization). The ordering rule itself — request_ordinal
// primary, output_index secondary, sequence_number tertiary, event_seq as
// the final tiebreak, with synthesized events placed at sequence_number+1
// of the event that provoked them — is written directly from spec §4.6.
package order

import (
	"sort"
	"sync"

	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// Key is the tuple an event is ordered by.
type Key struct {
	RequestOrdinal uint64
	OutputIndex    uint32
	SequenceNumber uint64
	EventSeq       uint64
}

// Less implements the spec §4.6 total order: request_ordinal primary,
// output_index secondary, sequence_number tertiary, event_seq final
// tiebreak.
func (k Key) Less(other Key) bool {
	if k.RequestOrdinal != other.RequestOrdinal {
		return k.RequestOrdinal < other.RequestOrdinal
	}
	if k.OutputIndex != other.OutputIndex {
		return k.OutputIndex < other.OutputIndex
	}
	if k.SequenceNumber != other.SequenceNumber {
		return k.SequenceNumber < other.SequenceNumber
	}
	return k.EventSeq < other.EventSeq
}

func keyOf(ev protocol.Event) Key {
	k := Key{RequestOrdinal: ev.Order.RequestOrdinal, EventSeq: ev.EventSeq}
	if ev.Order.OutputIndex != nil {
		k.OutputIndex = *ev.Order.OutputIndex
	}
	if ev.Order.SequenceNumber != nil {
		k.SequenceNumber = *ev.Order.SequenceNumber
	}
	return k
}

// Orderer buffers events from one or more concurrent streams and releases
// them to a consumer in order. It is safe for concurrent Push calls.
type Orderer struct {
	mu      sync.Mutex
	pending []protocol.Event
	nextSeq uint64
}

// NewOrderer creates an empty Orderer.
func NewOrderer() *Orderer {
	return &Orderer{}
}

// Push adds an event to the pending set, stamping EventSeq if the caller
// left it at zero (the Orderer owns the monotonic EventSeq counter).
func (o *Orderer) Push(ev protocol.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ev.EventSeq == 0 {
		o.nextSeq++
		ev.EventSeq = o.nextSeq
	} else if ev.EventSeq > o.nextSeq {
		o.nextSeq = ev.EventSeq
	}
	o.pending = append(o.pending, ev)
}

// Synthesize builds a synthetic event's OrderMeta placed immediately
// after provoker in the ordering — sequence_number+1 of the event that
// caused it — so e.g. a drop-guard ExecCommandEnd always sorts right
// after the ExecCommandBegin it closes out, never after later real events
// from other streams that happen to share a request_ordinal.
func Synthesize(provoker protocol.Event) protocol.OrderMeta {
	meta := protocol.OrderMeta{RequestOrdinal: provoker.Order.RequestOrdinal}
	if provoker.Order.OutputIndex != nil {
		idx := *provoker.Order.OutputIndex
		meta.OutputIndex = &idx
	}
	var seq uint64
	if provoker.Order.SequenceNumber != nil {
		seq = *provoker.Order.SequenceNumber + 1
	}
	meta.SequenceNumber = &seq
	return meta
}

// Drain sorts and returns all buffered events in order, clearing the
// buffer. Call this at a point where no more events for the drained
// request_ordinal range are expected (e.g. at a turn boundary), not on a
// tight loop against an open stream — Drain has no notion of "waiting for
// more to arrive".
func (o *Orderer) Drain() []protocol.Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := o.pending
	o.pending = nil

	sort.SliceStable(out, func(i, j int) bool {
		return keyOf(out[i]).Less(keyOf(out[j]))
	})
	return out
}

// Len reports how many events are currently buffered.
func (o *Orderer) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
