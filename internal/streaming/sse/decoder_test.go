package sse

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestDecoderDropsDuplicateSequenceNumber(t *testing.T) {
	stream := "event: response.reasoning_text.delta\n" +
		`data: {"type":"response.reasoning_text.delta","item_id":"r1","output_index":0,"content_index":0,"sequence_number":7,"delta":"hello"}` + "\n\n" +
		"event: response.reasoning_text.delta\n" +
		`data: {"type":"response.reasoning_text.delta","item_id":"r1","output_index":0,"content_index":0,"sequence_number":7,"delta":"hello"}` + "\n\n" +
		"event: response.completed\n" +
		`data: {"type":"response.completed","response":{"id":"resp_1"}}` + "\n\n"

	d := NewDecoder(strings.NewReader(stream), 0)
	ctx := context.Background()

	first, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Kind != KindReasoningTextDelta {
		t.Fatalf("expected reasoning delta, got %v", first.Kind)
	}

	second, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Kind != KindCompleted {
		t.Fatalf("expected the duplicate delta to be suppressed, got %v", second.Kind)
	}
}

func TestDecoderLowerOrEqualSequenceSuppressed(t *testing.T) {
	stream := "event: response.output_text.delta\n" +
		`data: {"type":"response.output_text.delta","item_id":"m1","output_index":0,"content_index":0,"sequence_number":5,"delta":"a"}` + "\n\n" +
		"event: response.output_text.delta\n" +
		`data: {"type":"response.output_text.delta","item_id":"m1","output_index":0,"content_index":0,"sequence_number":4,"delta":"b"}` + "\n\n" +
		"event: response.output_text.delta\n" +
		`data: {"type":"response.output_text.delta","item_id":"m1","output_index":0,"content_index":0,"sequence_number":6,"delta":"c"}` + "\n\n"

	d := NewDecoder(strings.NewReader(stream), 0)
	ctx := context.Background()

	ev, err := d.Next(ctx)
	if err != nil || ev.SequenceNumber == nil || *ev.SequenceNumber != 5 {
		t.Fatalf("expected seq 5 first, got %+v err=%v", ev, err)
	}
	ev, err = d.Next(ctx)
	if err != nil || ev.SequenceNumber == nil || *ev.SequenceNumber != 6 {
		t.Fatalf("expected seq 6 next (seq 4 suppressed), got %+v err=%v", ev, err)
	}
}

func TestDecoderPrematureEOFYieldsStreamError(t *testing.T) {
	stream := "event: response.created\n" +
		`data: {"type":"response.created"}` + "\n\n"

	d := NewDecoder(strings.NewReader(stream), 0)
	ctx := context.Background()

	ev, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error on first event: %v", err)
	}
	if ev.Kind != KindCreated {
		t.Fatalf("expected created event, got %v", ev.Kind)
	}

	_, err = d.Next(ctx)
	if err == nil {
		t.Fatalf("expected stream error on premature EOF")
	}
	if _, ok := err.(*StreamError); !ok {
		t.Fatalf("expected *StreamError, got %T: %v", err, err)
	}
}

func TestDecoderCompletedStopsStream(t *testing.T) {
	stream := "event: response.completed\n" +
		`data: {"type":"response.completed","response":{"id":"resp_1"}}` + "\n\n"

	d := NewDecoder(strings.NewReader(stream), 0)
	ctx := context.Background()

	ev, err := d.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != KindCompleted {
		t.Fatalf("expected completed, got %v", ev.Kind)
	}

	_, err = d.Next(ctx)
	if err != io.EOF {
		t.Fatalf("expected io.EOF after completed, stream must stop, got %v", err)
	}
}
