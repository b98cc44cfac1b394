package collab

import (
	"bytes"
	"errors"
	"testing"

	"github.com/collabd/collabd/internal/envelope"
)

func TestAggregate(t *testing.T) {
	queries := []Query{
		{ObjectID: "a", CollabType: TypeDocument},
		{ObjectID: "missing", CollabType: TypeDocument},
		{ObjectID: "broken", CollabType: TypeFolder},
		{ObjectID: "flaky", CollabType: TypeDocument},
	}
	results := []ItemResult{
		{ObjectID: "a", CollabType: TypeDocument, Data: []byte{1, 2, 3}},
		{ObjectID: "broken", CollabType: TypeFolder, Err: &envelope.DecodeError{Kind: envelope.KindTruncated}},
		{ObjectID: "flaky", CollabType: TypeDocument, Err: errors.New("connection reset by peer")},
	}

	got := Aggregate(queries, results)
	if len(got) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(got))
	}

	if !got["a"].OK() || !bytes.Equal(got["a"].Success.EncodedCollab, []byte{1, 2, 3}) {
		t.Errorf("a: expected success with stored bytes, got %+v", got["a"])
	}
	if got["missing"].OK() || got["missing"].Failed.Error != ErrNotFound.Error() {
		t.Errorf("missing: expected not found, got %+v", got["missing"])
	}
	if got["broken"].OK() || got["broken"].Failed.Error == ErrInternal.Error() {
		t.Errorf("broken: expected decode reason, got %+v", got["broken"])
	}
	if got["flaky"].OK() || got["flaky"].Failed.Error != ErrInternal.Error() {
		t.Errorf("flaky: expected internal failure without backend detail, got %+v", got["flaky"])
	}
}

func TestAggregateDuplicateIDsFirstOccurrenceWins(t *testing.T) {
	queries := []Query{
		{ObjectID: "dup", CollabType: TypeFolder},
		{ObjectID: "dup", CollabType: TypeDocument},
	}
	results := []ItemResult{
		{ObjectID: "dup", CollabType: TypeDocument, Data: []byte("doc")},
		{ObjectID: "dup", CollabType: TypeFolder, Data: []byte("folder")},
	}

	got := Aggregate(queries, results)
	if len(got) != 1 {
		t.Fatalf("expected one entry per distinct id, got %d", len(got))
	}
	if string(got["dup"].Success.EncodedCollab) != "folder" {
		t.Errorf("expected the first query's outcome, got %+v", got["dup"])
	}

	// Same queries reversed pick the other result.
	got = Aggregate([]Query{queries[1], queries[0]}, results)
	if string(got["dup"].Success.EncodedCollab) != "doc" {
		t.Errorf("expected the first query's outcome, got %+v", got["dup"])
	}
}

func TestAggregateEmpty(t *testing.T) {
	got := Aggregate(nil, nil)
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil result, got %#v", got)
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", ErrNotFound, "record not found"},
		{"wrapped not found", errors.Join(errors.New("ctx"), ErrNotFound), "record not found"},
		{"internal", errors.New("disk on fire"), ErrInternal.Error()},
		{"decode", &envelope.DecodeError{Kind: envelope.KindMalformed, Detail: "trailing bytes"}, "stored collab is unreadable: malformed envelope: trailing bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FailureReason(tt.err); got != tt.want {
				t.Errorf("FailureReason() = %q, want %q", got, tt.want)
			}
		})
	}
}
