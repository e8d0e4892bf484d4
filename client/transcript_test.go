package client

import (
	"testing"

	"loci.chat/server"
)

func TestTranscriptMergeIdempotent(t *testing.T) {
	tr := NewTranscript()

	if !tr.Merge(&server.Message{ID: "m1", Content: "optimistic"}) {
		t.Fatal("first merge of m1 returned false")
	}
	if tr.Merge(&server.Message{ID: "m1", Content: "server echo"}) {
		t.Error("second merge of m1 returned true")
	}
	if tr.Len() != 1 {
		t.Fatalf("len = %d, want 1", tr.Len())
	}
	if got := tr.Messages()[0].Content; got != "optimistic" {
		t.Errorf("content = %q, the first copy should win", got)
	}
}

func TestTranscriptOrderPreserved(t *testing.T) {
	tr := NewTranscript()
	tr.Merge(&server.Message{ID: "a"})
	tr.Merge(&server.Message{ID: "b"})
	tr.Merge(&server.Message{ID: "a"})
	tr.Merge(&server.Message{ID: "c"})

	msgs := tr.Messages()
	if len(msgs) != 3 || msgs[0].ID != "a" || msgs[1].ID != "b" || msgs[2].ID != "c" {
		t.Errorf("order = %v", msgs)
	}
}

func TestTranscriptIgnoresInvalid(t *testing.T) {
	tr := NewTranscript()
	if tr.Merge(nil) {
		t.Error("merged nil")
	}
	if tr.Merge(&server.Message{Content: "no id"}) {
		t.Error("merged a message without an id")
	}
	if tr.Len() != 0 {
		t.Errorf("len = %d, want 0", tr.Len())
	}
}

func TestTranscriptReset(t *testing.T) {
	tr := NewTranscript()
	tr.Merge(&server.Message{ID: "m1"})
	tr.Reset()

	if tr.Len() != 0 {
		t.Fatalf("len = %d after reset, want 0", tr.Len())
	}
	if !tr.Merge(&server.Message{ID: "m1"}) {
		t.Error("id m1 still considered seen after reset")
	}
}
