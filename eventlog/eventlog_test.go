package eventlog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hazyhaar/ecglab/dbopen"

	_ "modernc.org/sqlite"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if _, err := db.Exec(Schema); err != nil {
		t.Fatal(err)
	}
	r := New(db, 16)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndRecent(t *testing.T) {
	r := newTestRecorder(t)

	r.Record(TypeSignalGenerated, map[string]any{"leads": 3, "duration": 10.0})
	r.Record(TypeAnnotationAdded, map[string]any{"id": 1, "category": "R-Peak"})
	r.Close()

	events, err := r.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	// Newest first; ties broken by id, and evt_ IDs are time-sortable.
	if events[0].Type != TypeAnnotationAdded {
		t.Errorf("first event = %s, want %s", events[0].Type, TypeAnnotationAdded)
	}

	var detail map[string]any
	if err := json.Unmarshal([]byte(events[0].Detail), &detail); err != nil {
		t.Fatalf("detail is not JSON: %v", err)
	}
	if detail["category"] != "R-Peak" {
		t.Errorf("detail = %v", detail)
	}
}

func TestRecordNilDetail(t *testing.T) {
	r := newTestRecorder(t)
	r.Record(TypeDetectorRun, nil)
	r.Close()

	events, err := r.Recent(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Detail != "{}" {
		t.Fatalf("events = %+v", events)
	}
}

func TestRecentLimit(t *testing.T) {
	r := newTestRecorder(t)
	for i := 0; i < 8; i++ {
		r.Record(TypeCommentAdded, map[string]int{"n": i})
	}
	r.Close()

	events, err := r.Recent(context.Background(), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
}
