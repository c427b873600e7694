package annot

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ecglab/dbopen"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	s, err := New(Config{DB: db})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAddListRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Add(ctx, Annotation{Lead: 0, SampleIndex: 1000, Category: "R-Peak"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.Add(ctx, Annotation{Lead: 1, SampleIndex: 2000, Category: "T-Wave", Note: "flattened"})
	if err != nil {
		t.Fatal(err)
	}
	if id2 <= id1 {
		t.Fatalf("ids not strictly increasing: %d then %d", id1, id2)
	}

	anns, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(anns) != 2 {
		t.Fatalf("len = %d, want 2", len(anns))
	}
	if anns[0].ID != id1 || anns[1].ID != id2 {
		t.Fatalf("insertion order not preserved: %+v", anns)
	}
	if anns[0].Source != SourceUser {
		t.Errorf("default source = %q, want %q", anns[0].Source, SourceUser)
	}

	ok, err := s.Remove(ctx, id1)
	if err != nil || !ok {
		t.Fatalf("Remove(%d) = %v, %v", id1, ok, err)
	}
	anns, _ = s.List(ctx)
	for _, a := range anns {
		if a.ID == id1 {
			t.Fatalf("removed id %d still listed", id1)
		}
	}

	// Removing twice reports false, not an error.
	ok, err = s.Remove(ctx, id1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second Remove reported true")
	}
}

func TestIDsNeverReused(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		id, err := s.Add(ctx, Annotation{Category: "R-Peak"})
		if err != nil {
			t.Fatal(err)
		}
		last = id
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	id, err := s.Add(ctx, Annotation{Category: "R-Peak"})
	if err != nil {
		t.Fatal(err)
	}
	if id <= last {
		t.Fatalf("id %d reused after Clear (last was %d)", id, last)
	}
}

func TestUnknownCategoryRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(context.Background(), Annotation{Category: "Z-Wave"})
	if !errors.Is(err, ErrUnknownCategory) {
		t.Fatalf("err = %v, want ErrUnknownCategory", err)
	}
}

func TestUpdateNote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, Annotation{Category: "R-Peak", Note: "first"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.UpdateNote(ctx, id, "revised")
	if err != nil || !ok {
		t.Fatalf("UpdateNote = %v, %v", ok, err)
	}
	anns, _ := s.List(ctx)
	if anns[0].Note != "revised" {
		t.Fatalf("note = %q, want revised", anns[0].Note)
	}

	ok, _ = s.UpdateNote(ctx, 99999, "x")
	if ok {
		t.Fatal("UpdateNote on missing id reported true")
	}
}

func TestMarkAllStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, Annotation{Lead: 0, Category: "R-Peak"})
	s.Add(ctx, Annotation{Lead: 0, Category: "P-Wave"})
	if err := s.MarkAllStale(ctx); err != nil {
		t.Fatal(err)
	}

	anns, _ := s.List(ctx)
	for _, a := range anns {
		if !a.Stale {
			t.Fatalf("annotation %d not stale after MarkAllStale", a.ID)
		}
	}

	// Stale annotations are excluded from the render set.
	leadAnns, err := s.ListLead(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(leadAnns) != 0 {
		t.Fatalf("ListLead returned %d stale annotations", len(leadAnns))
	}
}

func TestListLeadFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Add(ctx, Annotation{Lead: 0, Category: "R-Peak"})
	s.Add(ctx, Annotation{Lead: 2, Category: "R-Peak"})
	s.Add(ctx, Annotation{Lead: 0, Category: "T-Wave"})

	anns, err := s.ListLead(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(anns) != 2 {
		t.Fatalf("lead 0 count = %d, want 2", len(anns))
	}
	for _, a := range anns {
		if a.Lead != 0 {
			t.Fatalf("ListLead(0) returned lead %d", a.Lead)
		}
	}
}

func TestAddBatchOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []Annotation{
		{Lead: 1, SampleIndex: 140, Category: "R-Peak", Source: SourceDetector},
		{Lead: 1, SampleIndex: 540, Category: "R-Peak", Source: SourceDetector},
		{Lead: 1, SampleIndex: 940, Category: "R-Peak", Source: SourceDetector},
	}
	ids, err := s.AddBatch(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("ids len = %d, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("batch ids not increasing: %v", ids)
		}
	}
}

func TestAddBatchRollsBackOnBadCategory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddBatch(ctx, []Annotation{
		{Category: "R-Peak", Source: SourceDetector},
		{Category: "NotACategory", Source: SourceDetector},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	n, _ := s.Count(ctx)
	if n != 0 {
		t.Fatalf("partial batch visible: count = %d", n)
	}
}

func TestComments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.AddComment(ctx, "", "looks like AF in lead II")
	if err != nil {
		t.Fatal(err)
	}
	if c.Author != "anonymous" {
		t.Errorf("author = %q, want anonymous", c.Author)
	}
	if !strings.HasPrefix(c.ID, "cmt_") {
		t.Errorf("comment id %q missing cmt_ prefix", c.ID)
	}

	list, err := s.Comments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Text != "looks like AF in lead II" {
		t.Fatalf("comments = %+v", list)
	}
}

func TestCommentSanitization(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.AddComment(ctx, "dr", `<script>alert(1)</script>normal sinus rhythm`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(c.Text, "<script>") {
		t.Fatalf("script tag survived sanitization: %q", c.Text)
	}
	if !strings.Contains(c.Text, "normal sinus rhythm") {
		t.Fatalf("legitimate text stripped: %q", c.Text)
	}

	// Pure markup sanitizes to nothing and is rejected.
	if _, err := s.AddComment(ctx, "", `<img src=x onerror=alert(1)>`); err == nil {
		t.Fatal("expected rejection of empty-after-sanitization comment")
	}
}

func TestCommentTruncationKeepsValidUTF8(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 2000 three-byte runes = 6000 bytes; the 5000-byte cap falls mid-rune.
	c, err := s.AddComment(ctx, "", strings.Repeat("€", 2000))
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Text) > maxCommentLen {
		t.Fatalf("comment length = %d, want <= %d", len(c.Text), maxCommentLen)
	}
	if !utf8.ValidString(c.Text) {
		t.Fatal("truncated comment is not valid UTF-8")
	}

	list, err := s.Comments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || !utf8.ValidString(list[0].Text) {
		t.Fatalf("stored comment invalid: %+v", list)
	}
}

func TestEmptyStoreLists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	anns, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if anns == nil || len(anns) != 0 {
		t.Fatalf("List on empty store = %#v, want empty non-nil slice", anns)
	}
	comments, err := s.Comments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if comments == nil || len(comments) != 0 {
		t.Fatalf("Comments on empty store = %#v, want empty non-nil slice", comments)
	}
}
