package noteservice

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/starford/notesync/internal/index"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/parser"
	"github.com/starford/notesync/internal/testutil"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	_, store := testutil.TestVault(t)
	db := testutil.TestDB(t)
	svc := NewService(store, db, testutil.Logger())
	svc.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }
	return svc
}

func indexRow(id, p string) index.NoteRow {
	return index.NoteRow{ID: id, Path: p, Checksum: "x", WrittenAt: time.Now()}
}

func sampleNote() models.Note {
	return models.Note{
		ID:          "n-1",
		Title:       "Standup: Q2 planning",
		Content:     "Discussed roadmap.",
		Category:    "Work",
		Subcategory: "Meetings",
		Tags:        []string{"planning"},
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		ActionItems: []string{"Send notes", "Book room"},
	}
}

func TestNotePath(t *testing.T) {
	tests := []struct {
		name string
		note models.Note
		want string
	}{
		{"category and sub", models.Note{ID: "a", Title: "Hello", Category: "Work", Subcategory: "Meetings"}, "Work/Meetings/Hello.md"},
		{"nested category", models.Note{ID: "a", Title: "Hi", Category: "Work/Clients"}, "Work/Clients/Hi.md"},
		{"unsafe title", models.Note{ID: "a", Title: "a/b: c?", Category: "Ideas"}, "Ideas/a-b- c.md"},
		{"no category", models.Note{ID: "a", Title: "Loose"}, "Inbox/Loose.md"},
		{"traversal", models.Note{ID: "a", Title: "x", Category: "../.."}, "Inbox/x.md"},
		{"empty title", models.Note{ID: "id-7", Category: "Inbox"}, "Inbox/id-7.md"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NotePath(tt.note); got != tt.want {
				t.Errorf("NotePath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteNewNote(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.Write(ctx, sampleNote(), []string{"Retro", "Budget"})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if p != "Work/Meetings/Standup- Q2 planning.md" {
		t.Fatalf("path = %q", p)
	}

	data, err := svc.store.Read(p)
	if err != nil {
		t.Fatal(err)
	}
	doc := parser.Parse(data)
	if doc.String("id") != "n-1" {
		t.Errorf("id = %q", doc.String("id"))
	}
	rel := doc.Strings("related")
	if len(rel) != 2 || rel[0] != "[[Retro]]" || rel[1] != "[[Budget]]" {
		t.Errorf("related = %v", rel)
	}
	if !strings.Contains(doc.Body, "- [ ] Send notes") {
		t.Errorf("action items missing from body:\n%s", doc.Body)
	}

	row, err := svc.ledger.GetNote(ctx, "n-1")
	if err != nil || row == nil || row.Path != p {
		t.Errorf("ledger row = %+v, %v", row, err)
	}
}

func TestWriteDedupByID(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Write(ctx, sampleNote(), nil); err != nil {
		t.Fatal(err)
	}
	renamed := sampleNote()
	renamed.Title = "Renamed server-side"
	p, err := svc.Write(ctx, renamed, nil)
	if err != nil {
		t.Fatalf("second Write: %v", err)
	}
	if p != "" {
		t.Errorf("second Write path = %q, want dedup skip", p)
	}
}

func TestWriteDedupByFilename(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.store.Write("Work/Meetings/Standup- Q2 planning.md", []byte("user copy\n")); err != nil {
		t.Fatal(err)
	}
	p, err := svc.Write(ctx, sampleNote(), nil)
	if err != nil || p != "" {
		t.Fatalf("Write = %q, %v; want dedup skip", p, err)
	}
	data, _ := svc.store.Read("Work/Meetings/Standup- Q2 planning.md")
	if string(data) != "user copy\n" {
		t.Error("existing file was overwritten")
	}
}

func TestWriteRewritesWhenLedgerFileGone(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	note := sampleNote()
	if err := svc.ledger.RecordNote(ctx, indexRow(note.ID, "Old/place.md")); err != nil {
		t.Fatal(err)
	}
	p, err := svc.Write(ctx, note, nil)
	if err != nil || p == "" {
		t.Fatalf("Write = %q, %v; want a fresh write", p, err)
	}
}

func TestWriteAppend(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	target := "Work/Projects/Roadmap.md"
	if err := svc.store.Write(target, []byte("---\ntitle: Roadmap\n---\n\n# Roadmap\n\nExisting.\n")); err != nil {
		t.Fatal(err)
	}
	note := sampleNote()
	note.AppendTo = target

	p, err := svc.Write(ctx, note, nil)
	if err != nil || p != target {
		t.Fatalf("Write = %q, %v", p, err)
	}
	data, _ := svc.store.Read(target)
	doc := parser.Parse(data)
	if !strings.Contains(doc.Body, "Existing.") || !strings.Contains(doc.Body, "## 2026-03-01 Standup: Q2 planning") {
		t.Errorf("appended body:\n%s", doc.Body)
	}
	if doc.String("title") != "Roadmap" {
		t.Error("existing frontmatter lost")
	}

	// A retried append leaves the file alone.
	p, err = svc.Write(ctx, note, nil)
	if err != nil || p != "" {
		t.Fatalf("retry Write = %q, %v; want dedup skip", p, err)
	}
	again, _ := svc.store.Read(target)
	if strings.Count(string(again), "## 2026-03-01") != 1 {
		t.Errorf("note appended twice:\n%s", again)
	}
}

func TestWriteAppendMissingTargetCreatesNote(t *testing.T) {
	svc := newTestService(t)
	note := sampleNote()
	note.AppendTo = "Gone/Nowhere.md"

	p, err := svc.Write(context.Background(), note, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p != NotePath(note) {
		t.Errorf("path = %q, want %q", p, NotePath(note))
	}
}

func TestScanArchivedPaths(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	paths, err := svc.ScanArchivedPaths(ctx)
	if err != nil || len(paths) != 0 {
		t.Fatalf("empty vault scan = %v, %v", paths, err)
	}

	for _, p := range []string{"Archive/a.md", "Archive/2026/b.md", "Work/c.md"} {
		if err := svc.store.Write(p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	paths, err = svc.ScanArchivedPaths(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("paths = %v, want two archive files", paths)
	}

	if err := svc.MarkArchivedReported(ctx, []string{"Archive/a.md"}); err != nil {
		t.Fatal(err)
	}
	paths, _ = svc.ScanArchivedPaths(ctx)
	if len(paths) != 1 || paths[0] != "Archive/2026/b.md" {
		t.Errorf("after report paths = %v", paths)
	}
}
