// Package noteservice is the local note store: it renders fetched notes into
// Markdown files in the vault and keeps the ledger of what was written.
package noteservice

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/starford/notesync/internal/checksum"
	"github.com/starford/notesync/internal/index"
	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/parser"
	"github.com/starford/notesync/internal/storage"
)

// ArchiveDir is the vault folder users move finished notes into.
const ArchiveDir = "Archive"

// frontmatter is the YAML header written on every new note. Field order here
// is the order in the file.
type frontmatter struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Category    string   `yaml:"category"`
	Subcategory string   `yaml:"subcategory,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
	Summary     string   `yaml:"summary,omitempty"`
	Created     string   `yaml:"created"`
	BatchID     string   `yaml:"batch_id,omitempty"`
	Related     []string `yaml:"related,omitempty"`
}

// Service coordinates storage and ledger operations.
type Service struct {
	store  storage.Provider
	ledger index.Ledger
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new note store.
func NewService(store storage.Provider, ledger index.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: ledger, logger: logger, now: time.Now}
}

// Write persists one note. It returns the vault-relative path written, or ""
// when the note was already present locally and nothing was done. siblings
// are display names of other notes from the same batch.
func (s *Service) Write(ctx context.Context, note models.Note, siblings []string) (string, error) {
	if note.ID == "" {
		return "", fmt.Errorf("noteservice: note without id")
	}

	if row, err := s.ledger.GetNote(ctx, note.ID); err != nil {
		return "", err
	} else if row != nil {
		ok, err := s.store.Exists(row.Path)
		if err != nil {
			return "", err
		}
		if ok {
			s.logger.Debug("note already written", slog.String("id", note.ID), slog.String("path", row.Path))
			return "", nil
		}
	}

	if note.AppendTo != "" {
		ok, err := s.store.Exists(note.AppendTo)
		if err != nil {
			return "", err
		}
		if ok {
			return s.appendTo(ctx, note)
		}
		s.logger.Warn("append target missing, creating new note",
			slog.String("id", note.ID), slog.String("append_to", note.AppendTo))
	}

	p := NotePath(note)
	data, err := s.render(note, siblings)
	if err != nil {
		return "", err
	}
	if err := s.store.Create(p, data); errors.Is(err, fs.ErrExist) {
		s.logger.Info("note file exists, skipping", slog.String("id", note.ID), slog.String("path", p))
		return "", nil
	} else if err != nil {
		return "", err
	}
	if err := s.record(ctx, note.ID, p, data); err != nil {
		return "", err
	}
	return p, nil
}

// appendTo merges note into an existing file under a dated heading. The
// merged ids are tracked in the target's frontmatter so a retried append is
// a no-op.
func (s *Service) appendTo(ctx context.Context, note models.Note) (string, error) {
	existing, err := s.store.Read(note.AppendTo)
	if err != nil {
		return "", err
	}
	doc := parser.Parse(existing)
	merged := doc.Strings("merged_ids")
	for _, id := range merged {
		if id == note.ID {
			return "", s.record(ctx, note.ID, note.AppendTo, existing)
		}
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(doc.Body, "\n"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "## %s %s\n\n", s.created(note).Format("2006-01-02"), note.Title)
	writeBody(&b, note)

	doc.Body = b.String()
	doc.Set("merged_ids", append(merged, note.ID))
	data, err := doc.Bytes()
	if err != nil {
		return "", err
	}
	if err := s.store.Write(note.AppendTo, data); err != nil {
		return "", err
	}
	if err := s.record(ctx, note.ID, note.AppendTo, data); err != nil {
		return "", err
	}
	return note.AppendTo, nil
}

func (s *Service) render(note models.Note, siblings []string) ([]byte, error) {
	fm := frontmatter{
		ID:          note.ID,
		Title:       note.Title,
		Category:    note.Category,
		Subcategory: note.Subcategory,
		Tags:        note.Tags,
		Summary:     note.Summary,
		Created:     s.created(note).Format(time.RFC3339),
		BatchID:     note.BatchID,
	}
	for _, name := range siblings {
		fm.Related = append(fm.Related, "[["+sanitize(name)+"]]")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", note.Title)
	writeBody(&b, note)
	return parser.Render(fm, b.String())
}

func writeBody(b *strings.Builder, note models.Note) {
	if body := strings.TrimSpace(note.Content); body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	if len(note.ActionItems) > 0 {
		b.WriteString("\n### Action items\n\n")
		for _, item := range note.ActionItems {
			fmt.Fprintf(b, "- [ ] %s\n", strings.TrimSpace(item))
		}
	}
}

func (s *Service) created(note models.Note) time.Time {
	if note.CreatedAt.IsZero() {
		return s.now().UTC()
	}
	return note.CreatedAt
}

func (s *Service) record(ctx context.Context, id, p string, data []byte) error {
	return s.ledger.RecordNote(ctx, index.NoteRow{
		ID:        id,
		Path:      p,
		Checksum:  checksum.Sum(data),
		WrittenAt: s.now().UTC(),
	})
}

// ScanArchivedPaths returns Markdown files under the archive folder that have
// not been reported to the server yet.
func (s *Service) ScanArchivedPaths(ctx context.Context) ([]string, error) {
	files, err := s.store.List(ArchiveDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	reported, err := s.ledger.ReportedArchived(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if _, ok := reported[f.Path]; ok {
			continue
		}
		out = append(out, f.Path)
	}
	return out, nil
}

// MarkArchivedReported records that paths were accepted by the server.
func (s *Service) MarkArchivedReported(ctx context.Context, paths []string) error {
	return s.ledger.MarkArchivedReported(ctx, paths)
}

// NotePath returns the vault-relative path a new note is written to:
// <category>/<subcategory>/<title>.md with every segment sanitized.
func NotePath(note models.Note) string {
	var parts []string
	for _, seg := range strings.Split(note.Category, "/") {
		if seg = sanitize(seg); seg != "" {
			parts = append(parts, seg)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "Inbox")
	}
	if sub := sanitize(note.Subcategory); sub != "" {
		parts = append(parts, sub)
	}
	name := sanitize(note.Title)
	if name == "" {
		name = note.ID
	}
	parts = append(parts, name+".md")
	return path.Join(parts...)
}

const maxNameRunes = 120

var unsafeChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "", "?", "", "\"", "'",
	"<", "", ">", "", "|", "-", "#", "", "^", "", "[", "(", "]", ")",
)

// sanitize makes s safe as a single file or folder name.
func sanitize(s string) string {
	s = unsafeChars.Replace(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, ". ")
	if r := []rune(s); len(r) > maxNameRunes {
		s = strings.TrimSpace(string(r[:maxNameRunes]))
	}
	return s
}
