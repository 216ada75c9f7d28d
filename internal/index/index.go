package index

import (
	"context"

	"github.com/starford/notesync/internal/auth"
)

// Ledger defines the note bookkeeping used by the local note store.
// Consumers should depend on this interface rather than the concrete *DB type
// to facilitate testing with mocks.
type Ledger interface {
	RecordNote(ctx context.Context, n NoteRow) error
	GetNote(ctx context.Context, id string) (*NoteRow, error)
	CountNotes(ctx context.Context) (int, error)
	ReportedArchived(ctx context.Context) (map[string]struct{}, error)
	MarkArchivedReported(ctx context.Context, paths []string) error
}

// Verify *DB satisfies the interfaces at compile time.
var (
	_ Ledger               = (*DB)(nil)
	_ auth.CredentialStore = (*DB)(nil)
)
