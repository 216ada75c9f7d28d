// Package storage defines the vault file-system abstraction.
package storage

import "time"

// FileMeta describes one Markdown file in the vault.
type FileMeta struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Provider is the interface for vault file operations. Paths are relative
// to the vault root and use forward slashes.
type Provider interface {
	// List returns every .md file under dir. A missing dir yields an empty list.
	List(dir string) ([]FileMeta, error)
	Read(path string) ([]byte, error)
	// Write atomically replaces the file at path.
	Write(path string, content []byte) error
	// Create atomically writes a new file and fails with an error matching
	// fs.ErrExist when path is already taken.
	Create(path string, content []byte) error
	Exists(path string) (bool, error)
	Abs(path string) (string, error)
}
