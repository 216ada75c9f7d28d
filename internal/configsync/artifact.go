package configsync

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/starford/notesync/internal/models"
	"github.com/starford/notesync/internal/storage"
)

// Vault-relative locations of the shared config artifacts.
const (
	CategoriesPath = "_config/categories.yaml"
	TagsPath       = "_config/tags.yaml"
)

// Artifact is a local config file the orchestrator keeps in step with the server.
type Artifact[T any] interface {
	// EnsureExists writes the defaults when the file is missing and reports
	// whether it did.
	EnsureExists() (bool, error)
	Read() (T, error)
	Write(v T) error
	// Path is the vault-relative location of the file.
	Path() string
}

// YAMLFile stores an artifact as YAML in the vault.
type YAMLFile[T any] struct {
	store    storage.Provider
	path     string
	defaults func() T
}

// NewYAMLFile returns an artifact stored at path with the given defaults.
func NewYAMLFile[T any](store storage.Provider, path string, defaults func() T) *YAMLFile[T] {
	return &YAMLFile[T]{store: store, path: path, defaults: defaults}
}

// NewCategoriesFile is the categories artifact.
func NewCategoriesFile(store storage.Provider) *YAMLFile[[]models.Category] {
	return NewYAMLFile(store, CategoriesPath, models.DefaultCategories)
}

// NewTagsFile is the tag registry artifact.
func NewTagsFile(store storage.Provider) *YAMLFile[models.TagRegistry] {
	return NewYAMLFile(store, TagsPath, func() models.TagRegistry {
		return models.TagRegistry{Tags: []models.TagUsage{}}
	})
}

func (f *YAMLFile[T]) Path() string { return f.path }

func (f *YAMLFile[T]) EnsureExists() (bool, error) {
	ok, err := f.store.Exists(f.path)
	if err != nil || ok {
		return false, err
	}
	if err := f.Write(f.defaults()); err != nil {
		return false, err
	}
	return true, nil
}

func (f *YAMLFile[T]) Read() (T, error) {
	var v T
	data, err := f.store.Read(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return f.defaults(), nil
	}
	if err != nil {
		return v, err
	}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("configsync: parse %s: %w", f.path, err)
	}
	return v, nil
}

func (f *YAMLFile[T]) Write(v T) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("configsync: encode %s: %w", f.path, err)
	}
	return f.store.Write(f.path, data)
}
