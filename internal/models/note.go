// Package models defines the domain types exchanged with the sync server.
package models

import "time"

// Note is the server-side unit of sync.
type Note struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	// AppendTo names an existing vault file this note should be merged into.
	AppendTo string `json:"append_to,omitempty"`
	// BatchID groups notes produced by splitting one source.
	BatchID     string   `json:"batch_id,omitempty"`
	ActionItems []string `json:"action_items,omitempty"`
}

// Category is one entry of the shared category list.
type Category struct {
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	Subcategories []string `json:"subcategories,omitempty" yaml:"subcategories,omitempty"`
}

// TagUsage is how often a tag has been assigned server-side.
type TagUsage struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

// TagRegistry is the server-derived tag usage list.
type TagRegistry struct {
	Tags []TagUsage `json:"tags" yaml:"tags"`
}

// UserSettings holds server-side preferences for this account.
type UserSettings struct {
	SyncIntervalSeconds int    `json:"sync_interval_seconds,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	DisplayName         string `json:"display_name,omitempty"`
}

// DefaultCategories seeds a fresh vault and, on first contact, the server.
func DefaultCategories() []Category {
	return []Category{
		{Name: "Inbox", Description: "Unsorted captures"},
		{Name: "Work", Description: "Projects, meetings and decisions", Subcategories: []string{"Projects", "Meetings"}},
		{Name: "Personal", Description: "Life admin, health, finance"},
		{Name: "Ideas", Description: "Sparks worth revisiting"},
		{Name: "Reference", Description: "Things to look up later"},
	}
}
