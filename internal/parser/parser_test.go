package parser

import (
	"strings"
	"testing"
)

func TestParse_FrontmatterAndBody(t *testing.T) {
	input := []byte("---\nid: n-1\ntitle: Hello\ntags:\n  - go\n  - sync\n---\n# Hello\nBody text.\n")
	d := Parse(input)
	if d.String("id") != "n-1" {
		t.Errorf("id = %q", d.String("id"))
	}
	tags := d.Strings("tags")
	if len(tags) != 2 || tags[0] != "go" || tags[1] != "sync" {
		t.Errorf("tags = %v, want [go sync]", tags)
	}
	if d.Body != "# Hello\nBody text.\n" {
		t.Errorf("body = %q", d.Body)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	d := Parse([]byte("# Just a heading\nSome text.\n"))
	if d.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %v", d.Frontmatter)
	}
	if d.String("id") != "" {
		t.Error("missing key should be empty")
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	input := []byte("---\n: invalid: yaml: {{{\n---\nBody\n")
	d := Parse(input)
	if d.Frontmatter != nil {
		t.Errorf("expected nil frontmatter on invalid YAML")
	}
	if d.Body != string(input) {
		t.Errorf("body should be the whole input")
	}
}

func TestLinks_DedupAndAlias(t *testing.T) {
	d := &Document{Body: "See [[Alpha]], [[Beta|the beta]] and [[Alpha]] again. [[ ]]"}
	links := d.Links()
	if len(links) != 2 || links[0] != "Alpha" || links[1] != "Beta" {
		t.Errorf("links = %v", links)
	}
}

func TestRenderRoundTrip(t *testing.T) {
	type fm struct {
		ID      string   `yaml:"id"`
		Related []string `yaml:"related,omitempty"`
	}
	data, err := Render(fm{ID: "n-9", Related: []string{"[[Other]]"}}, "Body")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "---\nid: n-9\n") {
		t.Errorf("rendered = %q", data)
	}
	if !strings.HasSuffix(string(data), "Body\n") {
		t.Errorf("missing trailing newline: %q", data)
	}

	d := Parse(data)
	if d.String("id") != "n-9" {
		t.Errorf("round trip id = %q", d.String("id"))
	}
	if rel := d.Strings("related"); len(rel) != 1 || rel[0] != "[[Other]]" {
		t.Errorf("related = %v", rel)
	}
}

func TestDocumentSetAndBytes(t *testing.T) {
	d := Parse([]byte("plain body\n"))
	d.Set("merged_ids", []string{"a", "b"})
	out, err := d.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	again := Parse(out)
	if ids := again.Strings("merged_ids"); len(ids) != 2 {
		t.Errorf("merged_ids = %v", ids)
	}
	if again.Body != "plain body\n" {
		t.Errorf("body = %q", again.Body)
	}
}
