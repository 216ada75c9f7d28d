// Package parser splits Markdown notes into YAML frontmatter and body and
// renders them back.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)

const delim = "---"

// Document is a parsed Markdown note.
type Document struct {
	Frontmatter map[string]any
	Body        string
}

// Parse separates YAML frontmatter (between leading --- delimiters) from the
// Markdown body. Without frontmatter, or with invalid YAML, the entire content
// is body.
func Parse(data []byte) *Document {
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return &Document{Body: string(data)}
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return &Document{Body: string(data)}
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil {
		return &Document{Body: string(data)}
	}
	return &Document{Frontmatter: fm, Body: body}
}

// String returns the frontmatter value for key, or "".
func (d *Document) String(key string) string {
	if d.Frontmatter == nil {
		return ""
	}
	s, _ := d.Frontmatter[key].(string)
	return s
}

// Strings returns a list-valued frontmatter field.
func (d *Document) Strings(key string) []string {
	if d.Frontmatter == nil {
		return nil
	}
	raw, ok := d.Frontmatter[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	return out
}

// Set assigns a frontmatter field, creating the map when needed.
func (d *Document) Set(key string, value any) {
	if d.Frontmatter == nil {
		d.Frontmatter = map[string]any{}
	}
	d.Frontmatter[key] = value
}

// Links returns deduplicated wikilink targets in the body, aliases stripped.
func (d *Document) Links() []string {
	matches := wikilinkRe.FindAllStringSubmatch(d.Body, -1)
	seen := make(map[string]struct{}, len(matches))
	var out []string
	for _, m := range matches {
		target := m[1]
		if i := strings.Index(target, "|"); i >= 0 {
			target = target[:i]
		}
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		if _, ok := seen[target]; ok {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// Render encodes frontmatter (any YAML-marshalable value, typically a struct
// or map) followed by body.
func Render(frontmatter any, body string) ([]byte, error) {
	var buf bytes.Buffer
	if frontmatter != nil {
		fm, err := yaml.Marshal(frontmatter)
		if err != nil {
			return nil, fmt.Errorf("parser: encode frontmatter: %w", err)
		}
		buf.WriteString(delim + "\n")
		buf.Write(fm)
		buf.WriteString(delim + "\n\n")
	}
	buf.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Bytes renders the document back to Markdown.
func (d *Document) Bytes() ([]byte, error) {
	if len(d.Frontmatter) == 0 {
		return Render(nil, d.Body)
	}
	return Render(d.Frontmatter, d.Body)
}
