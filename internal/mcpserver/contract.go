package mcpserver

// NoteLayout describes how synced notes are laid out in the vault so that
// LLM consumers can navigate and read them.
const NoteLayout = `# Synced Note Layout

Notes arrive from the server and are written into the vault once. They are
never rewritten by the sync client after that.

## Location

` + "```" + `
<Category>/<Subcategory>/<Title>.md
` + "```" + `

- Notes without a category land in ` + "`" + `Inbox/` + "`" + `.
- Path segments have ` + "`" + `/ \ : |` + "`" + ` replaced by ` + "`" + `-` + "`" + ` and ` + "`" + `* ? < > # ^` + "`" + ` removed.
- Notes moved into ` + "`" + `Archive/` + "`" + ` are reported to the server as archived.
- ` + "`" + `_config/categories.yaml` + "`" + ` and ` + "`" + `_config/tags.yaml` + "`" + ` hold the shared
  category list and tag registry. Edits to them are pushed to the server.

## Structure

` + "```" + `markdown
---
id: 8f2c1a          # server id, stable across syncs
title: Standup
category: Work
subcategory: Meetings
tags:
  - planning
summary: One-line summary
created: 2026-05-01T09:30:00Z
batch_id: b-17      # present when the note was split from a larger source
related:            # other notes from the same batch
  - "[[Retro]]"
---

# Standup

Body text in Markdown.

### Action items

- [ ] Send the roadmap draft
` + "```" + `

## Merged notes

A note the server marks for appending is added to an existing file as a
` + "`" + `## <date> <title>` + "`" + ` section. The ids merged into a file are listed in its
` + "`" + `merged_ids` + "`" + ` frontmatter field.
`
