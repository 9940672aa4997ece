package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requirements.md")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseWithFrontMatter(t *testing.T) {
	path := writeDoc(t, `---
project: billing-service
assumptions:
  - single region deployment
  - existing auth is reused
---
## Functional Requirements

- [FR-1] Users can export invoices
- Users can schedule recurring exports

## Non-Functional Requirements

- [NFR-1] Exports finish within 5 minutes
`)

	p := &FileDocumentParser{}
	reqs, err := p.Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, []string{"single region deployment", "existing auth is reused"}, reqs.Assumptions)
	assert.Equal(t, []string{path}, reqs.SourcePaths)

	require.Len(t, reqs.Functional, 2)
	assert.Equal(t, "FR-1", reqs.Functional[0].ID)
	assert.Equal(t, "Users can export invoices", reqs.Functional[0].Title)
	// Generated ID for the bullet without a bracketed prefix
	assert.Equal(t, "FR-2", reqs.Functional[1].ID)

	require.Len(t, reqs.NonFunctional, 1)
	assert.Equal(t, "NFR-1", reqs.NonFunctional[0].ID)
}

func TestParseWithoutFrontMatter(t *testing.T) {
	path := writeDoc(t, `# Requirements

## Functional

* Users can log in
`)

	p := &FileDocumentParser{}
	reqs, err := p.Parse(context.Background(), path)
	require.NoError(t, err)

	assert.Empty(t, reqs.Assumptions)
	require.Len(t, reqs.Functional, 1)
	assert.Equal(t, "FR-1", reqs.Functional[0].ID)
	assert.Equal(t, "Users can log in", reqs.Functional[0].Title)
}

func TestParseIgnoresBulletsOutsideSections(t *testing.T) {
	path := writeDoc(t, `## Overview

- this is just prose

## Functional

- [FR-1] The one real requirement
`)

	p := &FileDocumentParser{}
	reqs, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, reqs.Functional, 1)
	assert.Equal(t, "FR-1", reqs.Functional[0].ID)
}

func TestParseMalformedFrontMatterTolerated(t *testing.T) {
	path := writeDoc(t, `---
project: [unclosed
---
## Functional
- Works anyway
`)

	p := &FileDocumentParser{}
	reqs, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, reqs.Functional, 1)
}

func TestParseMissingFile(t *testing.T) {
	p := &FileDocumentParser{}
	_, err := p.Parse(context.Background(), filepath.Join(t.TempDir(), "nope.md"))
	assert.Error(t, err)
}

func TestParseEmptyDocument(t *testing.T) {
	path := writeDoc(t, "")
	p := &FileDocumentParser{}
	_, err := p.Parse(context.Background(), path)
	assert.Error(t, err)
}

func TestSplitFrontMatter(t *testing.T) {
	header, body, ok := splitFrontMatter("---\nproject: x\n---\nbody text")
	require.True(t, ok)
	assert.Equal(t, "project: x", header)
	assert.Equal(t, "body text", body)

	_, body, ok = splitFrontMatter("no front matter here")
	assert.False(t, ok)
	assert.Equal(t, "no front matter here", body)

	// Unterminated fence is treated as body
	_, body, ok = splitFrontMatter("---\nproject: x\nbody")
	assert.False(t, ok)
	assert.Equal(t, "---\nproject: x\nbody", body)
}

func TestSplitRequirementID(t *testing.T) {
	id, title := splitRequirementID("[FR-9] Do the thing")
	assert.Equal(t, "FR-9", id)
	assert.Equal(t, "Do the thing", title)

	id, title = splitRequirementID("No prefix here")
	assert.Empty(t, id)
	assert.Equal(t, "No prefix here", title)
}
