package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRepoFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestAnalyzeRepository(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "go.mod", "module example\n\ngo 1.24\n\nrequire (\n\tgithub.com/google/uuid v1.6.0\n\tgopkg.in/yaml.v3 v3.0.1\n)\n")
	writeRepoFile(t, root, "main.go", "package main\n")
	writeRepoFile(t, root, "internal/server/server.go", "package server\n")
	writeRepoFile(t, root, "web/app.ts", "export {}\n")
	writeRepoFile(t, root, "web/util.ts", "export {}\n")
	writeRepoFile(t, root, "web/api.ts", "export {}\n")
	writeRepoFile(t, root, ".git/config", "ignored\n")
	writeRepoFile(t, root, "node_modules/pkg/index.js", "ignored\n")

	a := &FSRepositoryAnalyzer{}
	facts, err := a.Analyze(context.Background(), root, "main")
	require.NoError(t, err)

	assert.Equal(t, root, facts.RepoURL)
	assert.Equal(t, "main", facts.Branch)

	// TypeScript outnumbers Go, so it sorts first
	assert.Equal(t, []string{"TypeScript", "Go"}, facts.Languages)
	assert.Equal(t, []string{"internal", "web"}, facts.Components)
	assert.Equal(t, []string{"main.go"}, facts.EntryPoints)
	assert.Contains(t, facts.Dependencies, "github.com/google/uuid")
	assert.Contains(t, facts.Dependencies, "gopkg.in/yaml.v3")

	assert.Contains(t, facts.Document, "TypeScript")
	assert.Contains(t, facts.Document, "main.go")
}

func TestAnalyzeSkipsVendoredTrees(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "main.go", "package main\n")
	writeRepoFile(t, root, "vendor/dep/dep.go", "package dep\n")

	a := &FSRepositoryAnalyzer{}
	facts, err := a.Analyze(context.Background(), root, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"Go"}, facts.Languages)
	assert.NotContains(t, facts.Components, "vendor")
}

func TestAnalyzeMissingPath(t *testing.T) {
	a := &FSRepositoryAnalyzer{}
	_, err := a.Analyze(context.Background(), filepath.Join(t.TempDir(), "missing"), "")
	assert.Error(t, err)
}

func TestAnalyzeFileNotDirectory(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "file.txt", "x")
	a := &FSRepositoryAnalyzer{}
	_, err := a.Analyze(context.Background(), filepath.Join(root, "file.txt"), "")
	assert.Error(t, err)
}

func TestReadGoModRequiresSingleLine(t *testing.T) {
	root := t.TempDir()
	writeRepoFile(t, root, "go.mod", "module x\n\nrequire github.com/google/uuid v1.6.0\n")

	deps := readGoModRequires(filepath.Join(root, "go.mod"))
	assert.Equal(t, []string{"github.com/google/uuid"}, deps)
}
