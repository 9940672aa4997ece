package workflow

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"blueprint/pkg/proto"
)

// FSRepositoryAnalyzer is the default RepositoryAnalyzer. It inspects a
// repository checked out on the local filesystem: repoURL is a directory
// path and branch is ignored. Remote fetching is the caller's concern.
type FSRepositoryAnalyzer struct{}

var languageByExt = map[string]string{
	".go":    "Go",
	".py":    "Python",
	".js":    "JavaScript",
	".ts":    "TypeScript",
	".tsx":   "TypeScript",
	".java":  "Java",
	".rb":    "Ruby",
	".rs":    "Rust",
	".c":     "C",
	".cc":    "C++",
	".cpp":   "C++",
	".cs":    "C#",
	".kt":    "Kotlin",
	".swift": "Swift",
	".php":   "PHP",
	".sql":   "SQL",
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
}

// Analyze implements RepositoryAnalyzer.
func (a *FSRepositoryAnalyzer) Analyze(_ context.Context, repoURL, branch string) (*proto.ArchitectureFacts, error) {
	info, err := os.Stat(repoURL)
	if err != nil {
		return nil, fmt.Errorf("repository path %s is not accessible: %w", repoURL, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository path %s is not a directory", repoURL)
	}

	langCounts := make(map[string]int)
	componentSet := make(map[string]bool)
	var entryPoints []string
	var deps []string

	err = filepath.WalkDir(repoURL, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped, not fatal
		}
		name := d.Name()
		if d.IsDir() {
			if skipDirs[name] || (strings.HasPrefix(name, ".") && name != ".") {
				return filepath.SkipDir
			}
			// First-level directories are treated as components
			if filepath.Dir(path) == filepath.Clean(repoURL) {
				componentSet[name] = true
			}
			return nil
		}

		if lang, ok := languageByExt[filepath.Ext(name)]; ok {
			langCounts[lang]++
		}

		rel, relErr := filepath.Rel(repoURL, path)
		if relErr != nil {
			rel = path
		}
		switch name {
		case "main.go", "main.py", "index.js", "index.ts", "Main.java":
			entryPoints = append(entryPoints, rel)
		case "go.mod":
			deps = append(deps, readGoModRequires(path)...)
		case "package.json":
			// Presence recorded; dependency parsing stays shallow here
			deps = append(deps, "npm:"+rel)
		case "requirements.txt":
			deps = append(deps, "pip:"+rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk repository %s: %w", repoURL, err)
	}

	languages := make([]string, 0, len(langCounts))
	for lang := range langCounts {
		languages = append(languages, lang)
	}
	sort.Slice(languages, func(i, j int) bool {
		if langCounts[languages[i]] != langCounts[languages[j]] {
			return langCounts[languages[i]] > langCounts[languages[j]]
		}
		return languages[i] < languages[j]
	})

	components := make([]string, 0, len(componentSet))
	for c := range componentSet {
		components = append(components, c)
	}
	sort.Strings(components)
	sort.Strings(entryPoints)

	facts := &proto.ArchitectureFacts{
		RepoURL:      repoURL,
		Branch:       branch,
		Languages:    languages,
		Components:   components,
		Dependencies: deps,
		EntryPoints:  entryPoints,
	}
	facts.Document = summarizeFacts(facts)
	return facts, nil
}

func summarizeFacts(f *proto.ArchitectureFacts) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository %s", f.RepoURL)
	if f.Branch != "" {
		fmt.Fprintf(&b, " (branch %s)", f.Branch)
	}
	b.WriteString("\n")
	if len(f.Languages) > 0 {
		fmt.Fprintf(&b, "Languages: %s\n", strings.Join(f.Languages, ", "))
	}
	if len(f.Components) > 0 {
		fmt.Fprintf(&b, "Top-level components: %s\n", strings.Join(f.Components, ", "))
	}
	if len(f.EntryPoints) > 0 {
		fmt.Fprintf(&b, "Entry points: %s\n", strings.Join(f.EntryPoints, ", "))
	}
	if len(f.Dependencies) > 0 {
		fmt.Fprintf(&b, "Dependencies: %s\n", strings.Join(f.Dependencies, ", "))
	}
	return b.String()
}

// readGoModRequires extracts module paths from a go.mod require block.
func readGoModRequires(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer func() { _ = file.Close() }()

	var deps []string
	inBlock := false
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "require ("):
			inBlock = true
		case inBlock && line == ")":
			inBlock = false
		case inBlock:
			fields := strings.Fields(line)
			if len(fields) >= 2 && !strings.HasPrefix(fields[0], "//") {
				deps = append(deps, fields[0])
			}
		case strings.HasPrefix(line, "require "):
			fields := strings.Fields(strings.TrimPrefix(line, "require "))
			if len(fields) >= 2 {
				deps = append(deps, fields[0])
			}
		}
	}
	return deps
}
