package workflow

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"blueprint/pkg/proto"
)

// FileDocumentParser is the default DocumentParser. It reads a markdown
// requirements document with optional YAML front matter:
//
//	---
//	project: billing-service
//	assumptions:
//	  - single region deployment
//	---
//	## Functional Requirements
//	- [FR-1] Users can export invoices
//	...
//
// Bullets under a "Functional" heading become functional requirements,
// bullets under a "Non-Functional" heading non-functional ones. Bracketed
// prefixes become requirement IDs; otherwise IDs are generated.
type FileDocumentParser struct{}

// frontMatter is the YAML header recognized at the top of a document.
type frontMatter struct {
	Project     string   `yaml:"project"`
	Assumptions []string `yaml:"assumptions"`
}

// Parse implements DocumentParser.
func (p *FileDocumentParser) Parse(_ context.Context, path string) (*proto.Requirements, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read requirements document %s: %w", path, err)
	}

	body := string(data)
	var fm frontMatter
	if header, rest, ok := splitFrontMatter(body); ok {
		// Malformed front matter is tolerated; the body is still parsed.
		_ = yaml.Unmarshal([]byte(header), &fm)
		body = rest
	}

	reqs := &proto.Requirements{
		Document:    strings.TrimSpace(body),
		Assumptions: fm.Assumptions,
		SourcePaths: []string{path},
	}

	section := ""
	frID, nfrID := 0, 0
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "#") {
			heading := strings.ToLower(strings.TrimLeft(line, "# "))
			switch {
			case strings.Contains(heading, "non-functional") || strings.Contains(heading, "nonfunctional"):
				section = "non_functional"
			case strings.Contains(heading, "functional"):
				section = "functional"
			default:
				section = ""
			}
			continue
		}

		if !strings.HasPrefix(line, "- ") && !strings.HasPrefix(line, "* ") {
			continue
		}
		text := strings.TrimSpace(line[2:])
		if text == "" || section == "" {
			continue
		}

		id, title := splitRequirementID(text)
		switch section {
		case "functional":
			frID++
			if id == "" {
				id = fmt.Sprintf("FR-%d", frID)
			}
			reqs.Functional = append(reqs.Functional, proto.Requirement{ID: id, Title: title})
		case "non_functional":
			nfrID++
			if id == "" {
				id = fmt.Sprintf("NFR-%d", nfrID)
			}
			reqs.NonFunctional = append(reqs.NonFunctional, proto.Requirement{ID: id, Title: title})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan requirements document: %w", err)
	}

	if len(reqs.Functional) == 0 && len(reqs.NonFunctional) == 0 && reqs.Document == "" {
		return nil, fmt.Errorf("requirements document %s is empty", path)
	}

	return reqs, nil
}

// splitFrontMatter strips a leading YAML front matter block, returning the
// header content, the remaining body, and whether front matter was present.
func splitFrontMatter(doc string) (header, body string, ok bool) {
	if !strings.HasPrefix(doc, "---\n") {
		return "", doc, false
	}
	rest := doc[4:]
	end := strings.Index(rest, "\n---")
	if end == -1 {
		return "", doc, false
	}
	header = rest[:end]
	after := rest[end+4:]
	if idx := strings.Index(after, "\n"); idx != -1 {
		after = after[idx+1:]
	} else {
		after = ""
	}
	return header, after, true
}

// splitRequirementID extracts a bracketed "[FR-1]" style prefix.
func splitRequirementID(text string) (id, title string) {
	if strings.HasPrefix(text, "[") {
		if end := strings.Index(text, "]"); end > 1 {
			return text[1:end], strings.TrimSpace(text[end+1:])
		}
	}
	return "", text
}
