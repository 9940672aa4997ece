package knowledge

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"

	"blueprint/pkg/proto"
)

// DesignGraph renders an integration design's components and their
// integration edges as a DOT digraph. The final bundle embeds the result
// so the design can be visualized with standard graphviz tooling.
func DesignGraph(design *proto.IntegrationDesign) (string, error) {
	if len(design.Components) == 0 {
		return "", fmt.Errorf("design has no components to graph")
	}

	g := gographviz.NewGraph()
	if err := g.SetName("integration"); err != nil {
		return "", fmt.Errorf("failed to initialize graph: %w", err)
	}
	if err := g.SetDir(true); err != nil {
		return "", fmt.Errorf("failed to initialize graph: %w", err)
	}

	seen := make(map[string]bool)
	addNode := func(name string, attrs map[string]string) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		return g.AddNode("integration", strconv.Quote(name), attrs)
	}

	for i := range design.Components {
		c := &design.Components[i]
		attrs := map[string]string{"shape": "box"}
		if c.Responsibility != "" {
			attrs["tooltip"] = strconv.Quote(c.Responsibility)
		}
		if err := addNode(c.Name, attrs); err != nil {
			return "", fmt.Errorf("failed to add component %s: %w", c.Name, err)
		}
	}

	for i := range design.Components {
		c := &design.Components[i]
		for _, target := range c.IntegratesWith {
			// Targets outside the design are existing-system nodes.
			if err := addNode(target, map[string]string{"shape": "ellipse", "style": "dashed"}); err != nil {
				return "", fmt.Errorf("failed to add target %s: %w", target, err)
			}
			if err := g.AddEdge(strconv.Quote(c.Name), strconv.Quote(target), true, nil); err != nil {
				return "", fmt.Errorf("failed to add edge %s -> %s: %w", c.Name, target, err)
			}
		}
	}

	return g.String(), nil
}

// ParseDesignGraph parses a DOT digraph back into component names and
// integration edges. Used to validate round trips of exported graphs.
func ParseDesignGraph(dot string) ([]string, [][2]string, error) {
	ast, err := gographviz.ParseString(dot)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse graph: %w", err)
	}
	g := gographviz.NewGraph()
	if err := gographviz.Analyse(ast, g); err != nil {
		return nil, nil, fmt.Errorf("failed to analyse graph: %w", err)
	}

	var nodes []string
	for _, n := range g.Nodes.Nodes {
		nodes = append(nodes, unquote(n.Name))
	}
	var edges [][2]string
	for _, e := range g.Edges.Edges {
		edges = append(edges, [2]string{unquote(e.Src), unquote(e.Dst)})
	}
	return nodes, edges, nil
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}
