package filtergraph

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-graphviz"
)

// ToDOT converts a program to Graphviz DOT format. Inputs are drawn as
// boxes, filters as rounded boxes labelled with their options, and edges
// carry the stream labels.
func ToDOT(p *Program) string {
	var buf bytes.Buffer
	buf.WriteString("digraph G {\n")
	buf.WriteString("  rankdir=TB;\n")
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontsize=12, margin=\"0.2,0.1\"];\n")
	buf.WriteString("  ranksep=0.4;\n")
	buf.WriteString("\n")

	producers := make(map[string]string)
	for i, in := range p.Inputs {
		id := fmt.Sprintf("in%d", i)
		label := fmt.Sprintf("%d: %s", i, filepath.Base(in.Path))
		if len(in.Options) > 0 {
			label += "\n" + strings.Join(in.Options, " ")
		}
		fill := "lightblue"
		if in.Animated {
			fill = "khaki"
		}
		fmt.Fprintf(&buf, "  %q [label=%q, shape=box, style=filled, fillcolor=%s];\n", id, label, fill)
		producers[InputRef(i).String()] = id
	}

	for i, n := range p.Nodes {
		id := fmt.Sprintf("n%d", i)
		fmt.Fprintf(&buf, "  %q [label=%q];\n", id, nodeLabel(n))
		for _, out := range n.Outputs {
			producers[out.String()] = id
		}
	}
	buf.WriteString("  \"out\" [label=\"output\", shape=doublecircle, fillcolor=lightgrey];\n")

	buf.WriteString("\n")
	for i, n := range p.Nodes {
		for _, in := range n.Inputs {
			if from, ok := producers[in.String()]; ok {
				fmt.Fprintf(&buf, "  %q -> \"n%d\" [label=%q];\n", from, i, in.String())
			}
		}
	}
	if from, ok := producers[p.Output.String()]; ok {
		fmt.Fprintf(&buf, "  %q -> \"out\" [label=%q];\n", from, p.Output.String())
	}

	buf.WriteString("}\n")
	return buf.String()
}

func nodeLabel(n Node) string {
	lines := []string{n.Filter}
	for _, o := range n.Options {
		v := o.Value
		if utf8.RuneCountInString(v) > 32 {
			v = string([]rune(v)[:29]) + "..."
		}
		if o.Key == "" {
			lines = append(lines, v)
		} else {
			lines = append(lines, o.Key+"="+v)
		}
	}
	return strings.Join(lines, "\n")
}

// RenderSVG renders a program's DOT graph to SVG using Graphviz.
func RenderSVG(ctx context.Context, p *Program) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(ToDOT(p)))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
