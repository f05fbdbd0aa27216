// Package filtergraph compiles an ordered list of draw steps into an ffmpeg
// filter graph program.
//
// The compiler threads a single "current composite" stream through the
// chain: the scaled background seeds it and every visual step consumes it
// and produces the next one. Nodes only ever reference registered inputs or
// labels produced by earlier nodes, so the program has no forward
// references. Labels are assigned from a per-compile counter, which makes
// two compiles of the same steps byte-identical.
//
// A [Program] renders to ffmpeg's -filter_complex syntax with [Program.String]
// and to a full argument list with [Program.Args]. [ToDOT] and [RenderSVG]
// visualize it with Graphviz.
package filtergraph

import (
	"fmt"
	"strings"
)

// StreamRef is a stream in the program: an input slot or a generated label.
type StreamRef struct {
	// Input is the index of a registered input when Label is empty.
	Input int
	Label string
}

// InputRef references the video stream of input i.
func InputRef(i int) StreamRef { return StreamRef{Input: i} }

// LabelRef references a label produced by a node.
func LabelRef(l string) StreamRef { return StreamRef{Label: l} }

// IsInput reports whether r is an input slot.
func (r StreamRef) IsInput() bool { return r.Label == "" }

// String returns the bracketed filter graph spelling.
func (r StreamRef) String() string {
	if r.IsInput() {
		return fmt.Sprintf("[%d:v]", r.Input)
	}
	return "[" + r.Label + "]"
}

// Option is one filter argument. An empty Key makes it positional.
type Option struct {
	Key   string
	Value string
}

// Node is one filter invocation.
type Node struct {
	Filter  string
	Options []Option
	Inputs  []StreamRef
	Outputs []StreamRef
}

// Get returns the value of the named option.
func (n Node) Get(key string) (string, bool) {
	for _, o := range n.Options {
		if o.Key == key {
			return o.Value, true
		}
	}
	return "", false
}

// String renders the node as one filter graph chain element.
func (n Node) String() string {
	var b strings.Builder
	for _, in := range n.Inputs {
		b.WriteString(in.String())
	}
	b.WriteString(n.Filter)
	if len(n.Options) > 0 {
		args := make([]string, len(n.Options))
		for i, o := range n.Options {
			if o.Key == "" {
				args[i] = escapeValue(o.Value)
			} else {
				args[i] = o.Key + "=" + escapeValue(o.Value)
			}
		}
		b.WriteByte('=')
		b.WriteString(escapeGraph(strings.Join(args, ":")))
	}
	for _, out := range n.Outputs {
		b.WriteString(out.String())
	}
	return b.String()
}

// Input is a source registered with the engine.
type Input struct {
	Path string
	// Options precede -i for this input, e.g. -ignore_loop 0 -t 3.2.
	Options []string
	// Animated inputs play over time and are looped/trimmed to the
	// program duration.
	Animated bool
}

// Program is a compiled filter graph with its inputs and mapped output.
type Program struct {
	Width    int
	Height   int
	Inputs   []Input
	Nodes    []Node
	Output   StreamRef
	Animated bool
}

// Output containers.
const (
	FormatPNG = "png"
	FormatGIF = "gif"
)

// Format returns the output container: FormatGIF for animated programs,
// otherwise FormatPNG.
func (p *Program) Format() string {
	if p.Animated {
		return FormatGIF
	}
	return FormatPNG
}

// Count returns how many nodes use filter.
func (p *Program) Count(filter string) int {
	n := 0
	for _, node := range p.Nodes {
		if node.Filter == filter {
			n++
		}
	}
	return n
}

// String renders the -filter_complex argument.
func (p *Program) String() string {
	parts := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		parts[i] = n.String()
	}
	return strings.Join(parts, ";")
}

// Args returns the ffmpeg arguments that run the program and write output.
// Global flags such as -y are left to the caller.
func (p *Program) Args(output string) []string {
	var args []string
	for _, in := range p.Inputs {
		args = append(args, in.Options...)
		args = append(args, "-i", in.Path)
	}
	args = append(args, "-filter_complex", p.String(), "-map", p.Output.String())
	if p.Animated {
		args = append(args, "-loop", "0")
	} else {
		args = append(args, "-frames:v", "1", "-update", "1")
	}
	return append(args, output)
}

// escapeValue escapes an option value for the filter argument parser.
func escapeValue(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	return r.Replace(s)
}

// escapeGraph escapes a filter's argument string for the filter graph parser.
func escapeGraph(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `[`, `\[`, `]`, `\]`, `,`, `\,`, `;`, `\;`)
	return r.Replace(s)
}
