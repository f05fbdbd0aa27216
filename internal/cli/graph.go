package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matzehuels/ffcanvas/pkg/errors"
	"github.com/matzehuels/ffcanvas/pkg/filtergraph"
	"github.com/matzehuels/ffcanvas/pkg/scene"
)

// Graph output formats.
const (
	graphText = "text"
	graphArgs = "args"
	graphDOT  = "dot"
	graphSVG  = "svg"
)

// graphCommand creates the graph command, which compiles a scene without
// rendering it.
func (c *CLI) graphCommand() *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "graph <scene>",
		Short: "Print the ffmpeg filter graph of a scene",
		Long: `Compile a scene and print its filter graph without running ffmpeg.

Formats:
  text  the -filter_complex argument (default)
  args  the full ffmpeg argument list
  dot   a Graphviz DOT description
  svg   the DOT description rendered to SVG`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeScene,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runGraph(cmd.Context(), args[0], format, output)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", graphText, "output format: text, args, dot, svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")

	return cmd
}

func (c *CLI) runGraph(ctx context.Context, path, format, output string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	sc, err := scene.Load(path)
	if err != nil {
		return err
	}
	runner, closeRunner, err := c.newRunner(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer closeRunner()

	rd, err := sc.Apply(runner)
	if err != nil {
		return err
	}
	ro := sc.Options()
	ro.Timeout = cfg.RenderTimeout
	prog, err := runner.Plan(ctx, rd, ro)
	if err != nil {
		return err
	}

	data, err := formatGraph(ctx, prog, format)
	if err != nil {
		return err
	}
	if output == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}
	printSuccess("Wrote %s graph", format)
	printFile(output)
	return nil
}

func formatGraph(ctx context.Context, prog *filtergraph.Program, format string) ([]byte, error) {
	switch format {
	case graphText:
		return []byte(prog.String() + "\n"), nil
	case graphArgs:
		return []byte(shellQuote(prog.Args("out."+prog.Format())) + "\n"), nil
	case graphDOT:
		return []byte(filtergraph.ToDOT(prog)), nil
	case graphSVG:
		return filtergraph.RenderSVG(ctx, prog)
	}
	return nil, errors.New(errors.ErrCodeInvalidInput, "invalid format: %q (must be one of: text, args, dot, svg)", format)
}

// shellQuote joins args for display, single-quoting those that need it.
func shellQuote(args []string) string {
	out := "ffmpeg"
	for _, a := range args {
		out += " " + quoteArg(a)
	}
	return out
}

func quoteArg(a string) string {
	if a == "" {
		return "''"
	}
	for _, r := range a {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '=' || r == ',':
		default:
			return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
		}
	}
	return a
}
