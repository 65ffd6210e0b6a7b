package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dyluth/folio/internal/graph"
)

var planCmd = &cobra.Command{
	Use:   "plan PIPELINE",
	Short: "Show the execution order of a pipeline",
	Long: `Print the steps of a pipeline in the order the executor considers them,
with each step's kind, dependencies, condition and board access.

Steps with no dependency path between them and no overlapping board writes may
run concurrently when the engine's max_steps allows it.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadPipeline(args[0])
	if err != nil {
		return err
	}
	g, err := cfg.Graph()
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Pipeline '%s' (%d steps):\n\n", cfg.Name, g.Len())
	for i, id := range g.Order() {
		n, _ := g.Node(id)
		writeNode(w, fmt.Sprintf("%d.", i+1), n)
	}
	return nil
}

func writeNode(w io.Writer, prefix string, n *graph.Node) {
	fmt.Fprintf(w, "%s %s [%s]", prefix, n.Step.ID, n.Step.Kind())
	if agent := agentOf(n.Step); agent != "" {
		fmt.Fprintf(w, " %s", agent)
	}
	fmt.Fprintln(w)

	indent := strings.Repeat(" ", len(prefix)+1)
	if n.Parent == "" {
		deps := "-"
		if len(n.Deps) > 0 {
			deps = strings.Join(n.Deps, ", ")
		}
		fmt.Fprintf(w, "%safter: %s\n", indent, deps)
	}
	if n.Cond != nil {
		fmt.Fprintf(w, "%swhen: %s\n", indent, n.Cond.String())
	}
	if n.Step.Input != "" {
		fmt.Fprintf(w, "%sinput: %s\n", indent, n.Step.Input)
	}
	if len(n.Step.Pages) > 0 {
		fmt.Fprintf(w, "%spages: %s\n", indent, strings.Join(n.Step.Pages, ", "))
	}
	if reads := n.Reads(); len(reads) > 0 {
		fmt.Fprintf(w, "%sreads: %s\n", indent, strings.Join(reads, ", "))
	}
	if writes := n.Writes(); len(writes) > 0 {
		fmt.Fprintf(w, "%swrites: %s\n", indent, strings.Join(writes, ", "))
	}
	for _, sub := range n.Subs {
		writeNode(w, indent+"-", sub)
	}
}

func agentOf(s graph.Step) string {
	switch b := s.Body.(type) {
	case graph.Single:
		return b.Agent
	case graph.Deterministic:
		return b.Transform
	case graph.PageRoute:
		if b.Router.DefaultAgent != "" {
			return "default " + b.Router.DefaultAgent
		}
	}
	return ""
}
