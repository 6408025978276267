package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/strrl/mlstep/internal/manifest"
	"github.com/strrl/mlstep/internal/output"
	"github.com/strrl/mlstep/internal/pipeline"
)

var (
	stepEntryPoint string
	stepParams     []string
	stepDryRun     bool
	stepEnvManager string
	stepTimeout    time.Duration
)

var stepCmd = &cobra.Command{
	Use:   "step <component-dir>",
	Short: "Run one entry point of a component manifest",
	Long: `Load the MLproject manifest in a component directory, validate the given
parameters against the entry point, render its command and run it.

Example:
  mlstep step components/basic_cleaning -P input_artifact=sample.csv:latest \
    -P output_artifact=clean_sample.csv -P output_type=clean_sample \
    -P output_description="Data with outliers and null values removed" \
    -P min_price=10 -P max_price=350`,
	Args: cobra.ExactArgs(1),
	RunE: runStep,
}

var renderCmd = &cobra.Command{
	Use:   "render <component-dir>",
	Short: "Print the command an entry point renders to",
	Args:  cobra.ExactArgs(1),
	RunE:  runRender,
}

var describeCmd = &cobra.Command{
	Use:   "describe <component-dir>",
	Short: "Show a component manifest's entry points and parameters",
	Args:  cobra.ExactArgs(1),
	RunE:  runDescribe,
}

func init() {
	rootCmd.AddCommand(stepCmd, renderCmd, describeCmd)

	for _, c := range []*cobra.Command{stepCmd, renderCmd} {
		c.Flags().StringVarP(&stepEntryPoint, "entry-point", "e", manifest.DefaultEntryPoint, "Entry point to run")
		c.Flags().StringArrayVarP(&stepParams, "param", "P", nil, "Parameter as name=value (repeatable)")
	}
	stepCmd.Flags().BoolVar(&stepDryRun, "dry-run", false, "Render the command without running it")
	addExecFlags(stepCmd, &stepEnvManager, &stepTimeout)
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, p := range raw {
		name, value, ok := strings.Cut(p, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected name=value", p)
		}
		params[name] = value
	}
	return params, nil
}

func runStep(cmd *cobra.Command, args []string) error {
	params, err := parseParams(stepParams)
	if err != nil {
		return err
	}

	p, err := newPipeline(stepEnvManager, stepTimeout, "")
	if err != nil {
		return err
	}

	res, err := p.RunComponent(cmd.Context(), args[0], stepEntryPoint, params, stepDryRun)
	if err != nil {
		return err
	}

	s := res.Steps[0]
	if stepDryRun {
		fmt.Fprintln(cmd.OutOrStdout(), s.Command)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Step %s %s in %s\n", s.Name, s.Status, s.Duration.Round(time.Millisecond))
	return nil
}

func runRender(cmd *cobra.Command, args []string) error {
	params, err := parseParams(stepParams)
	if err != nil {
		return err
	}

	c, err := pipeline.Render(args[0], stepEntryPoint, params)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), c.String())
	return nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	m, err := manifest.Load(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Component: %s\n", m.Name)
	switch {
	case m.CondaEnv != "":
		fmt.Fprintf(out, "Conda env: %s\n", m.CondaEnv)
	case m.DockerEnv != nil:
		fmt.Fprintf(out, "Docker image: %s\n", m.DockerEnv.Image)
	}

	for _, name := range m.EntryPointNames() {
		ep := m.EntryPoints[name]
		fmt.Fprintf(out, "\nEntry point: %s\n", name)

		rows := make([][]string, 0, len(ep.Parameters))
		for _, p := range ep.Parameters {
			def := "-"
			if p.Default != nil {
				def = *p.Default
			}
			rows = append(rows, []string{p.Name, string(p.Type), fmt.Sprint(p.Required()), def, p.Description})
		}
		if len(rows) > 0 {
			output.WriteTable(out, []string{"Parameter", "Type", "Required", "Default", "Description"}, rows)
		}
		fmt.Fprintf(out, "Command: %s\n", ep.Command)
	}

	return nil
}
