package output

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/strrl/mlstep/internal/pipeline"
)

const reportsDir = "runs"

type Generator struct {
	outputDir string
}

func NewGenerator(outputDir string) *Generator {
	return &Generator{
		outputDir: outputDir,
	}
}

// Generate writes a markdown report for res and returns its path.
func (g *Generator) Generate(res *pipeline.RunResult) (string, error) {
	dir := filepath.Join(g.outputDir, reportsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", reportsDir, err)
	}

	filename := filepath.Join(dir, fmt.Sprintf("%s-%s.md",
		res.StartedAt.UTC().Format("20060102T150405Z"), sanitizeFilename(res.RunID)))

	if err := os.WriteFile(filename, []byte(RenderReport(res)), 0644); err != nil {
		return "", fmt.Errorf("failed to write run report: %w", err)
	}

	return filename, nil
}

func RenderReport(res *pipeline.RunResult) string {
	var sb strings.Builder

	title := "Pipeline run"
	if res.DryRun {
		title = "Pipeline dry run"
	}
	sb.WriteString(fmt.Sprintf("# %s %s\n\n", title, res.RunID))
	sb.WriteString(fmt.Sprintf("**Project:** %s\n", emptyFallback(res.Project, "-")))
	sb.WriteString(fmt.Sprintf("**Group:** %s\n", emptyFallback(res.Group, "-")))
	sb.WriteString(fmt.Sprintf("**Started:** %s\n", res.StartedAt.UTC().Format(time.RFC3339)))
	sb.WriteString(fmt.Sprintf("**Duration:** %s\n", res.Duration.Round(time.Millisecond)))
	sb.WriteString(fmt.Sprintf("**Outcome:** %s\n\n", outcome(res)))

	sb.WriteString("## Steps\n\n")
	rows := make([][]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		exit := "-"
		if s.Status == pipeline.StatusSucceeded || s.Status == pipeline.StatusFailed {
			exit = strconv.Itoa(s.ExitCode)
		}
		rows = append(rows, []string{
			s.Name,
			string(s.Status),
			s.Duration.Round(time.Millisecond).String(),
			exit,
		})
	}
	WriteMarkdownTable(&sb, []string{"Step", "Status", "Duration", "Exit"}, rows)

	var commands []pipeline.StepResult
	for _, s := range res.Steps {
		if s.Command != "" {
			commands = append(commands, s)
		}
	}
	if len(commands) > 0 {
		sb.WriteString("\n## Commands\n\n")
		for _, s := range commands {
			sb.WriteString(fmt.Sprintf("### %s\n\n```sh\n%s\n```\n\n", s.Name, s.Command))
		}
	}

	if failed, ok := res.Failed(); ok && failed.Err != nil {
		sb.WriteString("## Failure\n\n")
		sb.WriteString(fmt.Sprintf("Step **%s** failed: %s\n", failed.Name, truncate(failed.Err.Error(), 500)))
	}

	return sb.String()
}

func outcome(res *pipeline.RunResult) string {
	if _, failed := res.Failed(); failed {
		return "failed"
	}
	if res.DryRun {
		return "rendered"
	}
	return "succeeded"
}

func emptyFallback(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeFilename(s string) string {
	result := unsafeFilenameRe.ReplaceAllString(s, "-")
	result = strings.Trim(result, "-")
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "unnamed"
	}
	return strings.ToLower(result)
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
