package cmd

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strrl/mlstep/internal/artifact"
	"github.com/strrl/mlstep/internal/output"
)

var (
	putName        string
	putType        string
	putDescription string
	putAliases     []string
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Inspect and manage the local artifact store",
}

var artifactsListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List artifact versions",
	Args:    cobra.NoArgs,
	RunE:    runArtifactsList,
}

var artifactsPutCmd = &cobra.Command{
	Use:   "put <file>",
	Short: "Log a file as a new artifact version",
	Args:  cobra.ExactArgs(1),
	RunE:  runArtifactsPut,
}

var artifactsAliasCmd = &cobra.Command{
	Use:   "alias <ref> <alias>",
	Short: "Point an alias at an artifact version",
	Long: `Point an alias at an artifact version, e.g.

  mlstep artifacts alias clean_sample.csv:v2 reference
  mlstep artifacts alias random_forest_export:latest prod`,
	Args: cobra.ExactArgs(2),
	RunE: runArtifactsAlias,
}

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsListCmd, artifactsPutCmd, artifactsAliasCmd)

	artifactsPutCmd.Flags().StringVar(&putName, "name", "", "Artifact name (default: file name)")
	artifactsPutCmd.Flags().StringVar(&putType, "type", "raw_data", "Artifact type")
	artifactsPutCmd.Flags().StringVar(&putDescription, "description", "", "Artifact description")
	artifactsPutCmd.Flags().StringSliceVar(&putAliases, "alias", nil, "Extra aliases for the new version")
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	versions, err := store.List()
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No artifacts in %s\n", store.Root())
		return nil
	}

	rows := make([][]string, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, []string{
			v.Name,
			v.Tag(),
			v.Type,
			strings.Join(v.Aliases, ","),
			strconv.FormatInt(v.Size, 10),
			v.CreatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	output.WriteTable(cmd.OutOrStdout(), []string{"Name", "Version", "Type", "Aliases", "Size", "Created"}, rows)
	return nil
}

func runArtifactsPut(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	name := putName
	if name == "" {
		name = filepath.Base(args[0])
	}

	v, err := store.Log(cmd.Context(), artifact.LogRequest{
		Name:        name,
		Type:        putType,
		Description: putDescription,
		File:        args[0],
		Aliases:     putAliases,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Logged %s (%s)\n", v.Ref(), strings.Join(v.Aliases, ", "))
	return nil
}

func runArtifactsAlias(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	v, err := store.SetAlias(args[0], args[1])
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s:%s\n", v.Ref(), v.Name, args[1])
	return nil
}
