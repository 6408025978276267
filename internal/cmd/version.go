package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

type buildVersion struct {
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
	Modified  bool
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Long: `Print the version, git commit, and build date of mlstep. Values not set
with -ldflags are taken from the module build info when available.`,
	Run: func(cmd *cobra.Command, args []string) {
		info, _ := debug.ReadBuildInfo()
		v := resolveVersion(info)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "mlstep version %s\n", v.Version)
		commit := v.GitCommit
		if v.Modified {
			commit += " (modified)"
		}
		fmt.Fprintf(out, "  Git commit: %s\n", commit)
		fmt.Fprintf(out, "  Build date: %s\n", v.BuildDate)
		if v.GoVersion != "" {
			fmt.Fprintf(out, "  Go version: %s\n", v.GoVersion)
		}
	},
}

// resolveVersion fills in whatever -ldflags left at its default from the
// module version and VCS stamps that go build records.
func resolveVersion(info *debug.BuildInfo) buildVersion {
	v := buildVersion{Version: Version, GitCommit: GitCommit, BuildDate: BuildDate}
	if info == nil {
		return v
	}

	v.GoVersion = info.GoVersion
	if v.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		v.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if v.GitCommit == "unknown" {
				v.GitCommit = s.Value
			}
		case "vcs.time":
			if v.BuildDate == "unknown" {
				v.BuildDate = s.Value
			}
		case "vcs.modified":
			v.Modified = s.Value == "true"
		}
	}
	return v
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
