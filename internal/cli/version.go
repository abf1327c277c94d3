package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/andywolf/walletguard/internal/version"
)

var versionOutput string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the walletguard build",
	Long: `Show the walletguard build and the user agent sent to wallet APIs and
intelligence feeds. Use --output json or yaml for machine-readable output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printVersion(cmd.OutOrStdout(), versionOutput, viper.GetBool("verbose"))
	},
}

func init() {
	versionCmd.Flags().StringVarP(&versionOutput, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(versionCmd)
}

// buildInfo is the machine-readable form of the version output.
type buildInfo struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"build_date" yaml:"build_date"`
	GoVersion string `json:"go_version" yaml:"go_version"`
	Platform  string `json:"platform" yaml:"platform"`
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

func currentBuild() buildInfo {
	return buildInfo{
		Version:   version.Version,
		Commit:    version.Commit,
		BuildDate: version.BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		UserAgent: version.UserAgent(),
	}
}

func printVersion(w io.Writer, format string, verbose bool) error {
	switch format {
	case "", "text":
		if !verbose {
			_, err := fmt.Fprintln(w, version.Info())
			return err
		}
		_, err := fmt.Fprintf(w, "%s\n  User agent: %s\n", version.Full(), version.UserAgent())
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(currentBuild())
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(currentBuild()); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}
