package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile      string
	workspaceDir string
	workspaceID  string
	jsonOut      bool
)

var rootCmd = &cobra.Command{
	Use:   "archivecasctl",
	Short: "Drive the archive ingestion core without the HTTP service",
	Long: `archivecasctl operates directly on a workspace directory's CAS store,
metadata database, and checkpoint directory — the same Go types
(internal/engine.Engine, internal/coordinator.Coordinator,
internal/tree.API) the HTTP service wires up, with no HTTP hop.

Examples:
  archivecasctl import --workspace docs /incoming/bundle.zip
  archivecasctl tree --workspace docs
  archivecasctl read --workspace docs <sha256> --output out.bin
  archivecasctl cancel <task-id> --server http://localhost:8080`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "not read; the policy comes from policy.yaml in ., ./config or /etc/archivecas")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "workspace root directory (default: $ARCHIVECAS_WORKSPACE_DIR or /data/workspaces)")
	rootCmd.PersistentFlags().StringVar(&workspaceID, "workspace", "default", "workspace identifier")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON output")
}

// initConfig mirrors internal/config's ARCHIVECAS_ env-var idiom so the CLI
// and the HTTP service resolve the same settings the same way.
func initConfig() {
	viper.SetEnvPrefix("ARCHIVECAS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if workspaceDir == "" {
		if v := viper.GetString("WORKSPACE_DIR"); v != "" {
			workspaceDir = v
		} else {
			workspaceDir = "/data/workspaces"
		}
	}
}

// Execute runs the root command; invoked by main.
func Execute() error {
	return rootCmd.Execute()
}

func printJSON(v any) error {
	enc := jsonEncoder(os.Stdout)
	return enc.Encode(v)
}

func printError(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
}
