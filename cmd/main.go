package cmd

import (
	"github.com/spf13/cobra"

	"github.com/R0d3ric/OpenAM/openam-ui-policy/pkg/buildsys/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "tool",
	Short: "Build tools for the OpenAM policy editor UI",
	Long: `This command bundles the tools used to develop the policy editor UI.
It copies the UI sources and the forgerock-ui commons into the OpenAM deployment, stamps the
version into index.html and styles.less and watches the sources for changes.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(cmd.RootCmd)
	rootCmd.AddCommand(cmd.ShortcutCmd("sync", "Copies the UI sources into <OPENAM_HOME>/policyEditor"))
	rootCmd.AddCommand(cmd.ShortcutCmd("replace", "Replaces ${version} in the deployed index.html and styles.less"))
	rootCmd.AddCommand(cmd.ShortcutCmd("watch", "Reruns sync and replace whenever the sources change"))
	rootCmd.AddCommand(cmd.ShortcutCmd("default", "Runs sync and replace, then watches for changes"))
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
