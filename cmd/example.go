package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/attrset/internal/templates"
)

var exampleCmd = &cobra.Command{
	Use:   "example [name]",
	Short: "Print an example manifest",
	Long: `Print one of the built-in example manifests, or list them when no name
is given.

Examples:
  attrset example platforms > platforms.yaml
  attrset intern platforms.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), strings.Join(templates.Names(), "\n"))
			return err
		}
		data, err := templates.Example(args[0])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(exampleCmd)
}
