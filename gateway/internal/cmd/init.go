package cmd

import (
	"github.com/spf13/cobra"

	"github.com/voicelink/voicelink/gateway/internal/wizard"
	"github.com/voicelink/voicelink/pkg/cli"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard to generate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			defaults, _ := cmd.Flags().GetBool("defaults")

			w := wizard.New(&cli.Prompter{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()})
			if defaults {
				return w.RunDefaults(output)
			}
			return w.Run(output)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./gateway.json)")
	cmd.Flags().Bool("defaults", false, "generate config non-interactively from GATEWAY_* env vars and generated secrets")
	return cmd
}
