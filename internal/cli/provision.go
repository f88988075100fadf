package cli

import (
	"fmt"

	"github.com/illmade-knight/go-fieldsync/internal/app"
	"github.com/spf13/cobra"
)

func NewProvisionCommand(rootOpts *RootOptions) *cobra.Command {
	var teardown bool
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the bucket, topics or tables the configured transport uploads into",
		Long: `Create the cloud resources of the configured transport. Existing
resources are left as they are, so provision can be run repeatedly.

With --teardown the resources are deleted instead, unless
transport.teardown_protection is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			res := app.ProvisionResources(cfg)
			if err := app.Provision(cmd.Context(), cfg, teardown, logger); err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			action := "Provisioned"
			if teardown {
				action = "Removed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resources for the %s transport\n", action, cfg.Transport.Kind)
			return nil
		},
	}
	cmd.Flags().BoolVar(&teardown, "teardown", false, "delete the resources instead of creating them")
	return cmd
}
