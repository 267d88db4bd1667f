package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newDatabasesCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "databases",
		Short: "Lists the databases an access token can open",
		Long:  "Lists databases for --token, defaulting to the source access token.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if token == "" {
				token = appInstance.GetConfig().Source.AccessToken
			}
			dbs, err := appInstance.Databases().ListDatabases(cmd.Context(), token)
			if err != nil {
				return fmt.Errorf("list databases: %w", err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tALIAS\tADMIN")
			for _, db := range dbs {
				fmt.Fprintf(tw, "%d\t%s\t%t\n", db.ID, db.Alias, db.Admin)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token (default: source.access_token)")
	return cmd
}
