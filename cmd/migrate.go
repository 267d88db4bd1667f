package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/migration"
)

func newMigrateCmd() *cobra.Command {
	var (
		params    map[string]string
		keepGoing bool
	)
	cmd := &cobra.Command{
		Use:   "migrate MODULE [MODULE...]",
		Short: "Migrates whole modules from the source to the destination database",
		Long: `Lists every record of each module in the source database and saves them
into the destination, in the order given. Master data should precede the
transactions that reference it, for example:

  migrator migrate vendor item purchase-order purchase-invoice

One JSON report is printed per module.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			logger := appInstance.GetLogger()

			var query url.Values
			if len(params) > 0 {
				query = url.Values{}
				for k, v := range params {
					query.Set(k, v)
				}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			var errs []error
			for _, mod := range args {
				report, err := appInstance.Migrator().Migrate(cmd.Context(), migration.Job{Module: mod, Params: query})
				if encErr := enc.Encode(report); encErr != nil {
					return fmt.Errorf("write report: %w", encErr)
				}
				if err == nil {
					continue
				}
				err = fmt.Errorf("migrate %s: %w", mod, err)
				if !keepGoing {
					return err
				}
				logger.Warn("module failed, continuing", zap.String("module", mod), zap.Error(err))
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringToStringVar(&params, "param", nil, "extra list.do query parameter, e.g. --param filter.transDate.op=BETWEEN")
	cmd.Flags().BoolVar(&keepGoing, "keep-going", false, "continue with the next module after a failure")
	return cmd
}
