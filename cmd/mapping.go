package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/accurate-migrator/internal/mapping"
)

func newMappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Inspects stored number mappings",
	}

	var details bool
	get := &cobra.Command{
		Use:   "get DATABASE_ID MODULE OLD_NUMBER",
		Short: "Prints the number the destination assigned to OLD_NUMBER",
		Long: "Prints the number the destination assigned to OLD_NUMBER. With --details " +
			"the stored timestamps and the raw save response are printed as well.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			databaseID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || databaseID <= 0 {
				return fmt.Errorf("database id must be a positive integer, got %q", args[0])
			}
			if !details {
				newNumber, found, err := appInstance.Mappings().Get(cmd.Context(), databaseID, args[1], args[2])
				if err != nil {
					return fmt.Errorf("lookup mapping: %w", err)
				}
				if !found {
					return errors.New("mapping not found")
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), newNumber)
				return err
			}

			m, found, err := appInstance.Mappings().Lookup(cmd.Context(), databaseID, args[1], args[2])
			if err != nil {
				return fmt.Errorf("lookup mapping: %w", err)
			}
			if !found {
				return errors.New("mapping not found")
			}
			return printMapping(cmd, m)
		},
	}
	get.Flags().BoolVar(&details, "details", false, "print timestamps and the raw save response")
	cmd.AddCommand(get)
	return cmd
}

func printMapping(cmd *cobra.Command, m mapping.Mapping) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "DATABASE_ID\t%d\n", m.DatabaseID)
	fmt.Fprintf(tw, "MODULE\t%s\n", m.Module)
	fmt.Fprintf(tw, "OLD_NUMBER\t%s\n", m.OldNumber)
	fmt.Fprintf(tw, "NEW_NUMBER\t%s\n", m.NewNumber)
	fmt.Fprintf(tw, "CREATED_AT\t%s\n", m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "UPDATED_AT\t%s\n", m.UpdatedAt.Format(time.RFC3339))
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(m.RawResponse) == 0 {
		return nil
	}
	out := cmd.OutOrStdout()
	if !json.Valid(m.RawResponse) {
		_, err := fmt.Fprintf(out, "RESPONSE\n%s\n", m.RawResponse)
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, m.RawResponse, "", "  "); err != nil {
		return fmt.Errorf("format response: %w", err)
	}
	_, err := fmt.Fprintf(out, "RESPONSE\n%s\n", pretty.Bytes())
	return err
}
