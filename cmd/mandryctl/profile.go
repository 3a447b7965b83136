package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newProfileCmd() *cobra.Command {
	profileCmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect or erase your stored profile",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Show the stored profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			p, err := c.Profile(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(p)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Completeness: %d%%\n", p.Completeness)
			if p.Profile != nil {
				if summary := p.Profile.Summary(); summary != "" {
					fmt.Fprintln(out, summary)
				}
			}
			if len(p.MissingContext) > 0 {
				fmt.Fprintf(out, "Missing: %v\n", p.MissingContext)
			}
			return nil
		},
	}
	getCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the profile and every stored conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			n, err := c.ClearProfile(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Profile cleared (%d conversations removed)\n", n)
			return nil
		},
	}

	profileCmd.AddCommand(getCmd, clearCmd)
	return profileCmd
}
