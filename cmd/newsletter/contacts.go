package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage subscribers",
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <email>...",
	Short: "Subscribe addresses",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		for _, email := range args {
			c, err := a.Contacts.Subscribe(cmd.Context(), email)
			if err != nil {
				return fmt.Errorf("%s: %w", email, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", c.Email, c.UnsubscribeKey)
		}
		return nil
	},
}

var contactsRemoveCmd = &cobra.Command{
	Use:   "remove <email>",
	Short: "Unsubscribe an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Contacts.Remove(cmd.Context(), args[0])
	},
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		contacts, err := a.Contacts.List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EMAIL\tSUBSCRIBED\tUNSUBSCRIBE KEY")
		for _, c := range contacts {
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Email, c.CreatedAt.Format("2006-01-02"), c.UnsubscribeKey)
		}
		return w.Flush()
	},
}

func init() {
	contactsCmd.AddCommand(contactsAddCmd, contactsRemoveCmd, contactsListCmd)
}
