package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"securitydept/store"
)

func newGroupCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Manage forward-auth groups",
	}
	cmd.AddCommand(
		newGroupListCmd(root),
		newGroupCreateCmd(root),
		newGroupDeleteCmd(root),
	)
	return cmd
}

func newGroupListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List groups and their member count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := root.openStore(cmd)
			if err != nil {
				return err
			}
			groups := st.ListGroups()
			if len(groups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No groups configured.")
				return nil
			}
			rows := make([][]string, 0, len(groups))
			for _, g := range groups {
				rows = append(rows, []string{g.ID, g.Name, strconv.Itoa(len(st.EntriesByGroup(g.ID)))})
			}
			return renderTable(cmd.OutOrStdout(), []string{"ID", "Name", "Members"}, rows)
		},
	}
}

func newGroupCreateCmd(root *rootOptions) *cobra.Command {
	var entries []string
	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a group, optionally with initial members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := root.openStore(cmd)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(entries))
			for _, ref := range entries {
				e, err := resolveEntry(st, ref)
				if err != nil {
					return err
				}
				ids = append(ids, e.ID)
			}
			g, err := st.CreateGroup(cmd.Context(), args[0], ids)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group '%s' created with id %s.\n", g.Name, g.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&entries, "entry", nil, "Entry name or id to add (repeatable)")
	return cmd
}

func newGroupDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id-or-name]",
		Short: "Delete a group and drop it from every entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := root.openStore(cmd)
			if err != nil {
				return err
			}
			g, ok := st.FindGroupByName(args[0])
			if !ok {
				if g, err = st.GetGroup(args[0]); err != nil {
					return fmt.Errorf("group %q: %w", args[0], store.ErrGroupNotFound)
				}
			}
			if err := st.DeleteGroup(cmd.Context(), g.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Group '%s' deleted.\n", g.Name)
			return nil
		},
	}
}
