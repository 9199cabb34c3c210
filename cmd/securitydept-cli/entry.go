package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"securitydept/credentials"
	"securitydept/store"
)

func newEntryCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Manage basic and token auth entries",
	}
	cmd.AddCommand(
		newEntryListCmd(root),
		newEntryCreateBasicCmd(root),
		newEntryCreateTokenCmd(root),
		newEntryDeleteCmd(root),
	)
	return cmd
}

func newEntryListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List auth entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := root.openStore(cmd)
			if err != nil {
				return err
			}
			entries := st.ListEntries()
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No entries configured.")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{e.ID, e.Name, string(e.Kind), e.Username, groupNames(st, e.GroupIDs)})
			}
			return renderTable(cmd.OutOrStdout(), []string{"ID", "Name", "Kind", "Username", "Groups"}, rows)
		},
	}
}

func newEntryCreateBasicCmd(root *rootOptions) *cobra.Command {
	var (
		username      string
		password      string
		passwordStdin bool
		groups        []string
	)
	cmd := &cobra.Command{
		Use:   "create-basic [name]",
		Short: "Create a username/password entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if username == "" || password == "" {
				return errors.New("--username and a password are required")
			}

			st, err := root.openStore(cmd)
			if err != nil {
				return err
			}
			groupIDs, err := resolveGroups(st, groups)
			if err != nil {
				return err
			}
			hash, err := credentials.HashPassword(password)
			if err != nil {
				return err
			}
			created, err := st.CreateEntry(cmd.Context(), store.NewBasicEntry(args[0], username, hash, groupIDs))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry '%s' created with id %s.\n", created.Name, created.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Basic auth username")
	cmd.Flags().StringVar(&password, "password", "", "Basic auth password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	cmd.Flags().StringSliceVar(&groups, "group", nil, "Group name or id (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("password", "password-stdin")
	return cmd
}

func newEntryCreateTokenCmd(root *rootOptions) *cobra.Command {
	var groups []string
	cmd := &cobra.Command{
		Use:   "create-token [name]",
		Short: "Create a bearer token entry and print the token once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := root.openStore(cmd)
			if err != nil {
				return err
			}
			groupIDs, err := resolveGroups(st, groups)
			if err != nil {
				return err
			}
			token, digest, err := credentials.GenerateToken()
			if err != nil {
				return err
			}
			created, err := st.CreateEntry(cmd.Context(), store.NewTokenEntry(args[0], digest, groupIDs))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Entry '%s' created with id %s. The token is shown only once:\n", created.Name, created.ID)
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&groups, "group", nil, "Group name or id (repeatable)")
	return cmd
}

func newEntryDeleteCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id-or-name]",
		Short: "Delete an auth entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := root.openStore(cmd)
			if err != nil {
				return err
			}
			entry, err := resolveEntry(st, args[0])
			if err != nil {
				return err
			}
			if err := st.DeleteEntry(cmd.Context(), entry.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Entry '%s' deleted.\n", entry.Name)
			return nil
		},
	}
}
