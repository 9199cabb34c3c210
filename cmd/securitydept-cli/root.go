package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"securitydept/server"
	"securitydept/store"
)

type rootOptions struct {
	configPath string
	dataPath   string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "securitydept-cli",
		Short:         "Manage securitydept auth entries, groups and claims checks",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("SECURITYDEPT_CONFIG"), "Server config file to read data.path from")
	cmd.PersistentFlags().StringVar(&opts.dataPath, "data", "", "Path to the data file (overrides --config and DATA_PATH)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Log store activity to stderr")

	cmd.AddCommand(newEntryCmd(opts))
	cmd.AddCommand(newGroupCmd(opts))
	cmd.AddCommand(newClaimsCmd())
	return cmd
}

// resolveDataPath picks --data, then the config file's data.path, then
// DATA_PATH, then the server default.
func (o *rootOptions) resolveDataPath() (string, error) {
	if o.dataPath != "" {
		return o.dataPath, nil
	}
	if o.configPath != "" {
		cfg, err := server.LoadConfig(o.configPath)
		if err != nil {
			return "", err
		}
		return cfg.Data.Path, nil
	}
	if p := os.Getenv("DATA_PATH"); p != "" {
		return p, nil
	}
	return server.DefaultConfig().Data.Path, nil
}

// openStore opens the data file. A running server picks the changes up
// through its file watcher.
func (o *rootOptions) openStore(cmd *cobra.Command) (*store.Store, error) {
	level := slog.LevelWarn
	if o.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	path, err := o.resolveDataPath()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cmd.Context(), path, logger)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	return st, nil
}

// resolveGroups maps group names or ids onto ids.
func resolveGroups(st *store.Store, refs []string) ([]string, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if g, ok := st.FindGroupByName(ref); ok {
			ids = append(ids, g.ID)
			continue
		}
		g, err := st.GetGroup(ref)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", ref, err)
		}
		ids = append(ids, g.ID)
	}
	return ids, nil
}

// resolveEntry finds an entry by id, falling back to its name.
func resolveEntry(st *store.Store, ref string) (store.AuthEntry, error) {
	if e, err := st.GetEntry(ref); err == nil {
		return e, nil
	}
	for _, e := range st.ListEntries() {
		if e.Name == ref {
			return e, nil
		}
	}
	return store.AuthEntry{}, fmt.Errorf("entry %q: %w", ref, store.ErrEntryNotFound)
}

func groupNames(st *store.Store, ids []string) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if g, err := st.GetGroup(id); err == nil {
			names = append(names, g.Name)
		} else {
			names = append(names, id)
		}
	}
	return strings.Join(names, ", ")
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(header),
		tablewriter.WithAlignment(tw.MakeAlign(len(header), tw.AlignLeft)),
	)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
