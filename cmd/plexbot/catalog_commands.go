package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"plexbot/internal/catalog"
	"plexbot/internal/logging"
)

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and rebuild the media catalog",
	}
	catalogCmd.AddCommand(newCatalogStatsCommand(ctx))
	catalogCmd.AddCommand(newCatalogSearchCommand(ctx))
	catalogCmd.AddCommand(newCatalogScanCommand(ctx))
	return catalogCmd
}

func withCatalog(ctx *commandContext, fn func(*catalog.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := catalog.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newCatalogStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(ctx, func(store *catalog.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d movies, %d shows, %d episodes\n",
					stats.Movies, stats.Shows, stats.Episodes)
				return nil
			})
		},
	}
}

func newCatalogSearchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "search <text>",
		Short: "Search the catalog by title",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			for i, arg := range args {
				if i > 0 {
					query += " "
				}
				query += arg
			}
			return withCatalog(ctx, func(store *catalog.Store) error {
				entries, err := store.Search(cmd.Context(), query)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintf(out, "Nothing matches %q.\n", query)
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, entry := range entries {
					year := ""
					if entry.Year > 0 {
						year = strconv.Itoa(entry.Year)
					}
					episodes := ""
					if entry.Kind == catalog.EntryShow {
						episodes = strconv.Itoa(entry.Episodes)
					}
					rows = append(rows, []string{string(entry.Kind), entry.Title, year, episodes})
				}
				fmt.Fprintln(out, renderTable(out,
					[]string{"Kind", "Title", "Year", "Episodes"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight},
				))
				return nil
			})
		},
	}
}

func newCatalogScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Rebuild the catalog from the library roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return withCatalog(ctx, func(store *catalog.Store) error {
				result, err := store.Scan(cmd.Context(), cfg, logging.NewNop())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scan complete: %d movies, %d shows, %d episodes (%d libraries skipped)\n",
					result.Movies, result.Shows, result.Episodes, result.Skipped)
				return nil
			})
		},
	}
}
