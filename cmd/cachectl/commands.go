package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [function]",
	Short: "Show cached entry counts, optionally for a single function",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		if len(args) == 1 {
			n, err := c.SizeOf(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d entries\n", args[0], n)
			return nil
		}

		stats, err := c.Functions()
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("cache is empty")
			return nil
		}
		var entries int
		var hits int64
		for _, fs := range stats {
			fmt.Printf("%-40s entries=%-6d hits=%d\n", fs.Function, fs.Entries, fs.Hits)
			entries += fs.Entries
			hits += fs.Hits
		}
		fmt.Printf("total: %d functions, %d entries, %d hits\n", len(stats), entries, hits)
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <function>",
	Short: "Delete every cached entry and payload for a function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.SizeOf(args[0])
		if err != nil {
			return err
		}
		if err := c.ClearFunction(args[0]); err != nil {
			return err
		}
		fmt.Printf("cleared %d entries for %s\n", n, args[0])
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove entries past their max age and rows whose payload is gone",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		removed, err := c.Prune(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("pruned %d entries\n", removed)
		return nil
	},
}

var migrateNamesCmd = &cobra.Command{
	Use:   "migrate-names",
	Short: "Rename legacy payload files to the hash-based naming scheme",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.MigrateLegacyNames(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("migration complete")
		return nil
	},
}
