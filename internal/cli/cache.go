package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"abiforge/internal/abi"
	"abiforge/internal/cache"
)

func (a *app) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Query the artifact cache",
	}
	cmd.AddCommand(a.cacheListCommand(), a.cacheFindCommand())
	return cmd
}

func (a *app) cacheListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "ls <pkg> [version]",
		Aliases: []string{"list"},
		Short:   "List cached artifacts of a package",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.context(cmd)
			c, done, err := a.openCache(ctx)
			if err != nil {
				return err
			}
			defer done()

			version := ""
			if len(args) == 2 {
				version = args[1]
			}
			entries, err := c.List(ctx, args[0], version)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				status(a.out, colWarn, "No cached artifacts for %s", args[0])
				return nil
			}

			table := tablewriter.NewWriter(a.out)
			table.Header("Version", "Fingerprint", "Config", "Created", "Location")
			for _, e := range entries {
				if err := table.Append(
					e.Key.Version,
					e.Key.Fingerprint.Key(),
					short(e.Key.ConfigHash),
					e.CreatedAt.Local().Format(time.DateTime),
					e.Location,
				); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func (a *app) cacheFindCommand() *cobra.Command {
	var (
		std, mode, configHash string
		asJSON                bool
	)
	cmd := &cobra.Command{
		Use:   "find <pkg> <version>",
		Short: "Find an artifact compatible with the host toolchain",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.context(cmd)
			c, done, err := a.openCache(ctx)
			if err != nil {
				return err
			}
			defer done()

			level, err := a.cfg.StdLevel()
			if err != nil {
				return err
			}
			if std != "" {
				if level, err = abi.ParseStd(std); err != nil {
					return err
				}
			}
			fp := a.hostFingerprint(a.detect(ctx), level)
			if mode != "" {
				m, err := abi.ParseMode(mode)
				if err != nil {
					return err
				}
				fp = fp.WithMode(m)
			}

			e, ok, err := c.FindCompatible(ctx, cache.Query{
				Package:     args[0],
				Version:     args[1],
				Fingerprint: fp,
				ConfigHash:  configHash,
			})
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no artifact of %s@%s compatible with %s", args[0], args[1], fp.Key())
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(e)
			}
			status(a.out, colSuccess, "%s@%s %s", args[0], args[1], colNote.Sprint(e.Key.Fingerprint.Key()))
			fmt.Fprintf(a.out, "  location: %s\n  checksum: %s\n", e.Location, e.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&std, "std", "", "required C++ standard (defaults to the configured one)")
	cmd.Flags().StringVar(&mode, "mode", "", "required mode: debug or release")
	cmd.Flags().StringVar(&configHash, "config-hash", "", "require this exact configuration hash")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the cache entry as JSON")
	return cmd
}
