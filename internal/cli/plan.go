package cli

import (
	"encoding/json"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"abiforge/internal/cache"
)

type planRow struct {
	Package     string `json:"package"`
	Version     string `json:"version"`
	Fingerprint string `json:"fingerprint"`
	BuildType   string `json:"build_type"`
	Config      string `json:"config_hash"`
	Cached      bool   `json:"cached"`
	Location    string `json:"location,omitempty"`
}

func (a *app) planCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan <pkg[@constraint]>...",
		Short: "Resolve packages and print the build plan in build order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.context(cmd)
			c, done, err := a.openCache(ctx)
			if err != nil {
				return err
			}
			defer done()

			plan, _, err := a.resolvePlan(ctx, args, c)
			if err != nil {
				return err
			}

			var rows []planRow
			for _, i := range plan.Order() {
				n := plan.Nodes[i]
				key := plan.Key(i)
				row := planRow{
					Package:     n.Name,
					Version:     n.Version.String(),
					Fingerprint: n.Fingerprint.Key(),
					BuildType:   n.Config.BuildType,
					Config:      n.Config.ShortHash(),
				}
				e, ok, err := c.FindCompatible(ctx, cache.Query{
					Package:     n.Name,
					Version:     row.Version,
					Fingerprint: n.Fingerprint,
					ConfigHash:  key.ConfigHash,
				})
				if err != nil {
					return err
				}
				row.Cached, row.Location = ok, e.Location
				rows = append(rows, row)
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			table := tablewriter.NewWriter(a.out)
			table.Header("Package", "Version", "Fingerprint", "Build type", "Config", "Status")
			for _, r := range rows {
				state := "build"
				if r.Cached {
					state = "cached"
				}
				if err := table.Append(r.Package, r.Version, r.Fingerprint, r.BuildType, r.Config, state); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable output")
	return cmd
}
