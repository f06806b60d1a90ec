package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"abiforge/internal/abi"
)

func (a *app) detectCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Identify the host C++ toolchain and its ABI fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := a.context(cmd)
			id := a.detect(ctx)
			std, err := a.cfg.StdLevel()
			if err != nil {
				return err
			}
			fp := a.hostFingerprint(id, std)

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Toolchain   map[string]string `json:"toolchain"`
					Target      string            `json:"target"`
					Fingerprint abi.Fingerprint   `json:"fingerprint"`
					Key         string            `json:"key"`
				}{id.Record(), a.cfg.TargetPlatform().String(), fp, fp.Key()})
			}

			if !id.Known() {
				status(a.out, colWarn, "No supported C++ compiler found; only header-only packages can be built")
			} else {
				status(a.out, colSuccess, "Compiler: %s", colNote.Sprint(id.String()))
				status(a.out, colSuccess, "Standard library: %s", id.Stdlib)
			}
			status(a.out, colSuccess, "Target: %s", a.cfg.TargetPlatform())
			status(a.out, colSuccess, "Fingerprint: %s", colNote.Sprint(fp.Key()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable output")
	return cmd
}
