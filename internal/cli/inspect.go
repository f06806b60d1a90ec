package cli

import (
	"archive/tar"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"abiforge/internal/abi"
	"abiforge/internal/cache"
)

var errNoRecord = errors.New("artifact has no abi.json record")

func (a *app) inspectCommand() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "inspect <artifact>",
		Short: "List an artifact's files and print its ABI record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			var record map[string]string
			var files []string
			err = cache.Walk(filepath.Base(path), f, func(hdr *tar.Header, body io.Reader) error {
				if hdr.Name == "abi.json" {
					return json.NewDecoder(body).Decode(&record)
				}
				if hdr.Typeflag != tar.TypeDir {
					files = append(files, hdr.Name)
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			if record == nil {
				return errNoRecord
			}
			fp, err := abi.FromRecord(record)
			if err != nil {
				return err
			}

			status(a.out, colSuccess, "Fingerprint: %s", colNote.Sprint(fp.Key()))
			keys := make([]string, 0, len(record))
			for k := range record {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(a.out, "  %-17s %s\n", k+":", record[k])
			}
			if quiet {
				return nil
			}
			status(a.out, colSuccess, "Files (%d):", len(files))
			for _, name := range files {
				fmt.Fprintf(a.out, "  %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the ABI record")
	return cmd
}
