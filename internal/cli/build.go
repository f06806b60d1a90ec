package cli

import (
	"fmt"
	"os"
	"sort"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"abiforge/internal/executor"
)

func isTTY(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (a *app) buildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "build <pkg[@constraint]>...",
		Short: "Resolve packages and build everything the cache cannot supply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.context(cmd)
			defer a.writeMetrics()

			c, done, err := a.openCache(ctx)
			if err != nil {
				return err
			}
			defer done()

			plan, id, err := a.resolvePlan(ctx, args, c)
			if err != nil {
				return err
			}
			status(a.out, colInfo, "Building %d packages with %s", len(plan.Nodes), id)

			bar := progressbar.NewOptions(len(plan.Nodes),
				progressbar.OptionSetWriter(a.errOut),
				progressbar.OptionSetVisibility(isTTY(a.errOut)),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionSetDescription("building"),
			)
			ex := &executor.Executor{
				Runner:    a.runner,
				Cache:     c,
				Identity:  id,
				Jobs:      a.cfg.Jobs,
				BuildJobs: a.cfg.BuildJobs,
				WorkDir:   a.cfg.WorkDir,
				Logger:    a.log,
				OnStateChange: func(_ int, name string, s executor.State) {
					bar.Describe(fmt.Sprintf("%s: %s", name, s))
					if s.Terminal() {
						bar.Add(1)
					}
				},
			}

			report, err := ex.Execute(ctx, plan)
			bar.Finish()
			if report != nil {
				a.summarize(report)
			}
			return err
		},
	}
}

// summarize prints built, reused and failed packages.
func (a *app) summarize(r *executor.Report) {
	var built, reused []string
	for _, res := range r.Results {
		switch {
		case res.State != executor.Cached:
		case res.Hit:
			reused = append(reused, res.Name)
		default:
			built = append(built, res.Name)
		}
	}
	sort.Strings(built)
	sort.Strings(reused)

	if len(built) > 0 {
		status(a.out, colSuccess, "Built packages:")
		for _, name := range built {
			fmt.Fprintf(a.out, "  - %s\n", colNote.Sprint(name))
		}
	}
	if len(reused) > 0 {
		status(a.out, colSuccess, "Reused from cache:")
		for _, name := range reused {
			fmt.Fprintf(a.out, "  - %s\n", colNote.Sprint(name))
		}
	}
	if failed := r.Failed(); len(failed) > 0 {
		status(a.out, colError, "Failed or blocked packages:")
		for _, res := range failed {
			fmt.Fprintf(a.out, "  - %-20s: %v\n", res.Name, res.Err)
		}
	}
}
