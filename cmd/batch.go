package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/pipeline"
	"github.com/sells-group/retention-cli/internal/store"
)

var (
	batchFile    string
	batchLimit   int
	batchMinRisk string
	batchJSON    bool
)

var batchCmd = &cobra.Command{
	Use:   "batch [student-id...]",
	Short: "Run the pipeline for many students concurrently",
	Long: "Student IDs come from the arguments, from --file (one per line, # comments allowed) " +
		"or, with --min-risk, from stored students at or above that level.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		ids := append([]string(nil), args...)
		if batchFile != "" {
			f, err := os.Open(batchFile)
			if err != nil {
				return eris.Wrapf(err, "open %s", batchFile)
			}
			fromFile, err := readIDs(f)
			f.Close() //nolint:errcheck
			if err != nil {
				return err
			}
			ids = append(ids, fromFile...)
		}
		if batchMinRisk != "" {
			lvl, err := model.ParseRiskLevel(batchMinRisk)
			if err != nil {
				return err
			}
			subjects, err := env.Store.ListSubjects(ctx, store.SubjectFilter{MinRiskLevel: lvl, Limit: batchLimit})
			if err != nil {
				return eris.Wrap(err, "list students")
			}
			for _, s := range subjects {
				ids = append(ids, s.ID)
			}
		}

		ids = dedupe(ids)
		if batchLimit > 0 && len(ids) > batchLimit {
			ids = ids[:batchLimit]
		}
		if len(ids) == 0 {
			fmt.Fprintln(os.Stderr, "No students to process.")
			return nil
		}

		items, err := env.Controller.RunBatch(ctx, ids, env.Caches)
		if err != nil {
			return err
		}

		if batchJSON {
			return writeJSON(cmd.OutOrStdout(), items)
		}
		formatBatch(cmd.OutOrStdout(), items)
		return nil
	},
}

// readIDs reads one student ID per line, skipping blanks and # comments.
func readIDs(r io.Reader) ([]string, error) {
	var ids []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read student ids")
	}
	return ids, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func formatBatch(w io.Writer, items []pipeline.BatchItem) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STUDENT\tSTATUS\tRISK\tBRANCH\tINCOMPLETE")
	failed := 0
	for _, it := range items {
		if it.Outcome == nil {
			failed++
			fmt.Fprintf(tw, "%s\tfailed\t-\t-\t%s\n", it.SubjectID, it.Error)
			continue
		}
		o := it.Outcome
		incomplete := "-"
		if len(o.Incomplete) > 0 {
			incomplete = strings.Join(o.Incomplete, ",")
		}
		risk := string(o.RiskLevel)
		if risk == "" {
			risk = "unknown"
		}
		branch := string(o.Branch)
		if branch == "" {
			branch = "none"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.SubjectID, o.Status, risk, branch, incomplete)
	}
	tw.Flush() //nolint:errcheck
	fmt.Fprintf(w, "\n%d students, %d failed\n", len(items), failed)
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "file with one student ID per line")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of students to process")
	batchCmd.Flags().StringVar(&batchMinRisk, "min-risk", "", "add stored students at or above this risk level (Low, Medium, High)")
	batchCmd.Flags().BoolVar(&batchJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(batchCmd)
}
