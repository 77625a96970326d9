package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/pipeline"
	"github.com/sells-group/retention-cli/internal/stage"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <student-id>",
	Short: "Run the full pipeline for one student",
	Long:  "Runs risk and emotional analysis, branches on the stored risk level, runs the support stages for at-risk students and prints the summary.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		env, err := initPipeline(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		outcome, err := env.Controller.Run(ctx, env.Caches(id), id)
		if err != nil {
			return eris.Wrapf(err, "analyze %s", id)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), outcome)
		}
		fmt.Fprintln(cmd.OutOrStdout(), pipeline.FormatOutcome(outcome))
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary <student-id>",
	Short: "Report the current state of a student without running analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		env, err := initPipeline(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Controller.Summary(ctx, env.Caches(id), id)
		if errors.Is(err, model.ErrNotFound) {
			fmt.Fprintf(cmd.OutOrStdout(), "No history found for student %s.\n", id)
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "summary %s", id)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		fmt.Fprintln(cmd.OutOrStdout(), report.Summary)
		return nil
	},
}

var stageCmd = &cobra.Command{
	Use:   "stage <kind> <student-id>",
	Short: "Run a single stage for one student",
	Long:  "Runs one stage outside the pipeline. Kinds: risk, emotional, academic, intervention, family, monitoring, summary.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind, err := stage.ParseKind(args[0])
		if err != nil {
			return err
		}
		id := args[1]

		env, err := initPipeline(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Controller.RunStage(ctx, env.Caches(id), id, kind)
		if err != nil {
			return eris.Wrapf(err, "stage %s", kind)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Text)
		return nil
	},
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{analyzeCmd, summaryCmd, stageCmd} {
		c.Flags().Bool("json", false, "print JSON instead of text")
		rootCmd.AddCommand(c)
	}
}
