package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/retention-cli/internal/model"
)

var interventionsCmd = &cobra.Command{
	Use:   "interventions",
	Short: "List, create and update student interventions",
}

var interventionsListCmd = &cobra.Command{
	Use:   "list <student-id>",
	Short: "List a student's interventions in creation order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ivs, err := st.ListInterventions(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "interventions list")
		}
		if len(ivs) == 0 {
			fmt.Fprintln(os.Stderr, "No interventions found.")
			return nil
		}
		formatInterventions(cmd.OutOrStdout(), ivs)
		return nil
	},
}

var interventionsCreateCmd = &cobra.Command{
	Use:   "create <student-id>",
	Short: "Record a Pending intervention for a student",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		typeFlag, _ := cmd.Flags().GetString("type")
		desc, _ := cmd.Flags().GetString("description")
		typ, err := model.ParseInterventionType(typeFlag)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		id, err := st.CreateIntervention(ctx, args[0], typ, desc)
		if err != nil {
			return eris.Wrap(err, "interventions create")
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var interventionsStatusCmd = &cobra.Command{
	Use:   "set-status <intervention-id> <status>",
	Short: "Move an intervention to Active, Resolved or Cancelled",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		status, err := model.ParseInterventionStatus(args[1])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		iv, err := st.TransitionIntervention(ctx, args[0], status)
		if err != nil {
			return eris.Wrapf(err, "interventions set-status %s", args[0])
		}
		formatInterventions(cmd.OutOrStdout(), []model.Intervention{*iv})
		return nil
	},
}

func formatInterventions(w io.Writer, ivs []model.Intervention) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tDESCRIPTION")
	for _, iv := range ivs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			iv.ID, iv.Type, iv.Status, iv.CreatedAt.Format("2006-01-02 15:04"), truncate(iv.Description, 60))
	}
	tw.Flush() //nolint:errcheck
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	interventionsCreateCmd.Flags().String("type", "", "Academic, Emotional, Financial, Behavioral or Family")
	interventionsCreateCmd.Flags().String("description", "", "what the intervention does")
	_ = interventionsCreateCmd.MarkFlagRequired("type")
	_ = interventionsCreateCmd.MarkFlagRequired("description")

	interventionsCmd.AddCommand(interventionsListCmd, interventionsCreateCmd, interventionsStatusCmd)
	rootCmd.AddCommand(interventionsCmd)
}
