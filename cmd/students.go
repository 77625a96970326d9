package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/retention-cli/internal/model"
	"github.com/sells-group/retention-cli/internal/store"
)

var studentsCmd = &cobra.Command{
	Use:   "students",
	Short: "Inspect and edit stored students",
}

// -- students list --

var studentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List students, optionally filtered by risk level and enrollment status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		minRisk, _ := cmd.Flags().GetString("min-risk")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.SubjectFilter{Limit: limit, Offset: offset}
		if filter.MinRiskLevel, err = model.ParseRiskLevel(minRisk); err != nil {
			return err
		}
		if status != "" {
			if filter.Status, err = model.ParseEnrollmentStatus(status); err != nil {
				return err
			}
		}

		subjects, err := st.ListSubjects(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "students list")
		}
		if len(subjects) == 0 {
			fmt.Fprintln(os.Stderr, "No students found.")
			return nil
		}
		formatStudents(cmd.OutOrStdout(), subjects)
		return nil
	},
}

// -- students show --

var studentsShowCmd = &cobra.Command{
	Use:   "show <student-id>",
	Short: "Show a student's stored profile, risk profile and interventions",
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

		h, err := st.LoadSubjectHistory(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "students show %s", args[0])
		}
		return writeJSON(cmd.OutOrStdout(), h)
	},
}

// -- students profile --

var studentsProfileCmd = &cobra.Command{
	Use:   "profile <student-id>",
	Short: "Create or update a student's profile",
	Long:  "Only the flags given are written; other fields keep their stored values.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		patch, err := patchFromFlags(cmd.Flags())
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		subj, err := st.UpsertSubjectProfile(ctx, args[0], patch)
		if err != nil {
			return eris.Wrapf(err, "students profile %s", args[0])
		}
		return writeJSON(cmd.OutOrStdout(), subj)
	},
}

// patchFromFlags builds a SubjectPatch from the flags the user set.
func patchFromFlags(fs *pflag.FlagSet) (model.SubjectPatch, error) {
	var patch model.SubjectPatch
	str := func(name string) *string {
		if !fs.Changed(name) {
			return nil
		}
		v, _ := fs.GetString(name)
		return &v
	}
	patch.FirstName = str("first-name")
	patch.LastName = str("last-name")
	patch.Email = str("email")
	patch.Program = str("program")

	if s := str("status"); s != nil {
		st, err := model.ParseEnrollmentStatus(*s)
		if err != nil {
			return patch, err
		}
		patch.EnrollmentStatus = &st
	}
	if s := str("enrolled"); s != nil {
		d, err := time.Parse("2006-01-02", *s)
		if err != nil {
			return patch, &model.ValidationError{Field: "enrollment_date", Reason: "must be YYYY-MM-DD"}
		}
		patch.EnrollmentDate = &d
	}
	if fs.Changed("meta") {
		meta, _ := fs.GetStringToString("meta")
		patch.Metadata = make(map[string]any, len(meta))
		for k, v := range meta {
			patch.Metadata[k] = v
		}
	}
	return patch, patch.Validate()
}

func addProfileFlags(fs *pflag.FlagSet) {
	fs.String("first-name", "", "first name")
	fs.String("last-name", "", "last name")
	fs.String("email", "", "email address")
	fs.String("program", "", "program of study")
	fs.String("status", "", "enrollment status (Active, Probation, Withdrawn)")
	fs.String("enrolled", "", "enrollment date (YYYY-MM-DD)")
	fs.StringToString("meta", nil, "metadata entries as key=value")
}

func formatStudents(w io.Writer, subjects []model.Subject) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPROGRAM\tUPDATED")
	for _, s := range subjects {
		name := s.FirstName
		if s.LastName != "" {
			name += " " + s.LastName
		}
		if name == "" {
			name = "-"
		}
		program := s.Program
		if program == "" {
			program = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, name, s.EnrollmentStatus, program, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	studentsListCmd.Flags().String("min-risk", "", "only students at or above this risk level")
	studentsListCmd.Flags().String("status", "", "filter by enrollment status (Active, Probation, Withdrawn)")
	studentsListCmd.Flags().Int("limit", 100, "max rows")
	studentsListCmd.Flags().Int("offset", 0, "rows to skip")

	addProfileFlags(studentsProfileCmd.Flags())

	studentsCmd.AddCommand(studentsListCmd, studentsShowCmd, studentsProfileCmd)
	rootCmd.AddCommand(studentsCmd)
}
