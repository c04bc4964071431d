package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/abi-engine/internal/engine"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/research"
)

var (
	researchAnswers   map[string]string
	researchStudyType string
	researchApprove   bool
	researchTopUp     int
)

var researchCmd = &cobra.Command{
	Use:   "research <query>",
	Short: "Run a deep-research job end to end against the knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		env, err := initApp(ctx, "research", false)
		if err != nil {
			return err
		}
		defer env.Close()

		const user = "cli"
		if researchTopUp > 0 {
			balance, err := env.Ledger.TopUp(user, researchTopUp)
			if err != nil {
				return eris.Wrap(err, "top up credits")
			}
			fmt.Fprintf(out, "balance: %d credits\n", balance)
		}

		resp := env.Engine.SendMessage(ctx, engine.Request{
			UserID:           user,
			Text:             strings.Join(args, " "),
			Mode:             engine.ModeReasoning,
			DeepResearchMode: true,
			OnMilestone: func(m engine.Milestone) {
				fmt.Fprintf(out, "[%s] %s\n", m.Stage, m.Label)
			},
		})
		if resp.Error != nil {
			return eris.New(resp.Error.Message)
		}
		if resp.Research == nil {
			return eris.New("no research job was opened for this query")
		}
		job := *resp.Research
		printIntake(out, job)

		job, err = env.Research.Confirm(ctx, research.ConfirmInput{
			JobID:     job.ID,
			Answers:   researchAnswers,
			StudyType: model.StudyType(researchStudyType),
		})
		if err != nil {
			return eris.Wrap(err, "confirm intake")
		}

		if job.Phase == research.PhaseIntakeConfirmed {
			if !researchApprove {
				return eris.Errorf("job %s is waiting for approval %s; rerun with --approve", job.ID, job.ApprovalID)
			}
			if _, err := env.Approvals.Approve(ctx, job.ApprovalID, user); err != nil {
				return eris.Wrap(err, "approve job")
			}
		}
		if job.Phase == research.PhaseError {
			return eris.New(job.Error.Message)
		}

		final, err := env.Research.Execute(ctx, job.ID, func(j research.Job) {
			if j.Processing == nil || j.Phase != research.PhaseProcessing {
				return
			}
			step := j.Processing.Steps[j.Processing.CurrentStepIndex]
			fmt.Fprintf(out, "[%s] %s (%s)\n", step.ID, step.Label, step.Status)
		})
		if err != nil {
			return eris.Wrap(err, "execute job")
		}
		if final.Phase == research.PhaseError {
			return eris.New(final.Error.Message)
		}
		printReport(out, final.Report)
		return nil
	},
}

func printIntake(w io.Writer, job research.Job) {
	fmt.Fprintf(w, "job %s: %s, about %d credits\n", job.ID, job.StudyType, job.Intake.EstimatedCredits)
	for _, q := range job.Intake.Questions {
		answer := job.Intake.PrefilledAnswers[q.ID]
		if a, ok := researchAnswers[q.ID]; ok {
			answer = a
		}
		fmt.Fprintf(w, "  %s: %s = %q\n", q.ID, q.Question, answer)
	}
}

func printReport(w io.Writer, r *model.Report) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "\n# %s\n\n%s\n", r.Title, r.Summary)
	for _, s := range r.Sections {
		fmt.Fprintf(w, "\n## %s\n\n%s\n", s.Title, s.Content)
	}
	fmt.Fprintf(w, "\n%d sources, %d credits, %s\n", len(r.Sources), r.CreditsUsed, r.TotalProcessingTime)
}

func init() {
	researchCmd.Flags().StringToStringVar(&researchAnswers, "answer", nil, "intake answer as id=value (repeatable)")
	researchCmd.Flags().StringVar(&researchStudyType, "study-type", "", "override the inferred study type")
	researchCmd.Flags().IntVar(&researchTopUp, "top-up", 0, "add credits to the CLI user before running")
	researchCmd.Flags().BoolVar(&researchApprove, "approve", false, "approve the job if it needs sign-off")
	rootCmd.AddCommand(researchCmd)
}
