package main

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/abi-engine/internal/engine"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/scorer"
	"github.com/sells-group/abi-engine/internal/widget"
)

var classifyWeb bool

// classifyOutput is what classify prints.
type classifyOutput struct {
	Intent       model.IntentResult        `json:"intent"`
	DeepResearch *scorer.DeepResearchScore `json:"deepResearch,omitempty"`
	Widget       *widget.Selection         `json:"widget,omitempty"`
	Content      string                    `json:"content"`
}

var classifyCmd = &cobra.Command{
	Use:   "classify <text>",
	Short: "Classify a question and show the intent, research score, and widget",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initApp(ctx, "classify", false)
		if err != nil {
			return err
		}
		defer env.Close()

		resp := env.Engine.SendMessage(ctx, engine.Request{
			Text:             strings.Join(args, " "),
			Mode:             engine.ModeFast,
			WebSearchEnabled: classifyWeb,
		})
		if resp.Error != nil && resp.Error.Kind == model.ErrBadInput {
			return eris.New(resp.Error.Message)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(classifyOutput{
			Intent:       resp.Intent,
			DeepResearch: resp.DeepResearch,
			Widget:       resp.Widget,
			Content:      resp.Content,
		})
	},
}

func init() {
	classifyCmd.Flags().BoolVar(&classifyWeb, "web", false, "include web retrieval")
	rootCmd.AddCommand(classifyCmd)
}
