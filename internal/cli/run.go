package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentcore/internal/daemon"
)

var runFlags struct {
	threadID   string
	runID      string
	model      string
	prompt     string
	system     string
	project    string
	structured bool
	embedded   bool
	turnBudget int
	timeout    time.Duration
	jsonOut    bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one run of a thread and print the final answer",
	Long: `Execute one run of a thread in process and print the final answer.
The thread history is read from and written to the configured store, so
repeated runs with the same --thread continue the conversation.`,
	Example: `  agentcore run --thread demo --prompt "list the files in the workspace"
  agentcore run --thread demo --model gpt-4o --embedded --prompt "hello"`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.threadID, "thread", "", "thread id (required)")
	f.StringVar(&runFlags.runID, "run-id", "", "run id used for deduplication (generated when empty)")
	f.StringVar(&runFlags.model, "model", "", "logical model id (default from config)")
	f.StringVar(&runFlags.prompt, "prompt", "", "user message appended before the first turn")
	f.StringVar(&runFlags.system, "system", "", "system prompt override")
	f.StringVar(&runFlags.project, "project", "", "sandbox project id (defaults to the thread id)")
	f.BoolVar(&runFlags.structured, "structured", true, "enable native structured tool calling")
	f.BoolVar(&runFlags.embedded, "embedded", false, "enable embedded-tag tool calling")
	f.IntVar(&runFlags.turnBudget, "turn-budget", 0, "maximum LLM calls for this run (default from config)")
	f.DurationVar(&runFlags.timeout, "timeout", 0, "per call timeout (default from config)")
	f.BoolVar(&runFlags.jsonOut, "json", false, "print the full run result as JSON")
	_ = runCmd.MarkFlagRequired("thread")
	rootCmd.AddCommand(runCmd)
}

// runRequest maps flags onto a RunRequest. Convention flags are only sent
// when set explicitly so config defaults apply otherwise.
func runRequest(cmd *cobra.Command) daemon.RunRequest {
	req := daemon.RunRequest{
		RunID:        runFlags.runID,
		ThreadID:     runFlags.threadID,
		Model:        runFlags.model,
		Prompt:       runFlags.prompt,
		SystemPrompt: runFlags.system,
		ProjectID:    runFlags.project,
		TurnBudget:   runFlags.turnBudget,
	}
	if cmd.Flags().Changed("structured") {
		v := runFlags.structured
		req.Structured = &v
	}
	if cmd.Flags().Changed("embedded") {
		v := runFlags.embedded
		req.EmbeddedTag = &v
	}
	if runFlags.timeout > 0 {
		req.PerCallTimeout = runFlags.timeout.String()
	}
	return req
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	rc, err := d.RunConfig(runRequest(cmd))
	if err != nil {
		return err
	}
	res, runErr := d.Execute(cmd.Context(), rc)
	out := cmd.OutOrStdout()

	if runFlags.jsonOut && res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
		return runErr
	}
	if runErr != nil {
		return fmt.Errorf("run %s failed: %w", rc.RunID, runErr)
	}
	if res.FinalMessage != nil {
		fmt.Fprintln(out, res.FinalMessage.Content)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "run %s: %d turns, %d/%d tokens, served by %s\n",
		res.RunID, res.Turns, res.Usage.InputTokens, res.Usage.OutputTokens, res.ServedBy)
	return nil
}
