package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	internal_http "github.com/ignatij/goresearch/internal/http"
	"github.com/ignatij/goresearch/internal/log"
	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// SetupCLI registers every goresearch command on rootCmd. newApp is called once
// per command invocation.
func SetupCLI(rootCmd *cobra.Command, newApp AppFactory) {
	rootCmd.PersistentFlags().String("config", "", "Path to a goresearch YAML config file")
	rootCmd.PersistentFlags().String("store", "", "Store driver override (memory, postgres, sqlite, redis)")
	rootCmd.PersistentFlags().String("db", "", "Store connection string override")
	rootCmd.SilenceUsage = true

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the research API over HTTP",
		Args:  cobra.NoArgs,
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			addr := app.Config.HTTP.Addr
			if override, _ := cmd.Flags().GetString("addr"); override != "" {
				addr = override
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return internal_http.StartServer(ctx, addr, internal_http.NewServer(app.Engine, app.Metrics).Router())
		}),
	}
	serveCmd.Flags().String("addr", "", "Listen address override, e.g. :8080")

	startCmd := &cobra.Command{
		Use:   "start [topic]",
		Short: "Start a research session and answer its prompts interactively",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			noInput, _ := cmd.Flags().GetBool("no-input")
			id, err := app.Engine.CreateSession(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				log.GetLogger().Errorf("Failed to create session: %v", err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created session %s\n", id)
			res, err := app.Engine.Advance(cmd.Context(), id)
			if err != nil {
				return retryHint(id, err)
			}
			if noInput {
				printResult(cmd.OutOrStdout(), res)
				return nil
			}
			return interact(cmd, app.Engine, res)
		}),
	}
	startCmd.Flags().Bool("no-input", false, "Stop at the first prompt instead of reading answers from stdin")

	advanceCmd := &cobra.Command{
		Use:   "advance [session-id]",
		Short: "Run a session until it needs input or completes",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			res, err := app.Engine.Advance(cmd.Context(), args[0])
			if err != nil {
				return retryHint(args[0], err)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		}),
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Answer the step a session is waiting at, e.g. --set details=\"focus on hiring\"",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			values, _ := cmd.Flags().GetStringToString("set")
			res, err := app.Engine.Resume(cmd.Context(), args[0], service.Input(values))
			if err != nil {
				return retryHint(args[0], err)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		}),
	}
	resumeCmd.Flags().StringToString("set", nil, "Input fields as key=value pairs")

	showCmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Print a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			sess, err := app.Engine.GetSession(cmd.Context(), args[0])
			if err != nil {
				return errors.Wrapf(err, "session %s", args[0])
			}
			data, err := json.MarshalIndent(sess, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}),
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all research sessions",
		Args:  cobra.NoArgs,
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			sessions, err := app.Engine.ListSessions(cmd.Context())
			if err != nil {
				log.GetLogger().Errorf("Failed to list sessions: %v", err)
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintf(out, "No sessions found.\n")
				return nil
			}
			total := app.Engine.Registry().Len()
			fmt.Fprintf(out, "Sessions:\n")
			for _, s := range sessions {
				fmt.Fprintf(out, "- ID: %s, Topic: %s, Status: %s, Steps: %d/%d, Created: %s\n",
					s.ID, s.Topic, s.Status, len(s.Tasks), total, s.CreatedAt.Format(time.RFC3339))
			}
			return nil
		}),
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete a session, optionally with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			deleted, err := app.Engine.DeleteSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return errors.Errorf("session %s not found", args[0])
			}
			if purge, _ := cmd.Flags().GetBool("purge-audit"); purge {
				if err := app.Engine.PurgeAudit(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		}),
	}
	deleteCmd.Flags().Bool("purge-audit", false, "Also drop the session's audit trail")

	auditCmd := &cobra.Command{
		Use:   "audit [session-id]",
		Short: "Print the step execution trail of a session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			rows, err := app.Engine.AuditTrail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintf(out, "No audit records for session %s.\n", args[0])
				return nil
			}
			for _, r := range rows {
				fmt.Fprintf(out, "#%d %-18s %-8s %6dms tokens %d/%d", r.ID, r.StepName, r.Status, r.DurationMs, r.TokenIn, r.TokenOut)
				if r.ErrorMsg != "" {
					fmt.Fprintf(out, " error: %s", r.ErrorMsg)
				} else if r.Note != "" {
					fmt.Fprintf(out, " (%s)", r.Note)
				}
				fmt.Fprintln(out)
			}
			return nil
		}),
	}

	failCmd := &cobra.Command{
		Use:   "fail [session-id]",
		Short: "Mark a running session as failed",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if err := app.Engine.FailSession(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked session %s as failed\n", args[0])
			return nil
		}),
	}
	failCmd.Flags().String("reason", "cancelled by user", "Reason stored on the session")

	stepsCmd := &cobra.Command{
		Use:   "steps",
		Short: "List the steps of the configured workflow",
		Args:  cobra.NoArgs,
		RunE: withApp(newApp, func(cmd *cobra.Command, app *App, args []string) error {
			for i, s := range app.Engine.Registry().Steps() {
				kind := "auto"
				if s.RequiresInput {
					kind = "input"
				}
				if s.Terminal {
					kind += ", terminal"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s (%s) %s\n", i+1, s.Name, kind, s.Description)
			}
			return nil
		}),
	}

	rootCmd.AddCommand(serveCmd, startCmd, advanceCmd, resumeCmd, showCmd, listCmd, deleteCmd, auditCmd, failCmd, stepsCmd)
}

func withApp(newApp AppFactory, fn func(cmd *cobra.Command, app *App, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := newApp(cmd)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize goresearch: %v", err)
			return err
		}
		defer app.Close()
		return fn(cmd, app, args)
	}
}

// interact answers prompts from stdin until the session completes or input runs out.
func interact(cmd *cobra.Command, engine *service.Engine, res service.AdvanceResult) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for res.NeedsInput {
		printPrompt(out, res.Prompt)
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			printResult(out, res)
			return scanner.Err()
		}
		field := res.Prompt.Field
		if field == "" {
			field = "value"
		}
		next, err := engine.Resume(cmd.Context(), res.SessionID, service.Input{field: strings.TrimSpace(scanner.Text())})
		if errors.Is(err, service.ErrInvalidInput) {
			fmt.Fprintf(out, "Invalid answer: %v\n", err)
			continue
		}
		if err != nil {
			return retryHint(res.SessionID, err)
		}
		res = next
	}
	printResult(out, res)
	return nil
}

func printPrompt(out io.Writer, p *models.InterruptPrompt) {
	if p == nil {
		return
	}
	if p.Question != "" {
		fmt.Fprintf(out, "\n%s\n", p.Question)
	}
	if p.Query != "" {
		fmt.Fprintf(out, "\nSearch keywords: %s\n", p.Query)
	}
	if len(p.Options) > 0 {
		fmt.Fprintf(out, "Options: %s\n", strings.Join(p.Options, ", "))
	}
	fmt.Fprintf(out, "%s\n", p.Prompt)
}

func printResult(out io.Writer, res service.AdvanceResult) {
	switch {
	case res.Completed:
		fmt.Fprintf(out, "Research completed (tokens in/out: %d/%d)\n\n%s\n", res.Tokens.In, res.Tokens.Out, res.FinalReport)
	case res.NeedsInput:
		fmt.Fprintf(out, "Session %s is waiting for input at step '%s'\n", res.SessionID, res.Step)
		printPrompt(out, res.Prompt)
		if res.Prompt != nil && res.Prompt.Field != "" {
			fmt.Fprintf(out, "Answer with: goresearch resume %s --set %s=...\n", res.SessionID, res.Prompt.Field)
		}
	}
}

// retryHint tells the user how to pick up again after a failed step.
func retryHint(id string, err error) error {
	if service.IsStepFailure(err) {
		log.GetLogger().Errorf("Session %s stopped: %v", id, err)
		return errors.Wrapf(err, "session %s stopped, retry with 'goresearch advance %s'", id, id)
	}
	return err
}
