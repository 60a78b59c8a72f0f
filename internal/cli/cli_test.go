package cli_test

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ignatij/goresearch/internal/cli"
	"github.com/ignatij/goresearch/internal/config"
	"github.com/ignatij/goresearch/internal/log"
	"github.com/ignatij/goresearch/pkg/models"
	"github.com/ignatij/goresearch/pkg/service"
	"github.com/ignatij/goresearch/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testApp(t *testing.T) *cli.App {
	steps := []service.Step{
		{
			Name:        "ask",
			Description: "Suggest research details",
			Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
				return service.StepOutput{Result: "Which angle on " + sess.Topic + "?", InputTokens: 5, OutputTokens: 3}, nil
			},
		},
		{
			Name:          "review",
			Description:   "Review research details",
			RequiresInput: true,
			Prompt: func(sess models.Session) (models.InterruptPrompt, error) {
				q, err := service.RequireTask(sess, "ask")
				return models.InterruptPrompt{Field: "details", Question: q, Prompt: "Edit the details"}, err
			},
			Input: func(sess models.Session, in service.Input) (service.StepOutput, error) {
				if in["details"] == "" {
					return service.StepOutput{}, errors.Wrap(service.ErrInvalidInput, "details are required")
				}
				return service.StepOutput{Result: in["details"]}, nil
			},
		},
		{
			Name:        "report",
			Description: "Write research report",
			Terminal:    true,
			Handler: func(ctx context.Context, sess models.Session) (service.StepOutput, error) {
				details, err := service.RequireTask(sess, "review")
				if err != nil {
					return service.StepOutput{}, err
				}
				return service.StepOutput{Result: "report on " + details, InputTokens: 20, OutputTokens: 40}, nil
			},
		},
	}
	registry, err := service.NewRegistry(steps...)
	require.NoError(t, err)

	var seq atomic.Int64
	engine, err := service.NewEngine(registry, storage.NewMemoryStore(), log.GetLogger(),
		service.WithIDGenerator(func() string { return fmt.Sprintf("s-%d", seq.Add(1)) }))
	require.NoError(t, err)
	return cli.NewApp(config.DefaultConfig(), engine, nil, nil)
}

func run(app *cli.App, stdin string, args ...string) (string, error) {
	root := &cobra.Command{Use: "goresearch"}
	cli.SetupCLI(root, func(*cobra.Command) (*cli.App, error) { return app, nil })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestStart_Interactive(t *testing.T) {
	app := testApp(t)
	out, err := run(app, "hiring\n", "start", "AI", "fairness")
	require.NoError(t, err)
	assert.Contains(t, out, "Created session s-1")
	assert.Contains(t, out, "Which angle on AI fairness?")
	assert.Contains(t, out, "Research completed (tokens in/out: 25/43)")
	assert.Contains(t, out, "report on hiring")
}

func TestStart_RepromptsOnInvalidAnswer(t *testing.T) {
	app := testApp(t)
	out, err := run(app, "\nhiring\n", "start", "graphene")
	require.NoError(t, err)
	assert.Contains(t, out, "Invalid answer")
	assert.Contains(t, out, "report on hiring")
}

func TestStart_EndOfInputLeavesSessionPaused(t *testing.T) {
	app := testApp(t)
	out, err := run(app, "", "start", "graphene")
	require.NoError(t, err)
	assert.Contains(t, out, "Session s-1 is waiting for input at step 'review'")
	assert.Contains(t, out, "goresearch resume s-1 --set details=...")

	sess, err := app.Engine.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunningSessionStatus, sess.Status)
}

func TestStartNoInputThenResume(t *testing.T) {
	app := testApp(t)
	out, err := run(app, "", "start", "--no-input", "graphene")
	require.NoError(t, err)
	assert.Contains(t, out, "waiting for input at step 'review'")

	out, err = run(app, "", "resume", "s-1", "--set", "details=batteries")
	require.NoError(t, err)
	assert.Contains(t, out, "report on batteries")

	_, err = run(app, "", "resume", "s-1", "--set", "details=again")
	assert.ErrorIs(t, err, service.ErrSessionTerminal)
}

func TestAdvance(t *testing.T) {
	app := testApp(t)
	id, err := app.Engine.CreateSession(context.Background(), "graphene")
	require.NoError(t, err)

	out, err := run(app, "", "advance", id)
	require.NoError(t, err)
	assert.Contains(t, out, "waiting for input at step 'review'")

	_, err = run(app, "", "advance", "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListShowAuditSteps(t *testing.T) {
	app := testApp(t)
	out, err := run(app, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")

	_, err = run(app, "hiring\n", "start", "graphene")
	require.NoError(t, err)

	out, err = run(app, "", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "- ID: s-1, Topic: graphene, Status: completed, Steps: 3/3")

	out, err = run(app, "", "show", "s-1")
	require.NoError(t, err)
	assert.Contains(t, out, `"final_report": "report on hiring"`)

	out, err = run(app, "", "audit", "s-1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "ask")
	assert.Contains(t, lines[1], "(answered by user)")
	assert.Contains(t, lines[2], "tokens 20/40")

	out, err = run(app, "", "steps")
	require.NoError(t, err)
	assert.Contains(t, out, "2. review (input) Review research details")
	assert.Contains(t, out, "3. report (auto, terminal) Write research report")
}

func TestDeleteAndFail(t *testing.T) {
	app := testApp(t)
	ctx := context.Background()
	first, err := app.Engine.CreateSession(ctx, "graphene")
	require.NoError(t, err)
	second, err := app.Engine.CreateSession(ctx, "perovskites")
	require.NoError(t, err)

	out, err := run(app, "", "fail", second, "--reason", "changed my mind")
	require.NoError(t, err)
	assert.Contains(t, out, "Marked session "+second+" as failed")
	sess, err := app.Engine.GetSession(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "changed my mind", sess.ErrorMsg)

	_, err = run(app, "", "advance", first)
	require.NoError(t, err)
	out, err = run(app, "", "delete", first, "--purge-audit")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted session "+first)
	rows, err := app.Engine.AuditTrail(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = run(app, "", "delete", first)
	assert.Error(t, err)
}

func TestFactoryError(t *testing.T) {
	root := &cobra.Command{Use: "goresearch"}
	cli.SetupCLI(root, func(*cobra.Command) (*cli.App, error) { return nil, errors.New("no config") })
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"list"})
	assert.EqualError(t, root.Execute(), "no config")
}
