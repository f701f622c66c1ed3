package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/AlecAivazis/survey/v2"

	"github.com/comigor/sqlchat-go/internal/agents"
	"github.com/comigor/sqlchat-go/internal/config"
	"github.com/comigor/sqlchat-go/internal/conversation"
	"github.com/comigor/sqlchat-go/internal/history"
	"github.com/comigor/sqlchat-go/internal/logger"
	"github.com/comigor/sqlchat-go/internal/render"
	"github.com/comigor/sqlchat-go/internal/session"
	"github.com/comigor/sqlchat-go/internal/storage"
	"github.com/comigor/sqlchat-go/internal/stream"
	"github.com/comigor/sqlchat-go/internal/term"
	"github.com/comigor/sqlchat-go/internal/transport"
	"github.com/comigor/sqlchat-go/internal/usage"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg     *config.Config
	kv      *storage.Store
	session *session.Store
	client  *transport.Client
	usage   *usage.Tracker
	agents  *agents.Client
	conv    *conversation.Conversation
	printer *term.Printer
	opts    render.Options
	out     io.Writer

	// quiet skips the expiry acknowledgment for a logout the user asked for
	quiet bool
}

func newApp(out io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	logger.Configure(level, cfg.Log.Format, os.Stderr)

	a := &app{cfg: cfg, out: out}
	a.opts = render.Options{ShowReasons: cfg.Display.ShowReasons && !hideReasons}
	a.printer = term.New(a.opts, !noColor && os.Getenv("NO_COLOR") == "")

	a.kv = storage.Open(cfg.Storage.Path)
	a.session = session.New(a.kv, cfg.API)
	a.client = transport.New(cfg.API, a.session, a.kv, transport.WithLogoutHook(a.sessionExpired))
	a.usage = usage.NewTracker(a.kv, a.client, cfg.API.UsagePath)
	a.agents = agents.New(a.client, cfg.API)

	reader := stream.NewReader(cfg.API.BaseURL+cfg.API.AgentsPath, a.client)
	a.conv = conversation.New(a.kv, conversation.FromReader(reader),
		conversation.WithRemote(history.NewRemote(a.client, cfg.API.ChatsPath)),
		conversation.WithCache(a.agents),
		conversation.WithUsage(a.usage),
		conversation.WithAuthenticated(a.authenticated),
		conversation.WithDefaults(agents.DefaultParams(cfg.Agent)),
	)
	a.conv.Restore()
	return a, nil
}

func (a *app) authenticated() bool {
	_, ok := a.session.AccessToken()
	return ok
}

// sync reconciles the local log with the server. Failures are not fatal; the
// local log stays usable.
func (a *app) sync(ctx context.Context) {
	if err := a.conv.Sync(ctx); err != nil {
		logger.L.Warn("chat history sync failed", "error", err)
	}
}

// sessionExpired runs once when authentication could not be recovered. The
// user has to acknowledge before the command ends.
func (a *app) sessionExpired() {
	if a.quiet {
		return
	}
	var ack bool
	prompt := &survey.Confirm{
		Message: "Your session has expired. Please log in again.",
		Default: true,
	}
	if err := survey.AskOne(prompt, &ack); err != nil {
		fmt.Fprintln(os.Stderr, "Your session has expired. Please log in again.")
	}
}

// loggedOut reports whether the session ended during this command.
func (a *app) loggedOut() bool {
	return a.client.LoggedOut()
}

func (a *app) close() {
	a.conv.Wait()
	if err := a.kv.Close(); err != nil {
		logger.L.Warn("closing storage failed", "error", err)
	}
}
