// Package cli is the command-line driving adapter. It translates cobra
// commands into StackService calls and maps results to exit codes.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/ericfisherdev/stacksync/internal/application"
	"github.com/ericfisherdev/stacksync/internal/config"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitRuntimeError = 1
	ExitUsageError   = 2
	ExitAuthError    = 3
	// ExitPrecondition means nothing was changed; fix the local state and retry.
	ExitPrecondition = 4
	// ExitConsistency means a check refused an irreversible remote mutation.
	ExitConsistency = 5
	ExitNotApproved = 6
)

// GlobalOptions are the flags shared by every command.
type GlobalOptions struct {
	Dir        string
	Platform   string
	Repository string
	Remote     string
	Trunk      string
	Verbose    bool
}

// Overrides returns the configuration keys set by global flags.
func (o GlobalOptions) Overrides() map[string]string {
	m := make(map[string]string)
	for key, v := range map[string]string{
		config.KeyPlatform:   o.Platform,
		config.KeyRepository: o.Repository,
		config.KeyRemote:     o.Remote,
		config.KeyTrunk:      o.Trunk,
	} {
		if v != "" {
			m[key] = v
		}
	}
	if o.Verbose {
		m[config.KeyLogLevel] = "debug"
	}
	return m
}

// Workspace is the local half of the wiring: resolved configuration plus the
// repository and database of the checkout.
type Workspace struct {
	Config      *config.Config
	Repo        driven.Repository
	Store       driven.SyncStore
	Credentials driven.CredentialStore
	// Close releases the database; may be nil.
	Close func() error
}

// App holds the collaborators of the command tree. Open and NewPlatform are
// supplied by the composition root and replaced in tests.
type App struct {
	Version string

	Open        func(ctx context.Context, opts GlobalOptions) (*Workspace, error)
	NewPlatform func(ctx context.Context, cfg *config.Config) (driven.ReviewPlatform, error)

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Interactive reports whether the update note may be asked for on a terminal.
	Interactive func() bool
	// Prompter overrides the terminal prompter; used in tests.
	Prompter driven.NotePrompter

	opts    GlobalOptions
	started bool
}

// Run executes the command line and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	a.defaults()
	a.started = false

	if f, ok := a.Stdout.(*os.File); !ok || !IsTerminal(f) {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	root := a.newRootCmd()
	root.SetArgs(args)
	root.SetIn(a.Stdin)
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	fmt.Fprintln(a.Stderr, errorStyle.Render("Error:")+" "+err.Error())
	if !a.started {
		// Flag and argument errors are raised before any command runs.
		return ExitUsageError
	}
	return exitCode(err)
}

func (a *App) defaults() {
	if a.Stdin == nil {
		a.Stdin = os.Stdin
	}
	if a.Stdout == nil {
		a.Stdout = os.Stdout
	}
	if a.Stderr == nil {
		a.Stderr = os.Stderr
	}
	if a.Interactive == nil {
		a.Interactive = func() bool { return false }
	}
	if a.Version == "" {
		a.Version = "dev"
	}
}

func (a *App) newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stacksync",
		Short: "Publish and land stacked commits as review requests",
		Long: "stacksync keeps every commit between trunk and HEAD paired with one review request " +
			"on GitHub or GitLab, and lands approved requests with a squash merge.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.started = true
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.opts.Dir, "cd", "C", ".", "Run as if started in this directory")
	f.StringVar(&a.opts.Platform, "platform", "", "Review platform (github, gitlab)")
	f.StringVar(&a.opts.Repository, "repository", "", "Repository on the platform (owner/name)")
	f.StringVar(&a.opts.Remote, "remote", "", "Git remote to push to (default origin)")
	f.StringVar(&a.opts.Trunk, "trunk", "", "Trunk branch (default main)")
	f.BoolVarP(&a.opts.Verbose, "verbose", "v", false, "Log remote calls and git commands")

	root.AddCommand(
		a.newDiffCmd(),
		a.newLandCmd(),
		a.newStatusCmd(),
		a.newListCmd(),
		a.newAmendCmd(),
		a.newFormatCmd(),
		a.newCloseCmd(),
		a.newAuthCmd(),
		a.newJournalCmd(),
		a.newVersionCmd(),
	)
	return root
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print stacksync version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.Stdout, "stacksync version %s\n", a.Version)
		},
	}
}

// session is an opened workspace connected to its review platform.
type session struct {
	ws       *Workspace
	platform driven.ReviewPlatform
	svc      *application.StackService
}

func (s *session) close() {
	if s.ws.Close == nil {
		return
	}
	if err := s.ws.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// openWorkspace opens the checkout and installs the configured log level.
func (a *App) openWorkspace(ctx context.Context) (*Workspace, error) {
	ws, err := a.Open(ctx, a.opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(a.Stderr, &slog.HandlerOptions{Level: ws.Config.LogLevel})))
	return ws, nil
}

// connect opens the workspace and the platform and builds the service.
// A token from the credential store overrides the environment.
func (a *App) connect(ctx context.Context) (*session, error) {
	ws, err := a.openWorkspace(ctx)
	if err != nil {
		return nil, err
	}
	s := &session{ws: ws}

	if err := a.applyStoredToken(ctx, ws); err != nil {
		s.close()
		return nil, err
	}
	if ws.Config.Token() == "" {
		s.close()
		return nil, fmt.Errorf("%w for %s: run 'stacksync auth set-token' or set %s",
			errNoToken, ws.Config.Platform, config.EnvVar(tokenKey(ws.Config)))
	}

	s.platform, err = a.NewPlatform(ctx, ws.Config)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("connect to %s: %w", ws.Config.Platform, err)
	}
	s.svc = application.NewStackService(ws.Repo, s.platform, ws.Store, a.prompter(), settings(ws.Config))
	return s, nil
}

func (a *App) applyStoredToken(ctx context.Context, ws *Workspace) error {
	if ws.Credentials == nil {
		return nil
	}
	token, err := ws.Credentials.Get(ctx, ws.Config.Platform, credentialKey)
	switch {
	case errors.Is(err, driven.ErrEncryptionKeyNotSet):
		return nil
	case err != nil:
		return fmt.Errorf("read stored token: %w", err)
	case token != "":
		ws.Config.SetToken(token, config.SourceStore)
	}
	return nil
}

func (a *App) prompter() driven.NotePrompter {
	if a.Prompter != nil {
		return a.Prompter
	}
	if a.Interactive() {
		return &TerminalPrompter{In: a.Stdin, Out: a.Stderr}
	}
	return nil
}

func settings(cfg *config.Config) application.Settings {
	return application.Settings{
		Trunk:           cfg.Trunk,
		BranchPrefix:    cfg.BranchPrefix,
		RequireApproval: cfg.RequireApproval,
		MinApprovals:    cfg.MinApprovals,
		RequireTestPlan: cfg.RequireTestPlan,
	}
}

func tokenKey(cfg *config.Config) string {
	if cfg.Platform == config.PlatformGitLab {
		return config.KeyGitLabToken
	}
	return config.KeyGitHubToken
}

// reportInterrupted warns once about operations a previous run left behind.
func (a *App) reportInterrupted(ctx context.Context, s *session) {
	ops, err := s.svc.Interrupted(ctx)
	if err != nil {
		slog.Warn("failed to check for interrupted operations", "error", err)
	}
	for _, op := range ops {
		a.warn("a previous %s started %s did not finish; remote state will be reconciled now",
			op.Kind, op.StartedAt.Local().Format("2006-01-02 15:04"))
	}
}
