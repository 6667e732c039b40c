package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for minimal containers

	gitadapter "github.com/ericfisherdev/stacksync/internal/adapter/driven/git"
	githubadapter "github.com/ericfisherdev/stacksync/internal/adapter/driven/github"
	gitlabadapter "github.com/ericfisherdev/stacksync/internal/adapter/driven/gitlab"
	sqliteadapter "github.com/ericfisherdev/stacksync/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/stacksync/internal/adapter/driving/cli"
	"github.com/ericfisherdev/stacksync/internal/config"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app := &cli.App{
		Version:     version,
		Open:        openWorkspace,
		NewPlatform: newPlatform,
		Interactive: func() bool { return cli.IsTerminal(os.Stdin) && cli.IsTerminal(os.Stderr) },
	}
	code := app.Run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// openWorkspace locates the checkout, resolves configuration against it and
// opens the sync database in the git directory.
func openWorkspace(ctx context.Context, opts cli.GlobalOptions) (*cli.Workspace, error) {
	// 1. Find the work tree; the remote is not known until config is loaded.
	repo, err := gitadapter.Open(ctx, opts.Dir, "")
	if err != nil {
		return nil, err
	}

	// 2. Load configuration and fill the gaps from the remote URL.
	cfg, err := config.Load(config.Options{RepoRoot: repo.Dir(), GitDir: repo.GitDir(), Flags: opts.Overrides()})
	if err != nil {
		return nil, err
	}
	repo = repo.WithRemote(cfg.Remote)
	if url, err := repo.RemoteURL(ctx); err == nil {
		cfg.InferFromRemote(url)
	} else {
		slog.Debug("remote url unavailable", "remote", cfg.Remote, "error", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	slog.Debug("config loaded",
		"platform", cfg.Platform,
		"repository", cfg.Repository,
		"remote", cfg.Remote,
		"trunk", cfg.Trunk,
		"file", cfg.File,
	)

	// 3. Open database (dual reader/writer with WAL mode) and migrate.
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
		return nil, err
	}
	slog.Debug("database opened", "path", cfg.DBPath)

	return &cli.Workspace{
		Config:      cfg,
		Repo:        repo,
		Store:       sqliteadapter.NewSyncRepo(db),
		Credentials: sqliteadapter.NewCredentialRepo(db, cfg.SecretKey),
		Close:       db.Close,
	}, nil
}

func newPlatform(_ context.Context, cfg *config.Config) (driven.ReviewPlatform, error) {
	switch cfg.Platform {
	case config.PlatformGitLab:
		return gitlabadapter.NewClient(cfg.GitLabToken, cfg.GitLabBaseURL, cfg.Repository)
	case config.PlatformGitHub:
		if cfg.GitHubBaseURL != "" {
			return githubadapter.NewEnterpriseClient(cfg.GitHubToken, cfg.GitHubBaseURL, cfg.Repository)
		}
		return githubadapter.NewClient(cfg.GitHubToken, cfg.Repository)
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}
