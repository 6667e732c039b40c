package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/stacksync/internal/config"
)

// credentialKey is the credential store key of a platform API token. The
// platform name is the service.
const credentialKey = "token"

func (a *App) newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the stored platform token",
	}
	cmd.AddCommand(a.newAuthSetTokenCmd(), a.newAuthStatusCmd())
	return cmd
}

func (a *App) newAuthSetTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-token [token]",
		Short: "Store an API token, encrypted with STACKSYNC_SECRET_KEY",
		Long:  "Store an API token for the configured platform. The token is read from stdin when not given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := a.openWorkspace(ctx)
			if err != nil {
				return err
			}
			s := &session{ws: ws}
			defer s.close()
			if ws.Credentials == nil {
				return errors.New("credential store unavailable")
			}

			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(a.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read token: %w", err)
				}
				token = line
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token must not be empty")
			}

			if err := ws.Credentials.Set(ctx, ws.Config.Platform, credentialKey, token); err != nil {
				return fmt.Errorf("store token: %w", err)
			}
			fmt.Fprintf(a.Stdout, "%s %s token\n", okStyle.Render("stored"), ws.Config.Platform)
			return nil
		},
	}
}

func (a *App) newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which token is used and who it authenticates as",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			cfg := s.ws.Config
			fmt.Fprintf(a.Stdout, "%s %s\n", boldStyle.Render("platform:  "), cfg.Platform)
			fmt.Fprintf(a.Stdout, "%s %s\n", boldStyle.Render("repository:"), cfg.Repository)
			fmt.Fprintf(a.Stdout, "%s %s\n", boldStyle.Render("token:     "), tokenOrigin(cfg))

			user, err := s.platform.CurrentUser(ctx)
			if err != nil {
				return fmt.Errorf("authenticate: %w", err)
			}
			fmt.Fprintf(a.Stdout, "%s %s\n", boldStyle.Render("user:      "), okStyle.Render(user))
			return nil
		},
	}
}

func tokenOrigin(cfg *config.Config) string {
	switch src := cfg.TokenSource(); src {
	case config.SourceStore:
		return "credential store"
	case config.SourceEnv:
		return config.EnvVar(tokenKey(cfg))
	case config.SourceFile:
		return cfg.File
	default:
		return string(src)
	}
}
