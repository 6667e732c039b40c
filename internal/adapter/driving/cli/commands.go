package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ericfisherdev/stacksync/internal/application"
)

func (a *App) newDiffCmd() *cobra.Command {
	var opts application.DiffOptions
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Create or update the review request of HEAD",
		Long: "Publish HEAD, or with --all every commit between trunk and HEAD oldest first. " +
			"New requests get a link recorded in the commit message.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()
			a.reportInterrupted(ctx, s)

			report, err := s.svc.Diff(ctx, opts)
			a.printPublish(report.Results)
			a.warnAll(report.Warnings)
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.All, "all", "a", false, "Publish every commit of the stack")
	f.BoolVar(&opts.CherryPick, "cherry-pick", false, "Base each request on trunk instead of its parent request")
	f.StringVarP(&opts.Note, "message", "m", "", "Message of the update commit pushed to existing requests")
	f.BoolVar(&opts.UpdateMessage, "update-message", false, "Push local title and description over remote edits")
	f.BoolVar(&opts.Draft, "draft", false, "Create new requests as drafts")
	return cmd
}

func (a *App) newLandCmd() *cobra.Command {
	var opts application.LandOptions
	cmd := &cobra.Command{
		Use:   "land [revision]",
		Short: "Squash-merge the oldest approved request into trunk",
		Long: "Verify that the request holds exactly the local commit, squash-merge it, " +
			"then rebase the rest of the stack onto the new trunk and republish it.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				opts.Revision = args[0]
			}
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()
			a.reportInterrupted(ctx, s)

			res, err := s.svc.Land(ctx, opts)
			a.warnAll(res.Warnings)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.Stdout, "%s %s %s into %s at %s\n",
				okStyle.Render("landed"), requestLabel(res.Request.ID), res.Request.Title,
				s.ws.Config.Trunk, res.TrunkTip.Short())
			if res.Rebased {
				fmt.Fprintln(a.Stdout, dimStyle.Render("rebased local stack onto "+s.ws.Config.Trunk))
			}
			a.printPublish(res.Republished)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.CherryPick, "cherry-pick", false, "Land a commit whose ancestors are not landed yet")
	return cmd
}

func (a *App) newStatusCmd() *cobra.Command {
	var cherryPick bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every commit of the stack with its request state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			status, err := s.svc.Status(ctx, cherryPick)
			if err != nil {
				return err
			}
			a.printStatus(status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cherryPick, "cherry-pick", false, "Evaluate landability as if each commit were cherry-picked")
	return cmd
}

func (a *App) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your open review requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			reqs, err := s.svc.List(ctx)
			if err != nil {
				return err
			}
			a.printRequests(reqs)
			return nil
		},
	}
}

// rewriteCmd builds the amend, format and close commands, which share the
// --all flag and the rewrite report.
func (a *App) rewriteCmd(use, short, verb string,
	run func(svc *application.StackService, cmd *cobra.Command, all bool) (application.RewriteReport, error)) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer s.close()
			a.reportInterrupted(ctx, s)

			report, err := run(s.svc, cmd, all)
			a.printRewrite(verb, report)
			return err
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Apply to every commit of the stack")
	return cmd
}

func (a *App) newAmendCmd() *cobra.Command {
	return a.rewriteCmd("amend", "Pull remote title, description and reviewers into commit messages", "update",
		func(svc *application.StackService, cmd *cobra.Command, all bool) (application.RewriteReport, error) {
			return svc.Amend(cmd.Context(), all)
		})
}

func (a *App) newFormatCmd() *cobra.Command {
	return a.rewriteCmd("format", "Rewrite commit messages into canonical form", "format",
		func(svc *application.StackService, cmd *cobra.Command, all bool) (application.RewriteReport, error) {
			return svc.Format(cmd.Context(), all)
		})
}

func (a *App) newCloseCmd() *cobra.Command {
	return a.rewriteCmd("close", "Close review requests and unlink their commits", "unlink",
		func(svc *application.StackService, cmd *cobra.Command, all bool) (application.RewriteReport, error) {
			return svc.Close(cmd.Context(), all)
		})
}

func (a *App) newJournalCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recent publish, land and rewrite operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := a.openWorkspace(ctx)
			if err != nil {
				return err
			}
			s := &session{ws: ws}
			defer s.close()

			ops, err := ws.Store.RecentOperations(ctx, limit)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			a.printJournal(ops)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show; 0 shows all")
	return cmd
}
