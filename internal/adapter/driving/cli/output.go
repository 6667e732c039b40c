package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ericfisherdev/stacksync/internal/application"
	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

var (
	boldStyle  = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	linkStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	stateStyles = map[model.PullRequestState]lipgloss.Style{
		model.StateUntracked:   dimStyle,
		model.StateCreated:     lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		model.StateNeedsUpdate: warnStyle,
		model.StateReadyToLand: okStyle,
		model.StateLanded:      okStyle.Faint(true),
	}

	outcomeStyles = map[application.PublishOutcome]lipgloss.Style{
		application.OutcomeUpToDate:        dimStyle,
		application.OutcomeCreated:         okStyle,
		application.OutcomeUpdated:         okStyle,
		application.OutcomeMetadataUpdated: okStyle,
		application.OutcomeAlreadyLanded:   dimStyle,
	}
)

func (a *App) warn(format string, args ...any) {
	fmt.Fprintln(a.Stderr, warnStyle.Render("warning:")+" "+fmt.Sprintf(format, args...))
}

func (a *App) warnAll(warnings []string) {
	for _, w := range warnings {
		a.warn("%s", w)
	}
}

func requestLabel(id model.RequestID) string {
	if id == 0 {
		return "     "
	}
	return fmt.Sprintf("#%-4d", id)
}

func (a *App) printPublish(results []application.PublishResult) {
	for _, r := range results {
		style := outcomeStyles[r.Outcome]
		fmt.Fprintf(a.Stdout, "%s %s %s  %s\n",
			style.Render(fmt.Sprintf("%-16s", r.Outcome.String())),
			requestLabel(r.Request.ID),
			r.Request.Title,
			linkStyle.Render(r.Request.URL),
		)
	}
}

func (a *App) printStatus(status application.StackStatus) {
	if len(status.Entries) == 0 {
		fmt.Fprintf(a.Stdout, "%s\n", dimStyle.Render("no commits between "+status.Trunk+" and HEAD"))
		return
	}
	// Newest first, like git log.
	for i := len(status.Entries) - 1; i >= 0; i-- {
		e := status.Entries[i]
		fmt.Fprintf(a.Stdout, "%s %s %s %s",
			dimStyle.Render(e.Local.Commit.ID.Short()),
			stateStyles[e.State].Render(fmt.Sprintf("%-13s", e.State.String())),
			requestLabel(e.RequestID),
			e.Local.Meta.Title,
		)
		if e.Request != nil {
			fmt.Fprintf(a.Stdout, "  %s", linkStyle.Render(e.Request.URL))
		}
		fmt.Fprintln(a.Stdout)
		for _, d := range e.Drift {
			fmt.Fprintf(a.Stdout, "        %s %s\n", warnStyle.Render("!"), d.Detail)
		}
	}
	fmt.Fprintln(a.Stdout, dimStyle.Render(status.Trunk))
}

func (a *App) printRequests(reqs []model.ReviewRequest) {
	if len(reqs) == 0 {
		fmt.Fprintln(a.Stdout, dimStyle.Render("no open review requests"))
		return
	}
	for _, r := range reqs {
		fmt.Fprintf(a.Stdout, "%s %s %s  %s\n",
			requestLabel(r.ID),
			decisionLabel(r),
			r.Title,
			linkStyle.Render(r.URL),
		)
	}
}

func decisionLabel(r model.ReviewRequest) string {
	var label string
	style := dimStyle
	switch r.Approval.Decision {
	case model.DecisionApproved:
		label, style = "approved", okStyle
	case model.DecisionChangesRequested:
		label, style = "changes", errorStyle
	case model.DecisionReviewRequired:
		label = "pending"
	default:
		label = "-"
	}
	if r.Draft {
		label, style = "draft", dimStyle
	}
	return style.Render(fmt.Sprintf("%-9s", label))
}

func (a *App) printRewrite(verb string, report application.RewriteReport) {
	a.warnAll(report.Warnings)
	switch n := len(report.Rewritten); n {
	case 0:
		fmt.Fprintln(a.Stdout, dimStyle.Render("nothing to "+verb))
	case 1:
		fmt.Fprintf(a.Stdout, "%s 1 commit message\n", okStyle.Render(pastTense(verb)))
	default:
		fmt.Fprintf(a.Stdout, "%s %d commit messages\n", okStyle.Render(pastTense(verb)), n)
	}
}

func pastTense(verb string) string {
	if strings.HasSuffix(verb, "e") {
		return verb + "d"
	}
	return verb + "ed"
}

func (a *App) printJournal(ops []model.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(a.Stdout, dimStyle.Render("journal is empty"))
		return
	}
	for _, op := range ops {
		var result string
		switch {
		case !op.Finished():
			result = warnStyle.Render("running")
		case op.Error != "":
			result = errorStyle.Render("failed") + " " + op.Error
		default:
			result = okStyle.Render("ok")
		}
		commit := op.CommitID.Short()
		if commit == "" {
			commit = "-"
		}
		fmt.Fprintf(a.Stdout, "%s  %-8s %-8s %s %s\n",
			dimStyle.Render(op.StartedAt.Local().Format("2006-01-02 15:04:05")),
			op.Kind, commit, requestLabel(op.RequestID), result)
	}
}
