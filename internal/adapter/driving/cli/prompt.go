package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
	"github.com/ericfisherdev/stacksync/internal/domain/port/driven"
)

var _ driven.NotePrompter = (*TerminalPrompter)(nil)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// TerminalPrompter asks for the update note with an inline text input.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// PromptUpdateNote returns the entered note, or "" when the user cancels.
func (p *TerminalPrompter) PromptUpdateNote(ctx context.Context, req model.ReviewRequest, lc model.LocalCommit) (string, error) {
	m := newNoteModel(req, lc)
	prog := tea.NewProgram(m, tea.WithContext(ctx), tea.WithInput(p.In), tea.WithOutput(p.Out))
	final, err := prog.Run()
	if err != nil {
		return "", fmt.Errorf("run prompt: %w", err)
	}
	nm, ok := final.(noteModel)
	if !ok || nm.cancelled {
		return "", nil
	}
	return strings.TrimSpace(nm.input.Value()), nil
}

// noteModel is a single-line prompt; Enter submits, Esc or Ctrl+C cancels.
type noteModel struct {
	header    string
	input     textinput.Model
	cancelled bool
	done      bool
}

func newNoteModel(req model.ReviewRequest, lc model.LocalCommit) noteModel {
	ti := textinput.New()
	ti.Placeholder = "e.g. address review comments"
	ti.CharLimit = 200
	ti.Width = 60
	ti.Focus()
	return noteModel{
		header: fmt.Sprintf("Update note for %s (%s %s)",
			requestLabel(req.ID), lc.Commit.ID.Short(), lc.Meta.Title),
		input: ti,
	}
}

func (m noteModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m noteModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit
		case tea.KeyEsc, tea.KeyCtrlC:
			m.cancelled = true
			m.done = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m noteModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString(boldStyle.Render(strings.TrimSpace(m.header)) + "\n")
	b.WriteString(m.input.View() + "\n")
	b.WriteString(dimStyle.Render("Enter submit   Esc abort") + "\n")
	return b.String()
}
