// internal/tui/board.go
//
// The watch board follows The Elm Architecture via bubbletea: a model holds
// the latest run snapshot, a tick message refreshes it from disk, and the
// view renders it. The board never writes anything; it reads the same
// artifacts every other command reads.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/leppikallio/inquest/internal/artifact"
	"github.com/leppikallio/inquest/internal/gate"
	"github.com/leppikallio/inquest/internal/logbook"
	"github.com/leppikallio/inquest/internal/manifest"
	"github.com/leppikallio/inquest/internal/stage"
	"github.com/leppikallio/inquest/internal/wave"
)

const boardRefreshInterval = 2 * time.Second

type snapshotMsg struct {
	manifest manifest.Manifest
	gates    []gate.View
	wave     []perspectiveRow
	review   stage.ReviewState
	logTail  []string
	err      error
}

type perspectiveRow struct {
	ID        string
	Attempts  int
	Validated bool
	LastError string
}

// Board is the watch model for one run.
type Board struct {
	store *artifact.Store
	log   *logbook.Logbook

	spin     spinner.Model
	snapshot snapshotMsg
	loaded   bool
	width    int
	height   int
}

// NewBoard builds a watch board over an opened run.
func NewBoard(store *artifact.Store, log *logbook.Logbook) *Board {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	return &Board{store: store, log: log, spin: sp}
}

// Init is called once when the program starts.
func (b *Board) Init() tea.Cmd {
	return tea.Batch(b.spin.Tick, b.fetchSnapshot())
}

// Update is called when a message is received.
func (b *Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		b.width = msg.Width
		b.height = msg.Height
		return b, nil

	case snapshotMsg:
		b.snapshot = msg
		b.loaded = true
		return b, b.scheduleRefresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return b, tea.Quit
		case "r":
			return b, b.fetchSnapshot()
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		b.spin, cmd = b.spin.Update(msg)
		return b, cmd
	}
	return b, nil
}

// View renders the current snapshot.
func (b *Board) View() string {
	width := b.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("◆ INQUEST")

	if !b.loaded {
		return header + "\n" + b.spin.View() + " loading run state..."
	}
	if b.snapshot.err != nil {
		warn := lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB347")).
			Render("⚠ " + b.snapshot.err.Error())
		return header + "\n" + warn
	}

	rightWidth := boardMax(32, width/3)
	leftWidth := width - rightWidth - 4
	if leftWidth < 40 {
		leftWidth = width - 4
		rightWidth = 0
	}

	left := lipgloss.JoinVertical(lipgloss.Left,
		b.renderRunPanel(leftWidth-4),
		"",
		b.renderWavePanel(leftWidth-4),
	)
	leftBox := panelStyle(leftWidth).Render(left)

	var body string
	if rightWidth > 0 {
		rightBox := panelStyle(rightWidth).Render(b.renderGatePanel(rightWidth - 4))
		body = lipgloss.JoinHorizontal(lipgloss.Top, leftBox, rightBox)
	} else {
		body = leftBox
	}

	sections := []string{header, body}
	if logPanel := b.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render("r → refresh    q → quit")
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func panelStyle(width int) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(boardMax(20, width))
}

func (b *Board) renderRunPanel(width int) string {
	man := b.snapshot.manifest
	statusStyle := lipgloss.NewStyle().Bold(true)
	switch man.Status {
	case manifest.StatusRunning:
		statusStyle = statusStyle.Foreground(lipgloss.Color("#7EC699"))
	case manifest.StatusFailed, manifest.StatusCancelled:
		statusStyle = statusStyle.Foreground(lipgloss.Color("#FF6B6B"))
	default:
		statusStyle = statusStyle.Foreground(lipgloss.Color("#FFB347"))
	}
	lines := []string{
		fmt.Sprintf("Run: %s", man.RunID),
		fmt.Sprintf("Stage: %s  %s", man.CurrentStage(), statusStyle.Render(string(man.Status))),
		fmt.Sprintf("Entered: %s ago", humanizeDuration(time.Since(man.Stage.StartedAt))),
		fmt.Sprintf("Transitions: %d", len(man.Stage.History)),
	}
	if rv := b.snapshot.review; rv.Iterations > 0 {
		lines = append(lines, fmt.Sprintf("Review: iteration %d · %s", rv.Iterations, rv.Verdict))
	}
	return lipgloss.NewStyle().Width(boardMax(20, width)).Render(strings.Join(lines, "\n"))
}

func (b *Board) renderWavePanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("Perspectives (%d)", len(b.snapshot.wave)))
	if len(b.snapshot.wave) == 0 {
		note := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).
			Render("No fan-out yet.")
		return lipgloss.JoinVertical(lipgloss.Left, title, note)
	}
	var rows []string
	for _, row := range b.snapshot.wave {
		mark := "…"
		if row.Validated {
			mark = "✓"
		} else if row.LastError != "" {
			mark = "✗"
		}
		line := fmt.Sprintf("%s %s · attempt %d", mark, row.ID, row.Attempts)
		if row.LastError != "" && !row.Validated {
			line += " · " + truncate(row.LastError, boardMax(10, width-len(line)-3))
		}
		rows = append(rows, line)
	}
	body := lipgloss.NewStyle().Width(boardMax(20, width)).Render(strings.Join(rows, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (b *Board) renderGatePanel(width int) string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("Gates")
	var rows []string
	for _, view := range b.snapshot.gates {
		style := lipgloss.NewStyle()
		switch view.Status {
		case gate.StatusPass:
			style = style.Foreground(lipgloss.Color("#7EC699"))
		case gate.StatusFail:
			style = style.Foreground(lipgloss.Color("#FF6B6B"))
		case gate.StatusWarn:
			style = style.Foreground(lipgloss.Color("#FFB347"))
		default:
			style = style.Foreground(lipgloss.Color("#888888"))
		}
		kind := "soft"
		if gate.Hard(view.ID) {
			kind = "hard"
		}
		rows = append(rows, fmt.Sprintf("%s %s (%s)", style.Render(string(view.Status)), view.ID, kind))
	}
	body := lipgloss.NewStyle().Width(boardMax(20, width)).Render(strings.Join(rows, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, title, body)
}

func (b *Board) renderLogPanel() string {
	lines := b.snapshot.logTail
	if len(lines) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render("AUDIT")
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(head + "\n" + body)
}

func (b *Board) fetchSnapshot() tea.Cmd {
	return func() tea.Msg {
		return b.buildSnapshot()
	}
}

func (b *Board) scheduleRefresh() tea.Cmd {
	return tea.Tick(boardRefreshInterval, func(time.Time) tea.Msg {
		return b.buildSnapshot()
	})
}

func (b *Board) buildSnapshot() snapshotMsg {
	man, _, err := manifest.Load(b.store)
	if err != nil {
		return snapshotMsg{err: err}
	}
	ledger, _, err := gate.Load(b.store)
	if err != nil {
		return snapshotMsg{err: err}
	}
	msg := snapshotMsg{manifest: man, gates: ledger.Snapshot()}

	if state, _, err := wave.LoadState(b.store); err == nil {
		ids := make([]string, 0, len(state.Perspectives))
		for id := range state.Perspectives {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			ps := state.Perspectives[id]
			msg.wave = append(msg.wave, perspectiveRow{
				ID: id, Attempts: ps.Attempts, Validated: ps.Validated, LastError: ps.LastError,
			})
		}
	}
	if rv, _, err := stage.LoadReview(b.store); err == nil {
		msg.review = rv
	}
	if b.log != nil {
		msg.logTail = b.log.Tail(6)
	}
	return msg
}

func humanizeDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh", int(d.Hours()))
}

func truncate(s string, n int) string {
	if n < 4 || len(s) <= n {
		if len(s) <= n {
			return s
		}
		return ""
	}
	return s[:n-1] + "…"
}

func boardMax(a, b int) int {
	if a > b {
		return a
	}
	return b
}
