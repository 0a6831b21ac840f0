package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/ensemble/internal/errors"
	"github.com/Iron-Ham/ensemble/internal/plan"
	"github.com/Iron-Ham/ensemble/internal/review"
	"github.com/Iron-Ham/ensemble/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Watch a session live",
	Long: `Display a live view of a session: its phase, registered plans, and
review findings, updating as the coordinator makes progress.

The view reads the same storage the coordinator writes, so it can run in
a separate terminal from 'ensemble start'. It exits when the session
reaches a terminal phase, or on q / Ctrl+C.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// watchInterval is the storage polling cadence. Plan registrations also
// trigger an immediate refresh through the filesystem watcher.
const watchInterval = time.Second

var (
	watchTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	watchPhaseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	watchDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	watchFailStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	watchDoneStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
)

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr, err := openManager(cfg)
	if err != nil {
		return err
	}
	planReg, reportReg := openRegistries(mgr)

	ctx := cmd.Context()
	sessionID := args[0]
	if _, err := mgr.Get(ctx, sessionID); err != nil {
		return err
	}

	plansDir := filepath.Join(mgr.SessionDir(sessionID), plan.PlansDirName)
	watcher, err := plan.NewWatcher(plansDir)
	if err != nil {
		return fmt.Errorf("failed to watch plans directory: %w", err)
	}
	watcher.Start()
	defer watcher.Stop()

	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	m := watchModel{
		ctx:       ctx,
		sessionID: sessionID,
		mgr:       mgr,
		plans:     planReg,
		reports:   reportReg,
		watcher:   watcher,
		spinner:   s,
	}

	_, err = tea.NewProgram(m, tea.WithContext(ctx)).Run()
	return err
}

// snapshotMsg carries one consistent read of the session's state.
type snapshotMsg struct {
	info    *session.Info
	plans   []*plan.Artifact
	report  *review.Report
	lastErr error
}

type pollMsg struct{}

// planEventMsg signals that a plan artifact changed on disk.
type planEventMsg struct{}

type watchModel struct {
	ctx       context.Context
	sessionID string
	mgr       *session.ContextManager
	plans     *plan.Registry
	reports   *review.Registry
	watcher   *plan.Watcher
	spinner   spinner.Model

	snap snapshotMsg
	done bool
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh, m.schedulePoll(), m.nextPlanEvent)
}

func (m watchModel) refresh() tea.Msg {
	var snap snapshotMsg
	info, err := m.mgr.Describe(m.ctx, m.sessionID)
	if err != nil {
		snap.lastErr = err
		return snap
	}
	snap.info = info

	if snap.plans, err = m.plans.List(m.ctx, m.sessionID); err != nil {
		snap.lastErr = err
	}
	report, err := m.reports.Latest(m.ctx, m.sessionID)
	if err == nil {
		snap.report = report
	} else if !errors.Is(err, errors.ErrNotFound) {
		snap.lastErr = err
	}
	return snap
}

func (m watchModel) schedulePoll() tea.Cmd {
	return tea.Tick(watchInterval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

// nextPlanEvent blocks on the filesystem watcher so plan registrations
// refresh the view without waiting for the next poll.
func (m watchModel) nextPlanEvent() tea.Msg {
	if _, ok := <-m.watcher.Events(); !ok {
		return nil
	}
	return planEventMsg{}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		return m, nil

	case pollMsg:
		if m.done {
			return m, nil
		}
		return m, tea.Batch(m.refresh, m.schedulePoll())

	case planEventMsg:
		return m, tea.Batch(m.refresh, m.nextPlanEvent)

	case snapshotMsg:
		m.snap = msg
		if msg.info != nil && msg.info.Phase.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	info := m.snap.info
	if info == nil {
		if m.snap.lastErr != nil {
			return watchFailStyle.Render("error: "+m.snap.lastErr.Error()) + "\n"
		}
		return m.spinner.View() + " loading session...\n"
	}

	var b []byte
	b = fmt.Appendf(b, "%s\n", watchTitleStyle.Render("Session "+info.ID))
	b = fmt.Appendf(b, "%s\n\n", watchDimStyle.Render(info.Task))

	switch info.Phase {
	case session.PhaseDone:
		b = fmt.Appendf(b, "Phase: %s\n", watchDoneStyle.Render(info.Phase.String()))
	case session.PhaseFailed:
		b = fmt.Appendf(b, "Phase: %s\n", watchFailStyle.Render(info.Phase.String()))
	default:
		b = fmt.Appendf(b, "Phase: %s %s\n", watchPhaseStyle.Render(info.Phase.String()), m.spinner.View())
	}

	if len(m.snap.plans) > 0 {
		b = fmt.Appendf(b, "\nPlans:\n")
		for _, p := range m.snap.plans {
			b = fmt.Appendf(b, "  %s/%s %s\n", p.Type, p.Feature, watchDimStyle.Render("by "+p.Role))
		}
	}

	if m.snap.report != nil {
		summary := m.snap.report.Summary()
		line := summary.String()
		if summary.Major > 0 {
			line = watchFailStyle.Render(line)
		}
		b = fmt.Appendf(b, "\nReview: %s\n", line)
	}

	if m.snap.lastErr != nil {
		b = fmt.Appendf(b, "\n%s\n", watchFailStyle.Render("error: "+m.snap.lastErr.Error()))
	}

	b = fmt.Appendf(b, "\n%s\n", watchDimStyle.Render("q to quit"))
	return string(b)
}
