package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/veldra/plugin-host/sandbox"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	suspendedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD700"))

	faultedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// NewWatchCmd creates the watch subcommand.
func NewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <bundle.zip>...",
		Short: "Run bundles with a live view of instance states",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := newHost(cmd, args)
			if err != nil {
				return err
			}
			defer h.close()

			p := tea.NewProgram(newWatchModel(h))
			_, err = p.Run()
			return err
		},
	}
}

type tickMsg time.Time

type watchModel struct {
	host *host
	err  error
}

func newWatchModel(h *host) watchModel {
	return watchModel{host: h}
}

func (m watchModel) Init() tea.Cmd {
	return m.schedule()
}

func (m watchModel) schedule() tea.Cmd {
	return tea.Tick(m.host.cfg.TickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		if err := m.host.step(context.Background()); err != nil {
			m.err = err
			return m, tea.Quit
		}
		return m, m.schedule()
	}
	return m, nil
}

func (m watchModel) View() string {
	s := titleStyle.Render("plugrun watch") + fmt.Sprintf("  tick %d\n\n", m.host.tick)
	s += headerStyle.Render(fmt.Sprintf("%-16s %-28s %-12s %10s  %s",
		"PLUGIN", "INSTANCE", "STATE", "MEMORY", "LAST ERROR")) + "\n"

	for _, inst := range m.host.reg.Snapshot() {
		d := inst.Diagnostics()
		lastErr := ""
		if d.LastError != nil {
			lastErr = d.LastError.Error()
			if len(lastErr) > 48 {
				lastErr = lastErr[:48] + "…"
			}
		}
		row := fmt.Sprintf("%-16s %-28s %-12s %10d  %s",
			d.Plugin, d.Instance, d.State, d.MemoryBytes, lastErr)
		s += stateStyle(d.State).Render(row) + "\n"
	}

	if m.err != nil {
		s += "\n" + faultedStyle.Render("error: "+m.err.Error()) + "\n"
	}
	s += "\n" + helpStyle.Render("q to quit") + "\n"
	return s
}

func stateStyle(s sandbox.State) lipgloss.Style {
	switch s {
	case sandbox.StateSuspended:
		return suspendedStyle
	case sandbox.StateFaulted:
		return faultedStyle
	default:
		return runningStyle
	}
}
