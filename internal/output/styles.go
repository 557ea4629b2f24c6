package output

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/driftlab/driftsync/internal/config"
)

// StatusType represents different types of CLI output status
type StatusType string

const (
	StatusSuccess StatusType = "success"
	StatusError   StatusType = "error"
	StatusWarning StatusType = "warning"
	StatusInfo    StatusType = "info"
	StatusTip     StatusType = "tip"
	StatusSync    StatusType = "sync"
	StatusStats   StatusType = "stats"
	StatusDone    StatusType = "done"
)

// Styles holds the lipgloss styles for each status type
type Styles struct {
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Tip     lipgloss.Style
	Sync    lipgloss.Style
	Stats   lipgloss.Style
	Done    lipgloss.Style
	Bold    lipgloss.Style
	Header  lipgloss.Style
	Subtle  lipgloss.Style
	enabled bool
}

// NewStyles builds the style set. Colors are dropped when disabled by
// configuration, when stdout is not a terminal, or when NO_COLOR is set.
func NewStyles(cfg *config.OutputConfig, noColor bool) *Styles {
	enabled := cfg.ColorsEnabled && !noColor
	if cfg.AutoDetectTTY && !term.IsTerminal(int(os.Stdout.Fd())) {
		enabled = false
	}
	if os.Getenv("NO_COLOR") != "" {
		enabled = false
	}

	s := &Styles{enabled: enabled}
	if !enabled {
		plain := lipgloss.NewStyle()
		s.Success, s.Error, s.Warning, s.Info = plain, plain, plain, plain
		s.Tip, s.Sync, s.Stats, s.Done = plain, plain, plain, plain
		s.Bold, s.Header, s.Subtle = plain, plain, plain
		return s
	}

	s.Success = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	s.Error = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	s.Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	s.Info = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	s.Tip = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
	s.Sync = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	s.Stats = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
	s.Done = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	s.Bold = lipgloss.NewStyle().Bold(true)
	s.Header = lipgloss.NewStyle().Bold(true).Underline(true)
	s.Subtle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	return s
}

// Enabled reports whether styling is active
func (s *Styles) Enabled() bool {
	return s.enabled
}

func (s *Styles) styleFor(t StatusType) lipgloss.Style {
	switch t {
	case StatusSuccess:
		return s.Success
	case StatusError:
		return s.Error
	case StatusWarning:
		return s.Warning
	case StatusInfo:
		return s.Info
	case StatusTip:
		return s.Tip
	case StatusSync:
		return s.Sync
	case StatusStats:
		return s.Stats
	case StatusDone:
		return s.Done
	default:
		return lipgloss.NewStyle()
	}
}

// Colorize applies the style for a status type to text
func (s *Styles) Colorize(text string, t StatusType) string {
	return s.styleFor(t).Render(text)
}
