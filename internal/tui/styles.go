package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/hugo-lorenzo-mato/opsgate/internal/core"
)

var (
	// TitleStyle is for the board title.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary).
			MarginBottom(1)

	// SectionStyle heads each board section.
	SectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorText)

	// BoxStyle is the style for the blocker card.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	// SubtleStyle is for secondary text.
	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	QueuedStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	RunningStyle = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Bold(true)

	PausedStyle = lipgloss.NewStyle().
			Foreground(ColorWarning).
			Bold(true)

	CompletedStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	FailedStyle = lipgloss.NewStyle().
			Foreground(ColorError).
			Bold(true)

	CancelledStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted).
			Italic(true)

	MajorBadge = lipgloss.NewStyle().
			Background(ColorMajor).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1).
			Bold(true)

	MinorBadge = lipgloss.NewStyle().
			Background(ColorMinor).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1)

	ProgressBarFilledStyle = lipgloss.NewStyle().
				Foreground(ColorSuccess)

	ProgressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(ColorBorder)
)

// StatusStyle returns the style for an operation status.
func StatusStyle(status core.OperationStatus) lipgloss.Style {
	switch status {
	case core.StatusQueued:
		return QueuedStyle
	case core.StatusRunning:
		return RunningStyle
	case core.StatusPaused:
		return PausedStyle
	case core.StatusCompleted:
		return CompletedStyle
	case core.StatusFailed:
		return FailedStyle
	case core.StatusCancelled:
		return CancelledStyle
	default:
		return lipgloss.NewStyle()
	}
}

// ClassBadge returns the badge style for a classification.
func ClassBadge(c core.Classification) lipgloss.Style {
	if c == core.ClassMajor {
		return MajorBadge
	}
	return MinorBadge
}
