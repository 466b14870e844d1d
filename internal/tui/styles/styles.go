package styles

import (
	"github.com/charmbracelet/lipgloss"
)

// --- Palette ---
var (
	ColorPrimary   = lipgloss.Color("#00AFD7") // steel cyan, the load itself
	ColorSecondary = lipgloss.Color("#5FD787") // healthy
	ColorError     = lipgloss.Color("#FF5F5F") // breach
	ColorWarning   = lipgloss.Color("#FFAF00") // near a limit
	ColorRampDown  = lipgloss.Color("#AF87FF")
	ColorText      = lipgloss.Color("#E4E4E4")
	ColorSubtle    = lipgloss.Color("#808080")
	ColorBorder    = lipgloss.Color("#3A3A3A")
	ColorBg        = lipgloss.Color("#121212")
	ColorHighlight = lipgloss.Color("#444444")
	ColorBanner    = lipgloss.Color("#00D7FF")
)

var (
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1)

	Title = lipgloss.NewStyle().
		Foreground(ColorPrimary).
		Bold(true).
		Padding(0, 1).
		Border(lipgloss.NormalBorder(), false, false, true, false).
		BorderForeground(ColorBorder)

	Text   = lipgloss.NewStyle().Foreground(ColorText)
	Subtle = lipgloss.NewStyle().Foreground(ColorSubtle)

	// metric values in cards
	Value  = lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)
	Active = lipgloss.NewStyle().Foreground(ColorPrimary).Bold(true)

	Error   = lipgloss.NewStyle().Foreground(ColorError)
	Warn    = lipgloss.NewStyle().Foreground(ColorWarning)
	Success = lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)

	KeyKey  = lipgloss.NewStyle().Foreground(ColorText).Bold(true)
	KeyDesc = lipgloss.NewStyle().Foreground(ColorSubtle)

	// Box is a metric card or sparkline frame.
	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1).
		Margin(0, 1)

	// Tabs and footer
	TabBase = lipgloss.NewStyle().
		Foreground(ColorSubtle).
		Padding(0, 2)

	TabActive = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(ColorPrimary).
			Padding(0, 2)

	FooterBase = lipgloss.NewStyle().
			Height(1).
			Padding(0, 1)

	// Badge is the base for the phase and status labels.
	Badge = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBg).
		Padding(0, 1)
)

func RenderKey(key, desc string) string {
	return lipgloss.JoinHorizontal(lipgloss.Center,
		KeyKey.Render("<"+key+">"),
		" ",
		KeyDesc.Render(desc),
	)
}

// Verdict renders a pass/fail mark.
func Verdict(passed bool) string {
	if passed {
		return Success.Render("✔ PASS")
	}
	return Error.Bold(true).Render("✘ FAIL")
}

// RateStyle colors an error ratio: fine below 1%, warning below 5%.
func RateStyle(ratio float64) lipgloss.Style {
	switch {
	case ratio > 0.05:
		return Error
	case ratio > 0.01:
		return Warn
	}
	return Active
}

// PhaseBadge renders the ramp phase shown in the dashboard header.
func PhaseBadge(phase string) string {
	bg := ColorSubtle
	switch phase {
	case "Ramp Up":
		bg = ColorPrimary
	case "Steady State":
		bg = ColorSecondary
	case "Ramp Down":
		bg = ColorRampDown
	case "Aborting":
		bg = ColorError
	}
	return Badge.Background(bg).Render(phase)
}

// StatusBadge renders a run status: completed, aborted or interrupted.
func StatusBadge(status string) string {
	bg := ColorSecondary
	switch status {
	case "aborted":
		bg = ColorError
	case "interrupted":
		bg = ColorWarning
	}
	return Badge.Background(bg).Render(status)
}
