package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/andresmejia3/moodmeter/internal/emotion"
	"github.com/andresmejia3/moodmeter/internal/types"
)

// SlotColors is the chart colour scale, one per display slot (green for happy through red for angry).
var SlotColors = [7]lipgloss.Color{"#029832", "#62b32b", "#C7EA46", "#fedb00", "#f97a00", "#ff5349", "#d50218"}

var (
	ColorGood = lipgloss.Color("#029832")
	ColorBad  = lipgloss.Color("#d50218")
	ColorDim  = lipgloss.Color("242")
	ColorText = lipgloss.Color("255")
	ColorWarn = lipgloss.Color("214")
)

// Styles holds the Lip Gloss styles used by the view.
type Styles struct {
	Title       lipgloss.Style
	Label       lipgloss.Style
	Value       lipgloss.Style
	Dim         lipgloss.Style
	Good        lipgloss.Style
	Bad         lipgloss.Style
	Unknown     lipgloss.Style
	Notice      lipgloss.Style
	OverlayBox  lipgloss.Style
	OverlayHelp lipgloss.Style
}

// DefaultStyles returns the default look.
func DefaultStyles() Styles {
	return Styles{
		Title:       lipgloss.NewStyle().Bold(true).Foreground(ColorText).MarginBottom(1),
		Label:       lipgloss.NewStyle().Width(12).Foreground(ColorText),
		Value:       lipgloss.NewStyle().Bold(true).Foreground(ColorText),
		Dim:         lipgloss.NewStyle().Foreground(ColorDim),
		Good:        lipgloss.NewStyle().Foreground(ColorGood).Bold(true),
		Bad:         lipgloss.NewStyle().Foreground(ColorBad).Bold(true),
		Unknown:     lipgloss.NewStyle().Foreground(ColorDim),
		Notice:      lipgloss.NewStyle().Foreground(ColorWarn).Bold(true),
		OverlayBox:  lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorDim),
		OverlayHelp: lipgloss.NewStyle().Foreground(ColorDim).Italic(true),
	}
}

// ForCategory picks the label style for a face's dominant category.
func (s Styles) ForCategory(c types.Category) lipgloss.Style {
	switch {
	case emotion.IsGood(c):
		return s.Good
	case emotion.IsBad(c):
		return s.Bad
	}
	return s.Unknown
}
