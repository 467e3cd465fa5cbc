package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/andresmejia3/moodmeter/internal/config"
	"github.com/andresmejia3/moodmeter/internal/emotion"
	"github.com/andresmejia3/moodmeter/internal/types"
)

const (
	barWidth    = 32
	overlayCols = 48
	overlayRows = 14
)

// Model is the Bubble Tea model of the live view.
type Model struct {
	live   *config.Live
	Styles Styles

	stats   types.FrameStats
	chart   types.ChartView
	frames  uint64
	size    types.Dimensions
	faces   []types.DetectionCandidate
	overlay bool
	notice  string
	state   string
	width   int

	bars [7]progress.Model
}

// NewModel creates the view bound to live. Key presses update live directly.
func NewModel(live *config.Live) Model {
	m := Model{
		live:    live,
		Styles:  DefaultStyles(),
		overlay: live.Snapshot().ShowOverlay,
		chart:   emotion.Chart(types.FrameStats{}),
		state:   "idle",
	}
	for i, c := range SlotColors {
		m.bars[i] = progress.New(
			progress.WithSolidFill(string(c)),
			progress.WithoutPercentage(),
			progress.WithWidth(barWidth),
		)
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles key presses and loop messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "left", "h", "-":
			m.live.Nudge(-config.ThresholdStep)
		case "right", "l", "+", "=":
			m.live.Nudge(config.ThresholdStep)
		case "o":
			// The loop applies the change on its next snapshot; mirror it now so the key feels instant.
			m.overlay = m.live.ToggleOverlay()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case StatsUpdated:
		m.stats = msg.Stats
		m.frames++
	case ChartUpdated:
		m.chart = msg.Chart
	case OverlayUpdated:
		m.size = msg.Size
		m.faces = msg.Candidates
	case OverlayVisibility:
		m.overlay = msg.Visible
		if !msg.Visible {
			m.faces = nil
		}
	case Notice:
		m.notice = msg.Text
	case LoopState:
		m.state = msg.State
	}
	return m, nil
}

// View renders the whole screen.
func (m Model) View() string {
	var b strings.Builder
	snap := m.live.Snapshot()

	b.WriteString(m.Styles.Title.Render("Moodmeter"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n\n",
		m.Styles.Dim.Render("state"), m.Styles.Value.Render(m.state),
		m.Styles.Dim.Render("min confidence"), m.Styles.Value.Render(fmt.Sprintf("%.2f", snap.Threshold)),
		m.Styles.Dim.Render("frame"), m.Styles.Value.Render(fmt.Sprint(m.frames)),
	)

	left := m.chartView() + "\n" + m.summaryView()
	if m.overlay {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, left, "   ", m.overlayView()))
	} else {
		b.WriteString(left)
	}
	b.WriteString("\n")

	if m.notice != "" {
		b.WriteString("\n" + m.Styles.Notice.Render(m.notice) + "\n")
	}
	b.WriteString("\n" + m.Styles.Dim.Render("←/→ confidence  o overlay  q quit"))
	return b.String()
}

func (m Model) chartView() string {
	sum := 0
	for _, p := range m.chart {
		sum += p.Count
	}

	var b strings.Builder
	for i, p := range m.chart {
		frac := 0.0
		if sum > 0 {
			frac = float64(p.Count) / float64(sum)
		}
		bar := m.bars[i%len(m.bars)]
		fmt.Fprintf(&b, "%s %s %s\n", m.Styles.Label.Render(p.Label), bar.ViewAs(frac), m.Styles.Value.Render(fmt.Sprint(p.Count)))
	}
	return b.String()
}

func (m Model) summaryView() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", m.Styles.Good.Render("Good Faces:"), m.Styles.Value.Render(fmt.Sprint(m.stats.Good)))
	fmt.Fprintf(&b, "%s %s\n", m.Styles.Bad.Render("Bad Faces: "), m.Styles.Value.Render(fmt.Sprint(m.stats.Bad)))
	fmt.Fprintf(&b, "Faces Above Min Confidence: %s\n", m.Styles.Value.Render(fmt.Sprint(m.stats.Total)))
	fmt.Fprintf(&b, "Faces Detected: %s", m.Styles.Value.Render(fmt.Sprint(m.stats.Detected)))
	return b.String()
}

// overlayView draws the face boxes scaled onto a character grid.
func (m Model) overlayView() string {
	if m.size.Width <= 0 || m.size.Height <= 0 {
		return m.Styles.OverlayBox.Render(m.Styles.OverlayHelp.Render("waiting for frames"))
	}
	lines := renderOverlay(m.size, m.faces, overlayCols, overlayRows)
	for _, f := range m.faces {
		c := emotion.Dominant(f.Expressions)
		lines = append(lines, m.Styles.ForCategory(c).Render(fmt.Sprintf("%s %.2f", c.DisplayName(), f.Score)))
	}
	return m.Styles.OverlayBox.Render(strings.Join(lines, "\n"))
}

// renderOverlay rasterizes candidate boxes into a cols x rows grid, labelling each
// box with its dominant expression and detection score.
func renderOverlay(size types.Dimensions, faces []types.DetectionCandidate, cols, rows int) []string {
	grid := make([][]rune, rows)
	for i := range grid {
		grid[i] = []rune(strings.Repeat(" ", cols))
	}
	sx := float64(cols) / float64(size.Width)
	sy := float64(rows) / float64(size.Height)

	set := func(x, y int, r rune) {
		if x >= 0 && x < cols && y >= 0 && y < rows {
			grid[y][x] = r
		}
	}

	for _, f := range faces {
		x0 := int(float64(f.Box.X) * sx)
		y0 := int(float64(f.Box.Y) * sy)
		x1 := int(float64(f.Box.X+f.Box.W)*sx) - 1
		y1 := int(float64(f.Box.Y+f.Box.H)*sy) - 1
		x1 = max(x1, x0+1)
		y1 = max(y1, y0+1)

		for x := x0; x <= x1; x++ {
			set(x, y0, '-')
			set(x, y1, '-')
		}
		for y := y0; y <= y1; y++ {
			set(x0, y, '|')
			set(x1, y, '|')
		}
		set(x0, y0, '+')
		set(x1, y0, '+')
		set(x0, y1, '+')
		set(x1, y1, '+')

		label := fmt.Sprintf("%s %.2f", emotion.Dominant(f.Expressions).DisplayName(), f.Score)
		ly := y0 - 1
		if ly < 0 {
			ly = y1 + 1
		}
		for i, r := range label {
			set(x0+i, ly, r)
		}
	}

	out := make([]string, rows)
	for i, row := range grid {
		out[i] = string(row)
	}
	return out
}
