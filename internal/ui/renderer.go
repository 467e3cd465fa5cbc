package ui

import (
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/andresmejia3/moodmeter/internal/config"
	"github.com/andresmejia3/moodmeter/internal/loop"
	"github.com/andresmejia3/moodmeter/internal/types"
)

// sender is the part of *tea.Program the renderer needs.
type sender interface {
	Send(msg tea.Msg)
}

// Renderer forwards loop output to a running Bubble Tea program.
// The surface is alive until the program exits.
type Renderer struct {
	program *tea.Program
	send    sender
	alive   atomic.Bool
}

var _ loop.Renderer = (*Renderer)(nil)

// NewRenderer builds the program for live. Call Run to take over the terminal.
func NewRenderer(live *config.Live, opts ...tea.ProgramOption) *Renderer {
	p := tea.NewProgram(NewModel(live), opts...)
	r := &Renderer{program: p, send: p}
	r.alive.Store(true)
	return r
}

// Run blocks until the user quits or Quit is called.
func (r *Renderer) Run() error {
	defer r.alive.Store(false)
	_, err := r.program.Run()
	return err
}

// Quit asks the program to exit.
func (r *Renderer) Quit() {
	r.program.Quit()
}

// StateChanged is a loop.WithStateHook callback.
func (r *Renderer) StateChanged(s loop.State) {
	r.post(LoopState{State: s.String()})
}

func (r *Renderer) post(msg tea.Msg) {
	// Send returns immediately once the program has exited.
	r.send.Send(msg)
}

func (r *Renderer) DrawOverlay(size types.Dimensions, candidates []types.DetectionCandidate) {
	r.post(OverlayUpdated{Size: size, Candidates: candidates})
}

func (r *Renderer) SetOverlayVisible(visible bool) {
	r.post(OverlayVisibility{Visible: visible})
}

func (r *Renderer) RenderChart(view types.ChartView) {
	r.post(ChartUpdated{Chart: view})
}

func (r *Renderer) RenderSummary(stats types.FrameStats) {
	r.post(StatsUpdated{Stats: stats})
}

func (r *Renderer) Notify(msg string) {
	r.post(Notice{Text: msg})
}

func (r *Renderer) Alive() bool {
	return r.alive.Load()
}
