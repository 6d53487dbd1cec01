package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Spinner wraps a bubbletea spinner for long-running CLI steps.
type Spinner struct {
	message string
	program *tea.Program
	done    chan struct{}
}

type spinnerModel struct {
	spinner  spinner.Model
	message  string
	quitting bool
}

type spinnerDoneMsg struct{}

func newSpinnerModel(message string) spinnerModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle
	return spinnerModel{spinner: s, message: message}
}

func (m *spinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *spinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
	case spinnerDoneMsg:
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *spinnerModel) View() string {
	if m.quitting {
		return ""
	}
	return fmt.Sprintf("%s %s", m.spinner.View(), m.message)
}

// NewSpinner creates a new spinner
func NewSpinner(message string) *Spinner {
	return &Spinner{
		message: message,
		done:    make(chan struct{}),
	}
}

// Start starts the spinner
func (s *Spinner) Start() {
	model := newSpinnerModel(s.message)
	s.program = tea.NewProgram(&model)

	go func() {
		_, _ = s.program.Run()
		close(s.done)
	}()
}

// Stop stops the spinner with a success message
func (s *Spinner) Stop(message string) {
	if s.program != nil {
		s.program.Send(spinnerDoneMsg{})
		<-s.done
	}
	fmt.Printf("%s %s\n", Success.Render(IconSuccess), message)
}

// StopFail stops the spinner with a failure message
func (s *Spinner) StopFail(message string) {
	if s.program != nil {
		s.program.Send(spinnerDoneMsg{})
		<-s.done
	}
	fmt.Printf("%s %s\n", Error.Render(IconError), Error.Render(message))
}
