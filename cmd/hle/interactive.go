package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/hle"
	"github.com/wippyai/hle/abi"
)

// guestThread owns the Emulator. Bubbletea runs commands on its own
// goroutines, so every export call is handed to the goroutine that created
// the Emulator, which is guest thread 0.
type guestThread struct {
	requests chan callRequest
	done     chan struct{}
}

type callRequest struct {
	name  string
	args  []string
	reply chan callResultMsg
}

type loadedMsg struct {
	err   error
	funcs []funcInfo
}

type callResultMsg struct {
	err    error
	result string
}

func startGuestThread(ctx context.Context) (*guestThread, []funcInfo, error) {
	g := &guestThread{requests: make(chan callRequest), done: make(chan struct{})}
	ready := make(chan loadedMsg, 1)

	go func() {
		defer close(g.done)
		emu, _, err := newEmulator(ctx)
		if err != nil {
			ready <- loadedMsg{err: err}
			return
		}
		defer emu.Close(ctx)
		ready <- loadedMsg{funcs: describe(emu)}

		for req := range g.requests {
			res, err := callExport(emu, req.name, req.args)
			msg := callResultMsg{err: err, result: res.value}
			if err == nil {
				msg.result += "  " + formatSlots(res.slots)
			}
			req.reply <- msg
		}
	}()

	msg := <-ready
	if msg.err != nil {
		return nil, nil, msg.err
	}
	return g, msg.funcs, nil
}

func (g *guestThread) call(name string, args []string) callResultMsg {
	reply := make(chan callResultMsg, 1)
	g.requests <- callRequest{name: name, args: args, reply: reply}
	return <-reply
}

func (g *guestThread) stop() {
	close(g.requests)
	<-g.done
}

type funcInfo struct {
	name       string
	resultType string
	params     []paramInfo
}

type paramInfo struct {
	name    string
	typeStr string
}

func describe(emu *hle.Emulator) []funcInfo {
	var funcs []funcInfo
	for _, name := range emu.Env.Exports.Names() {
		e, _ := emu.Env.Exports.Resolve(name)
		fi := funcInfo{name: name}
		for i, p := range e.Params() {
			fi.params = append(fi.params, paramInfo{
				name:    fmt.Sprintf("p%d", i),
				typeStr: abi.TypeString(p),
			})
		}
		if r := e.Result(); r != nil {
			fi.resultType = abi.TypeString(r)
		}
		funcs = append(funcs, fi)
	}
	return funcs
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type interactiveModel struct {
	err      error
	guest    *guestThread
	st       styles
	result   string
	funcs    []funcInfo
	inputs   []textinput.Model
	selected int
	offset   int
	focusIdx int
	height   int
	state    modelState
}

func newInteractiveModel(g *guestThread, funcs []funcInfo) *interactiveModel {
	return &interactiveModel{
		guest:  g,
		funcs:  funcs,
		st:     newStyles(true),
		height: 20,
		state:  stateSelectFunc,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return nil
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = max(msg.Height-8, 5)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
				m.offset = min(m.offset, m.selected)
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
				if m.selected >= m.offset+m.height {
					m.offset = m.selected - m.height + 1
				}
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
			return m, nil

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.params))
	for i, p := range f.params {
		ti := textinput.New()
		ti.Placeholder = p.typeStr
		ti.Prompt = p.name + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	f := m.funcs[m.selected]
	args := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		args[i] = input.Value()
	}
	return m.guest.call(f.name, args)
}

func (m *interactiveModel) View() string {
	var b strings.Builder
	b.WriteString(m.st.title.Render("hle exports"))
	b.WriteString(fmt.Sprintf(" %d symbols\n\n", len(m.funcs)))

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select an export to call:\n\n")
		end := min(m.offset+m.height, len(m.funcs))
		for i := m.offset; i < end; i++ {
			line := m.formatFunc(m.funcs[i])
			if i == m.selected {
				b.WriteString(m.st.sel.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(m.st.help.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", m.st.fn.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(m.st.typ.Render(f.params[i].typeStr))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(m.st.help.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", m.st.fn.Render(f.name)))
		if m.err != nil {
			b.WriteString(m.st.err.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(m.st.result.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(m.st.help.Render("enter continue • q quit"))
	}
	return b.String()
}

func (m *interactiveModel) formatFunc(f funcInfo) string {
	params := make([]string, len(f.params))
	for i, p := range f.params {
		params[i] = p.name + ": " + m.st.typ.Render(p.typeStr)
	}
	result := ""
	if f.resultType != "" {
		result = " -> " + m.st.typ.Render(f.resultType)
	}
	return m.st.fn.Render(f.name) + "(" + strings.Join(params, ", ") + ")" + result
}

func runInteractive(ctx context.Context) error {
	g, funcs, err := startGuestThread(ctx)
	if err != nil {
		return err
	}
	defer g.stop()

	p := tea.NewProgram(newInteractiveModel(g, funcs), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
