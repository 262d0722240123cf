package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/v2/list"
	"github.com/charmbracelet/bubbles/v2/spinner"
	"github.com/charmbracelet/bubbles/v2/viewport"
	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/lipgloss/v2"

	"vmdisas/internal/disas"
	"vmdisas/internal/selector"
	"vmdisas/internal/ui/colorize"
)

type viewMode int

const (
	viewListing viewMode = iota
	viewSymbols
)

type symbolItem struct {
	address uint64
	name    string
}

func (i symbolItem) FilterValue() string { return i.name }

type itemDelegate struct{}

func (d itemDelegate) Height() int                               { return 1 }
func (d itemDelegate) Spacing() int                              { return 0 }
func (d itemDelegate) Update(msg tea.Msg, m *list.Model) tea.Cmd { return nil }

func (d itemDelegate) Render(w io.Writer, m list.Model, index int, listItem list.Item) {
	i, ok := listItem.(symbolItem)
	if !ok {
		return
	}

	indicator := " "
	addrStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if index == m.Index() {
		indicator = ">"
		addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	}
	nameStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	fmt.Fprintf(w, " %s  %s  %s", indicator, addrStyle.Render(fmt.Sprintf("%016x", i.address)), nameStyle.Render(i.name))
}

type listingMsg struct {
	req    request
	stream disas.Stream
	err    error
}

func disassembleCmd(ctx context.Context, s *session, req request, count int) tea.Cmd {
	return func() tea.Msg {
		stream, err := s.dis.Range(ctx, req.sel, req.ptr, count, req.flags)
		return listingMsg{req: req, stream: stream, err: err}
	}
}

type model struct {
	ctx         context.Context
	s           *session
	listing     viewport.Model
	symbolsList list.Model
	spinner     spinner.Model
	mode        viewMode
	req         request
	count       int
	stream      disas.Stream
	err         error
	loading     bool
	width       int
	height      int
}

func newModel(ctx context.Context, s *session, req request, count int) model {
	vp := viewport.New()
	vp.SetWidth(80)
	vp.SetHeight(24)

	items := make([]list.Item, 0, s.syms.Len())
	for _, sym := range s.syms.Symbols() {
		items = append(items, symbolItem{address: sym.Addr, name: sym.Demangled})
	}
	symbolsList := list.New(items, itemDelegate{}, 80, 24)
	symbolsList.SetShowStatusBar(false)
	symbolsList.SetFilteringEnabled(true)
	symbolsList.Title = "Symbols"
	symbolsList.Styles.Title = lipgloss.NewStyle().
		Foreground(lipgloss.Color("99")).
		MarginLeft(2)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))

	m := model{
		ctx:         ctx,
		s:           s,
		listing:     vp,
		symbolsList: symbolsList,
		spinner:     sp,
		req:         req,
		count:       count,
		loading:     true,
		width:       80,
		height:      24,
	}
	m.updateContent()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(disassembleCmd(m.ctx, m.s, m.req, m.count), m.spinner.Tick)
}

// nextRequest continues after the last decoded instruction.
func (m model) nextRequest() (request, bool) {
	if len(m.stream) == 0 || m.err != nil {
		return request{}, false
	}
	last := m.stream[len(m.stream)-1]
	req := request{sel: last.Sel, ptr: last.Next(), flags: m.req.flags &^ (disas.CurrentGuest | disas.CurrentHyper)}
	return req, true
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case listingMsg:
		m.req = msg.req
		m.stream = msg.stream
		m.err = msg.err
		m.loading = false
		m.updateContent()
		m.listing.GotoTop()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(msg)
		m.updateContent()
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.listing.SetWidth(msg.Width)
		m.listing.SetHeight(msg.Height - 2)
		m.symbolsList.SetWidth(msg.Width)
		m.symbolsList.SetHeight(msg.Height - 2)
		m.updateContent()

	case tea.KeyMsg:
		if m.mode == viewSymbols && m.symbolsList.FilterState() == list.Filtering {
			if msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
			break
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s", "tab":
			if m.mode == viewListing && len(m.symbolsList.Items()) > 0 {
				m.mode = viewSymbols
				return m, nil
			}
			m.mode = viewListing
			return m, nil
		case "esc":
			if m.mode == viewSymbols {
				m.mode = viewListing
				return m, nil
			}
		case "n":
			if m.mode == viewListing {
				if req, ok := m.nextRequest(); ok {
					m.loading = true
					m.updateContent()
					return m, tea.Batch(disassembleCmd(m.ctx, m.s, req, m.count), m.spinner.Tick)
				}
			}
		case "enter":
			if m.mode == viewSymbols {
				if item, ok := m.symbolsList.SelectedItem().(symbolItem); ok {
					m.mode = viewListing
					m.loading = true
					m.updateContent()
					req := request{sel: selector.SelFlat, ptr: item.address, flags: m.s.cfg.DisasFlags()}
					return m, tea.Batch(disassembleCmd(m.ctx, m.s, req, m.count), m.spinner.Tick)
				}
			}
		}
	}

	switch m.mode {
	case viewSymbols:
		m.symbolsList, cmd = m.symbolsList.Update(msg)
	default:
		m.listing, cmd = m.listing.Update(msg)
	}
	return m, cmd
}

func (m model) View() string {
	content := m.listing.View()
	menu := " N: next • S: symbols • Q: quit "
	if m.mode == viewSymbols {
		content = m.symbolsList.View()
		menu = " Enter: disassemble • Esc: listing • /: filter • Q: quit "
	}

	menuStyle := lipgloss.NewStyle().
		Background(lipgloss.Color("235")).
		Foreground(lipgloss.Color("252")).
		Padding(0, 1).
		Width(m.width)

	return content + "\n" + menuStyle.Render(menu)
}

func (m *model) updateContent() {
	loading := ""
	if m.loading {
		loading = m.spinner.View()
	}
	m.listing.SetContent(renderListing(m.s, m.stream, m.err, loading))
}

// renderListing renders the header and instruction lines of the listing
// view. A non-empty spin replaces the instructions with a loading line.
func renderListing(s *session, stream disas.Stream, err error, spin string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "; %s\n", s.path)
	fmt.Fprintf(&b, "; %s, entry %#x, %d symbols\n\n", s.vm.Mode(), s.entry, s.syms.Len())

	if spin != "" {
		b.WriteString(spin + " disassembling...\n")
		return b.String()
	}
	for _, inst := range stream {
		b.WriteString(colorize.Line(inst.Line, inst.Text))
		b.WriteByte('\n')
	}
	if err != nil {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString(errStyle.Render("; " + err.Error()))
		b.WriteByte('\n')
	}
	return b.String()
}
