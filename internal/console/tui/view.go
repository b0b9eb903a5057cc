package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/blowfish/enigma/internal/console/resources"
)

var (
	accent = lipgloss.Color("39")
	subtle = lipgloss.Color("241")

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(accent)
	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(subtle)
	activeTabStyle = lipgloss.NewStyle().Padding(0, 1).Bold(true).Foreground(lipgloss.Color("231")).Background(accent)
	helpStyle      = lipgloss.NewStyle().Foreground(subtle)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	confirmStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	keyStyle       = lipgloss.NewStyle().Foreground(accent)
	detailBox      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent).Padding(0, 1)
)

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(subtle).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("231")).
		Background(lipgloss.Color("25")).
		Bold(false)
	return s
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ENIGMA :: payments console"))
	b.WriteString("\n")
	b.WriteString(m.tabsView())
	b.WriteString("\n\n")

	if m.detail != nil {
		b.WriteString(m.detailView())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("esc back · q quit"))
		return b.String()
	}

	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(m.footerView())
	b.WriteString("\n")

	switch {
	case m.confirm != nil:
		question := fmt.Sprintf("%s %s?", m.confirm.action.Name, m.confirm.id)
		if m.confirm.action.Confirm != "" {
			question = fmt.Sprintf(m.confirm.action.Confirm, m.confirm.id)
		}
		b.WriteString(confirmStyle.Render(question + " (y/n)"))
	case m.err != nil:
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
	case m.status != "":
		b.WriteString(statusStyle.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(m.helpView())
	return b.String()
}

func (m model) tabsView() string {
	tabs := make([]string, len(m.defs))
	for i, def := range m.defs {
		if i == m.active {
			tabs[i] = activeTabStyle.Render(def.Title)
		} else {
			tabs[i] = tabStyle.Render(def.Title)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m model) footerView() string {
	q := m.query()
	if m.loading && m.rows == nil {
		return helpStyle.Render("loading ...")
	}
	text := fmt.Sprintf("page %d/%d · %d total · sort %s %s", q.Page, q.Pages(m.total), m.total, q.Sort.Field, strings.ToLower(q.Sort.Order))
	if m.loading {
		text += " · refreshing"
	}
	return helpStyle.Render(text)
}

func (m model) helpView() string {
	keys := [][2]string{
		{"tab", "resource"}, {"/", "filter"}, {"n/p", "page"}, {"o", "order"},
		{"enter", "details"}, {"r", "reload"},
	}
	if len(m.def().Actions) > 0 {
		keys = append(keys, [2]string{"R", m.def().Actions[0].Name})
	}
	keys = append(keys, [2]string{"q", "quit"})
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = keyStyle.Render(k[0]) + " " + helpStyle.Render(k[1])
	}
	return strings.Join(parts, helpStyle.Render(" · "))
}

func (m model) detailView() string {
	fields := resources.Fields(m.detail)
	width := 0
	for _, f := range fields {
		if len(f) > width {
			width = len(f)
		}
	}
	lines := make([]string, 0, len(fields)+1)
	lines = append(lines, titleStyle.Render(fmt.Sprintf("%s %s", m.def().Title, m.detail.ID())))
	for _, f := range fields {
		value := resources.Value(m.detail, f)
		if ref, ok := m.def().Reference(f); ok && m.refs != nil && value != "" {
			if label := m.refs.Label(ref, value); label != value {
				value = fmt.Sprintf("%s (%s)", value, label)
			}
		}
		lines = append(lines, fmt.Sprintf("%s  %s", keyStyle.Render(fmt.Sprintf("%-*s", width, f)), value))
	}
	return detailBox.Render(strings.Join(lines, "\n"))
}
