// Package tui is the interactive resource browser started by a bare `enigma`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/blowfish/enigma/internal/console/app"
	"github.com/blowfish/enigma/internal/console/auth"
	"github.com/blowfish/enigma/internal/console/dataprovider"
	"github.com/blowfish/enigma/internal/console/eventbus"
	"github.com/blowfish/enigma/internal/console/reference"
	"github.com/blowfish/enigma/internal/console/resources"
	"github.com/blowfish/enigma/internal/shared/listquery"
)

const (
	filterDebounce = 300 * time.Millisecond
	requestTimeout = 30 * time.Second
	defaultHeight  = 15
)

type listLoadedMsg struct {
	seq    int
	result *dataprovider.GetListResult
	err    error
}

type filterTickMsg struct {
	seq int
}

type recordMsg struct {
	rec dataprovider.Record
	err error
}

type actionDoneMsg struct {
	resource string
	id       string
	action   string
	rec      dataprovider.Record
	err      error
}

// busMsg carries a bus dispatch into the program.
type busMsg struct {
	event   string
	payload any
}

type pendingAction struct {
	action resources.Action
	id     string
}

// Run starts the browser and blocks until the operator quits or ctx ends.
func Run(ctx context.Context, c *app.Console) error {
	if err := c.CheckAuth(ctx, auth.CheckParams{}); err != nil {
		if errors.Is(err, auth.ErrNotAuthenticated) || errors.Is(err, auth.ErrSessionExpired) {
			return fmt.Errorf("not signed in, run `enigma login` first")
		}
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if stream, err := c.Watcher(); err == nil {
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.Logger().Warn("change stream stopped", "error", err)
			}
		}()
	} else {
		c.Logger().Warn("change stream unavailable", "error", err)
	}

	m := newModel(ctx, c.Data(), c.References(), c.Bus())
	defer m.close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

type model struct {
	ctx  context.Context
	data dataprovider.DataProvider
	refs *reference.Resolver

	defs    []resources.Definition
	active  int
	queries []listquery.Query

	table   table.Model
	rows    []dataprovider.Record
	total   int
	loading bool
	loadSeq int

	filter    textinput.Model
	filtering bool
	filterSeq int

	detail  dataprovider.Record
	confirm *pendingAction

	status string
	err    error

	events chan busMsg
	regs   []*eventbus.Registration
	height int
}

func newModel(ctx context.Context, data dataprovider.DataProvider, refs *reference.Resolver, bus *eventbus.Bus) model {
	defs := resources.All()
	queries := make([]listquery.Query, len(defs))
	for i := range queries {
		queries[i] = listquery.New()
	}

	filter := textinput.New()
	filter.Prompt = "/ "
	filter.Placeholder = "text or key=value ..."
	filter.CharLimit = 256

	m := model{
		ctx:     ctx,
		data:    data,
		refs:    refs,
		defs:    defs,
		queries: queries,
		filter:  filter,
		loading: true,
		events:  make(chan busMsg, 64),
		height:  defaultHeight,
	}
	m.table = table.New(table.WithFocused(true), table.WithHeight(m.height), table.WithStyles(tableStyles()))
	m.table.SetColumns(columns(defs[0]))

	if bus != nil {
		for _, event := range []string{
			eventbus.EventRecordCreated,
			eventbus.EventRecordUpdated,
			eventbus.EventRecordDeleted,
			eventbus.EventTransactionReversed,
			eventbus.EventSessionExpired,
		} {
			event := event
			m.regs = append(m.regs, bus.Register(event, func(payload any) {
				select {
				case m.events <- busMsg{event: event, payload: payload}:
				default:
				}
			}))
		}
	}
	return m
}

func (m model) close() {
	for _, reg := range m.regs {
		reg.Unregister()
	}
}

func columns(def resources.Definition) []table.Column {
	cols := make([]table.Column, len(def.Columns))
	for i, c := range def.Columns {
		cols[i] = table.Column{Title: c.Title, Width: c.Width}
	}
	return cols
}

func (m model) def() resources.Definition {
	return m.defs[m.active]
}

func (m model) query() listquery.Query {
	return m.queries[m.active]
}

// Init loads the first page under the sequence number newModel left in place.
func (m model) Init() tea.Cmd {
	return tea.Batch(m.loadCmd(m.loadSeq), waitEventCmd(m.events))
}

// fetch loads the current page. Responses to earlier fetches are dropped.
func (m model) fetch() (model, tea.Cmd) {
	m.loadSeq++
	m.loading = true
	return m, m.loadCmd(m.loadSeq)
}

func (m model) loadCmd(seq int) tea.Cmd {
	def, q := m.def(), m.query()
	data, refs, parent := m.data, m.refs, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		result, err := data.GetList(ctx, def.Name, dataprovider.GetListParams{Query: q})
		if err == nil && refs != nil {
			// Unresolved references fall back to raw ids.
			_ = refs.Prefetch(ctx, def, result.Data)
		}
		return listLoadedMsg{seq: seq, result: result, err: err}
	}
}

func (m model) setQuery(q listquery.Query) (model, tea.Cmd) {
	m.queries[m.active] = q
	return m.fetch()
}

func waitEventCmd(ch <-chan busMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

func filterTickCmd(seq int) tea.Cmd {
	return tea.Tick(filterDebounce, func(time.Time) tea.Msg { return filterTickMsg{seq: seq} })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height - 8
		if m.height < 3 {
			m.height = 3
		}
		m.table.SetHeight(m.height)
		return m, nil
	case listLoadedMsg:
		if msg.seq != m.loadSeq {
			return m, nil
		}
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.rows, m.total = msg.result.Data, msg.result.Total
		m.table.SetRows(m.tableRows())
		// An empty table parks the cursor at -1.
		if c := m.table.Cursor(); c < 0 || c >= len(m.rows) {
			m.table.SetCursor(0)
		}
		return m, nil
	case filterTickMsg:
		if msg.seq != m.filterSeq {
			return m, nil
		}
		return m.commitFilter()
	case recordMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.detail = msg.rec
		return m, nil
	case actionDoneMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = ""
			return m, nil
		}
		m.err = nil
		m.status = fmt.Sprintf("%s %s: %s done", msg.resource, msg.id, msg.action)
		return m, nil
	case busMsg:
		next := waitEventCmd(m.events)
		if msg.event == eventbus.EventSessionExpired {
			m.status = "session expired, run `enigma login` and restart"
			return m, next
		}
		if !m.affects(msg) {
			return m, next
		}
		var fetch tea.Cmd
		m, fetch = m.fetch()
		return m, tea.Batch(fetch, next)
	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg)
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

// affects reports whether a bus event concerns the resource on screen.
func (m model) affects(msg busMsg) bool {
	switch p := msg.payload.(type) {
	case eventbus.RecordChange:
		if p.Resource == m.def().Name {
			return true
		}
		// Label changes show up in reference columns.
		_, referenced := m.referencedResources()[p.Resource]
		return referenced && msg.event != eventbus.EventRecordCreated
	case eventbus.TransactionReversed:
		return m.def().Name == "transactions"
	}
	return false
}

func (m model) referencedResources() map[string]struct{} {
	out := make(map[string]struct{})
	for _, ref := range m.def().References {
		out[ref.Resource] = struct{}{}
	}
	return out
}

func (m model) updateFilter(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "enter":
		m.filtering = false
		m.filter.Blur()
		// Invalidate any pending tick; this commit supersedes it.
		m.filterSeq++
		return m.commitFilter()
	case "esc":
		// Abandon the edit: drop pending ticks and show the committed filter.
		m.filtering = false
		m.filter.Blur()
		m.filterSeq++
		m.filter.SetValue(filterText(m.query()))
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.filterSeq++
	return m, tea.Batch(cmd, filterTickCmd(m.filterSeq))
}

// commitFilter applies the filter input to the current query, refetching only
// when the filter actually changed.
func (m model) commitFilter() (tea.Model, tea.Cmd) {
	q := m.query()
	next := q.WithFilterValues(parseFilterInput(m.filter.Value(), q))
	if next.Values().Encode() == q.Values().Encode() {
		return m, nil
	}
	return m.setQuery(next)
}

// parseFilterInput turns "settled currency=EUR" into filter values: key=value
// tokens set keys, the remaining words form the full-text term. Keys of the
// current filter that are no longer mentioned are cleared.
func parseFilterInput(input string, current listquery.Query) map[string]string {
	values := make(map[string]string, len(current.Filter)+1)
	for k := range current.Filter {
		values[k] = ""
	}
	values[listquery.FullTextKey] = ""

	var words []string
	for _, tok := range strings.Fields(input) {
		if key, value, ok := strings.Cut(tok, "="); ok && key != "" {
			values[key] = value
			continue
		}
		words = append(words, tok)
	}
	values[listquery.FullTextKey] = strings.Join(words, " ")
	return values
}

func (m model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.confirm != nil {
		pending := m.confirm
		m.confirm = nil
		if msg.String() != "y" {
			m.status = "cancelled"
			return m, nil
		}
		m.status = fmt.Sprintf("running %s on %s ...", pending.action.Name, pending.id)
		return m, m.actionCmd(pending)
	}

	if m.detail != nil {
		switch msg.String() {
		case "esc", "enter", "backspace":
			m.detail = nil
			return m, nil
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "tab":
		return m.switchTab(1)
	case "shift+tab":
		return m.switchTab(-1)
	case "/":
		m.filtering = true
		return m, m.filter.Focus()
	case "n":
		next := m.query().NextPage(m.total)
		if next.Page == m.query().Page {
			return m, nil
		}
		return m.setQuery(next)
	case "p":
		prev := m.query().PrevPage()
		if prev.Page == m.query().Page {
			return m, nil
		}
		return m.setQuery(prev)
	case "o":
		q := m.query()
		return m.setQuery(q.WithSort(q.Sort.Field))
	case "r":
		return m.fetch()
	case "enter":
		if rec, ok := m.selected(); ok {
			return m, m.getOneCmd(rec.ID())
		}
		return m, nil
	case "R":
		rec, ok := m.selected()
		if !ok || len(m.def().Actions) == 0 {
			return m, nil
		}
		m.confirm = &pendingAction{action: m.def().Actions[0], id: rec.ID()}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m model) switchTab(delta int) (tea.Model, tea.Cmd) {
	m.active = (m.active + delta + len(m.defs)) % len(m.defs)
	m.rows, m.total = nil, 0
	m.err, m.status = nil, ""
	m.table.SetRows(nil)
	m.table.SetColumns(columns(m.def()))
	m.table.SetCursor(0)
	m.filter.SetValue(filterText(m.query()))
	return m.fetch()
}

// filterText renders a query's filter back into the input syntax.
func filterText(q listquery.Query) string {
	var parts []string
	for _, k := range q.FilterKeys() {
		if k == listquery.FullTextKey {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, q.Filter[k]))
	}
	if text, ok := q.Filter[listquery.FullTextKey]; ok {
		parts = append([]string{fmt.Sprint(text)}, parts...)
	}
	return strings.Join(parts, " ")
}

func (m model) selected() (dataprovider.Record, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.rows) {
		return nil, false
	}
	return m.rows[i], true
}

func (m model) tableRows() []table.Row {
	def := m.def()
	var labels func(resources.Reference, string) string
	if m.refs != nil {
		labels = m.refs.Label
	}
	rows := make([]table.Row, len(m.rows))
	for i, rec := range m.rows {
		rows[i] = def.Row(rec, labels)
	}
	return rows
}

func (m model) getOneCmd(id string) tea.Cmd {
	data, parent, resource := m.data, m.ctx, m.def().Name
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		rec, err := data.GetOne(ctx, resource, dataprovider.GetOneParams{ID: id})
		return recordMsg{rec: rec, err: err}
	}
}

func (m model) actionCmd(p *pendingAction) tea.Cmd {
	data, parent, resource := m.data, m.ctx, m.def().Name
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, requestTimeout)
		defer cancel()
		rec, err := data.Action(ctx, resource, dataprovider.ActionParams{ID: p.id, Action: p.action.Name})
		return actionDoneMsg{resource: resource, id: p.id, action: p.action.Name, rec: rec, err: err}
	}
}
