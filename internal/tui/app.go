// Package tui provides the interactive watch view for scriptd.
package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/scriptd/internal/models"
	"github.com/fentz26/scriptd/internal/params"
	"github.com/fentz26/scriptd/internal/xjson"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			MarginTop(1)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

const (
	modeList    = "list"
	modeDetail  = "detail"
	modeWorkers = "workers"
)

// DefaultRefreshInterval is how often the view polls the daemon.
const DefaultRefreshInterval = 2 * time.Second

var filters = []models.ExecutionStatus{
	"",
	models.StatusPending,
	models.StatusStarted,
	models.StatusRetrying,
	models.StatusSuccess,
	models.StatusFailure,
}

// App is the watch view model.
type App struct {
	client       *Client
	executions   []ExecutionItem
	selectedIdx  int
	input        textinput.Model
	viewport     viewport.Model
	width        int
	height       int
	mode         string
	detailID     string
	detail       *ExecutionDetail
	message      string
	filterIdx    int
	loading      bool
	daemonOnline bool
	suggestions  *Suggestions
	workersStats *WorkersStats
	interval     time.Duration
}

// New creates a watch view talking to the daemon at apiAddr.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: /run <script> [key=value ...] | /cancel | /filter <status> | /workers"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:      NewClient(apiAddr),
		input:       ti,
		viewport:    viewport.New(80, 20),
		mode:        modeList,
		suggestions: NewSuggestions(),
		interval:    DefaultRefreshInterval,
		loading:     true,
	}
}

// Run starts the watch view.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchExecutions(),
		a.fetchWorkers(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.suggestions.IsVisible() {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, nil
			}
			if a.mode != modeList {
				a.mode = modeList
				a.detail = nil
				a.detailID = ""
				return a, a.fetchExecutions()
			}

		case "up":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Prev()
			case a.mode == modeList && a.selectedIdx > 0:
				a.selectedIdx--
			case a.mode == modeDetail:
				a.viewport.LineUp(1)
			}
			return a, nil

		case "down":
			switch {
			case a.suggestions.IsVisible():
				a.suggestions.Next()
			case a.mode == modeList && a.selectedIdx < len(a.executions)-1:
				a.selectedIdx++
			case a.mode == modeDetail:
				a.viewport.LineDown(1)
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			if a.mode == modeList {
				a.setFilter((a.filterIdx + 1) % len(filters))
				return a, a.fetchExecutions()
			}

		case "enter":
			if a.suggestions.IsVisible() {
				a.acceptSuggestion()
				return a, nil
			}
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, a.executeCommand(line)
			}
			if a.mode == modeList {
				if sel := a.selected(); sel != nil {
					return a, a.openDetail(sel.ID)
				}
			}
			return a, nil

		case "ctrl+r":
			return a, a.refresh()

		case "ctrl+x":
			if id := a.currentID(); id != "" {
				return a, a.cancelExecution(id)
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-10, 5)
		if a.detail != nil {
			a.viewport.SetContent(a.renderDetail())
		}

	case executionsLoadedMsg:
		a.loading = false
		a.daemonOnline = true
		a.executions = msg.executions
		if a.selectedIdx >= len(a.executions) {
			a.selectedIdx = max(0, len(a.executions)-1)
		}

	case detailLoadedMsg:
		if msg.detail.Record != nil && msg.detail.Record.ID == a.detailID {
			a.detail = msg.detail
			a.viewport.SetContent(a.renderDetail())
		}

	case workersFetchedMsg:
		a.workersStats = msg.stats

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		cmds = append(cmds, a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		cmds = append(cmds, a.refresh())

	case errMsg:
		a.loading = false
		a.daemonOnline = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		a.suggestions.SetReferences(a.executions)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) acceptSuggestion() {
	a.input.SetValue(a.suggestions.Accept())
	a.input.CursorEnd()
	a.suggestions.Update("")
}

func (a *App) setFilter(idx int) {
	a.filterIdx = idx
	a.selectedIdx = 0
}

func (a *App) selected() *ExecutionItem {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.executions) {
		return nil
	}
	return &a.executions[a.selectedIdx]
}

func (a *App) currentID() string {
	if a.mode == modeDetail {
		return a.detailID
	}
	if sel := a.selected(); sel != nil {
		return sel.ID
	}
	return ""
}

func (a *App) openDetail(id string) tea.Cmd {
	a.mode = modeDetail
	a.detailID = id
	a.detail = nil
	a.viewport.GotoTop()
	return a.fetchDetail(id)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("scriptd watch") + "  " + daemonStatus
	if a.workersStats != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(
			fmt.Sprintf("[%d/%d busy]", a.workersStats.BusyWorkers, a.workersStats.Workers))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	contentHeight := max(a.height-8, 5)

	switch a.mode {
	case modeList:
		b.WriteString(labelStyle.Render(fmt.Sprintf(" Filter: [%s]", filterLabel(filters[a.filterIdx]))) + "\n")
		b.WriteString(a.renderList(contentHeight - 1))
	case modeDetail:
		if a.detail == nil {
			b.WriteString("\n  Loading...\n")
		} else {
			b.WriteString(a.viewport.View())
		}
	case modeWorkers:
		b.WriteString(a.renderWorkers())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Executions: %d | ↑↓:nav | Enter:detail | Tab:filter | Ctrl+X:cancel | Ctrl+R:refresh | Ctrl+C:quit", len(a.executions))
	case modeDetail:
		status = " ↑↓:scroll | Ctrl+X:cancel | Esc:back | Ctrl+C:quit"
	case modeWorkers:
		status = " Esc:back | Ctrl+R:refresh | Ctrl+C:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(status))

	return b.String()
}

func filterLabel(s models.ExecutionStatus) string {
	if s == "" {
		return "ALL"
	}
	return string(s)
}

func (a *App) renderList(height int) string {
	if a.loading {
		return "\n  Loading executions...\n"
	}
	if len(a.executions) == 0 {
		return "\n  No executions found. Type: /run <script> to queue one.\n"
	}

	lines := make([]string, 0, len(a.executions))
	for i, e := range a.executions {
		row := fmt.Sprintf("%-8s  %-24s  %s", shortID(e.ID), truncate(e.Script, 24), e.CreatedAt.Local().Format("15:04:05"))
		if e.RetryCount > 0 {
			row += fmt.Sprintf("  retry %d", e.RetryCount)
		}
		if e.Status.Terminal() {
			row += fmt.Sprintf("  %.2fs", e.Duration)
		}

		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s  %s", statusIcon(e.Status), row)))
		} else {
			lines = append(lines, itemStyle.Render(fmt.Sprintf("  %s  %s", formatStatus(e.Status), row)))
		}
	}

	if len(lines) > height {
		start := max(a.selectedIdx-height/2, 0)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

func (a *App) renderDetail() string {
	d := a.detail
	if d == nil || d.Record == nil {
		return ""
	}
	r := d.Record
	var b strings.Builder

	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(r.Script.Name)))
	b.WriteString(field("Execution", r.ID))
	b.WriteString(field("Handle", r.TaskHandle))
	b.WriteString(field("Status", formatStatus(r.Status)))
	b.WriteString(field("Path", r.Script.Path))
	if r.CallerID != "" {
		b.WriteString(field("Caller", r.CallerID))
	}
	if r.ContextTag != "" {
		b.WriteString(field("Context", r.ContextTag))
	}
	b.WriteString(field("Retries", fmt.Sprintf("%d", r.RetryCount)))
	b.WriteString(field("Created", r.CreatedAt.Local().Format(time.DateTime)))
	if r.StartedAt != nil {
		b.WriteString(field("Started", r.StartedAt.Local().Format(time.DateTime)))
	}
	if r.CompletedAt != nil {
		b.WriteString(field("Completed", r.CompletedAt.Local().Format(time.DateTime)))
		b.WriteString(field("Duration", fmt.Sprintf("%.3fs", r.DurationSeconds)))
		b.WriteString(field("Memory", fmt.Sprintf("%+.2f MB", r.MemoryDeltaMB)))
	}

	if len(r.Parameters) > 0 {
		b.WriteString(sectionStyle.Render("  Parameters") + "\n")
		b.WriteString(indentJSON(r.Parameters))
	}

	if v := d.View; v != nil {
		if v.Result != nil {
			b.WriteString(sectionStyle.Render("  Result") + "\n")
			if v.Result.Message != "" {
				b.WriteString("    " + v.Result.Message + "\n")
			}
			if len(v.Result.Data) > 0 {
				b.WriteString(indentJSON(v.Result.Data))
			}
		}
		if v.Error != nil {
			b.WriteString(sectionStyle.Render(fmt.Sprintf("  Error (%s)", v.ErrorKind)) + "\n")
			for _, line := range strings.Split(*v.Error, "\n") {
				b.WriteString("    " + lipgloss.NewStyle().Foreground(errorColor).Render(line) + "\n")
			}
		}
	}

	if len(d.Audit) > 0 {
		b.WriteString(sectionStyle.Render("  Audit") + "\n")
		for _, e := range d.Audit {
			b.WriteString(fmt.Sprintf("    %s  %-10s %-8s %s\n",
				e.Timestamp.Local().Format("15:04:05"), e.Action, e.Outcome, truncate(e.Details, 60)))
		}
	}

	return b.String()
}

func (a *App) renderWorkers() string {
	var b strings.Builder

	b.WriteString("\n  Worker Pool\n")
	b.WriteString("  " + strings.Repeat("─", 50) + "\n\n")

	stats := a.workersStats
	if stats == nil {
		b.WriteString("  Loading...\n")
		return b.String()
	}

	active := lipgloss.NewStyle().Foreground(successColor).Bold(true)
	b.WriteString(fmt.Sprintf("  Busy workers:     %s / %d\n", active.Render(fmt.Sprintf("%d", stats.BusyWorkers)), stats.Workers))
	b.WriteString(fmt.Sprintf("  Runner:           %s\n", stats.Runner))
	b.WriteString(fmt.Sprintf("  Jobs completed:   %d\n", stats.JobsCompleted))
	b.WriteString(fmt.Sprintf("  Workers recycled: %d (every %d jobs)\n", stats.WorkersRecycled, stats.MaxJobsPerWorker))

	if len(stats.Queue) > 0 {
		b.WriteString("\n  Queue:\n")
		statuses := make([]string, 0, len(stats.Queue))
		for s := range stats.Queue {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			b.WriteString(fmt.Sprintf("    %s %d\n", formatStatus(models.ExecutionStatus(s)), stats.Queue[models.ExecutionStatus(s)]))
		}
	}

	if len(stats.Running) == 0 {
		b.WriteString("\n  " + helpStyle.Render("No running executions") + "\n")
	} else {
		b.WriteString("\n  Running:\n")
		for _, id := range stats.Running {
			b.WriteString("    • " + id + "\n")
		}
	}
	return b.String()
}

func field(label, value string) string {
	return fmt.Sprintf("  %s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label+":")), value)
}

func indentJSON(v any) string {
	data, err := xjson.MarshalIndent(v, "    ", "  ")
	if err != nil {
		return "    " + err.Error() + "\n"
	}
	return "    " + string(data) + "\n"
}

func formatStatus(status models.ExecutionStatus) string {
	switch status {
	case models.StatusPending:
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING ")
	case models.StatusStarted:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ STARTED ")
	case models.StatusRetrying:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render("◐ RETRYING")
	case models.StatusSuccess:
		return lipgloss.NewStyle().Foreground(successColor).Render("● SUCCESS ")
	case models.StatusFailure:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILURE ")
	default:
		return string(status)
	}
}

func statusIcon(status models.ExecutionStatus) string {
	switch status {
	case models.StatusPending:
		return "○"
	case models.StatusStarted:
		return "◑"
	case models.StatusRetrying:
		return "◐"
	case models.StatusSuccess:
		return "●"
	case models.StatusFailure:
		return "✗"
	default:
		return "?"
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modeDetail:
		return a.fetchDetail(a.detailID)
	case modeWorkers:
		return a.fetchWorkers()
	default:
		return tea.Batch(a.fetchExecutions(), a.fetchWorkers())
	}
}

func (a *App) fetchExecutions() tea.Cmd {
	status := filters[a.filterIdx]
	return func() tea.Msg {
		items, err := a.client.ListExecutions(status)
		if err != nil {
			return errMsg{err}
		}
		return executionsLoadedMsg{items}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	return func() tea.Msg {
		d, err := a.client.GetExecution(id)
		if err != nil {
			return errMsg{err}
		}
		return detailLoadedMsg{d}
	}
}

func (a *App) fetchWorkers() tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.GetWorkers()
		if err != nil {
			return errMsg{err}
		}
		return workersFetchedMsg{stats}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) cancelExecution(id string) tea.Cmd {
	return func() tea.Msg {
		view, err := a.client.CancelExecution(id)
		if err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		if view.Status.Terminal() {
			return commandResultMsg{fmt.Sprintf("✓ %s is %s", shortID(id), view.Status)}
		}
		return commandResultMsg{fmt.Sprintf("✓ Cancellation requested for %s", shortID(id))}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// executeCommand handles a line typed into the command bar. View changes
// apply immediately; API calls run as commands.
func (a *App) executeCommand(line string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd, args := parts[0], parts[1:]

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit

	case "filter":
		if len(args) != 1 {
			a.message = "Usage: filter <pending|started|retrying|success|failure|all>"
			return nil
		}
		want := models.ExecutionStatus(strings.ToUpper(args[0]))
		if want == "ALL" {
			want = ""
		}
		for i, f := range filters {
			if f == want {
				a.mode = modeList
				a.setFilter(i)
				a.message = ""
				return a.fetchExecutions()
			}
		}
		a.message = fmt.Sprintf("Error: unknown status %q", args[0])
		return nil

	case "workers":
		a.mode = modeWorkers
		return a.fetchWorkers()

	case "open", "show":
		if len(args) != 1 {
			a.message = "Usage: show <execution-id>"
			return nil
		}
		return a.openDetail(a.expandID(args[0]))

	case "cancel":
		id := a.currentID()
		if len(args) > 0 {
			id = a.expandID(args[0])
		}
		if id == "" {
			a.message = "No execution selected"
			return nil
		}
		return a.cancelExecution(id)

	case "run":
		if len(args) < 1 {
			a.message = "Usage: run <script> [key=value ...]"
			return nil
		}
		name := args[0]
		p, err := params.ParseAssignments(args[1:])
		if err != nil {
			a.message = "Error: " + err.Error()
			return nil
		}
		return func() tea.Msg {
			id, err := a.client.SubmitExecution(name, p)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Queued %s as %s", name, shortID(id))}
		}

	default:
		a.message = fmt.Sprintf("Unknown: %s (try: run, cancel, filter, workers)", cmd)
		return nil
	}
}

// expandID resolves a short ID prefix against the loaded list.
func (a *App) expandID(prefix string) string {
	for _, e := range a.executions {
		if strings.HasPrefix(e.ID, prefix) {
			return e.ID
		}
	}
	return prefix
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type executionsLoadedMsg struct {
	executions []ExecutionItem
}

type detailLoadedMsg struct {
	detail *ExecutionDetail
}

type daemonStatusMsg struct {
	online bool
}

type workersFetchedMsg struct {
	stats *WorkersStats
}

type tickMsg time.Time
