// Command replmon is a terminal dashboard for a running replnode process.
// It polls the admin HTTP API's /status and /links endpoints and renders
// endpoint lifecycle state and per-link replication state live.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FFFF")).
			MarginLeft(2).
			MarginTop(1)

	statusBoxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00FF00")).
			Padding(1, 2).
			MarginLeft(2).
			MarginBottom(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true).
			MarginLeft(2)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1).
			MarginLeft(2)
)

// endpointStatus mirrors adminapi's /status response value.
type endpointStatus struct {
	SelfID       string `json:"SelfID"`
	Activated    bool   `json:"Activated"`
	AcceptorMode string `json:"AcceptorMode"`
	Connections  int    `json:"Connections"`
}

// linkStatus mirrors one entry of adminapi's /links response value.
type linkStatus struct {
	RemoteEndpointID string `json:"RemoteEndpointID"`
	SourceLogID      string `json:"SourceLogID"`
	TargetLogID      string `json:"TargetLogID"`
	State            string `json:"State"`
}

type apiResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Value  json.RawMessage `json:"value"`
}

type keyMap struct {
	Refresh key.Binding
	Quit    key.Binding
}

var keys = keyMap{
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh now")),
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Refresh, k.Quit} }

type tickMsg time.Time

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type pollResultMsg struct {
	status endpointStatus
	links  []linkStatus
	err    error
}

type model struct {
	client     *http.Client
	baseURL    string
	interval   time.Duration
	linkTable  table.Model
	help       help.Model
	status     endpointStatus
	lastErr    error
	lastPolled time.Time
}

func pollCmd(client *http.Client, baseURL string) tea.Cmd {
	return func() tea.Msg {
		status, err := fetchStatus(client, baseURL)
		if err != nil {
			return pollResultMsg{err: err}
		}
		links, err := fetchLinks(client, baseURL)
		if err != nil {
			return pollResultMsg{err: err}
		}
		return pollResultMsg{status: status, links: links}
	}
}

func fetchStatus(client *http.Client, baseURL string) (endpointStatus, error) {
	var status endpointStatus
	body, err := getJSON(client, baseURL+"/status")
	if err != nil {
		return status, err
	}
	err = json.Unmarshal(body.Value, &status)
	return status, err
}

func fetchLinks(client *http.Client, baseURL string) ([]linkStatus, error) {
	var links []linkStatus
	body, err := getJSON(client, baseURL+"/links")
	if err != nil {
		return nil, err
	}
	if len(body.Value) == 0 {
		return nil, nil
	}
	err = json.Unmarshal(body.Value, &links)
	return links, err
}

func getJSON(client *http.Client, url string) (apiResponse, error) {
	var out apiResponse
	resp, err := client.Get(url)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode %s: %w", url, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if out.Error != "" {
			return out, fmt.Errorf("%s: %s", url, out.Error)
		}
		return out, fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	return out, nil
}

func initialModel(baseURL string, interval time.Duration) model {
	columns := []table.Column{
		{Title: "Remote", Width: 20},
		{Title: "Source Log", Width: 24},
		{Title: "Target Log", Width: 24},
		{Title: "State", Width: 12},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#00FFFF")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("#FFFFFF"))
	t.SetStyles(s)

	return model{
		client:    &http.Client{Timeout: 5 * time.Second},
		baseURL:   baseURL,
		interval:  interval,
		linkTable: t,
		help:      help.New(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollCmd(m.client, m.baseURL), tickCmd(m.interval))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Refresh):
			return m, pollCmd(m.client, m.baseURL)
		}

	case tickMsg:
		return m, tea.Batch(pollCmd(m.client, m.baseURL), tickCmd(m.interval))

	case pollResultMsg:
		m.lastPolled = time.Now()
		m.lastErr = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.linkTable.SetRows(linkRows(msg.links))
		}
	}
	return m, nil
}

func linkRows(links []linkStatus) []table.Row {
	rows := make([]table.Row, 0, len(links))
	for _, l := range links {
		rows = append(rows, table.Row{l.RemoteEndpointID, l.SourceLogID, l.TargetLogID, l.State})
	}
	return rows
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("replmon — " + m.baseURL))
	s.WriteString("\n\n")

	if m.lastErr != nil {
		s.WriteString(errorStyle.Render("poll failed: " + m.lastErr.Error()))
		s.WriteString("\n\n")
	}

	statusContent := fmt.Sprintf(
		"self:        %s\nactivated:   %v\nmode:        %s\nconnections: %d\npolled:      %s",
		m.status.SelfID, m.status.Activated, m.status.AcceptorMode, m.status.Connections,
		m.lastPolled.Format(time.TimeOnly),
	)
	s.WriteString(statusBoxStyle.Render(statusContent))
	s.WriteString("\n")
	s.WriteString(m.linkTable.View())
	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.ShortHelpView(keys.ShortHelp())))

	return s.String()
}

func main() {
	baseURL := os.Getenv("REPLICORE_ADMIN_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	interval := 2 * time.Second

	p := tea.NewProgram(initialModel(baseURL, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "replmon: %v\n", err)
		os.Exit(1)
	}
}
