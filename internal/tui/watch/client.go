package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/dexter/internal/api"
	"github.com/mattjoyce/dexter/internal/events"
)

// Client reads the dexter admin API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

// NewClient returns a Client for the API at baseURL, e.g.
// http://127.0.0.1:8080. token needs sessions:ro.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/") + "/api/v1",
		token:   token,
		http:    &http.Client{Timeout: 3 * time.Second},
		stream:  &http.Client{},
	}
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthzResponse, error) {
	var out api.HealthzResponse
	err := c.getJSON(ctx, "/healthz", &out)
	return out, err
}

// Sessions fetches the session list with pool stats.
func (c *Client) Sessions(ctx context.Context) (api.SessionListResponse, error) {
	var out api.SessionListResponse
	err := c.getJSON(ctx, "/sessions", &out)
	return out, err
}

// Stream delivers events into ch until the connection drops or ctx ends. A
// positive lastID is sent as Last-Event-ID so the server skips events the
// caller already has. It returns the last ID seen.
func (c *Client) Stream(ctx context.Context, lastID int64, ch chan<- events.Event) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return lastID, err
	}
	c.authorize(req)
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return lastID, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return lastID, fmt.Errorf("GET /events: %s", resp.Status)
	}
	return readSSE(resp.Body, lastID, ch)
}

// readSSE parses a text/event-stream body. Comment lines are ignored.
func readSSE(r io.Reader, lastID int64, ch chan<- events.Event) (int64, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur events.Event
	var data []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if len(data) > 0 {
				cur.Data = []byte(strings.Join(data, "\n"))
				cur.At = time.Now()
				ch <- cur
				if cur.ID > 0 {
					lastID = cur.ID
				}
			}
			cur, data = events.Event{}, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			if id, err := strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event:"):
			cur.Type = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line[5:], " "))
		}
	}
	return lastID, scanner.Err()
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("GET %s: %s: %s", path, resp.Status, apiErr.Error)
		}
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type sessionsMsg api.SessionListResponse

type tickMsg time.Time

// pollErrMsg reports a failed /healthz or /sessions fetch.
type pollErrMsg struct {
	sessions bool
	err      error
}

type sseDisconnectedMsg struct {
	lastID int64
	err    error
}

type reconnectMsg struct{}

// --- Commands ---

func subscribe(c *Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		last, err := c.Stream(context.Background(), lastID, ch)
		return sseDisconnectedMsg{lastID: last, err: err}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchHealth(c *Client) tea.Cmd {
	return func() tea.Msg {
		h, err := c.Health(context.Background())
		if err != nil {
			return pollErrMsg{err: fmt.Errorf("health: %w", err)}
		}
		return healthMsg(h)
	}
}

func fetchSessions(c *Client) tea.Cmd {
	return func() tea.Msg {
		s, err := c.Sessions(context.Background())
		if err != nil {
			return pollErrMsg{sessions: true, err: fmt.Errorf("sessions: %w", err)}
		}
		return sessionsMsg(s)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
