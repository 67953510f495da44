package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/live-match/internal/messaging"
)

// Client is one simulated live user: a push connection plus API calls made
// on the user's behalf.
type Client struct {
	UserID  string
	apiURL  string
	pushURL string
	http    *http.Client

	conn      net.Conn
	reader    io.Reader
	events    chan messaging.Event
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(userID, apiURL, pushURL string) *Client {
	return &Client{
		UserID:  userID,
		apiURL:  strings.TrimSuffix(apiURL, "/"),
		pushURL: strings.TrimSuffix(pushURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		events:  make(chan messaging.Event, 32),
		done:    make(chan struct{}),
	}
}

// Connect opens the push connection and starts reading events.
func (c *Client) Connect(ctx context.Context) error {
	u := c.pushURL + "/live/ws?user_id=" + url.QueryEscape(c.UserID)
	conn, br, _, err := ws.Dial(ctx, u)
	if err != nil {
		return fmt.Errorf("dial push: %w", err)
	}
	c.conn = conn
	c.reader = conn
	if br != nil {
		c.reader = io.MultiReader(br, conn)
	}
	go c.readLoop()
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, c.conn}
	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			return
		}
		var ev messaging.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// WaitFor returns the next event of one of the given types, discarding
// others, or an error when timeout passes first.
func (c *Client) WaitFor(timeout time.Duration, types ...string) (messaging.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return messaging.Event{}, fmt.Errorf("push connection closed")
			}
			for _, t := range types {
				if ev.Type == t {
					return ev, nil
				}
			}
		case <-timer.C:
			return messaging.Event{}, fmt.Errorf("timed out waiting for %v", types)
		}
	}
}

// Close ends the push connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", c.UserID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, env.Error.Code)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// StartSession starts a live session at lat/lng and returns its id.
func (c *Client) StartSession(ctx context.Context, minutes int, lat, lng float64) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.call(ctx, http.MethodPost, "/live/sessions", map[string]any{
		"duration_minutes": minutes,
		"lat":              lat,
		"lng":              lng,
	}, &out)
	return out.SessionID, err
}

func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.call(ctx, http.MethodPost, "/live/sessions/"+sessionID+"/end", nil, nil)
}

func (c *Client) Decline(ctx context.Context, matchID string) error {
	return c.call(ctx, http.MethodPost, "/live/matches/"+matchID+"/decline", nil, nil)
}

func (c *Client) Save(ctx context.Context, matchID string) error {
	return c.call(ctx, http.MethodPost, "/live/matches/"+matchID+"/save", nil, nil)
}

func (c *Client) SendMessage(ctx context.Context, matchID, body string) error {
	return c.call(ctx, http.MethodPost, "/live/matches/"+matchID+"/messages", map[string]string{"body": body}, nil)
}
