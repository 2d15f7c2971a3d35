package statusapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/germanamz/rvm/pkg/backend"
	"github.com/germanamz/rvm/pkg/jsonapi"
	"github.com/germanamz/rvm/pkg/kiosk"
)

// RemoteError is an error response of the status API.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("statusapi: %d: %s", e.Code, e.Message)
}

// Client talks to a running status API.
type Client struct {
	api    *jsonapi.Client
	stream *http.Client
}

// NewClient creates a Client for the API at baseURL. timeout bounds every
// call except [Client.Stream].
func NewClient(baseURL string, timeout time.Duration, httpClient *http.Client) *Client {
	stream := httpClient
	if stream == nil {
		stream = &http.Client{}
	}

	return &Client{api: jsonapi.New(baseURL, timeout, httpClient), stream: stream}
}

// Status returns the kiosk snapshot.
func (c *Client) Status(ctx context.Context) (kiosk.Snapshot, error) {
	var snap kiosk.Snapshot
	err := c.api.GetJSON(ctx, "/status", &snap)
	return snap, remote(err)
}

// Items returns the items of the current session.
func (c *Client) Items(ctx context.Context) ([]kiosk.Item, error) {
	var res itemsResponse
	err := c.api.GetJSON(ctx, "/session/items", &res)
	return res.Items, remote(err)
}

// StartMember validates code and starts a member session.
func (c *Client) StartMember(ctx context.Context, code string) (backend.User, error) {
	var res memberResponse
	err := c.api.PostJSON(ctx, "/session/member", memberRequest{SessionCode: code}, &res)
	return res.User, remote(err)
}

// StartGuest starts a guest session and returns its code.
func (c *Client) StartGuest(ctx context.Context) (string, error) {
	var res guestResponse
	err := c.api.PostJSON(ctx, "/session/guest", nil, &res)
	return res.SessionCode, remote(err)
}

// EndSession ends the current session.
func (c *Client) EndSession(ctx context.Context) (kiosk.EndResult, error) {
	var res kiosk.EndResult
	err := c.api.PostJSON(ctx, "/session/end", nil, &res)
	return res, remote(err)
}

// EmergencyStop halts the kiosk.
func (c *Client) EmergencyStop(ctx context.Context) error {
	return remote(c.api.PostJSON(ctx, "/emergency-stop", nil, nil))
}

// Stream reads the event stream and calls fn for every event until ctx is
// done or the stream ends.
func (c *Client) Stream(ctx context.Context, fn func(event string, data []byte)) error {
	req, err := c.api.NewRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &RemoteError{Code: resp.StatusCode, Message: resp.Status}
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fn(event, []byte(strings.TrimPrefix(line, "data: ")))
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

// remote turns a status error carrying an API error body into a
// [*RemoteError].
func remote(err error) error {
	var se *jsonapi.StatusError
	if !errors.As(err, &se) {
		return err
	}

	var body errorResponse
	if json.Unmarshal([]byte(se.Body), &body) != nil || body.Error == "" {
		return err
	}

	return &RemoteError{Code: se.Code, Message: body.Error}
}
