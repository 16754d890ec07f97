package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/treykane/fwdctl/internal/forward"
	"github.com/treykane/fwdctl/internal/model"
)

// ErrNotRunning is returned by Dial when nothing listens on the socket.
var ErrNotRunning = errors.New("no serve process is listening")

// Client talks to a serve process. It has the same List and Dispatch
// signatures as forward.Coordinator.
type Client struct {
	hc *http.Client
}

// Dial connects to the socket at path, returning ErrNotRunning when there is
// no live server behind it.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	c, err := d.DialContext(dctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	_ = c.Close()

	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{hc: &http.Client{Transport: tr, Timeout: 30 * time.Second}}, nil
}

// The host part is ignored; every request goes to the socket.
const baseURL = "http://fwdctl"

func (c *Client) List(ctx context.Context, hostID int64) ([]model.Rule, error) {
	u := baseURL + rulesPath + "?" + url.Values{"host": {strconv.FormatInt(hostID, 10)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var rules []model.Rule
	if err := c.do(req, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (c *Client) Dispatch(ctx context.Context, in forward.Intent) (forward.Outcome, error) {
	body, err := encodeIntent(in)
	if err != nil {
		return forward.Outcome{}, err
	}
	b, err := json.Marshal(body)
	if err != nil {
		return forward.Outcome{}, fmt.Errorf("encode intent: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+intentsPath, bytes.NewReader(b))
	if err != nil {
		return forward.Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	var reply outcomeReply
	if err := c.do(req, &reply); err != nil {
		return forward.Outcome{}, err
	}
	return reply.outcome(), nil
}

// Close drops idle connections to the socket.
func (c *Client) Close() { c.hc.CloseIdleConnections() }

func (c *Client) do(req *http.Request, v any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("control request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var reply errorReply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil || reply.Error == nil {
			return fmt.Errorf("control request: %s", resp.Status)
		}
		var cause error
		if reply.Code == codeNotFound {
			cause = forward.ErrRuleNotFound
		}
		return reply.Error.unwrap(cause)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode control reply: %w", err)
	}
	return nil
}
