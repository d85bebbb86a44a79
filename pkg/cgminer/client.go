// Package cgminer provides a client for the cgminer-style JSON control API
// spoken on TCP port 4028 by cgminer, bmminer and bosminer.
package cgminer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/powerhive/minerfleet/pkg/miner"
)

// DefaultPort is the control API port.
const DefaultPort = 4028

// request is the JSON request body.
type request struct {
	Command   string `json:"command"`
	Parameter string `json:"parameter,omitempty"`
}

// Status is one entry of a response STATUS section.
type Status struct {
	Status      string `json:"STATUS"`
	When        int64  `json:"When"`
	Code        int    `json:"Code"`
	Msg         string `json:"Msg"`
	Description string `json:"Description"`
}

// Client talks to one device's control API.
// Each call opens its own connection, so a Client is safe for concurrent use.
type Client struct {
	addr    netip.Addr
	port    int
	timeout time.Duration
	dialer  *net.Dialer
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithPort sets the API port.
func WithPort(port int) ClientOption {
	return func(c *Client) {
		c.port = port
	}
}

// WithTimeout sets the per-request timeout used when the context has no deadline.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// NewClient creates a client for the device at addr.
func NewClient(addr netip.Addr, opts ...ClientOption) *Client {
	c := &Client{
		addr:    addr,
		port:    DefaultPort,
		timeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.dialer = &net.Dialer{Timeout: c.timeout}
	return c
}

// Addr returns the device address.
func (c *Client) Addr() netip.Addr {
	return c.addr
}

// Command sends one command and returns its response object after checking
// the STATUS section.
func (c *Client) Command(ctx context.Context, command, parameter string) (json.RawMessage, error) {
	body, err := c.send(ctx, request{Command: command, Parameter: parameter})
	if err != nil {
		return nil, err
	}

	if err := checkStatus(command, body); err != nil {
		return nil, err
	}

	return body, nil
}

// Multicommand sends the commands joined with "+" as a single request and
// splits the reply by command name.
func (c *Client) Multicommand(ctx context.Context, commands ...string) (miner.Responses, error) {
	if len(commands) == 0 {
		return miner.Responses{}, nil
	}

	body, err := c.send(ctx, request{Command: strings.Join(commands, "+")})
	if err != nil {
		return nil, err
	}

	var grouped map[string]json.RawMessage
	if err := json.Unmarshal(body, &grouped); err != nil {
		return nil, fmt.Errorf("%w: multicommand reply: %v", miner.ErrProtocol, err)
	}

	// A device that rejects the whole batch answers with one top-level STATUS.
	if _, ok := grouped["STATUS"]; ok {
		if err := checkStatus(strings.Join(commands, "+"), body); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: reply is not keyed by command", miner.ErrProtocol, strings.Join(commands, "+"))
	}

	result := make(miner.Responses, len(commands))
	for _, cmd := range commands {
		section, ok := grouped[cmd]
		if !ok {
			continue
		}
		var entries []json.RawMessage
		if err := json.Unmarshal(section, &entries); err != nil {
			return nil, fmt.Errorf("%w: %s reply: %v", miner.ErrProtocol, cmd, err)
		}
		if len(entries) == 0 {
			continue
		}
		if err := checkStatus(cmd, entries[0]); err != nil {
			return nil, err
		}
		result[cmd] = entries[0]
	}

	return result, nil
}

// Commands sends each command in turn and returns the same shape as
// Multicommand. Used for devices that do not accept joined commands.
func (c *Client) Commands(ctx context.Context, commands ...string) (miner.Responses, error) {
	result := make(miner.Responses, len(commands))
	for _, cmd := range commands {
		body, err := c.Command(ctx, cmd, "")
		if err != nil {
			return nil, err
		}
		result[cmd] = body
	}
	return result, nil
}

// send performs one request/response exchange.
func (c *Client) send(ctx context.Context, req request) ([]byte, error) {
	address := net.JoinHostPort(c.addr.String(), strconv.Itoa(c.port))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", miner.ErrUnreachable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// Unblock reads on cancellation, not only on deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", miner.ErrUnreachable, req.Command, contextErr(ctx, err))
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", miner.ErrUnreachable, req.Command, contextErr(ctx, err))
	}

	body := sanitize(raw)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty reply to %s", miner.ErrProtocol, req.Command)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: invalid JSON reply to %s", miner.ErrProtocol, req.Command)
	}

	return body, nil
}

// sanitize strips the NUL terminator and repairs the missing comma that some
// bmminer builds emit between adjacent objects.
func sanitize(raw []byte) []byte {
	body := bytes.TrimRight(raw, "\x00 \r\n\t")
	body = bytes.TrimLeft(body, " \r\n\t")
	if !json.Valid(body) {
		body = bytes.ReplaceAll(body, []byte("}{"), []byte("},{"))
	}
	return body
}

// contextErr prefers the context error over the net error it caused.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// checkStatus inspects the STATUS section of a single-command response.
func checkStatus(command string, body []byte) error {
	var envelope struct {
		Status []Status `json:"STATUS"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%w: %s reply: %v", miner.ErrProtocol, command, err)
	}
	if len(envelope.Status) == 0 {
		return nil
	}

	st := envelope.Status[0]
	switch st.Status {
	case "E", "F":
		return &StatusError{Command: command, Code: st.Code, Message: st.Msg}
	}
	return nil
}
