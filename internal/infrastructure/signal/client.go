package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"beamdrop/internal/core/domain"
	"beamdrop/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL    string
	PeerID domain.PeerID
	// Token, when set, lets the client take over its id from a stale session.
	Token        string
	WriteTimeout time.Duration
	DialAttempts int
	OpenTimeout  time.Duration
}

// Client is a registered connection to the broker.
type Client struct {
	peerID       domain.PeerID
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex

	token     string
	messages  chan *Message
	done      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

// Dial connects and registers cfg.PeerID. It fails with
// domain.ErrPeerIDTaken when another live peer holds the id.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	target, err := brokerURL(cfg.URL, cfg.PeerID, cfg.Token)
	if err != nil {
		return nil, err
	}

	policy := retry.Default()
	policy.Attempts = cfg.DialAttempts
	policy.Stop = []error{context.Canceled}

	ws, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*websocket.Conn, error) {
		ws, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Permanent(fmt.Errorf("broker rejected registration: %s", resp.Status))
			}
			logger.Debugw("broker dial failed", "url", cfg.URL, "error", err)
			return nil, err
		}
		return ws, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: signaling broker %s: %v", domain.ErrTransportConnect, cfg.URL, err)
	}

	c := &Client{
		peerID:       cfg.PeerID,
		ws:           ws,
		writeTimeout: cfg.WriteTimeout,
		token:        cfg.Token,
		messages:     make(chan *Message, 64),
		done:         make(chan struct{}),
		logger:       logger,
	}

	if err := c.awaitOpen(cfg.OpenTimeout); err != nil {
		ws.Close()
		return nil, err
	}

	go c.readLoop()
	logger.Infow("registered with signaling broker", "peer_id", cfg.PeerID, "url", cfg.URL)
	return c, nil
}

func brokerURL(raw string, peerID domain.PeerID, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid signaling url: %w", err)
	}
	q := u.Query()
	q.Set("peer_id", string(peerID))
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) awaitOpen(timeout time.Duration) error {
	if timeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(timeout))
		defer c.ws.SetReadDeadline(time.Time{})
	}

	var msg Message
	if err := c.ws.ReadJSON(&msg); err != nil {
		return fmt.Errorf("%w: awaiting registration: %v", domain.ErrTransportConnect, err)
	}
	switch msg.Type {
	case TypeOpen:
		if len(msg.Payload) > 0 {
			var open OpenPayload
			if err := json.Unmarshal(msg.Payload, &open); err == nil && open.Token != "" {
				c.token = open.Token
			}
		}
		return nil
	case TypeIDTaken:
		return fmt.Errorf("%w: %s", domain.ErrPeerIDTaken, c.peerID)
	default:
		return fmt.Errorf("%w: unexpected %q before registration: %s", domain.ErrTransportConnect, msg.Type, msg.Error)
	}
}

func (c *Client) readLoop() {
	defer close(c.messages)
	defer c.markDone()

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closed() {
				c.logger.Warnw("signaling connection lost", "error", err)
			}
			return
		}
		if msg.Type == TypeError {
			c.logger.Warnw("signaling broker error", "error", msg.Error)
			continue
		}
		select {
		case c.messages <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) PeerID() domain.PeerID { return c.peerID }

// Token returns the reconnect token issued by the broker, if any.
func (c *Client) Token() string { return c.token }

// Messages delivers messages from the broker. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan *Message { return c.messages }

func (c *Client) Done() <-chan struct{} { return c.done }

// Send writes msg to the broker. It is safe for concurrent use.
func (c *Client) Send(msg *Message) error {
	if c.closed() {
		return domain.ErrTransportClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(msg)
}

// Close leaves the broker and closes the connection.
func (c *Client) Close() error {
	if c.closed() {
		return nil
	}
	_ = c.Send(&Message{Type: TypeLeave})
	c.markDone()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *Client) markDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// FetchToken asks the broker's HTTP API to reserve peerID. apiBase is the
// broker's http(s) origin; a ws(s) url is accepted and converted.
func FetchToken(ctx context.Context, client *http.Client, apiBase string, peerID domain.PeerID) (*TokenResponse, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/api/v1/peers/" + url.PathEscape(string(peerID)) + "/token"
	u.RawQuery = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportConnect, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", domain.ErrPeerIDTaken, peerID)
	default:
		return nil, fmt.Errorf("token request failed: %s", resp.Status)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &token, nil
}
