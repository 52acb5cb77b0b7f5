package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/proto"
)

// ErrUnauthorized marks a handshake rejected for bad credentials. The worker
// does not retry it; the process should exit and let the operator fix the
// keys.
var ErrUnauthorized = errors.New("worker: control plane rejected credentials")

// agentClient is the control-plane WebSocket connection. Messages on the
// wire are binary protobuf: WorkerMessage out, ServerMessage in.
type agentClient struct {
	url       string
	apiKey    string
	apiSecret string
	conn      *websocket.Conn
	logger    *slog.Logger
}

func newAgentClient(serverURL, apiKey, apiSecret string, logger *slog.Logger) *agentClient {
	return &agentClient{
		url:       serverURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		logger:    logger,
	}
}

// Connect dials the /agent endpoint with a fresh agent-grant token in the
// Authorization header.
func (c *agentClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/agent"

	token, err := c.agentToken()
	if err != nil {
		return err
	}

	c.logger.Debug("connecting to control plane", slog.String("url", u.String()))

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{"Authorization": []string{"Bearer " + token}}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.logger.Info("control plane connected", slog.String("url", c.url))
	return nil
}

func (c *agentClient) agentToken() (string, error) {
	at := auth.NewAccessToken(c.apiKey, c.apiSecret).
		SetVideoGrant(&auth.VideoGrant{Agent: true}).
		SetValidFor(time.Hour)
	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("worker: sign agent token: %w", err)
	}
	return token, nil
}

// ReadServerMessage blocks until the next message arrives or the connection
// fails.
func (c *agentClient) ReadServerMessage() (*livekit.ServerMessage, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected message type %d", msgType)
	}

	var msg livekit.ServerMessage
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode server message: %w", err)
	}
	return &msg, nil
}

func (c *agentClient) WriteWorkerMessage(msg *livekit.WorkerMessage) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode worker message: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *agentClient) Close() error {
	if c.conn == nil {
		return nil
	}

	c.logger.Debug("closing control plane connection")
	err := c.conn.Close()
	c.conn = nil
	return err
}
