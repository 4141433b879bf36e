// Package wsclient is the reference transport implementing
// mastersync.Client over a persistent WebSocket connection to the master,
// using labwire's envelope protocol. Requests are correlated to responses
// by envelope ID via an in-memory pending-request tracker, the same shape
// as a command/result correlation table, with a TTL-based reaper so a
// lab never blocks forever on a master that stops responding.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marcus-qen/devicelab/internal/labmodel"
	"github.com/marcus-qen/devicelab/internal/labwire"
	"go.uber.org/zap"
)

const (
	requestTTL     = 10 * time.Second
	writeTimeout   = 5 * time.Second
	reaperInterval = 2 * time.Second
)

type pendingRequest struct {
	submitted time.Time
	reply     chan labwire.Envelope
}

// Client is a mastersync.Client backed by a websocket connection. It owns
// a background reconnect/read loop started by Run; calls made before Run
// establishes a connection, or while reconnecting, fail fast rather than
// blocking device-event handling, per §4.C.
type Client struct {
	serverURL string
	labID     string
	logger    *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]*pendingRequest
}

// New returns a Client that will dial serverURL once Run is started.
func New(serverURL, labID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		serverURL: serverURL,
		labID:     labID,
		logger:    logger.Named("mastersync.wsclient"),
		pending:   make(map[string]*pendingRequest),
	}
}

// Run dials the master and services the connection until ctx is
// cancelled, reconnecting with a fixed backoff on failure.
func (c *Client) Run(ctx context.Context) error {
	go c.reaper(ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.connectAndServe(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("connection lost, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var env labwire.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("invalid envelope from master", zap.Error(err))
			continue
		}
		c.deliver(env)
	}
}

func (c *Client) deliver(env labwire.Envelope) {
	c.mu.Lock()
	pr, ok := c.pending[env.ID]
	if ok {
		delete(c.pending, env.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pr.reply <- env
}

func (c *Client) reaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.expire()
		}
	}
}

func (c *Client) expire() {
	cutoff := time.Now().Add(-requestTTL)
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, pr := range c.pending {
		if pr.submitted.Before(cutoff) {
			delete(c.pending, id)
			close(pr.reply)
		}
	}
}

// request sends an envelope and waits for the correlated reply, or returns
// an error if the connection is down, the request times out, or the
// master replies with an MsgError envelope.
func (c *Client) request(msgType labwire.MessageType, payload any) (labwire.Envelope, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return labwire.Envelope{}, fmt.Errorf("not connected to master")
	}

	env := labwire.Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return labwire.Envelope{}, fmt.Errorf("marshal: %w", err)
	}

	pr := &pendingRequest{submitted: time.Now(), reply: make(chan labwire.Envelope, 1)}
	c.mu.Lock()
	c.pending[env.ID] = pr
	c.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return labwire.Envelope{}, fmt.Errorf("write: %w", err)
	}

	reply, ok := <-pr.reply
	if !ok {
		return labwire.Envelope{}, fmt.Errorf("timed out waiting for master response")
	}
	if reply.Type == labwire.MsgError {
		var errPayload labwire.ErrorPayload
		remarshal(reply.Payload, &errPayload)
		return labwire.Envelope{}, fmt.Errorf("master error: %s", errPayload.Message)
	}
	return reply, nil
}

func remarshal(src any, dst any) {
	data, err := json.Marshal(src)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, dst)
}

func toSnapshots(devices []labmodel.DeviceAndStatusInfo) []labwire.DeviceSnapshot {
	out := make([]labwire.DeviceSnapshot, len(devices))
	for i, d := range devices {
		out[i] = labwire.DeviceSnapshot{
			UUID:            d.UUID,
			ControlID:       d.ControlID,
			Type:            d.Type,
			Status:          string(d.Status.Status),
			ExceptionDetail: d.ExceptionDetail,
		}
	}
	return out
}

// SignUpLab implements mastersync.Client.
func (c *Client) SignUpLab(devices []labmodel.DeviceAndStatusInfo) ([]string, error) {
	reply, err := c.request(labwire.MsgSignUpLab, labwire.SignUpLabPayload{
		LabID:   c.labID,
		Devices: toSnapshots(devices),
	})
	if err != nil {
		return nil, err
	}
	var result labwire.SignUpLabResultPayload
	remarshal(reply.Payload, &result)
	return result.DuplicatedUUIDs, nil
}

// HeartbeatLab implements mastersync.Client.
func (c *Client) HeartbeatLab(devices []labmodel.DeviceAndStatusInfo) (bool, []string, error) {
	reply, err := c.request(labwire.MsgHeartbeatLab, labwire.HeartbeatLabPayload{
		LabID:   c.labID,
		Devices: toSnapshots(devices),
	})
	if err != nil {
		return false, nil, err
	}
	var result labwire.HeartbeatLabResultPayload
	remarshal(reply.Payload, &result)
	return result.SignUpAll, result.OutdatedUUIDs, nil
}

// SignOutDevice implements mastersync.Client.
func (c *Client) SignOutDevice(uuid string) error {
	_, err := c.request(labwire.MsgSignOutDevice, labwire.SignOutDevicePayload{
		LabID: c.labID,
		UUID:  uuid,
	})
	return err
}
