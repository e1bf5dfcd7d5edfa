package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulsefit/internal/subscription"
)

const (
	wsHandshakeWait  = 15 * time.Second
	wsMaxMessageSize = 64 * 1024
)

// Watch message types.
const (
	messageRecord = "record"
	messageError  = "error"
)

type watchMessage struct {
	Type    string               `json:"type"`
	Record  *subscription.Record `json:"record,omitempty"`
	Message string               `json:"message,omitempty"`
}

type watchTuning struct {
	baseReconnectDelay time.Duration
	maxReconnectDelay  time.Duration
	reconnectJitter    float64
	pingInterval       time.Duration
	pongWait           time.Duration
	writeWait          time.Duration
}

func defaultWatchTuning() watchTuning {
	return watchTuning{
		baseReconnectDelay: 2 * time.Second,
		maxReconnectDelay:  2 * time.Minute,
		reconnectJitter:    0.1,
		pingInterval:       25 * time.Second,
		pongWait:           70 * time.Second,
		writeWait:          10 * time.Second,
	}
}

func (t watchTuning) backoffDelay(failures int) time.Duration {
	delay := t.maxReconnectDelay
	if d := float64(t.baseReconnectDelay) * math.Pow(2, float64(failures-1)); d < float64(t.maxReconnectDelay) {
		delay = time.Duration(d)
	}
	jitter := time.Duration(float64(delay) * t.reconnectJitter * (rand.Float64()*2 - 1))
	return delay + jitter
}

func (c *Client) watchURL(userID string) (string, error) {
	u, err := c.recordURL("recordstore.watch", userID, watchPathSuffix)
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// WatchRecord streams changes to userID's record until the returned func is
// called. It reconnects with backoff and never calls back synchronously.
func (c *Client) WatchRecord(userID string, onChange func(*subscription.Record), onError func(error)) func() {
	if _, err := c.watchURL(userID); err != nil {
		if onError != nil {
			go onError(err)
		}
		return func() {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		c.runWatch(ctx, userID, onChange, onError)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (c *Client) runWatch(ctx context.Context, userID string, onChange func(*subscription.Record), onError func(error)) {
	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		received, err := c.watchOnce(ctx, userID, onChange, onError)
		if ctx.Err() != nil {
			return
		}
		if received {
			failures = 0
		}
		failures++

		delay := c.watchTuning.backoffDelay(failures)
		if onError != nil && err != nil {
			onError(err)
		}
		if failures >= 3 {
			log.Warn().Err(err).
				Str("user_id", userID).
				Int("failures", failures).
				Dur("retry_in", delay).
				Msg("Record watch failed repeatedly")
		} else {
			log.Debug().Err(err).
				Str("user_id", userID).
				Dur("retry_in", delay).
				Msg("Record watch interrupted, reconnecting")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// watchOnce holds one connection open. It reports whether any message
// arrived before the connection ended.
func (c *Client) watchOnce(ctx context.Context, userID string, onChange func(*subscription.Record), onError func(error)) (bool, error) {
	header := http.Header{}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return false, fmt.Errorf("watch token: %w", err)
		}
		tok.SetAuthHeader(&http.Request{Header: header})
	}

	target, err := c.watchURL(userID)
	if err != nil {
		return false, err
	}
	conn, _, err := c.ws.DialContext(ctx, target, header)
	if err != nil {
		return false, fmt.Errorf("dial watch: %w", err)
	}
	defer conn.Close()

	tuning := c.watchTuning
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(tuning.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tuning.pongWait))
	})

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	go keepAlive(connCtx, conn, tuning)

	log.Debug().Str("user_id", userID).Msg("Record watch connected")

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return received, ctx.Err()
			}
			return received, fmt.Errorf("read watch: %w", err)
		}
		received = true
		_ = conn.SetReadDeadline(time.Now().Add(tuning.pongWait))

		var msg watchMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Dropping malformed watch message")
			continue
		}
		switch msg.Type {
		case messageRecord:
			if onChange != nil {
				onChange(msg.Record)
			}
		case messageError:
			if onError != nil {
				onError(errors.New(msg.Message))
			}
		default:
			log.Debug().Str("type", msg.Type).Msg("Ignoring unknown watch message")
		}
	}
}

// keepAlive pings until ctx ends and closes conn when it does, which
// unblocks the reader.
func keepAlive(ctx context.Context, conn *websocket.Conn, tuning watchTuning) {
	ticker := time.NewTicker(tuning.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(tuning.writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tuning.writeWait)); err != nil {
				return
			}
		}
	}
}
