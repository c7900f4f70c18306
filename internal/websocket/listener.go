package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"capture-sync/internal/domain"
	"capture-sync/internal/service"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrNoToken = errors.New("no access token available")

// TokenSource supplies the bearer token presented on every dial.
type TokenSource interface {
	Token() string
}

// ChangeHandler receives the entity changes pushed by the server.
type ChangeHandler interface {
	ApplyRemoteChange(ctx context.Context, change domain.RemoteChange) error
}

type Options struct {
	URL         string
	DeviceID    string
	Collections []string
	WriteWait   time.Duration
	PongWait    time.Duration
	PingPeriod  time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// Listener keeps a push connection to the sync server open, redialing with
// backoff whenever it drops.
type Listener struct {
	opts    Options
	tokens  TokenSource
	handler ChangeHandler
	dialer  *websocket.Dialer
	backoff *service.RetryPolicy
	logger  *zap.Logger
}

func NewListener(opts Options, tokens TokenSource, handler ChangeHandler, logger *zap.Logger) *Listener {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = time.Minute
	}

	return &Listener{
		opts:    opts,
		tokens:  tokens,
		handler: handler,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		backoff: service.NewRetryPolicy(opts.MinBackoff, opts.MaxBackoff, 0),
		logger:  logger,
	}
}

// Run dials, serves and redials until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := l.dial(ctx)
		if err == nil {
			attempt = 0
			l.logger.Info("websocket connected", zap.String("url", l.opts.URL))
			err = l.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("websocket disconnected", zap.Error(err))
		} else {
			l.logger.Debug("websocket dial failed", zap.Error(err))
		}

		attempt++
		wait := l.backoff.Delay(attempt)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	token := l.tokens.Token()
	if token == "" {
		return nil, ErrNoToken
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := l.dialer.DialContext(ctx, l.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &domain.AuthError{Err: fmt.Errorf("websocket handshake rejected with status %d", resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	return conn, nil
}

func (l *Listener) serve(ctx context.Context, conn *websocket.Conn) error {
	client := NewClient(conn, l)

	sub, err := NewMessage(TypeSubscribe, SubscribePayload{
		DeviceID:    l.opts.DeviceID,
		Collections: l.opts.Collections,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to build subscribe message: %w", err)
	}
	client.enqueue(sub)

	readDone := make(chan error, 1)
	go func() { readDone <- client.ReadPump(ctx) }()
	return client.WritePump(ctx, readDone)
}

func (l *Listener) handle(ctx context.Context, client *Client, msg *Message) {
	switch msg.Type {
	case TypePing:
		if pong, err := NewMessage(TypePong, nil); err == nil {
			client.enqueue(pong)
		}
		return
	case TypePong:
		return
	}

	change, ok, err := msg.Change(l.opts.DeviceID)
	if err != nil {
		l.logger.Warn("dropping websocket message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	if !ok {
		l.logger.Debug("ignoring websocket message", zap.String("type", string(msg.Type)))
		return
	}

	if err := l.handler.ApplyRemoteChange(ctx, change); err != nil {
		l.logger.Error("failed to apply pushed change",
			zap.String("entity_id", change.EntityID),
			zap.Error(err),
		)
	}
}
