package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// State represents the watcher's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WatcherConfig holds event watcher configuration.
type WatcherConfig struct {
	// URL of a hub's WebSocket endpoint.
	URL string

	// Events restricts the subscription; empty means everything.
	// Heartbeats are dropped unless listed here.
	Events []EventType

	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int // 0 = unlimited

	// ReadTimeout bounds the silence between messages. The hub sends a
	// heartbeat every 30s.
	ReadTimeout time.Duration
}

// DefaultWatcherConfig returns a config with sensible defaults.
func DefaultWatcherConfig(target string) WatcherConfig {
	return WatcherConfig{
		URL:               target,
		ReconnectMinDelay: time.Second,
		ReconnectMaxDelay: 30 * time.Second,
		ReadTimeout:       90 * time.Second,
	}
}

// Watcher subscribes to a hub and reconnects with exponential backoff.
type Watcher struct {
	config        WatcherConfig
	dialer        websocket.Dialer
	state         int32 // atomic State
	onStateChange func(old, new State)
}

// NewWatcher creates a watcher.
func NewWatcher(config WatcherConfig) *Watcher {
	return &Watcher{config: config}
}

// OnStateChange registers a callback for connection state transitions.
// Set it before calling Watch.
func (w *Watcher) OnStateChange(fn func(old, new State)) {
	w.onStateChange = fn
}

// State returns the current connection state.
func (w *Watcher) State() State {
	return State(atomic.LoadInt32(&w.state))
}

func (w *Watcher) setState(s State) {
	old := State(atomic.SwapInt32(&w.state, int32(s)))
	if old != s && w.onStateChange != nil {
		w.onStateChange(old, s)
	}
}

// handlerError carries an error returned by the event callback.
type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }

// Watch delivers events to fn until ctx is done, fn returns an error, or
// reconnect attempts are exhausted. Connection failures are retried; an
// error from fn is returned as is.
func (w *Watcher) Watch(ctx context.Context, fn func(Event) error) error {
	target, err := w.subscribeURL()
	if err != nil {
		return err
	}

	attempts := 0
	w.setState(StateConnecting)
	for {
		conn, _, err := w.dialer.DialContext(ctx, target, nil)
		if err == nil {
			attempts = 0
			w.setState(StateConnected)
			log.Debug().Str("url", target).Msg("watching events")
			err = w.read(ctx, conn, fn)
			conn.Close()

			var herr *handlerError
			if errors.As(err, &herr) {
				w.setState(StateClosed)
				return herr.err
			}
		}

		if ctx.Err() != nil {
			w.setState(StateClosed)
			return ctx.Err()
		}

		attempts++
		if limit := w.config.ReconnectMaxAttempts; limit > 0 && attempts > limit {
			w.setState(StateDisconnected)
			return fmt.Errorf("max reconnect attempts (%d) exceeded: %w", limit, err)
		}

		delay := w.backoff(attempts)
		w.setState(StateReconnecting)
		log.Warn().Err(err).Int("attempt", attempts).Dur("delay", delay).Msg("event stream lost, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.setState(StateClosed)
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Watcher) read(ctx context.Context, conn *websocket.Conn, fn func(Event) error) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	wantHeartbeat := false
	for _, e := range w.config.Events {
		if e == EventTypeHeartbeat {
			wantHeartbeat = true
		}
	}

	for {
		if w.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(w.config.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			log.Debug().Err(err).Msg("skipping malformed event")
			continue
		}
		if event.Type == EventTypeHeartbeat && !wantHeartbeat {
			continue
		}
		if err := fn(event); err != nil {
			return &handlerError{err: err}
		}
	}
}

// backoff doubles the minimum delay per attempt up to the maximum.
func (w *Watcher) backoff(attempt int) time.Duration {
	delay := w.config.ReconnectMinDelay
	for i := 1; i < attempt && delay < w.config.ReconnectMaxDelay; i++ {
		delay *= 2
	}
	if w.config.ReconnectMaxDelay > 0 && delay > w.config.ReconnectMaxDelay {
		delay = w.config.ReconnectMaxDelay
	}
	return delay
}

func (w *Watcher) subscribeURL() (string, error) {
	u, err := url.Parse(w.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid watch url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid watch url %q: unsupported scheme", w.config.URL)
	}
	if len(w.config.Events) > 0 {
		q := u.Query()
		for _, e := range w.config.Events {
			q.Add("events", string(e))
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
