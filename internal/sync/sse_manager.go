// Soundshelf - Offline-First Audiobook Client Sync Engine
// Copyright 2026 Soundshelf Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/soundshelf/soundshelf

package sync

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	stdsync "sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/soundshelf/soundshelf/internal/api"
	"github.com/soundshelf/soundshelf/internal/logging"
	"github.com/soundshelf/soundshelf/internal/metrics"
)

// ConnState is the SSE connection state.
type ConnState int32

const (
	ConnDisconnected ConnState = iota
	ConnConnecting
	ConnConnected
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SSEHooks are the callbacks an SSEManager fans events out to. All hooks are
// optional and are invoked from the manager's read goroutine.
type SSEHooks struct {
	// OnEvent receives every decoded event.
	OnEvent func(evt Event)

	// OnConnected fires after each successful stream handshake. reconnected
	// is true for every connection after the first, which is the signal to
	// run a delta sync covering the gap.
	OnConnected func(reconnected bool)

	// OnDisconnected fires when an established stream drops.
	OnDisconnected func()

	// OnAuthFailure fires when the server rejects the stream credentials.
	// Reconnecting cannot help, so the manager stops afterwards.
	OnAuthFailure func(err error)
}

// SSEManager owns the server-sent-events connection: it dials the stream,
// parses the text protocol, and reconnects with doubling backoff whenever
// the stream drops. Only an authentication failure stops it.
type SSEManager struct {
	client         APIClient
	initialBackoff time.Duration
	maxBackoff     time.Duration
	hooks          SSEHooks

	mu               stdsync.Mutex
	state            ConnState
	hasBeenConnected bool
	cancel           context.CancelFunc
	done             chan struct{}
}

// NewSSEManager creates an SSE connection manager. It does not connect until
// Connect is called.
func NewSSEManager(client APIClient, initialBackoff, maxBackoff time.Duration, hooks SSEHooks) *SSEManager {
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	if maxBackoff < initialBackoff {
		maxBackoff = 30 * time.Second
	}
	return &SSEManager{
		client:         client,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		hooks:          hooks,
	}
}

// State returns the current connection state.
func (m *SSEManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection loop. Calling Connect while a loop is
// already running is a no-op.
func (m *SSEManager) Connect(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx, m.done)
}

// Disconnect stops the connection loop and waits for it to exit. Calling
// Disconnect while not connected is a no-op.
func (m *SSEManager) Disconnect() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *SSEManager) setState(state ConnState) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	metrics.SSEConnectionState.Set(float64(state))
}

// run is the connection loop: dial, stream, back off, repeat.
func (m *SSEManager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer m.setState(ConnDisconnected)

	backoff := m.initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(ConnConnecting)

		body, err := m.client.OpenEventStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if api.IsAuthError(err) {
				logging.Error().Err(err).Msg("event stream rejected credentials, stopping")
				m.setState(ConnDisconnected)
				if m.hooks.OnAuthFailure != nil {
					m.hooks.OnAuthFailure(err)
				}
				return
			}
			logging.Warn().Err(err).Dur("retry_in", backoff).Msg("event stream connect failed")
			metrics.SSEReconnects.Inc()
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.maxBackoff)
			continue
		}

		m.mu.Lock()
		reconnected := m.hasBeenConnected
		m.hasBeenConnected = true
		m.mu.Unlock()
		m.setState(ConnConnected)
		backoff = m.initialBackoff
		logging.Info().Bool("reconnected", reconnected).Msg("event stream connected")
		if m.hooks.OnConnected != nil {
			m.hooks.OnConnected(reconnected)
		}

		err = m.readStream(body)
		_ = body.Close()
		m.setState(ConnDisconnected)
		if m.hooks.OnDisconnected != nil {
			m.hooks.OnDisconnected()
		}
		if ctx.Err() != nil {
			return
		}

		logging.Warn().Err(err).Dur("retry_in", backoff).Msg("event stream dropped")
		metrics.SSEReconnects.Inc()
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, m.maxBackoff)
	}
}

// readStream parses the text/event-stream protocol: "field: value" lines
// accumulate into a frame, a blank line dispatches it, and ":" lines are
// comments (the server uses them as keepalives). Returns when the stream
// ends.
func (m *SSEManager) readStream(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventName := ""
	var dataLines []string

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			m.dispatch(eventName, dataLines)
			eventName = ""
			dataLines = nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventName = value
		case "data":
			dataLines = append(dataLines, value)
		case "id", "retry":
			// Not used: sync state is checkpointed locally, and reconnect
			// pacing is our own.
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("event stream closed by server")
}

// dispatch decodes one complete frame and hands it to OnEvent.
func (m *SSEManager) dispatch(eventName string, dataLines []string) {
	if len(dataLines) == 0 {
		return
	}
	data := strings.Join(dataLines, "\n")

	var evt Event
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		logging.Warn().Err(err).Str("event", eventName).Msg("dropping undecodable event frame")
		metrics.SSEEventsDropped.WithLabelValues("decode_error").Inc()
		return
	}
	if evt.Type == "" {
		evt.Type = eventName
	}
	if evt.Type == "" {
		metrics.SSEEventsDropped.WithLabelValues("decode_error").Inc()
		return
	}
	if m.hooks.OnEvent != nil {
		m.hooks.OnEvent(evt)
	}
}

func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := current * 2
	if next > ceiling {
		return ceiling
	}
	return next
}

// sleepCtx sleeps for d or until ctx is done. Returns false when canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
