// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package server implements the local HTTP server hosts load their test
// payload from and report progress to.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/host"
	"github.com/nya3jp/harness/internal/logging"
	"github.com/nya3jp/harness/internal/provider"
)

// Paths served by Server.
const (
	EntryPath   = "/run"
	PayloadPath = "/payload"
	TestsPath   = "/tests"
	EventsPath  = "/events"
	StreamPath  = "/events/ws"
)

const maxMessageSize = 1 << 20

// Options configures a Server.
type Options struct {
	// ListenAddr is the TCP address to listen on. Port 0 picks a free port.
	ListenAddr string
	// PayloadDir is served under PayloadPath. If it contains index.html, that
	// file is also served as the test-entry page.
	PayloadDir string
	// Provider lists test units at TestsPath. May be nil.
	Provider provider.Provider
}

// Server serves the test payload and republishes progress callbacks from
// hosts as events on a bus.
type Server struct {
	bus      *events.Bus
	opts     Options
	e        *echo.Echo
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ctx     context.Context // for logging; set by Start
	base    string
	started bool
	stopped bool
	conns   map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

// New creates a Server publishing to bus. Call Start to begin serving.
func New(bus *events.Bus, opts Options) *Server {
	s := &Server{
		bus:  bus,
		opts: opts,
		ctx:  context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Hosts load the entry page from this server, but file:// payloads
			// send no usable origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logging.Debugf(s.logContext(), "%s %s: %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))

	e.GET(EntryPath, s.handleEntry)
	e.GET(TestsPath, s.handleTests)
	e.POST(EventsPath, s.handleEvents)
	e.GET(StreamPath, s.handleStream)
	if opts.PayloadDir != "" {
		e.Static(PayloadPath, opts.PayloadDir)
	}
	s.e = e
	return s
}

// Handler returns the HTTP handler of s. It is mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) logContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Start starts listening and returns the base address, e.g.
// "http://127.0.0.1:41234". ctx carries the logger for request logs.
func (s *Server) Start(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return "", errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return "", errors.Wrapf(err, "failed to listen on %s", s.opts.ListenAddr)
	}
	s.e.Listener = ln
	s.ctx = ctx
	s.base = "http://" + ln.Addr().String()
	s.started = true

	go func() {
		if err := s.e.Start(""); err != nil && err != http.ErrServerClosed {
			logging.Infof(ctx, "Server stopped: %v", err)
		}
	}()
	logging.Infof(ctx, "Serving at %s", s.base)
	return s.base, nil
}

// BaseAddress returns the address returned by Start.
func (s *Server) BaseAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// Stop stops the server and closes streaming connections. It is safe to call
// Stop multiple times, and on a server that was never started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	conns := s.conns
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	err := s.e.Shutdown(ctx)
	// Hijacked websocket connections are not closed by Shutdown.
	for c := range conns {
		c.Close()
	}
	s.wg.Wait()
	if err != nil {
		return errors.Wrap(err, "failed to shut down server")
	}
	return nil
}

// EntryAddress returns an AddressFunc producing the test-entry address of
// each host. The session ID and query are always appended; the host ID is
// appended when multiple hosts share the server.
func (s *Server) EntryAddress(sessionID, query string) host.AddressFunc {
	base := s.BaseAddress()
	return func(hostID string, multi bool) string {
		vs, err := url.ParseQuery(query)
		if err != nil {
			vs = url.Values{}
		}
		vs.Set("sessionId", sessionID)
		if multi {
			vs.Set("hostId", hostID)
		}
		return base + EntryPath + "?" + vs.Encode()
	}
}

// Ingest translates msg into an event and publishes it.
func (s *Server) Ingest(msg Message) (events.Event, error) {
	ev, err := msg.Event()
	if err != nil {
		return events.Event{}, err
	}
	return s.bus.Publish(ev), nil
}

const defaultEntryPage = `<!DOCTYPE html>
<html><head><title>harness</title></head>
<body><p>No test payload is installed.</p></body></html>
`

func (s *Server) handleEntry(c echo.Context) error {
	if s.opts.PayloadDir != "" {
		index := filepath.Join(s.opts.PayloadDir, "index.html")
		if _, err := os.Stat(index); err == nil {
			return c.File(index)
		}
	}
	return c.HTML(http.StatusOK, defaultEntryPage)
}

func (s *Server) handleTests(c echo.Context) error {
	units := []provider.Unit{}
	if s.opts.Provider != nil {
		us, err := s.opts.Provider.EnumerateTestUnits()
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
		units = append(units, us...)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tests": units})
}

// handleEvents accepts a single message or an array of messages. Nothing is
// published unless every message is valid.
func (s *Server) handleEvents(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxMessageSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read body"})
	}
	msgs, err := decodeMessages(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	evs := make([]events.Event, 0, len(msgs))
	for _, m := range msgs {
		ev, err := m.Event()
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		evs = append(evs, ev)
	}
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
	return c.JSON(http.StatusOK, map[string]int{"accepted": len(evs)})
}

func decodeMessages(body []byte) ([]Message, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var msgs []Message
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, errors.Wrap(err, "invalid message array")
		}
		return msgs, nil
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.Wrap(err, "invalid message")
	}
	return []Message{msg}, nil
}

func (s *Server) handleStream(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logging.Debugf(s.logContext(), "Failed to upgrade websocket: %v", err)
		return nil // Upgrade already replied
	}
	conn.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readPump(conn)
	return nil
}

// readPump publishes one event per text frame until the connection closes.
// Invalid frames are logged and skipped.
func (s *Server) readPump(conn *websocket.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	ctx := s.logContext()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debugf(ctx, "Websocket error: %v", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugf(ctx, "Dropping malformed message: %v", err)
			continue
		}
		if _, err := s.Ingest(msg); err != nil {
			logging.Debugf(ctx, "Dropping message: %v", err)
		}
	}
}
