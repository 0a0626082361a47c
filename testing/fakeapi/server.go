// Package fakeapi provides a scriptable backend for exercising the request
// client end to end. Each route replays an ordered list of Steps, one per
// incoming request, and every request is recorded for later assertions.
//
//	api := fakeapi.New(t)
//	api.Script(http.MethodGet, "/offers",
//		fakeapi.Step{Status: http.StatusInternalServerError},
//		fakeapi.Step{Status: http.StatusOK, Body: map[string]any{"offers": []any{}}},
//	)
//	client := apiclient.NewClient(log, api.URL())
package fakeapi

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

const serviceName = "fakeapi"

// Step is the scripted reaction to one request.
type Step struct {
	// Status defaults to 200.
	Status int
	// Body is sent as JSON. string and []byte values are written verbatim.
	Body    any
	Headers map[string]string
	// Delay holds the response back. It ends early if the client goes away.
	Delay time.Duration
	// Drop closes the connection without writing a response.
	Drop bool
}

// RecordedRequest is a request as the server received it.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
	At     time.Time
}

type route struct {
	steps []Step
	next  int
}

// Server is a scriptable fake of the backend API.
type Server struct {
	echo *echo.Echo
	srv  *httptest.Server

	mu       sync.Mutex
	routes   map[string]*route
	requests []RecordedRequest
}

// New starts a server on an IPv4 loopback port and closes it when tb ends.
func New(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{routes: make(map[string]*route)}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(otelecho.Middleware(serviceName))
	e.Any("/*", s.handle)
	s.echo = e

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp4", "127.0.0.1:0")
	if err != nil {
		tb.Skipf("skipping test: unable to bind IPv4 listener: %v", err)
		return s
	}

	s.srv = &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: e, ReadHeaderTimeout: 5 * time.Second},
	}
	s.srv.Start()
	tb.Cleanup(s.Close)

	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	if s.srv != nil {
		s.srv.CloseClientConnections()
		s.srv.Close()
	}
}

// Script replaces the steps for method and path. Requests past the last
// step repeat the last step.
func (s *Server) Script(method, path string, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[routeKey(method, path)] = &route{steps: steps}
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// Count returns how many requests hit method and path.
func (s *Server) Count(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) handle(c echo.Context) error {
	req := c.Request()
	body, _ := io.ReadAll(req.Body)

	step, ok := s.record(RecordedRequest{
		Method: req.Method,
		Path:   req.URL.Path,
		Header: req.Header.Clone(),
		Body:   body,
		At:     time.Now(),
	})
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"message": "no route scripted for " + req.Method + " " + req.URL.Path})
	}

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-req.Context().Done():
			return nil
		}
	}

	if step.Drop {
		return drop(c)
	}

	for k, v := range step.Headers {
		c.Response().Header().Set(k, v)
	}
	status := step.Status
	if status == 0 {
		status = http.StatusOK
	}

	switch b := step.Body.(type) {
	case nil:
		return c.NoContent(status)
	case string:
		return c.Blob(status, echo.MIMEApplicationJSON, []byte(b))
	case []byte:
		return c.Blob(status, echo.MIMEApplicationJSON, b)
	default:
		return c.JSON(status, b)
	}
}

// record stores r and returns the step that should answer it.
func (s *Server) record(r RecordedRequest) (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, r)

	rt, ok := s.routes[routeKey(r.Method, r.Path)]
	if !ok || len(rt.steps) == 0 {
		return Step{}, false
	}
	idx := min(rt.next, len(rt.steps)-1)
	rt.next++
	return rt.steps[idx], true
}

// drop closes the underlying connection so the client sees a transport failure.
func drop(c echo.Context) error {
	conn, _, err := http.NewResponseController(c.Response().Writer).Hijack()
	if err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			panic(http.ErrAbortHandler)
		}
		return err
	}
	return conn.Close()
}

func routeKey(method, path string) string {
	return method + " " + path
}
