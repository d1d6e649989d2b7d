package authflow

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"qbmcp/internal/broker"
	"qbmcp/pkg/logging"
)

const (
	// DefaultCallbackPortStart and DefaultCallbackPortEnd bound the local ports
	// tried for the redirect listener. Every port in the range must be
	// registered as a redirect URI on the Intuit app.
	DefaultCallbackPortStart = 8765
	DefaultCallbackPortEnd   = 8769

	// CallbackPath is the redirect path served by the listener.
	CallbackPath = "/callback"
)

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

var (
	successTmpl = template.Must(template.New("success").Parse(callbackSuccessHTML))
	errorTmpl   = template.Must(template.New("error").Parse(callbackErrorHTML))
)

// PortRange is an inclusive range of candidate listener ports. A zero Start
// asks the OS for an ephemeral port.
type PortRange struct {
	Start int
	End   int
}

// DefaultPortRange returns the default candidate ports.
func DefaultPortRange() PortRange {
	return PortRange{Start: DefaultCallbackPortStart, End: DefaultCallbackPortEnd}
}

// CallbackResult holds the query parameters of the provider redirect.
type CallbackResult struct {
	Code             string
	State            string
	RealmID          string
	Error            string
	ErrorDescription string
}

// IsError reports whether the provider redirected with an error.
func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

// CallbackHandler completes the flow for a callback. It returns the company
// label to show on success.
type CallbackHandler func(ctx context.Context, result *CallbackResult) (string, error)

// CallbackServer is a short-lived local HTTP server receiving a single OAuth
// redirect.
type CallbackServer struct {
	ports   PortRange
	handler CallbackHandler

	server   *http.Server
	listener net.Listener
	port     int
	once     sync.Once
	stopOnce sync.Once
}

// NewCallbackServer creates a server that will bind the first free port of ports.
func NewCallbackServer(ports PortRange, handler CallbackHandler) *CallbackServer {
	return &CallbackServer{ports: ports, handler: handler}
}

// Start binds the listener and serves the callback path. It returns the
// redirect URI, or a broker.KindNoPortAvailable error when every candidate
// port is taken.
func (s *CallbackServer) Start() (string, error) {
	listener, err := s.listen()
	if err != nil {
		return "", err
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, s.handleCallback)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("AuthFlow", err, "Callback server stopped unexpectedly")
		}
	}()

	logging.Debug("AuthFlow", "Callback server listening on port %d", s.port)
	return s.RedirectURI(), nil
}

func (s *CallbackServer) listen() (net.Listener, error) {
	if s.ports.Start == 0 {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, broker.Wrap(broker.KindNoPortAvailable, err, "no local port available for the OAuth callback")
		}
		return l, nil
	}

	end := s.ports.End
	if end < s.ports.Start {
		end = s.ports.Start
	}
	var lastErr error
	for port := s.ports.Start; port <= end; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return l, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			logging.Debug("AuthFlow", "Port %d unusable: %v", port, err)
		}
	}
	return nil, broker.Wrap(broker.KindNoPortAvailable, lastErr,
		fmt.Sprintf("no free port in %d-%d for the OAuth callback", s.ports.Start, end))
}

// handleCallback processes the first callback only; later requests are rejected.
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})

	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		RealmID:          query.Get("realmId"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	company, err := s.handler(r.Context(), result)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		data := map[string]string{"Error": string(broker.KindOf(err)), "Description": describe(err, result)}
		_ = errorTmpl.Execute(w, data)
	} else {
		_ = successTmpl.Execute(w, map[string]string{"Company": company})
	}

	// Give the response time to flush before closing the listener.
	go func() {
		time.Sleep(500 * time.Millisecond)
		s.Stop()
	}()
}

func describe(err error, result *CallbackResult) string {
	if result.IsError() {
		if result.ErrorDescription != "" {
			return result.Error + ": " + result.ErrorDescription
		}
		return result.Error
	}
	var be *broker.Error
	if errors.As(err, &be) && be.Detail != "" {
		return be.Detail
	}
	return "authentication could not be completed"
}

// Stop shuts the server down. It is safe to call more than once.
func (s *CallbackServer) Stop() {
	s.stopOnce.Do(func() {
		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.server.Shutdown(ctx)
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}

// RedirectURI returns the URI registered with the provider for this listener.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, CallbackPath)
}

// Port returns the bound port.
func (s *CallbackServer) Port() int {
	return s.port
}
