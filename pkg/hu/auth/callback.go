package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/sprig/v3"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/saiden-dev/hu-sub000/pkg/metrics"
	"github.com/saiden-dev/hu-sub000/pkg/ratelimit"
)

// DefaultCallbackPath is the redirect path registered with every provider.
const DefaultCallbackPath = "/callback"

type CallbackOutcome int

const (
	OutcomeSuccess CallbackOutcome = iota
	OutcomeUserDenied
	OutcomeProviderError
	OutcomeCSRFMismatch
	OutcomeMissingCode
)

func (o CallbackOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeUserDenied:
		return "user_denied"
	case OutcomeProviderError:
		return "provider_error"
	case OutcomeCSRFMismatch:
		return "csrf_mismatch"
	case OutcomeMissingCode:
		return "missing_code"
	default:
		return "unknown"
	}
}

// CallbackResult is the single terminal result of a callback server. Code is
// set only for OutcomeSuccess; Error and Description carry the provider's
// error parameters.
type CallbackResult struct {
	Outcome     CallbackOutcome
	Code        string
	Error       string
	Description string
}

// Err converts a failed result into the matching *Error. It returns nil for
// OutcomeSuccess.
func (r CallbackResult) Err(provider string) error {
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeUserDenied:
		return NewError(ErrUserDenied, provider, "authorization was denied in the browser", nil)
	case OutcomeCSRFMismatch:
		return NewError(ErrCSRFMismatch, provider, "", nil)
	case OutcomeMissingCode:
		return providerError(provider, "callback did not include an authorization code")
	default:
		msg := r.Error
		if r.Description != "" {
			msg += ": " + r.Description
		}
		return providerError(provider, msg)
	}
}

// classifyCallback decides the outcome of a /callback request. The provider's
// error parameter wins over state validation so that a denial is reported as
// such even when the provider omits state.
func classifyCallback(query url.Values, expectedState string) CallbackResult {
	if errCode := query.Get("error"); errCode != "" {
		outcome := OutcomeProviderError
		if errCode == "access_denied" {
			outcome = OutcomeUserDenied
		}
		return CallbackResult{Outcome: outcome, Error: errCode, Description: query.Get("error_description")}
	}
	state := query.Get("state")
	if state == "" || state != expectedState {
		return CallbackResult{Outcome: OutcomeCSRFMismatch}
	}
	code := query.Get("code")
	if code == "" {
		return CallbackResult{Outcome: OutcomeMissingCode}
	}
	return CallbackResult{Outcome: OutcomeSuccess, Code: code}
}

// ParseCallbackRequestLine extracts code and state from an HTTP request line
// such as "GET /callback?code=abc&state=xyz HTTP/1.1". ok is false unless both
// are present.
func ParseCallbackRequestLine(line string) (code, state string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	target, err := url.ParseRequestURI(fields[1])
	if err != nil {
		return "", "", false
	}
	query, err := url.ParseQuery(target.RawQuery)
	if err != nil {
		return "", "", false
	}
	code, state = query.Get("code"), query.Get("state")
	if code == "" || state == "" {
		return "", "", false
	}
	return code, state, true
}

// resultChannel delivers at most one CallbackResult. Publish never blocks, so
// a handler finishing after the waiter gave up cannot leak a goroutine.
type resultChannel struct {
	ch   chan CallbackResult
	once sync.Once
}

func newResultChannel() *resultChannel {
	return &resultChannel{ch: make(chan CallbackResult, 1)}
}

// Publish reports whether res was the first published result.
func (r *resultChannel) Publish(res CallbackResult) bool {
	published := false
	r.once.Do(func() {
		r.ch <- res
		published = true
	})
	return published
}

func (r *resultChannel) C() <-chan CallbackResult {
	return r.ch
}

var ginModeOnce sync.Once

// CallbackServer is the loopback listener of a single authorization-code
// login. It serves one route and stops after the first terminal outcome.
type CallbackServer struct {
	Provider string
	Path     string

	expectedState string
	log           *zap.SugaredLogger
	results       *resultChannel
	listener      net.Listener
	server        *http.Server
	closeOnce     sync.Once
}

func NewCallbackServer(provider, expectedState string, log *zap.SugaredLogger) *CallbackServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &CallbackServer{
		Provider:      provider,
		Path:          DefaultCallbackPath,
		expectedState: expectedState,
		log:           log,
		results:       newResultChannel(),
	}
}

// Start binds 127.0.0.1:port and serves in a new goroutine. Port 0 picks a
// free port.
func (s *CallbackServer) Start(port int) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return NewError(ErrBindFailed, s.Provider, "failed to listen on "+addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Debugw("Callback server listening", "address", listener.Addr().String(), "path", s.Path)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warnw("Callback server stopped", "error", err)
		}
	}()
	return nil
}

func (s *CallbackServer) engine() *gin.Engine {
	ginModeOnce.Do(func() {
		if gin.Mode() == gin.DebugMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	log := s.log.Desugar()
	limiter := ratelimit.New(ratelimit.DefaultCallbackConfig())
	limiter.OnReject = func(string) {
		metrics.CallbackRequests.WithLabelValues("rate_limited").Inc()
	}
	engine := gin.New()
	// Only the exact callback path is served; near misses fall through to 404.
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	// The callback path is left out of request logging since its query
	// carries the authorization code.
	engine.Use(
		ginzap.GinzapWithConfig(log, &ginzap.Config{TimeFormat: time.RFC3339, UTC: true, SkipPaths: []string{s.Path}}),
		ginzap.RecoveryWithZap(log, true),
		limiter.Middleware(),
	)
	engine.GET(s.Path, s.handleCallback)
	engine.NoRoute(func(c *gin.Context) {
		metrics.CallbackRequests.WithLabelValues("not_found").Inc()
		writePage(c, http.StatusNotFound, notFoundPage)
	})
	return engine
}

func (s *CallbackServer) handleCallback(c *gin.Context) {
	result := classifyCallback(c.Request.URL.Query(), s.expectedState)
	metrics.CallbackRequests.WithLabelValues(result.Outcome.String()).Inc()
	s.log.Debugw("Callback received", "outcome", result.Outcome.String(), "error", result.Error)

	if !s.results.Publish(result) {
		writePage(c, http.StatusConflict, pageData{
			Title:   "Login already completed",
			Message: "This login attempt has already finished. You can close this window.",
		})
		return
	}

	if result.Outcome == OutcomeSuccess {
		writePage(c, http.StatusOK, pageData{
			Title:   "Login successful",
			Message: "You are now logged in to " + s.Provider + ". You can close this window and return to the terminal.",
			Success: true,
		})
	} else {
		writePage(c, http.StatusBadRequest, pageData{
			Title:   "Login failed",
			Message: result.Err(s.Provider).Error(),
		})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}()
}

// Results yields exactly one CallbackResult once a callback arrives.
func (s *CallbackServer) Results() <-chan CallbackResult {
	return s.results.C()
}

// Port returns the bound port, or 0 before Start.
func (s *CallbackServer) Port() int {
	if s.listener == nil {
		return 0
	}
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// RedirectURI is the URI to register with the provider, e.g.
// http://localhost:9876/callback.
func (s *CallbackServer) RedirectURI(host string) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(s.Port())), s.Path)
}

// Close releases the socket. It is safe to call more than once and after the
// server already shut itself down.
func (s *CallbackServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.server != nil {
			err = s.server.Close()
		}
	})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type pageData struct {
	Title   string
	Message string
	Success bool
}

var notFoundPage = pageData{Title: "Not found", Message: "This address only handles the OAuth callback."}

var pageTemplate = template.Must(template.New("page").Funcs(sprig.FuncMap()).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>hu - {{ .Title }}</title>
<style>body { font-family: sans-serif; text-align: center; padding-top: 4em; } .ok { color: #2e7d32; } .fail { color: #c62828; }</style>
</head>
<body>
<h1 class="{{ ternary "ok" "fail" .Success }}">{{ .Title }}</h1>
<p>{{ .Message | trim }}</p>
</body>
</html>
`))

func writePage(c *gin.Context, status int, data pageData) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		buf.Reset()
		buf.WriteString(data.Title)
	}
	c.Header("Content-Length", strconv.Itoa(buf.Len()))
	c.Header("Connection", "close")
	c.Data(status, "text/html; charset=utf-8", buf.Bytes())
}
