package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiden-dev/hu-sub000/pkg/metrics"
	"github.com/saiden-dev/hu-sub000/pkg/system"
)

// DefaultLoginTimeout bounds the wait for the browser callback.
const DefaultLoginTimeout = 300 * time.Second

// session is the state of one authorization-code attempt. It never outlives
// the Login call that created it.
type session struct {
	expectedState string
	verifier      string
	redirectURI   string
}

// Orchestrator runs a complete login for one provider: it obtains a token by
// the provider's flow, resolves the tenant and persists the result.
type Orchestrator struct {
	Provider *Provider
	Client   ClientConfig
	Store    TokenStore
	HTTP     *http.Client

	// Exchanger, Device and ClientCredentials default to HTTP
	// implementations built from Provider and Client.
	Exchanger         CodeExchanger
	Device            *DevicePoller
	ClientCredentials *ClientCredentialsExchanger

	// OpenBrowser is called with the URL to visit. Nil only prints it.
	OpenBrowser func(url string) error
	Out         io.Writer
	Log         *zap.SugaredLogger
	// Timeout bounds the wait for the callback. Device logins are bounded by
	// the device code lifetime and additionally by Timeout when it is set.
	Timeout time.Duration
}

// Login blocks until the login succeeded, failed or timed out. Nothing is
// stored unless every step succeeded.
func (o *Orchestrator) Login(ctx context.Context) (*TokenSet, error) {
	p := o.Provider
	flow := p.Flow
	if flow == "" {
		flow = FlowAuthorizationCode
	}
	log := o.logger().With(system.ProviderFields(p.Name, string(flow))...).With("attempt", uuid.NewString())
	metrics.LoginAttempts.WithLabelValues(p.Name, string(flow)).Inc()
	log.Debugw("Starting login")

	var (
		token *TokenSet
		err   error
	)
	switch flow {
	case FlowDeviceCode:
		token, err = o.loginDevice(ctx, log)
	case FlowClientCredentials:
		token, err = o.loginClientCredentials(ctx)
	default:
		token, err = o.loginAuthorizationCode(ctx, log)
	}
	if err == nil {
		err = o.finish(ctx, token)
	}
	if err != nil {
		metrics.LoginFailures.WithLabelValues(p.Name, Reason(err)).Inc()
		log.Debugw("Login failed", "reason", Reason(err))
		return nil, err
	}
	log.Debugw("Login complete", "tenant", token.TenantName, "user", token.User)
	return token, nil
}

func (o *Orchestrator) loginAuthorizationCode(ctx context.Context, log *zap.SugaredLogger) (*TokenSet, error) {
	p := o.Provider
	if err := o.Client.Validate(p); err != nil {
		return nil, err
	}
	state, err := NewState()
	if err != nil {
		return nil, err
	}
	sess := session{expectedState: state}
	var challenge string
	if p.UsePKCE {
		sess.verifier, challenge = NewPKCEPair()
	}

	server := NewCallbackServer(p.Name, sess.expectedState, log)
	server.Path = p.callbackPath()
	if err := server.Start(o.Client.EffectivePort(p)); err != nil {
		return nil, err
	}
	defer func() {
		_ = server.Close()
	}()
	sess.redirectURI = server.RedirectURI(p.redirectHost())

	authURL := BuildAuthorizationURL(p.Endpoint.AuthURL, AuthorizationParams{
		ClientID:       o.Client.ClientID,
		RedirectURI:    sess.redirectURI,
		State:          sess.expectedState,
		Scopes:         o.Client.EffectiveScopes(p),
		ScopeSeparator: p.ScopeSeparator,
		CodeChallenge:  challenge,
		Extra:          p.ExtraAuthParams,
	})
	out := o.out()
	_, _ = fmt.Fprintf(out, "Open the following URL in your browser to log in to %s:\n\n%s\n\n", p.Name, authURL)
	o.open(authURL, log)

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	_, _ = fmt.Fprintf(out, "Waiting for authorization (timeout %s)...\n", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result CallbackResult
	select {
	case result = <-server.Results():
	case <-timer.C:
		return nil, NewError(ErrTimeout, p.Name, fmt.Sprintf("no callback received within %s", timeout), nil)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewError(ErrTimeout, p.Name, "login deadline exceeded", ctx.Err())
		}
		return nil, fmt.Errorf("login cancelled: %w", ctx.Err())
	}
	// The listener is not needed for the exchange.
	_ = server.Close()

	if err := result.Err(p.Name); err != nil {
		return nil, err
	}
	return o.exchanger().Exchange(ctx, result.Code, sess.verifier, sess.redirectURI)
}

func (o *Orchestrator) loginDevice(ctx context.Context, log *zap.SugaredLogger) (*TokenSet, error) {
	p := o.Provider
	if err := o.Client.Validate(p); err != nil {
		return nil, err
	}
	poller := o.Device
	if poller == nil {
		poller = &DevicePoller{Provider: p, Client: o.Client, HTTP: o.HTTP, Log: log}
	}
	code, err := poller.RequestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}
	_, _ = fmt.Fprintf(o.out(), "To log in to %s, visit %s and enter code: %s\n", p.Name, code.VerificationURI, code.UserCode)
	o.open(code.VerificationURL(), log)

	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}
	return poller.Poll(ctx, code)
}

func (o *Orchestrator) loginClientCredentials(ctx context.Context) (*TokenSet, error) {
	p := o.Provider
	if err := o.Client.Validate(p); err != nil {
		return nil, err
	}
	if o.Client.ClientSecret == "" {
		return nil, NewError(ErrConfigMissing, p.Name, "client credentials require a client secret", nil)
	}
	cc := o.ClientCredentials
	if cc == nil {
		cc = &ClientCredentialsExchanger{Provider: p, Client: o.Client, HTTP: o.HTTP}
	}
	return cc.Token(ctx)
}

// finish resolves the tenant and persists token.
func (o *Orchestrator) finish(ctx context.Context, token *TokenSet) error {
	p := o.Provider
	if p.Tenant != nil {
		if err := p.Tenant.ResolveTenant(ctx, o.HTTP, p.Name, token); err != nil {
			return err
		}
	}
	if err := o.Store.Save(p.Name, *token); err != nil {
		return NewError(ErrPersist, p.Name, "failed to save token", err)
	}
	return nil
}

func (o *Orchestrator) exchanger() CodeExchanger {
	if o.Exchanger != nil {
		return o.Exchanger
	}
	return NewHTTPExchanger(o.Provider, o.Client, o.HTTP)
}

// open never fails the login; the URL has already been printed.
func (o *Orchestrator) open(url string, log *zap.SugaredLogger) {
	if o.OpenBrowser == nil || url == "" {
		return
	}
	if err := o.OpenBrowser(url); err != nil {
		log.Warnw("Failed to open browser, open the URL manually", "error", err)
	}
}

func (o *Orchestrator) out() io.Writer {
	if o.Out == nil {
		return io.Discard
	}
	return o.Out
}

func (o *Orchestrator) logger() *zap.SugaredLogger {
	if o.Log == nil {
		return zap.NewNop().Sugar()
	}
	return o.Log
}
