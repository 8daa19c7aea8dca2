package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/saiden-dev/hu-sub000/pkg/hu/auth"
	"github.com/saiden-dev/hu-sub000/pkg/hu/config"
	"github.com/saiden-dev/hu-sub000/pkg/hu/output"
)

func NewAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Log in to and out of service providers",
	}
	cmd.AddCommand(
		newAuthLoginCommand(),
		newAuthStatusCommand(),
		newAuthLogoutCommand(),
		newAuthTokenCommand(),
		newAuthProvidersCommand(),
	)
	return cmd
}

func newAuthLoginCommand() *cobra.Command {
	var (
		device  bool
		port    int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "login PROVIDER",
		Short: "Log in to a provider and store its tokens",
		Long: `Log in to a provider with the OAuth flow it supports.

Authorization-code providers open the browser and wait for the redirect on a
local port. Device-code providers print a code to enter on another device.
Logging in again replaces the stored tokens.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") && timeout <= 0 {
				return fmt.Errorf("--timeout must be positive, got %s", timeout)
			}
			ctx := cmd.Context()
			name := strings.ToLower(args[0])

			resolved, err := rt.ResolveProvider(ctx, name)
			if err != nil {
				return err
			}
			provider := resolved.Provider
			if device {
				if provider.Endpoint.DeviceAuthURL == "" {
					return fmt.Errorf("%s does not support the device flow", provider.Name)
				}
				provider.Flow = auth.FlowDeviceCode
			}
			client, err := rt.ResolveClient(name)
			if err != nil {
				return err
			}
			if port > 0 {
				client.RedirectPort = port
			}
			store, err := rt.TokenStore()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("timeout") {
				if timeout, err = rt.LoginTimeout(); err != nil {
					return err
				}
			}

			orchestrator := &auth.Orchestrator{
				Provider:    provider,
				Client:      client,
				Store:       store,
				HTTP:        resolved.HTTP,
				OpenBrowser: rt.BrowserOpener(),
				Out:         rt.Writer(),
				Log:         rt.Logger(),
				Timeout:     timeout,
			}
			token, err := orchestrator.Login(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(rt.Writer(), loginSummary(provider.Name, token))
			return nil
		},
	}

	cmd.Flags().BoolVar(&device, "device", false, "Use the device authorization flow")
	cmd.Flags().IntVar(&port, "port", 0, "Callback port override")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for the login to complete (default: login-timeout setting, else 5m for the browser and the device code lifetime)")
	return cmd
}

func loginSummary(provider string, token *auth.TokenSet) string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "Logged in to %s", provider)
	if token.User != "" {
		_, _ = fmt.Fprintf(&b, " as %s", token.User)
	}
	if token.TenantName != "" {
		_, _ = fmt.Fprintf(&b, " (%s)", token.TenantName)
	}
	if token.ExpiresAt > 0 {
		_, _ = fmt.Fprintf(&b, ", token expires at %s", token.Expiry().UTC().Format(time.RFC3339))
	}
	return b.String()
}

func newAuthStatusCommand() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "status [PROVIDER...]",
		Short: "Show login state of providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			format, err := output.ParseFormat(rt.OutputFormat())
			if err != nil {
				return err
			}
			store, err := rt.TokenStore()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = rt.cfg.ProviderNames()
			}
			manager := rt.TokenManager(cmd.Context(), store)

			rows := make([]output.StatusRow, 0, len(names))
			for _, name := range names {
				rows = append(rows, statusRow(cmd.Context(), rt, store, manager, strings.ToLower(name), offline))
			}
			if format == output.FormatTable {
				output.WriteStatusTable(rt.Writer(), rows, rt.Now())
				return nil
			}
			return output.WriteObject(rt.Writer(), format, rows)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Report stored tokens without refreshing expired ones")
	return cmd
}

func statusRow(ctx context.Context, rt *runtimeState, store auth.TokenStore, manager *auth.TokenManager, name string, offline bool) output.StatusRow {
	row := output.StatusRow{Provider: name}
	token, found, err := store.Load(name)
	switch {
	case err != nil:
		row.State = "error"
		row.Error = err.Error()
		return row
	case !found:
		row.State = "logged out"
		return row
	}

	now := rt.Now()
	if !offline && !token.Usable(now) {
		refreshed, err := manager.Token(ctx, name)
		if err != nil {
			rt.Logger().Debugw("Refresh during status failed", "provider", name, "error", err)
			row.Error = "refresh failed: " + auth.Reason(err)
		} else {
			token = refreshed
		}
	}

	row.State = tokenState(token, now)
	row.User = token.User
	if row.User == "" && token.IDToken != "" {
		if claims, err := auth.PeekIDToken(token.IDToken); err == nil {
			row.User = claims.Email
			if row.User == "" {
				row.User = claims.Subject
			}
		}
	}
	row.Tenant = token.TenantName
	row.TenantURL = token.TenantURL
	if token.ExpiresAt > 0 {
		expiry := token.Expiry()
		row.ExpiresAt = &expiry
	}
	row.Refresh = token.RefreshToken != ""
	return row
}

func tokenState(token *auth.TokenSet, now time.Time) string {
	switch {
	case token.Usable(now):
		return "valid"
	case token.ExpiresAt > now.Unix():
		return "expiring"
	default:
		return "expired"
	}
}

func newAuthLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout PROVIDER",
		Short: "Remove stored tokens of a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			store, err := rt.TokenStore()
			if err != nil {
				return err
			}
			name := strings.ToLower(args[0])
			if err := store.Delete(name); err != nil {
				return auth.NewError(auth.ErrPersist, name, "failed to remove stored token", err)
			}
			_, _ = fmt.Fprintf(rt.Writer(), "Logged out of %s\n", name)
			return nil
		},
	}
}

func newAuthTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token PROVIDER",
		Short: "Print a valid access token, refreshing it first if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			store, err := rt.TokenStore()
			if err != nil {
				return err
			}
			accessToken, err := rt.TokenManager(cmd.Context(), store).AccessToken(cmd.Context(), strings.ToLower(args[0]))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(rt.Writer(), accessToken)
			return nil
		},
	}
}

func newAuthProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List built-in and configured providers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			format, err := output.ParseFormat(rt.OutputFormat())
			if err != nil {
				return err
			}
			rows := make([]output.ProviderRow, 0)
			for _, name := range rt.cfg.ProviderNames() {
				row, err := providerRow(cmd.Context(), rt, name)
				if err != nil {
					return err
				}
				rows = append(rows, row)
			}
			if format == output.FormatTable {
				output.WriteProviderTable(rt.Writer(), rows)
				return nil
			}
			return output.WriteObject(rt.Writer(), format, rows)
		},
	}
}

// providerRow describes custom OIDC providers from config alone so listing
// never needs the network.
func providerRow(ctx context.Context, rt *runtimeState, name string) (output.ProviderRow, error) {
	if pc, ok := rt.cfg.FindProvider(name); ok && pc.Kind == config.KindOIDC {
		flow, err := pc.Flow()
		if err != nil {
			return output.ProviderRow{}, err
		}
		return output.ProviderRow{
			Name:     name,
			Kind:     config.KindOIDC,
			Flow:     string(flow),
			Port:     pc.RedirectPort,
			Scopes:   pc.Scopes,
			Endpoint: pc.Authority,
		}, nil
	}
	resolved, err := rt.ResolveProvider(ctx, name)
	if err != nil {
		return output.ProviderRow{}, err
	}
	p := resolved.Provider
	endpoint := p.Endpoint.AuthURL
	if p.Flow == auth.FlowDeviceCode {
		endpoint = p.Endpoint.DeviceAuthURL
	}
	return output.ProviderRow{
		Name:     p.Name,
		Kind:     "builtin",
		Flow:     string(p.Flow),
		Port:     p.RedirectPort,
		Scopes:   p.Scopes,
		Endpoint: endpoint,
	}, nil
}
