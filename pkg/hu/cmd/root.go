package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/saiden-dev/hu-sub000/pkg/hu/auth"
	"github.com/saiden-dev/hu-sub000/pkg/hu/config"
	"github.com/saiden-dev/hu-sub000/pkg/metrics"
	"github.com/saiden-dev/hu-sub000/pkg/system"
)

type Config struct {
	ConfigPath      string
	CredentialsPath string
	OutputWriter    io.Writer
	// OpenBrowser replaces the platform browser launcher, mainly in tests.
	OpenBrowser func(url string) error
	// Now replaces the wall clock used for expiry decisions.
	Now func() time.Time
}

type runtimeState struct {
	configPath           string
	credentialsPath      string
	cfg                  *config.Config
	outputFormat         string
	tokenStorageOverride string
	metricsTextfile      string
	noBrowser            bool
	verbose              bool
	writer               io.Writer
	log                  *zap.SugaredLogger
	openBrowser          func(url string) error
	now                  func() time.Time
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:      config.DefaultConfigPath(),
		CredentialsPath: config.DefaultCredentialsPath(),
		OutputWriter:    os.Stdout,
		OpenBrowser:     auth.OpenBrowser,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{
		configPath:      cfg.ConfigPath,
		credentialsPath: cfg.CredentialsPath,
		writer:          cfg.OutputWriter,
		openBrowser:     cfg.OpenBrowser,
		now:             cfg.Now,
	}

	root := &cobra.Command{
		Use:           "hu",
		Short:         "Developer workflow CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.configPath == "" {
				rt.configPath = config.DefaultConfigPath()
			}
			if rt.credentialsPath == "" {
				rt.credentialsPath = config.DefaultCredentialsPath()
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("HU_OUTPUT")
			}
			if rt.tokenStorageOverride == "" {
				rt.tokenStorageOverride = os.Getenv("HU_TOKEN_STORAGE")
			}
			if rt.metricsTextfile == "" {
				rt.metricsTextfile = os.Getenv("HU_METRICS_TEXTFILE")
			}
			if !rt.noBrowser {
				rt.noBrowser = envBool("HU_NO_BROWSER")
			}
			if !rt.verbose {
				rt.verbose = envBool("HU_VERBOSE")
			}
			if rt.log == nil {
				rt.log = system.NewLogger(rt.verbose)
			}

			// Skip config loading for commands that don't need it
			if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
				return nil
			}
			if cmd.Name() == "version" || cmd.Name() == "completion" {
				return nil
			}
			return rt.EnsureConfigLoaded()
		},
	}

	root.PersistentFlags().StringVar(&rt.configPath, "config", rt.configPath, "Path to config file")
	root.PersistentFlags().StringVar(&rt.credentialsPath, "credentials", rt.credentialsPath, "Path to the credentials file")
	root.PersistentFlags().StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, json, yaml")
	root.PersistentFlags().StringVar(&rt.tokenStorageOverride, "token-storage", "", "Token storage backend: file or keychain")
	root.PersistentFlags().BoolVar(&rt.noBrowser, "no-browser", false, "Print login URLs instead of opening a browser")
	root.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "Enable debug logging on stderr")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewAuthCommand(),
		NewConfigCommand(),
		NewCompletionCommand(),
		NewVersionCommand(),
	)

	return root
}

// Execute runs the command tree and writes the metrics textfile when one is
// configured, whether or not the command succeeded.
func Execute(ctx context.Context, cfg Config, args []string) error {
	root := NewRootCommand(cfg)
	root.SetArgs(args)
	rt := mustRuntime(root)
	err := root.ExecuteContext(context.WithValue(ctx, runtimeKey{}, rt))

	if rt.metricsTextfile != "" {
		if werr := metrics.WriteTextfile(rt.metricsTextfile); werr != nil && rt.log != nil {
			rt.log.Warnw("Failed to write metrics textfile", "path", rt.metricsTextfile, "error", werr)
		}
	}
	if rt.log != nil {
		_ = rt.log.Sync()
	}
	return err
}

func mustRuntime(root *cobra.Command) *runtimeState {
	rt, err := getRuntime(root)
	if err != nil {
		panic(err)
	}
	return rt
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	ctx := cmd.Context()
	if ctx == nil {
		return nil, errors.New("runtime not initialized")
	}
	rt, ok := ctx.Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func envBool(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (rt *runtimeState) EnsureConfigLoaded() error {
	if rt.cfg != nil {
		return nil
	}
	cfg, err := config.LoadOrDefault(rt.configPathValue())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", rt.configPathValue(), err)
	}
	rt.cfg = cfg
	return nil
}

func (rt *runtimeState) OutputFormat() string {
	if rt.outputFormat != "" {
		return rt.outputFormat
	}
	if rt.cfg != nil && rt.cfg.Settings.OutputFormat != "" {
		return rt.cfg.Settings.OutputFormat
	}
	return "table"
}

func (rt *runtimeState) TokenStorage() string {
	if rt.tokenStorageOverride != "" {
		return rt.tokenStorageOverride
	}
	if rt.cfg != nil && rt.cfg.Settings.TokenStorage != "" {
		return rt.cfg.Settings.TokenStorage
	}
	return config.StorageFile
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

func (rt *runtimeState) Logger() *zap.SugaredLogger {
	if rt.log != nil {
		return rt.log
	}
	return zap.NewNop().Sugar()
}

func (rt *runtimeState) Now() time.Time {
	if rt.now != nil {
		return rt.now()
	}
	return time.Now()
}

func (rt *runtimeState) configPathValue() string {
	if rt.configPath == "" {
		return config.DefaultConfigPath()
	}
	return rt.configPath
}

// credentialsFile is always the plaintext file; it holds client credentials
// even when tokens live in the keychain.
func (rt *runtimeState) credentialsFile() *auth.FileStore {
	path := rt.credentialsPath
	if path == "" {
		path = config.DefaultCredentialsPath()
	}
	return auth.NewFileStore(path)
}

func (rt *runtimeState) TokenStore() (auth.TokenStore, error) {
	switch storage := strings.ToLower(rt.TokenStorage()); storage {
	case "", config.StorageFile:
		return rt.credentialsFile(), nil
	case config.StorageKeychain:
		return auth.NewKeyringStore(), nil
	default:
		return nil, fmt.Errorf("unsupported token storage %q (expected %s or %s)", storage, config.StorageFile, config.StorageKeychain)
	}
}

// LoginTimeout returns the configured login-timeout, or 0 when none is set.
// With 0 the browser flow waits auth.DefaultLoginTimeout and the device flow
// runs until the device code expires.
func (rt *runtimeState) LoginTimeout() (time.Duration, error) {
	if rt.cfg == nil || rt.cfg.Settings.LoginTimeout == "" {
		return 0, nil
	}
	return rt.cfg.Settings.Timeout()
}

func (rt *runtimeState) BrowserOpener() func(string) error {
	if rt.noBrowser || (rt.cfg != nil && rt.cfg.Settings.NoBrowser) {
		return nil
	}
	return rt.openBrowser
}

// ResolveClient returns the client config of provider.
func (rt *runtimeState) ResolveClient(provider string) (auth.ClientConfig, error) {
	return config.ResolveClient(rt.cfg, rt.credentialsFile(), provider)
}

func (rt *runtimeState) ResolveProvider(ctx context.Context, name string) (*config.ResolvedProvider, error) {
	return config.ResolveProvider(ctx, rt.cfg, name)
}

// TokenManager refreshes through the provider's own token endpoint. Client
// credentials providers are re-run instead of refreshed.
func (rt *runtimeState) TokenManager(ctx context.Context, store auth.TokenStore) *auth.TokenManager {
	return &auth.TokenManager{
		Store: store,
		Refreshers: func(name string) (auth.Refresher, error) {
			resolved, err := rt.ResolveProvider(ctx, name)
			if err != nil {
				return nil, err
			}
			client, err := rt.ResolveClient(name)
			if err != nil {
				return nil, err
			}
			p := resolved.Provider
			if err := client.Validate(p); err != nil {
				return nil, err
			}
			if p.Flow == auth.FlowClientCredentials {
				return &auth.ClientCredentialsExchanger{Provider: p, Client: client, HTTP: resolved.HTTP}, nil
			}
			exchanger := auth.NewHTTPExchanger(p, client, resolved.HTTP)
			exchanger.Now = rt.now
			return exchanger, nil
		},
		Now: rt.now,
		Log: rt.Logger(),
	}
}
