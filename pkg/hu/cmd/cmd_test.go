/*
SPDX-FileCopyrightText: 2025 Deutsche Telekom AG

SPDX-License-Identifier: Apache-2.0
*/

package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	t               *testing.T
	configPath      string
	credentialsPath string
	openBrowser     func(string) error
}

func newTestEnv(t *testing.T, configYAML string) *testEnv {
	t.Helper()
	for _, name := range []string{"HU_OUTPUT", "HU_TOKEN_STORAGE", "HU_NO_BROWSER", "HU_VERBOSE", "HU_METRICS_TEXTFILE"} {
		t.Setenv(name, "")
	}
	dir := t.TempDir()
	env := &testEnv{
		t:               t,
		configPath:      filepath.Join(dir, "config.yaml"),
		credentialsPath: filepath.Join(dir, "credentials.yaml"),
	}
	if configYAML != "" {
		require.NoError(t, os.WriteFile(env.configPath, []byte(configYAML), 0o600))
	}
	return env
}

func (e *testEnv) run(args ...string) (string, error) {
	buf := &bytes.Buffer{}
	root := NewRootCommand(Config{
		ConfigPath:      e.configPath,
		CredentialsPath: e.credentialsPath,
		OutputWriter:    buf,
		OpenBrowser:     e.openBrowser,
	})
	root.SetArgs(args)
	root.SetOut(buf)
	root.SetErr(buf)
	err := root.ExecuteContext(root.Context())
	return buf.String(), err
}

func (e *testEnv) writeCredentials(content string) {
	e.t.Helper()
	require.NoError(e.t, os.WriteFile(e.credentialsPath, []byte(content), 0o600))
}

func TestNewCompletionCommand(t *testing.T) {
	cmd := NewCompletionCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "completion [bash|zsh|fish|powershell]", cmd.Use)
}

func TestCompletionCommand(t *testing.T) {
	env := newTestEnv(t, "")
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		out, err := env.run("completion", shell)
		require.NoError(t, err, shell)
		assert.NotEmpty(t, out, shell)
	}

	_, err := env.run("completion", "tcsh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported shell")
}

func TestVersionCommand(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run("version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "hu "))

	out, err = env.run("version", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"goVersion"`)

	out, err = env.run("version", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "goVersion:")

	_, err = env.run("version", "-o", "xml")
	assert.Error(t, err)
}

func TestVersionIgnoresBrokenConfig(t *testing.T) {
	env := newTestEnv(t, "providers: [")
	_, err := env.run("version")
	require.NoError(t, err)

	_, err = env.run("auth", "providers")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestInvalidConfigIsRejected(t *testing.T) {
	env := newTestEnv(t, "settings:\n  token-storage: vault\n")
	_, err := env.run("auth", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestConfigInitAndView(t *testing.T) {
	env := newTestEnv(t, "")

	out, err := env.run("config", "init", "--token-storage", "keychain")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized config at "+env.configPath)

	_, err = env.run("config", "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config already exists")

	_, err = env.run("config", "init", "--force")
	require.NoError(t, err)

	out, err = env.run("config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "version: v1")
	assert.Contains(t, out, "token-storage: file")

	out, err = env.run("config", "view", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"Version": "v1"`)
}

func TestConfigInitRejectsUnknownStorage(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run("config", "init", "--token-storage", "vault")
	assert.Error(t, err)
	_, statErr := os.Stat(env.configPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnsupportedTokenStorageFlag(t *testing.T) {
	env := newTestEnv(t, "")
	_, err := env.run("auth", "logout", "jira", "--token-storage", "vault")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported token storage")
}

func TestExecuteWritesMetricsTextfile(t *testing.T) {
	env := newTestEnv(t, "")
	path := filepath.Join(t.TempDir(), "hu.prom")
	t.Setenv("HU_METRICS_TEXTFILE", path)
	t.Setenv("JIRA_CLIENT_ID", "")
	t.Setenv("JIRA_CLIENT_SECRET", "")

	err := Execute(context.Background(), Config{
		ConfigPath:      env.configPath,
		CredentialsPath: env.credentialsPath,
		OutputWriter:    &bytes.Buffer{},
	}, []string{"auth", "login", "jira", "--no-browser"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_id is not configured")

	content, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Contains(t, string(content), `hu_login_failures_total{provider="jira",reason="config_missing"}`)
}

func TestRuntimeNotInitialized(t *testing.T) {
	_, err := getRuntime(NewVersionCommand())
	assert.Error(t, err)
}

func TestEnvBool(t *testing.T) {
	t.Setenv("HU_TEST_BOOL", "Yes")
	assert.True(t, envBool("HU_TEST_BOOL"))
	t.Setenv("HU_TEST_BOOL", "0")
	assert.False(t, envBool("HU_TEST_BOOL"))
}
