/*
SPDX-FileCopyrightText: 2025 Deutsche Telekom AG

SPDX-License-Identifier: Apache-2.0
*/

package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": FormatTable, "JSON": FormatJSON, "yml": FormatYAML, "yaml": FormatYAML} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseFormat("xml")
	assert.Error(t, err)
}

func TestWriteObject(t *testing.T) {
	row := StatusRow{Provider: "jira", State: "valid", User: "Jane"}

	var buf bytes.Buffer
	require.NoError(t, WriteObject(&buf, FormatJSON, row))
	assert.Contains(t, buf.String(), `"provider": "jira"`)
	assert.NotContains(t, buf.String(), "expiresAt")

	buf.Reset()
	require.NoError(t, WriteObject(&buf, FormatYAML, []StatusRow{row}))
	assert.Equal(t, "- provider: jira\n  state: valid\n  user: Jane\n  refreshable: false\n", buf.String())

	assert.Error(t, WriteObject(&buf, FormatTable, row))
	assert.Error(t, WriteObject(&buf, Format("xml"), row))
}

func TestWriteStatusTable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	soon := now.Add(90 * time.Minute)
	past := now.Add(-time.Hour)

	var buf bytes.Buffer
	WriteStatusTable(&buf, []StatusRow{
		{Provider: "jira", State: "valid", User: "Jane", Tenant: "acme", ExpiresAt: &soon},
		{Provider: "slack", State: "valid", Tenant: "Acme HQ"},
		{Provider: "github", State: "expired", ExpiresAt: &past, Error: "refresh failed"},
	}, now)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "PROVIDER"))
	assert.Contains(t, lines[1], "(in 1h30m)")
	assert.Contains(t, lines[2], "Acme HQ")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "-"))
	assert.Contains(t, lines[3], "expired (refresh failed)")
	assert.Contains(t, lines[3], "(expired)")
}

func TestWriteProviderTable(t *testing.T) {
	var buf bytes.Buffer
	WriteProviderTable(&buf, []ProviderRow{
		{Name: "github", Kind: "builtin", Flow: "device-code", Scopes: []string{"repo", "read:org"}},
		{Name: "jira", Kind: "builtin", Flow: "authorization-code", Port: 9876},
	})
	out := buf.String()
	assert.Contains(t, out, "repo,read:org")
	assert.Contains(t, out, "9876")
}

func TestShortDuration(t *testing.T) {
	assert.Equal(t, "3d", shortDuration(72*time.Hour))
	assert.Equal(t, "2h5m", shortDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "12m", shortDuration(12*time.Minute))
}
