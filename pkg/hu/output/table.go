package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// StatusRow is one provider line of `hu auth status`.
type StatusRow struct {
	Provider  string     `json:"provider" yaml:"provider"`
	State     string     `json:"state" yaml:"state"`
	User      string     `json:"user,omitempty" yaml:"user,omitempty"`
	Tenant    string     `json:"tenant,omitempty" yaml:"tenant,omitempty"`
	TenantURL string     `json:"tenantUrl,omitempty" yaml:"tenantUrl,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Refresh   bool       `json:"refreshable" yaml:"refreshable"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// ProviderRow is one line of `hu auth providers`.
type ProviderRow struct {
	Name     string   `json:"name" yaml:"name"`
	Kind     string   `json:"kind" yaml:"kind"`
	Flow     string   `json:"flow" yaml:"flow"`
	Port     int      `json:"redirectPort,omitempty" yaml:"redirectPort,omitempty"`
	Scopes   []string `json:"scopes" yaml:"scopes"`
	Endpoint string   `json:"endpoint" yaml:"endpoint"`
}

func WriteStatusTable(w io.Writer, rows []StatusRow, now time.Time) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tSTATE\tUSER\tTENANT\tEXPIRES")
	for _, r := range rows {
		expires := "-"
		if r.ExpiresAt != nil {
			expires = formatExpiry(*r.ExpiresAt, now)
		}
		state := r.State
		if r.Error != "" {
			state = state + " (" + r.Error + ")"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Provider, state, dash(r.User), dash(r.Tenant), expires)
	}
	_ = tw.Flush()
}

func WriteProviderTable(w io.Writer, rows []ProviderRow) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tKIND\tFLOW\tPORT\tSCOPES")
	for _, r := range rows {
		port := "-"
		if r.Port > 0 {
			port = fmt.Sprintf("%d", r.Port)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, r.Kind, r.Flow, port, dash(strings.Join(r.Scopes, ",")))
	}
	_ = tw.Flush()
}

func formatExpiry(t, now time.Time) string {
	stamp := t.Local().Format("2006-01-02 15:04")
	remaining := t.Sub(now).Round(time.Minute)
	if remaining <= 0 {
		return stamp + " (expired)"
	}
	return fmt.Sprintf("%s (in %s)", stamp, shortDuration(remaining))
}

func shortDuration(d time.Duration) string {
	switch {
	case d >= 48*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	case d >= time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
