package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/leakhawk/leakhawk-stack/cli/pkg/output"
	"github.com/leakhawk/leakhawk-stack/common/messaging"
	natsmgr "github.com/leakhawk/leakhawk-stack/common/messaging/nats"
	"github.com/spf13/cobra"
)

// componentHealth is one row of the health report.
type componentHealth struct {
	Component string        `json:"component" yaml:"component"`
	Healthy   bool          `json:"healthy" yaml:"healthy"`
	Latency   time.Duration `json:"latency_ms" yaml:"latency_ms"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the broker and each service's readiness probe",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPrinter()
		if err != nil {
			return err
		}
		prof, err := currentProfile()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var report []componentHealth
		err = withBroker(ctx, func(m *natsmgr.Manager) error {
			st := messaging.CheckHealth(ctx, m)
			report = append(report, componentHealth{Component: "nats", Healthy: st.Healthy, Latency: st.Latency, Error: st.Error})
			return nil
		})
		if err != nil {
			return err
		}

		names := make([]string, 0, len(prof.Services))
		for name := range prof.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		client := &http.Client{Timeout: 5 * time.Second}
		for _, name := range names {
			st := messaging.CheckHealth(ctx, readiness{client: client, url: prof.Services[name] + "/readyz"})
			report = append(report, componentHealth{Component: name, Healthy: st.Healthy, Latency: st.Latency, Error: st.Error})
		}

		if err := p.Render(report, func() *output.Table {
			t := output.NewTable("COMPONENT", "STATUS", "LATENCY", "ERROR")
			for _, h := range report {
				status := "up"
				if !h.Healthy {
					status = "down"
				}
				t.AddRow(h.Component, status, h.Latency.Round(time.Millisecond).String(), h.Error)
			}
			return t
		}); err != nil {
			return err
		}

		for _, h := range report {
			if !h.Healthy {
				return fmt.Errorf("%s is unhealthy", h.Component)
			}
		}
		return nil
	},
}

// readiness adapts a service's /readyz endpoint to messaging.HealthChecker.
type readiness struct {
	client *http.Client
	url    string
}

func (r readiness) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("readyz returned %d", resp.StatusCode)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
