package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"psagate/pkg/circuit"
	"psagate/pkg/gateway"
	"psagate/pkg/httpx"

	"github.com/spf13/cobra"
)

func newCircuitsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "circuits",
		Short: "Show the circuit state of every destination",
		Long: `Show the circuit state of every destination from /health/detailed.

Examples:
  psactl circuits
  psactl circuits --gateway https://gateway.psa.example.com -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var health gateway.DetailedHealth
			if err := opts.call(cmd.Context(), http.MethodGet, "/health/detailed", false, &health); err != nil {
				return err
			}
			if done, err := render(cmd.OutOrStdout(), opts.output, health); done {
				return err
			}
			printHealth(cmd.OutOrStdout(), health)
			return nil
		},
	}
}

func newResetCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [destination]",
		Short: "Force a destination circuit closed",
		Long: `Force one destination's circuit, or every circuit with --all, back to CLOSED.
Requires an administrator token.

Examples:
  psactl reset billing --token "$PSAGATE_TOKEN"
  psactl reset --all`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch {
			case all && len(args) == 0:
				var resp gateway.ResetAllResponse
				if err := opts.call(cmd.Context(), http.MethodPost, "/admin/circuits/reset", true, &resp); err != nil {
					return err
				}
				if done, err := render(out, opts.output, resp); done {
					return err
				}
				if len(resp.Transitions) == 0 {
					fmt.Fprintln(out, dimFmt("no open circuits"))
					return nil
				}
				for _, tr := range resp.Transitions {
					fmt.Fprintf(out, "%s %s: %s -> %s\n", okFmt("reset"), tr.Service, tr.From, tr.To)
				}
				return nil
			case !all && len(args) == 1:
				var resp gateway.ResetResponse
				if err := opts.call(cmd.Context(), http.MethodPost, "/admin/circuits/"+url.PathEscape(args[0])+"/reset", true, &resp); err != nil {
					return err
				}
				if done, err := render(out, opts.output, resp); done {
					return err
				}
				fmt.Fprintf(out, "%s %s: %s -> %s\n", okFmt("reset"), resp.Service, stateFmt(resp.PreviousState), stateFmt(resp.Circuit.State))
				return nil
			default:
				return fmt.Errorf("give a destination or --all, not both")
			}
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Reset every circuit")
	return cmd
}

func printHealth(w io.Writer, health gateway.DetailedHealth) {
	status := okFmt(strings.ToUpper(health.Status))
	if health.Status != "ok" {
		status = warnFmt(strings.ToUpper(health.Status))
	}
	fmt.Fprintf(w, "Gateway: %s  Status: %s\n", health.Service, status)
	if health.RateLimitDegraded {
		fmt.Fprintln(w, warnFmt("Rate limit store degraded"))
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DESTINATION\tSTATE\tFAILURES\tREQUESTS\tNEXT RETRY")
	for _, d := range health.Destinations {
		next := "-"
		if d.ReopenAt != nil {
			next = d.ReopenAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", d.Service, stateFmt(d.State), d.FailureCount, d.TotalRequests, next)
	}
	tw.Flush()
}

func stateFmt(s circuit.State) string {
	switch s {
	case circuit.Open:
		return errFmt(string(s))
	case circuit.HalfOpen:
		return warnFmt(string(s))
	default:
		return okFmt(string(s))
	}
}

// call sends one request to the gateway and decodes a 2xx body into out.
// Error envelopes are surfaced with their code.
func (o *rootOptions) call(ctx context.Context, method, path string, auth bool, out interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	headers := map[string]string{}
	if auth {
		if o.token == "" {
			return fmt.Errorf("admin token required (--token or PSAGATE_TOKEN)")
		}
		headers["Authorization"] = "Bearer " + o.token
	}
	endpoint := strings.TrimRight(o.gatewayURL, "/") + path
	status, body, err := httpx.RequestJSON(ctx, o.client, method, endpoint, nil, headers, 1, 200*time.Millisecond)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if status < 200 || status >= 300 {
		var env httpx.ErrorEnvelope
		if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
			return fmt.Errorf("%s %s: %d %s: %s", method, path, status, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
