package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

type rootOptions struct {
	gatewayURL string
	token      string
	output     string
	timeout    time.Duration
	client     *http.Client
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{client: &http.Client{}}
	root := &cobra.Command{
		Use:   "psactl",
		Short: "Operator CLI for the PSA gateway",
		Long: `psactl talks to a running gateway and works with its configuration.

It can mint development tokens, inspect and reset destination circuits,
validate a configuration file, and tail circuit events from Kafka.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.gatewayURL, "gateway", envOr("PSAGATE_URL", "http://localhost:8080"), "Gateway base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("PSAGATE_TOKEN"), "Bearer token for admin endpoints")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Request timeout")

	root.AddCommand(
		newMintTokenCmd(),
		newCircuitsCmd(opts),
		newResetCmd(opts),
		newValidateConfigCmd(opts),
		newEventsCmd(opts),
	)
	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errFmt("error:"), err)
		os.Exit(1)
	}
}

// render writes data as JSON or YAML. It reports false for table output,
// which each command draws itself.
func render(w io.Writer, format string, data interface{}) (bool, error) {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q", format)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
