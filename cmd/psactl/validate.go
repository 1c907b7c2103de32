package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"psagate/pkg/config"
	"psagate/pkg/gateway"

	"github.com/spf13/cobra"
)

type routeView struct {
	Prefix      string   `json:"prefix" yaml:"prefix"`
	Destination string   `json:"destination" yaml:"destination"`
	BaseURL     string   `json:"base_url" yaml:"base_url"`
	Auth        string   `json:"auth" yaml:"auth"`
	Authz       string   `json:"authz" yaml:"authz"`
	Roles       []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Policies    []string `json:"policies,omitempty" yaml:"policies,omitempty"`
}

func newValidateConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config <file>",
		Short: "Check a gateway configuration file",
		Long: `Parse a gateway YAML file, apply defaults, and report every problem found.
On success the resolved route table is printed in match order.

Examples:
  psactl validate-config configs/gateway.example.yaml
  psactl validate-config gateway.yaml -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}
			cfg.ApplyDefaults()
			if err := cfg.Validate(); err != nil {
				return err
			}
			table, _, err := gateway.BuildRoutes(cfg)
			if err != nil {
				return err
			}
			views := make([]routeView, 0, len(table.Routes()))
			for _, r := range table.Routes() {
				v := routeView{
					Prefix:      r.Prefix,
					Destination: r.Target.Destination.Name,
					Auth:        string(r.Auth),
					Authz:       string(r.Requirement.Mode),
					Roles:       r.Requirement.Roles,
				}
				if r.Target.Destination.BaseURL != nil {
					v.BaseURL = r.Target.Destination.BaseURL.String()
				}
				for _, p := range r.Target.Policies {
					v.Policies = append(v.Policies, p.Name)
				}
				views = append(views, v)
			}
			if done, err := render(cmd.OutOrStdout(), opts.output, views); done {
				return err
			}
			printRoutes(cmd.OutOrStdout(), args[0], views)
			return nil
		},
	}
}

func printRoutes(w io.Writer, path string, views []routeView) {
	fmt.Fprintf(w, "%s %s: %d routes\n\n", okFmt("valid"), path, len(views))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PREFIX\tDESTINATION\tAUTH\tAUTHZ\tROLES\tPOLICIES")
	for _, v := range views {
		roles := strings.Join(v.Roles, ",")
		if roles == "" {
			roles = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", v.Prefix, v.Destination, v.Auth, v.Authz, roles, strings.Join(v.Policies, ","))
	}
	tw.Flush()
}
