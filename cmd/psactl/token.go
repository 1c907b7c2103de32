package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"psagate/pkg/authz"
	"psagate/pkg/identity"

	"github.com/spf13/cobra"
)

func newMintTokenCmd() *cobra.Command {
	var (
		id     identity.Identity
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Mint a signed token for local testing",
		Long: `Mint an HS256 token the gateway will accept, signed with JWT_SECRET.

Examples:
  psactl mint-token --subject tech-1 --role technician
  psactl mint-token --subject adm-1 --role tenant_admin --ttl 15m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("signing secret required (--secret or JWT_SECRET)")
			}
			if id.SubjectID == "" {
				return errors.New("--subject is required")
			}
			if !authz.DefaultHierarchy().Known(id.Role) {
				fmt.Fprintln(cmd.ErrOrStderr(), warnFmt("warning:"), "role", id.Role, "is not a built-in role")
			}
			tok, err := identity.Mint(secret, id, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&id.SubjectID, "subject", "", "Subject id (sub claim)")
	cmd.Flags().StringVar(&id.Role, "role", authz.RoleCustomerUser, "Role claim")
	cmd.Flags().StringVar(&id.Email, "email", "", "Email claim")
	cmd.Flags().StringVar(&id.TenantID, "tenant", "", "Tenant id claim")
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
