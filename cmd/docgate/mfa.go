package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"docgate.io/internal/auth"
)

func newMFACmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mfa",
		Short: "TOTP enrollment helpers",
	}

	var issuer, account string
	enroll := &cobra.Command{
		Use:   "enroll",
		Short: "Generate a TOTP secret and otpauth URI for an account",
		RunE: func(c *cobra.Command, _ []string) error {
			secret, uri, err := auth.GenerateSecret(issuer, account)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), "secret:", secret)
			fmt.Fprintln(c.OutOrStdout(), "uri:   ", uri)
			return nil
		},
	}
	enroll.Flags().StringVar(&issuer, "issuer", "docgate", "issuer label shown by authenticator apps")
	enroll.Flags().StringVar(&account, "account", "", "account name, usually the user's email")

	var secret string
	code := &cobra.Command{
		Use:   "code",
		Short: "Print the current TOTP code for a secret",
		RunE: func(c *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			v, err := auth.Code(secret, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), v)
			return nil
		},
	}
	code.Flags().StringVar(&secret, "secret", "", "base32 TOTP secret")

	cmd.AddCommand(enroll, code)
	return cmd
}
