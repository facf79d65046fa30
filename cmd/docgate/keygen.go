package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"docgate.io/internal/auth"
)

func newKeygenCmd() *cobra.Command {
	var (
		alg string
		out string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate token signing key material",
		Long: "Writes a PEM key pair for RS256/EdDSA or a random secret for HS256.\n" +
			"Without --out the material is printed to stdout.",
		RunE: func(c *cobra.Command, _ []string) error {
			priv, pub, err := auth.GenerateKeyMaterial(alg)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Fprintln(c.OutOrStdout(), string(priv))
				if pub != nil {
					fmt.Fprintln(c.OutOrStdout(), string(pub))
				}
				return nil
			}
			if err := os.MkdirAll(out, 0o700); err != nil {
				return err
			}
			privPath := filepath.Join(out, "signing.key")
			if err := os.WriteFile(privPath, priv, 0o600); err != nil {
				return err
			}
			fmt.Fprintln(c.OutOrStdout(), "wrote", privPath)
			if pub != nil {
				pubPath := filepath.Join(out, "signing.pub")
				if err := os.WriteFile(pubPath, pub, 0o644); err != nil {
					return err
				}
				fmt.Fprintln(c.OutOrStdout(), "wrote", pubPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&alg, "alg", auth.AlgEdDSA, "algorithm: HS256, RS256 or EdDSA")
	cmd.Flags().StringVar(&out, "out", "", "directory to write signing.key / signing.pub")
	return cmd
}
