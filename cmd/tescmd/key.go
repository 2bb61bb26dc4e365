package main

import (
	"github.com/spf13/cobra"

	"github.com/oceanswave/tescmd-gateway/pkg/keys"
)

// newKeyCmd is the "key" command group: generate/show the EC
// key pair whose public half is served at the provider's well-known path
// by the combined serve runtime.
func newKeyCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "key",
		Short: "Manage the EC key pair used to verify signed remote telemetry configuration",
	}

	var force bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an EC P-256 key pair, overwriting any existing one with --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if keys.HasKeyPair(cfg.KeyDir) && !force {
				return writeResult(cmd.OutOrStdout(), flagFormat, "key.generate",
					map[string]any{"key_dir": cfg.KeyDir, "skipped": true}, nil)
			}
			pub, err := keys.Generate(cfg.KeyDir)
			if err != nil {
				return writeResult(cmd.OutOrStdout(), flagFormat, "key.generate", nil, err)
			}
			return writeResult(cmd.OutOrStdout(), flagFormat, "key.generate",
				map[string]any{"key_dir": cfg.KeyDir, "fingerprint": keys.Fingerprint(pub)}, nil)
		},
	}
	generate.Flags().BoolVar(&force, "force", false, "Overwrite an existing key pair")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the public key PEM and its fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pub, err := keys.LoadOrGenerate(cfg.KeyDir)
			if err != nil {
				return writeResult(cmd.OutOrStdout(), flagFormat, "key.show", nil, err)
			}
			return writeResult(cmd.OutOrStdout(), flagFormat, "key.show",
				map[string]any{"public_key_pem": string(pub), "fingerprint": keys.Fingerprint(pub)}, nil)
		},
	}

	root.AddCommand(generate, show)
	return root
}
