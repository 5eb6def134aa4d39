package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pqsky/skybridge/pkg/crypto"
	"github.com/pqsky/skybridge/pkg/handshake"
	"github.com/pqsky/skybridge/pkg/suites"
)

func newKeygenCmd() *cobra.Command {
	var suiteID string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate tunnel key material",
		Long: `Keygen produces the three secrets a tunnel deployment needs:

  identity_seed_hex    for the gcs configuration (keep secret)
  peer_verify_key_hex  for the drone configuration (public)
  psk_hex              shared by both sides (keep secret)

The seed deterministically derives the gcs signing key, so only the seed
needs to survive reprovisioning.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			suite, err := suites.Resolve(suiteID)
			if err != nil {
				return err
			}

			seed, err := crypto.SecureRandomBytes(suite.Sig.Scheme.SeedSize())
			if err != nil {
				return err
			}
			id, err := handshake.IdentityFromSeed(suite.Sig.Scheme, seed)
			if err != nil {
				return err
			}
			pub, err := id.PublicBytes()
			if err != nil {
				return err
			}
			psk, err := crypto.SecureRandomBytes(32)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "suite: %s\n", suite.ID)
			fmt.Fprintf(out, "identity_seed_hex: %s\n", hex.EncodeToString(seed))
			fmt.Fprintf(out, "peer_verify_key_hex: %s\n", hex.EncodeToString(pub))
			fmt.Fprintf(out, "psk_hex: %s\n", hex.EncodeToString(psk))
			return nil
		},
	}

	cmd.Flags().StringVar(&suiteID, "suite", suites.DefaultSuiteID, "suite the identity key is generated for")
	return cmd
}
