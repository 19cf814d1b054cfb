package cli

import (
	"fmt"

	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/auth"
	"github.com/KyMidd/AgentCore-AgenticSlackBot/internal/crypto"

	"github.com/spf13/cobra"
)

func NewKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate-keys",
		Short: "Generate the secrets the service needs",
		Long: `Generate a credential master secret and an Ed25519 signing key pair.
The private key goes to the signing side, the public key to the verifying side;
the master secret must never leave this service's environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenerateKeys(cmd)
		},
	}

	return cmd
}

func runGenerateKeys(cmd *cobra.Command) error {
	masterSecret, err := crypto.GenerateMasterSecret()
	if err != nil {
		return err
	}

	privateKey, publicKey, err := auth.GenerateKeyPair()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "CREDENTIAL_MASTER_SECRET=%s\n", masterSecret)
	fmt.Fprintf(out, "AGENT_SIGNING_PRIVATE_KEY=%s\n", privateKey)
	fmt.Fprintf(out, "AGENT_API_PUBLIC_KEY=%s\n", publicKey)

	return nil
}
