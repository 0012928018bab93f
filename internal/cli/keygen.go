package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create a custodial payer keypair",
	Long: `Keygen writes a new keypair in solana-keygen JSON format and prints its
public key. Fund the address before paying with it.`,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringP("outfile", "o", "payer.json", "Where to write the keypair")
	keygenCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("outfile")
	force, _ := cmd.Flags().GetBool("force")

	pub, err := writeKeypair(out, force)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\npubkey: %s\n", out, pub)
	return nil
}

// writeKeypair stores a fresh key as the JSON byte array solana-keygen uses.
func writeKeypair(path string, force bool) (solana.PublicKey, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to create keypair file: %w", err)
	}
	defer f.Close()

	wallet := solana.NewWallet()
	raw := make([]int, len(wallet.PrivateKey))
	for i, b := range wallet.PrivateKey {
		raw[i] = int(b)
	}
	if err := json.NewEncoder(f).Encode(raw); err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to write keypair: %w", err)
	}
	return wallet.PublicKey(), nil
}
