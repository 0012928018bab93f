package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	x402 "github.com/becomeliminal/x402-payer"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <signature>",
	Short: "Check that a transaction paid a payee",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().String("payee", "", "Wallet that must have been paid (required)")
	verifyCmd.Flags().String("amount", "", "Minimum amount in atomic units (required)")
	verifyCmd.Flags().String("asset", "USDC", "Asset symbol or mint")
	_ = verifyCmd.MarkFlagRequired("payee")
	_ = verifyCmd.MarkFlagRequired("amount")
}

func runVerify(cmd *cobra.Command, args []string) error {
	payee, _ := cmd.Flags().GetString("payee")
	rawAmount, _ := cmd.Flags().GetString("amount")
	asset, _ := cmd.Flags().GetString("asset")

	amount, err := x402.ParseAtomic(rawAmount)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	network := a.engine.Network()
	if info, ok := x402.LookupAsset(network, asset); ok {
		asset = info.Mint
	}
	res, err := a.engine.VerifySignature(cmd.Context(), args[0], &x402.Requirement{
		Scheme:   x402.SchemeExact,
		Network:  network,
		Asset:    asset,
		Amount:   amount,
		Decimals: x402.DecimalsUnknown,
		Payee:    payee,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("payment not valid: %s", res.InvalidReason)
	}
	return nil
}
