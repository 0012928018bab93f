package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	x402 "github.com/becomeliminal/x402-payer"
	"github.com/becomeliminal/x402-payer/ledger"
)

var attemptsCmd = &cobra.Command{
	Use:   "attempts",
	Short: "Inspect recorded payment attempts",
	Long: `Attempts reads the payment ledger. With the memory driver the ledger only
lives inside a running "x402pay serve"; use the postgres driver to share it.`,
}

var attemptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent attempts",
	RunE:  runAttemptsList,
}

var attemptsGetCmd = &cobra.Command{
	Use:   "get <attempt-id>",
	Short: "Show one attempt",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttemptsGet,
}

func init() {
	attemptsCmd.AddCommand(attemptsListCmd)
	attemptsCmd.AddCommand(attemptsGetCmd)

	attemptsListCmd.Flags().String("status", "", "Only attempts with this status")
	attemptsListCmd.Flags().String("payer", "", "Only attempts by this payer")
	attemptsListCmd.Flags().Int("limit", 20, "Number of attempts to show")
}

func runAttemptsList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	payer, _ := cmd.Flags().GetString("payer")
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	attempts, err := a.ledger.List(cmd.Context(), ledger.Filter{
		Status: x402.AttemptStatus(status),
		Payer:  payer,
		Limit:  limit,
	})
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No payment attempts found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSTATUS\tAMOUNT\tRESOURCE")
	for _, at := range attempts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			at.ID, at.CreatedAt.Format("2006-01-02 15:04:05"), at.Status, at.Amount, at.Resource)
	}
	return w.Flush()
}

func runAttemptsGet(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	attempt, err := a.ledger.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(attempt)
}
