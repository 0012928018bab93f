package cli

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	x402 "github.com/becomeliminal/x402-payer"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Request a URL, paying if it answers 402",
	Long: `Fetch sends the request and, when the resource answers 402 Payment Required,
pays the stated amount and replays the request with the proof attached.

The response body is written to stdout; the payment summary goes to stderr.
In interactive mode the payment waits for a wallet: run "x402pay serve" and
approve the printed session instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringP("request", "X", http.MethodGet, "HTTP method")
	fetchCmd.Flags().StringP("data", "d", "", "Request body")
	fetchCmd.Flags().StringArrayP("header", "H", nil, "Request header as 'Name: value' (repeatable)")
}

func runFetch(cmd *cobra.Command, args []string) error {
	method, _ := cmd.Flags().GetString("request")
	data, _ := cmd.Flags().GetString("data")
	headers, _ := cmd.Flags().GetStringArray("header")

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var body io.Reader
	if data != "" {
		body = strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), args[0], body)
	if err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	h, err := parseHeaders(headers)
	if err != nil {
		return err
	}
	req.Header = h

	result, err := a.engine.Do(ctx, req)
	if err != nil {
		return err
	}

	stderr := cmd.ErrOrStderr()
	if result.Pending() {
		fmt.Fprintf(stderr, "payment of %s awaits wallet approval: session %s (expires %s)\n",
			result.Requirement.DisplayAmount(), result.Session.ID, result.Session.ExpiresAt.Format("15:04:05"))
		return nil
	}
	if result.Paid {
		fmt.Fprintf(stderr, "paid %s %s to %s (signature %s)\n",
			result.Requirement.DisplayAmount(), assetLabel(result.Requirement), result.Requirement.Payee, result.Attempt.Signature)
	}
	if result.Response == nil {
		return nil
	}
	fmt.Fprintf(stderr, "HTTP %d\n", result.Response.StatusCode)

	_, err = cmd.OutOrStdout().Write(result.Response.Body)
	return err
}

// parseHeaders turns curl-style "Name: value" strings into a header.
func parseHeaders(values []string) (http.Header, error) {
	h := http.Header{}
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", v)
		}
		h.Add(name, strings.TrimSpace(value))
	}
	return h, nil
}

func assetLabel(req *x402.Requirement) string {
	if info, ok := x402.LookupAsset(req.Network, req.Asset); ok {
		return info.Symbol
	}
	return req.Asset
}
