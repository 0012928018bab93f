package cli

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/x402-payer/agent"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the x402_pay_for_service tool over MCP stdio",
	Long: `Mcp serves the payment tool to an agent over stdio. With an interactive
signer the wallet handoff API is also served on server.addr, so the wallet
can approve the sessions the tool reports.`,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.sessions != nil {
		go a.sessions.Run(ctx, a.cfg.Server.SweepInterval.Std())

		srv, err := newHandoffServer(a, a.cfg.Server.Addr)
		if err != nil {
			return err
		}
		defer srv.Close()
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("handoff API stopped", slog.Any("error", err))
			}
		}()
		a.logger.Info("serving handoff API for wallet approvals", slog.String("addr", srv.Addr))
	}
	return server.ServeStdio(agent.NewServer(a.engine, rootCmd.Version, agent.WithLogger(a.logger)))
}
