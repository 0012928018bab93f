package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/x402-payer/handoff"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the wallet handoff and payment API",
	Long: `Serve runs the HTTP API wallets and agents use: fetching paid resources,
approving or rejecting signer sessions, and reading payment history.
Expired signer sessions are swept in the background.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides server.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	srv, err := newHandoffServer(a, addr)
	if err != nil {
		return err
	}

	if a.sessions != nil {
		go a.sessions.Run(ctx, a.cfg.Server.SweepInterval.Std())
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("serving handoff API", slog.String("addr", addr), slog.String("network", a.engine.Network()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newHandoffServer serves the handoff API for a's engine on addr.
func newHandoffServer(a *app, addr string) (*http.Server, error) {
	api, err := handoff.New(a.engine, handoff.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              addr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}
