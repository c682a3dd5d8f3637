package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/ratelimit"
	"github.com/PaulBabatuyi/medlink-chat/internal/realtime"
)

const shutdownTimeout = 10 * time.Second

func newTokenCmd(a *app) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jwt == nil {
				return errors.New("JWT_SECRET or JWT_KEYS must be set")
			}
			token, exp, err := a.jwt.GenerateToken(args[0], email)
			if err != nil {
				return err
			}
			a.log.Debug("token issued", zap.String("user", args[0]), zap.Time("expires", exp))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	return cmd
}

func newRelayCmd(a *app) *cobra.Command {
	var (
		addr       string
		connectRPM int
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the live message feed to websocket clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if a.jwt == nil {
				return errors.New("JWT_SECRET or JWT_KEYS must be set to verify relay clients")
			}
			if err := a.openBackend(ctx); err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.RelayAddr
			}

			limiter := ratelimit.NewLimiterStore(connectRPM, max(connectRPM/10, 1), time.Minute)
			defer limiter.Stop()

			srv := realtime.NewServer(a.backend, a.backend, a.jwt, a.log.Named("relay"),
				realtime.WithConnectLimiter(limiter),
				realtime.WithServerMetrics(a.metrics),
			)
			router := srv.Router()
			router.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

			return serve(ctx, a.log, &http.Server{
				Addr:              addr,
				Handler:           router,
				ReadHeaderTimeout: 5 * time.Second,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $RELAY_ADDR)")
	cmd.Flags().IntVar(&connectRPM, "connect-rpm", 60, "websocket handshakes allowed per remote host per minute")
	return cmd
}

// serve runs hs until ctx is cancelled, then shuts it down gracefully.
func serve(ctx context.Context, log *zap.Logger, hs *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", hs.Addr))
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down relay")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
