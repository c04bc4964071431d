package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/abi-engine/internal/httpapi"
)

const shutdownTimeout = 15 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat and research HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		env, err := initApp(ctx, "serve", true)
		if err != nil {
			return err
		}
		defer env.Close()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           buildHandler(env),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("serving", zap.String("addr", srv.Addr), zap.Strings("origins", cfg.Server.AllowedOrigins))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "serve: listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			start := time.Now()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			zap.L().Info("server stopped", zap.Int64("duration_ms", time.Since(start).Milliseconds()), zap.Error(err))
			return eris.Wrap(err, "serve: shutdown")
		})
		return g.Wait()
	},
}

func buildHandler(env *appEnv) http.Handler {
	return httpapi.NewServer(cfg.Server, httpapi.Deps{
		Engine:        env.Engine,
		Conversations: env.Conversations,
		Research:      env.Research,
		Approvals:     env.Approvals,
		Ledger:        env.Ledger,
		Store:         env.Store,
		Breakers:      env.Breakers,
	})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
