package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"schedline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, e env) error {
				if addr == "" {
					addr = e.cfg.Server.Addr
				}
				if basePath == "" {
					basePath = e.cfg.Server.BasePath
				}
				hub := server.NewHub(e.log)
				defer hub.Close()
				e.svc.OnTemperature = hub.Publish

				handler, err := server.New(server.Config{
					Service:  e.svc,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: e.cfg.Server.JWTSecret, Logger: e.log},
					Hub:      hub,
					Log:      e.log,
				})
				if err != nil {
					return err
				}
				hooksDone := server.StartWebhookDispatcher(ctx, e.svc.Repo, e.cfg.Webhooks, e.log)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				e.log.Info("serving schedline api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("auth", e.cfg.Server.JWTSecret != ""),
					zap.Int("webhooks", len(e.cfg.Webhooks)))
				err = srv.ListenAndServe()
				<-hooksDone
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	return cmd
}
