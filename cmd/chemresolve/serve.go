package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	chemmcp "github.com/hurttlocker/chemresolve/internal/mcp"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio",
		Long: `Start an MCP server on stdin/stdout exposing resolution, ingestion,
validation, calibration and clustering tools. Logs go to stderr.

With --metrics-addr (or metrics_addr in the config) Prometheus metrics are
served on /metrics at that address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.open(cmd, openOptions{catalog: true})
			if err != nil {
				return err
			}
			defer a.Close()

			addr := metricsAddr
			if addr == "" {
				addr = a.cfg.MetricsAddr.Value
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					a.logger.Info("serving metrics", "addr", addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server", "error", err)
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
					defer done()
					srv.Shutdown(shutdownCtx)
				}()
			}

			s := chemmcp.NewServer(chemmcp.ServerConfig{
				Engine:  a.engine,
				Version: version,
				Logger:  a.logger,
			})
			a.logger.Info("mcp server ready", "model", a.engine.Model(), "thresholds", a.engine.Thresholds().Version)
			return server.ServeStdio(s)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9464")
	return cmd
}
