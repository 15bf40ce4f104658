package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/newtron-network/newtcheck/pkg/api"
	"github.com/newtron-network/newtcheck/pkg/util"
)

var (
	serveListen    string
	serveLogFormat string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the verification API over HTTP",
	Long: `Start the HTTP API. Batches started over HTTP run in the background and
can be followed on /api/v1/batch/{batch_id}/events.

On SIGINT or SIGTERM the server stops accepting requests, waits up to
server.shutdown_timeout for in-flight requests, then closes device sessions.

Examples:
  newtcheck serve
  newtcheck serve --listen 127.0.0.1:9000 --log-format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveListen != "" {
			cfg.Server.Listen = serveListen
		}
		format := cfg.Log.Format
		if serveLogFormat != "" {
			format = serveLogFormat
		}
		if err := util.SetLogFormat(format); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := openService(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer svc.Close()

		server := api.NewServer(svc.orch, cfg.Server.Listen)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			util.WithOperation("serve").Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			svc.sessions.KeepAlive(gctx, cfg.SSH.Keepalive)
			return nil
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from config server.listen)")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", "", "Log format: text or json")
}
