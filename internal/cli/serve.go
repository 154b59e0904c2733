package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/plangate/internal/server"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("grpc-addr", "", "gRPC listen address (default from config: 127.0.0.1:9743)")
	serveCmd.Flags().String("http-addr", "", "HTTP listen address (default from config: 127.0.0.1:9744)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remote evaluation server",
	Long: "Runs plangate as a central evaluation server over gRPC and HTTP.\n" +
		"CI jobs connect with `plangate evaluate --server` or POST plans to /v1/evaluate.\n" +
		"The rule-set file is hot-reloaded on change; a broken edit keeps the previous rule-set.",
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := zerolog.Ctx(ctx)
	if settings.RuleSet == "" {
		return errors.New("no rule-set given (use --ruleset or PLANGATE_RULESET)")
	}

	sk, err := openSinks(ctx)
	if err != nil {
		return err
	}
	defer sk.Close()

	srv, err := server.New(server.Config{
		RuleSetPath: settings.RuleSet,
		Workers:     settings.Workers,
		Timeout:     settings.Timeout,
		AuditLog:    sk.audit,
		History:     sk.history,
		Alerts:      settings.Alerts,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	grpcLis, err := net.Listen("tcp", settings.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpLis, err := net.Listen("tcp", settings.HTTPAddr)
	if err != nil {
		grpcLis.Close()
		return fmt.Errorf("listen http: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ServeGRPC(grpcLis) })
	g.Go(func() error { return srv.ServeHTTP(httpLis) })

	reloader, err := server.NewReloader(srv, []string{settings.RuleSet}, *log)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: hot-reload disabled: %v\n", err)
	} else {
		g.Go(func() error { return reloader.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(cmd.ErrOrStderr(), "\nShutting down plangate server...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	fmt.Fprintf(cmd.ErrOrStderr(), "plangate server: grpc %s, http %s\n", grpcLis.Addr(), httpLis.Addr())
	fmt.Fprintf(cmd.ErrOrStderr(), "Rule-set: %s (hot-reload enabled)\n\n", settings.RuleSet)

	return g.Wait()
}
