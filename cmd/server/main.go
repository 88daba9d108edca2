package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"msisdn-gateway/internal/config"
	"msisdn-gateway/internal/factory"
	"msisdn-gateway/internal/util"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Value:   "configs/config.yaml",
		Usage:   "path to the YAML configuration file",
		EnvVars: []string{"CONFIG_PATH"},
	},
}

func main() {
	app := &cli.App{
		Name:    "msisdn-gateway",
		Usage:   "Verify phone numbers by SMS and sign identity certificates",
		Version: factory.Version,
		Flags:   flags,
		Before: func(cCtx *cli.Context) error {
			return os.Setenv("CONFIG_PATH", cCtx.String("config"))
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API (default)",
				Action: serve,
			},
			{
				Name:   "check-storage",
				Usage:  "connect to every configured dependency and report its health",
				Action: checkStorage,
			},
			{
				Name:      "inspect-session",
				Usage:     "show the hmac id and state behind a client's session token",
				ArgsUsage: "<session token>",
				Action:    inspectSession,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cCtx *cli.Context) error {
	f, err := factory.NewFactory(cCtx.Context)
	if err != nil {
		return fmt.Errorf("failed to initialize factory: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()
	f.Start(ctx)

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if !f.IsHealthy(healthCtx) {
		util.Warn("Starting with unhealthy dependencies; /__heartbeat__ will report 503")
	}
	healthCancel()

	cfg := f.Config()
	router := f.Router()

	var serverAddr string
	if cfg.Server.EnableTLS {
		serverAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
	} else {
		serverAddr = cfg.GetServerAddress()
	}

	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().TLSConfig()

		if cfg.IsProduction() && cfg.Server.AutoCert {
			return serveWithAutoCert(f, server, cfg)
		}

		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	return run(f, server)
}

func serveWithAutoCert(f *factory.Factory, server *http.Server, cfg *config.Config) error {
	autoCert := f.TLSManager().AutoCert()
	if autoCert == nil {
		return errors.New("AutoCert manager is not available in production")
	}

	// Port 80 only answers ACME challenges and redirects to HTTPS.
	challenge := &http.Server{
		Addr:              ":80",
		Handler:           autoCert.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server.Addr = ":443"

	go func() {
		util.Info("Starting HTTP challenge server on port 80")
		if err := challenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("HTTP challenge server failed", util.ErrorField(err))
		}
	}()

	util.Info("Starting HTTPS server with AutoCert on port 443", util.String("domain", cfg.Server.Domain))
	return run(f, server, challenge)
}

// run serves on the first server until a signal arrives or it fails, then
// shuts every server down.
func run(f *factory.Factory, server *http.Server, others ...*http.Server) error {
	cfg := f.Config()
	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.EnableTLS {
			// Certificates come from TLSConfig.GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signalChan)

	var serveErr error
	select {
	case sig := <-signalChan:
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
	case serveErr = <-errCh:
		util.Error("Server failed", util.ErrorField(serveErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range append([]*http.Server{server}, others...) {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		}
	}
	util.Info("Server shutdown completed")
	return serveErr
}

func checkStorage(cCtx *cli.Context) error {
	f, err := factory.NewFactory(cCtx.Context)
	if err != nil {
		return fmt.Errorf("failed to initialize factory: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(cCtx.Context, 15*time.Second)
	defer cancel()

	failures := f.HealthCheck(ctx)
	if len(failures) == 0 {
		fmt.Fprintf(cCtx.App.Writer, "ok: volatile=%s persistent=%s\n", f.Config().Storage.Volatile, f.Config().Storage.Persistent)
		return nil
	}

	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(cCtx.App.ErrWriter, "%s: %v\n", name, failures[name])
	}
	return cli.Exit(fmt.Sprintf("%d dependencies unhealthy", len(failures)), 1)
}

func inspectSession(cCtx *cli.Context) error {
	token := cCtx.Args().First()
	if token == "" {
		return cli.Exit("a session token is required", 2)
	}

	f, err := factory.NewFactory(cCtx.Context)
	if err != nil {
		return fmt.Errorf("failed to initialize factory: %w", err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(cCtx.Context, 15*time.Second)
	defer cancel()

	status, err := f.Gateway().InspectSession(ctx, token)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cCtx.App.Writer, string(out))
	return nil
}
