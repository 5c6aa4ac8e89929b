package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/tabbridge/tabbridge/internal/browser"
	"github.com/tabbridge/tabbridge/internal/conn"
	"github.com/tabbridge/tabbridge/internal/console"
	"github.com/tabbridge/tabbridge/internal/protocol"
	"github.com/tabbridge/tabbridge/internal/router"
	"github.com/tabbridge/tabbridge/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Long: `Run the bridge daemon: dial the agent backend, serve the local panel,
and answer browser requests against the active tab.

The backend websocket carries terminal traffic and browser requests on one
connection. The panel endpoint serves the terminal front-end on loopback.
Browser actions run over DevTools against a browser started with
--remote-debugging-port, or an owned headless instance with --headless.`,
	RunE: runServe,
}

var (
	serveBackendURL  string
	servePanelAddr   string
	serveDevToolsURL string
	serveHeadless    bool
)

func init() {
	serveCmd.Flags().StringVar(&serveBackendURL, "backend", "", "Backend websocket URL")
	serveCmd.Flags().StringVar(&servePanelAddr, "panel", "", "Panel listen address")
	serveCmd.Flags().StringVar(&serveDevToolsURL, "devtools", "", "Browser DevTools websocket URL")
	serveCmd.Flags().BoolVar(&serveHeadless, "headless", false, "Launch an owned headless browser")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	log := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)
	ctx = pslog.ContextWithLogger(ctx, log)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveBackendURL != "" {
		cfg.BackendURL = serveBackendURL
	}
	if servePanelAddr != "" {
		cfg.PanelAddr = servePanelAddr
	}
	if serveDevToolsURL != "" {
		cfg.DevToolsURL = serveDevToolsURL
	}
	if serveHeadless {
		cfg.Headless = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Info("starting bridge daemon",
		"version", appVersion,
		"backend", cfg.BackendURL,
		"panel", cfg.PanelAddr)

	capture := console.NewCapture(cfg.RingCapacity, log)
	client := browser.NewClient(browser.Config{
		DevToolsURL: cfg.DevToolsURL,
		Headless:    cfg.Headless,
		SettleDelay: cfg.SettleDelay,
		CallTimeout: cfg.CallTimeout,
		Logger:      log,
	}, capture)
	defer client.Close()

	// The manager's callbacks point at the router, which needs the manager
	// as its connection; the closure breaks the cycle.
	var rt *router.Router
	mgr := conn.NewManager(conn.Config{
		BackendURL:        cfg.BackendURL,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxAttempts:       cfg.MaxAttempts,
		KeepAliveInterval: cfg.Keepalive,
		DialTimeout:       cfg.DialTimeout,
		OnEnvelope:        func(env *protocol.Envelope) { rt.HandleBackend(env) },
		OnStatus:          func(state conn.State, msg string) { rt.OnStatus(state, msg) },
		Logger:            log,
	})
	rt = router.New(router.Config{
		Connection:     mgr,
		Capability:     client,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         log,
	})

	panel := ui.New(ui.Config{
		Addr:   cfg.PanelAddr,
		Router: rt,
		Logger: log,
	})
	rt.SetPanel(panel)
	if err := panel.Start(); err != nil {
		return err
	}

	mgr.Start(ctx)

	<-ctx.Done()
	log.Info("shutting down")

	mgr.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := panel.Shutdown(shutdownCtx); err != nil {
		log.Warn("panel shutdown", "error", err)
	}
	return nil
}
