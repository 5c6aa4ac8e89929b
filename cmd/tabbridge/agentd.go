package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/tabbridge/tabbridge/internal/agentd"
)

var agentdCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Run a development backend",
	Long: `Run a development backend for the bridge daemon to dial.

It serves the /bridge websocket, runs a shell behind a pty whose output
streams to the connected bridge, and exposes POST /request for issuing
browser actions by hand:

  curl -XPOST 127.0.0.1:8765/request -d '{"action":"read-url"}'`,
	RunE: runAgentd,
}

var (
	agentdAddr  string
	agentdShell string
)

func init() {
	agentdCmd.Flags().StringVar(&agentdAddr, "addr", agentd.DefaultAddr, "Listen address")
	agentdCmd.Flags().StringVar(&agentdShell, "shell", "", "Shell for the bridged session (default: $SHELL)")
}

func runAgentd(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	log := pslog.LoggerFromEnv(
		pslog.WithEnvWriter(os.Stderr),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole}),
	)

	srv := agentd.New(agentd.Config{
		Addr:   agentdAddr,
		Shell:  agentdShell,
		Logger: log,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
