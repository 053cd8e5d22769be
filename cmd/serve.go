package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dpaulsen/sessionrunner/internal/apiserver"
	"github.com/dpaulsen/sessionrunner/internal/configgen"
	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/log"
	"github.com/dpaulsen/sessionrunner/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SSE/REST daemon that hosts live group and queue runners",
	Long: `serve starts an HTTP server exposing:

  GET  /events               Server-Sent Events stream of every session/group/queue event
  POST /api/groups           create a session group
  POST /api/groups/{id}/run|pause|resume|stop
  POST /api/queues           create a command queue
  POST /api/queues/{id}/run|pause|resume|stop

Groups and queues started through this daemon keep their Runner alive in
memory for the daemon's lifetime, so pause/resume/stop issued from a
separate "sessionrunner group ..." invocation can reach it.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	clock := ids.SystemClock{}
	groups, queues, closeRepos, err := openRepositories(clock)
	if err != nil {
		return err
	}
	defer closeRepos()

	if err := groups.MarkStaleRunningAsPaused(cmd.Context()); err != nil {
		log.Warn(log.CatRepo, "failed to sweep stale running groups", "error", err)
	}
	if err := queues.MarkStaleRunningAsPaused(cmd.Context()); err != nil {
		log.Warn(log.CatRepo, "failed to sweep stale running queues", "error", err)
	}

	engineName := resolveEngineBinary(viper.GetString("engine"))
	configGen := configgen.NewDirConfigGenerator("")
	server := apiserver.New(groups, queues, bus, newProcessManager(), configGen, nil, clock, engineName)

	// Tail the transcripts of every engine session the daemon's runners
	// start, so tool/message activity reaches SSE clients.
	hub := watch.NewMonitorHub(groups, watch.OSFileSystem{}, clock, bus)
	hub.Start()
	defer hub.Stop()

	addr := viper.GetString("listen")
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info(log.CatRepo, "serve listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-sigCh:
		fmt.Fprintln(cmd.OutOrStdout(), "shutting down...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}
