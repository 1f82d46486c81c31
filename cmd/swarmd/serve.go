package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swarmcore/internal/async"
	"swarmcore/internal/config"
	"swarmcore/internal/httpapi"
	"swarmcore/internal/logging"
	"swarmcore/internal/modelclient"
	"swarmcore/internal/runtime"
	"swarmcore/internal/worker"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the supervisor: HTTP front door plus the configured agent pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address for the HTTP front door to listen on")
	return cmd
}

func runServe(parentCtx context.Context, cfg *config.Config, addr string) error {
	log := logging.Get("swarmd")
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	handles, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	model := buildModelClient(cfg)

	stopAgents, err := startAgentPool(ctx, cfg, handles, model)
	if err != nil {
		return err
	}
	defer stopAgents()

	srv := httpapi.New(handles.orch, handles.board, model, httpapi.Config{})
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}

	serveErr := make(chan error, 1)
	async.Go(log, "http-listen", func() {
		log.Info("http front door listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	})

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("http front door failed: %v", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpapi.Shutdown(shutdownCtx, httpSrv); err != nil {
		log.Warn("http shutdown: %v", err)
	}
	return nil
}

// startAgentPool launches the configured agents per runtime.mode:
//   - "in_process" runs each as a goroutine worker.Worker sharing this
//     process's handles directly, no subprocess involved.
//   - "process"/"lazy" register each as a swarmd agent subprocess with the
//     Lazy Runtime; "process" marks every agent always_on (launched
//     immediately and kept running), "lazy" launches on demand from pending
//     board work and stops idle agents after runtime.idle_shutdown.
//
// The returned stop func blocks until every launched agent has wound down.
func startAgentPool(ctx context.Context, cfg *config.Config, handles *coreHandles, model *modelclient.Client) (func(), error) {
	if cfg.Runtime.Mode == "in_process" {
		return startInProcessAgents(ctx, cfg, handles, model)
	}
	return startSupervisedAgents(ctx, cfg, handles)
}

func startInProcessAgents(ctx context.Context, cfg *config.Config, handles *coreHandles, model *modelclient.Client) (func(), error) {
	done := make(chan struct{})
	var running int

	for _, a := range cfg.Agents {
		w, err := worker.New(agentWorkerConfig(a, handles), handles.board, handles.mailboxes, handles.contextBus, handles.wake, handles.orch, model, noopDispatcher{})
		if err != nil {
			return nil, fmt.Errorf("build worker %s: %w", a.ID, err)
		}
		running++
		id := a.ID
		async.Go(logging.Get("swarmd"), "worker:"+id, func() {
			defer func() { done <- struct{}{} }()
			if err := w.Run(ctx); err != nil {
				logging.Get("swarmd").Warn("worker %s exited: %v", id, err)
			}
		})
	}

	return func() {
		for i := 0; i < running; i++ {
			<-done
		}
	}, nil
}

func agentWorkerConfig(a config.AgentSettings, handles *coreHandles) worker.Config {
	return worker.Config{
		ID:            a.ID,
		Role:          a.Role,
		Model:         a.Model,
		Skills:        a.Skills,
		Tools:         a.Tools,
		MinReputation: a.MinReputation,
		HeartbeatDir:  handles.layout.heartbeatDir(),
	}
}

func startSupervisedAgents(ctx context.Context, cfg *config.Config, handles *coreHandles) (func(), error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve swarmd executable: %w", err)
	}

	procs := runtime.NewProcessManager(handles.layout.path("pids"), handles.layout.path("logs"))
	rt := runtime.NewRuntime(procs, handles.board, handles.mailboxes, cfg.Runtime.IdleShutdown.Std())

	alwaysOn := cfg.Runtime.Mode == "process"
	configPath, _ := filepath.Abs(handles.layout.workDir)
	for _, a := range cfg.Agents {
		id := a.ID
		rt.Register(runtime.AgentDefinition{
			ID:       id,
			Role:     a.Role,
			AlwaysOn: alwaysOn || containsString(cfg.Runtime.AlwaysOn, id),
			Command: func() *exec.Cmd {
				return exec.Command(executable, "agent", "--id", id, "--work-dir", configPath)
			},
		})
	}

	if err := rt.Start(ctx); err != nil {
		return nil, fmt.Errorf("start always_on agents: %w", err)
	}
	async.Go(logging.Get("swarmd"), "lazy-runtime-monitor", func() { rt.Run(ctx) })

	return func() {
		_ = procs.StopAll(context.Background())
	}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
