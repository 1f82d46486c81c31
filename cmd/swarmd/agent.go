package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"swarmcore/internal/config"
	"swarmcore/internal/logging"
	"swarmcore/internal/worker"
)

func newAgentCommand() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "run a single agent worker process (the Lazy Runtime's launch target)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if id == "" {
				return fmt.Errorf("agent: --id is required")
			}
			return runAgent(cmd.Context(), cfg, id)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id, matched against agents[*].id in the config document")
	return cmd
}

func runAgent(parentCtx context.Context, cfg *config.Config, id string) error {
	log := logging.Get("swarmd")
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, ok := findAgent(cfg, id)
	if !ok {
		return fmt.Errorf("agent %s: no matching entry under agents[*] in the config document", id)
	}

	handles, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}

	model := buildModelClient(cfg)
	w, err := worker.New(agentWorkerConfig(settings, handles), handles.board, handles.mailboxes, handles.contextBus, handles.wake, handles.orch, model, noopDispatcher{})
	if err != nil {
		return fmt.Errorf("build worker %s: %w", id, err)
	}

	log.Info("agent %s (%s) starting", id, settings.Role)
	return w.Run(ctx)
}

func findAgent(cfg *config.Config, id string) (config.AgentSettings, bool) {
	for _, a := range cfg.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return config.AgentSettings{}, false
}
