// Command ensembled runs the Ensemble orchestration daemon.
//
// Exit codes: 0 clean shutdown, 1 configuration error, 2 storage
// unreachable at startup, 3 unrecoverable runtime error.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ensembleworks/ensemble/core"
	"github.com/ensembleworks/ensemble/orchestration"
)

const (
	exitOK             = 0
	exitConfigError    = 1
	exitStorageError   = 2
	exitRuntimeFailure = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   string
		workflowsDir string
	)

	root := &cobra.Command{
		Use:           "ensembled",
		Short:         "Ensemble multi-agent orchestration daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var exitCode int
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = serveDaemon(configPath, workflowsDir)
			if exitCode != exitOK {
				return fmt.Errorf("daemon exited with code %d", exitCode)
			}
			return nil
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	serve.Flags().StringVarP(&workflowsDir, "workflows", "w", "workflows", "directory of workflow definition YAML files")
	root.AddCommand(serve)

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and workflow definitions without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := core.LoadConfig(configPath); err != nil {
				exitCode = exitConfigError
				return err
			}
			if _, err := loadDefinitions(workflowsDir); err != nil {
				exitCode = exitConfigError
				return err
			}
			fmt.Println("configuration and workflow definitions are valid")
			return nil
		},
	}
	validate.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")
	validate.Flags().StringVarP(&workflowsDir, "workflows", "w", "workflows", "directory of workflow definition YAML files")
	root.AddCommand(validate)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ensembled:", err)
		if exitCode == exitOK {
			exitCode = exitRuntimeFailure
		}
	}
	return exitCode
}

func serveDaemon(configPath, workflowsDir string) int {
	config, err := core.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return exitConfigError
	}

	defs, err := loadDefinitions(workflowsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "workflow definition error:", err)
		return exitConfigError
	}

	server, err := orchestration.NewServer(config,
		orchestration.WithDefinitions(defs),
		orchestration.WithExecutors(defaultExecutors()))
	if err != nil {
		if errors.Is(err, core.ErrStorageUnavailable) {
			fmt.Fprintln(os.Stderr, "storage unreachable:", err)
			return exitStorageError
		}
		fmt.Fprintln(os.Stderr, "startup error:", err)
		return exitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "runtime error:", err)
		return exitRuntimeFailure
	}
	return exitOK
}

// loadDefinitions reads every *.yaml file in the directory into a
// definition registry. A missing directory yields an empty registry.
func loadDefinitions(dir string) (*orchestration.DefinitionRegistry, error) {
	registry := orchestration.NewDefinitionRegistry()

	if dir == "" {
		return registry, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return registry, nil
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		def, err := orchestration.LoadWorkflowDefinitionFile(path)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(def); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// defaultExecutors registers the scripted executors for all agent
// roles. Real agent backends replace these by embedding the server and
// installing their own registry.
func defaultExecutors() *orchestration.ExecutorRegistry {
	registry := orchestration.NewExecutorRegistry()
	for agentType, artifactType := range map[string]string{
		orchestration.AgentTypeAnalyst:   "product_requirement",
		orchestration.AgentTypeArchitect: "architecture",
		orchestration.AgentTypeCoder:     "code_bundle",
		orchestration.AgentTypeTester:    "test_report",
		orchestration.AgentTypeDeployer:  "deployment_report",
	} {
		registry.Register(agentType, &orchestration.ScriptedExecutor{
			AgentType:    agentType,
			ArtifactType: artifactType,
		})
	}
	return registry
}
