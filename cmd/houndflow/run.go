package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/rendis/houndflow/internal/streaming"
	"github.com/rendis/houndflow/pkg/schema"
)

const closeTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	var (
		inputPairs []string
		inputsFile string
		progress   bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Run a workflow and print its final snapshot",
		Long: `Run a workflow and print its final snapshot as JSON.

The first interrupt pauses the execution at its next step boundary so it can
be continued with "houndflow resume"; a second interrupt cancels it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			inputs, err := readInputs(inputsFile, inputPairs)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg, true)
			if err != nil {
				return err
			}
			defer closeApp(a)

			def, err := a.loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			id, err := a.runner.Start(cmd.Context(), def, inputs)
			if err != nil {
				return err
			}
			if progress {
				stop := printProgress(cmd.Context(), a.hub, id, cmd.ErrOrStderr())
				defer stop()
			}
			snap, err := waitInterruptible(cmd.Context(), a, id)
			if err != nil {
				return err
			}
			return report(cmd, snap)
		},
	}
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "workflow input as name=value (value parsed as YAML), repeatable")
	cmd.Flags().StringVar(&inputsFile, "inputs-file", "", "YAML or JSON file with workflow inputs")
	cmd.Flags().BoolVar(&progress, "progress", false, "print progress updates to stderr")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var workflowFile string
	cmd := &cobra.Command{
		Use:   "resume <execution-id>",
		Short: "Resume a paused execution from its stored snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.StateBackend == "memory" {
				return fmt.Errorf("resume needs a persistent state_backend (libsql or redis)")
			}
			a, err := buildApp(cfg, true)
			if err != nil {
				return err
			}
			defer closeApp(a)

			def, err := a.loader.LoadFile(workflowFile)
			if err != nil {
				return err
			}
			a.runner.RegisterDefinition(def)
			if err := a.runner.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			snap, err := waitInterruptible(cmd.Context(), a, args[0])
			if err != nil {
				return err
			}
			return report(cmd, snap)
		},
	}
	cmd.Flags().StringVarP(&workflowFile, "workflow", "w", "", "workflow file the execution was started from")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

// waitInterruptible waits for the execution. The first SIGINT/SIGTERM
// pauses it, the second cancels it.
func waitInterruptible(ctx context.Context, a *app, id string) (*schema.ExecutionSnapshot, error) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	done := make(chan struct{})
	defer close(done)
	go func() {
		paused := false
		for {
			select {
			case <-done:
				return
			case <-sigs:
				if !paused {
					paused = true
					a.logger.Info("interrupt: pausing execution", zap.String("execution_id", id))
					_ = a.runner.Pause(context.Background(), id)
					continue
				}
				a.logger.Info("interrupt: cancelling execution", zap.String("execution_id", id))
				_ = a.runner.Cancel(context.Background(), id, "interrupted")
				return
			}
		}
	}()
	return a.runner.Wait(ctx, id)
}

// report prints snap and turns unsuccessful endings into an error.
func report(cmd *cobra.Command, snap *schema.ExecutionSnapshot) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return err
	}
	switch snap.Status {
	case schema.StatusCompleted:
		return nil
	case schema.StatusPaused:
		fmt.Fprintf(cmd.ErrOrStderr(), "execution %s paused; continue with: houndflow resume %s --workflow <file>\n",
			snap.ExecutionID, snap.ExecutionID)
		return nil
	default:
		return &runFailedError{status: string(snap.Status)}
	}
}

func printProgress(ctx context.Context, hub streaming.Hub, id string, w io.Writer) func() {
	ch, cancel, err := hub.Subscribe(ctx, streaming.Filter{ExecutionID: id})
	if err != nil {
		fmt.Fprintf(w, "progress unavailable: %v\n", err)
		return func() {}
	}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for p := range ch {
			fmt.Fprintf(w, "[%5.1f%%] %s %d/%d %s\n", p.Percentage, p.Status, p.CompletedSteps, p.TotalSteps, p.CurrentStepID)
		}
	}()
	return func() {
		cancel()
		<-finished
	}
}

// readInputs merges the inputs file with name=value pairs; pairs win.
func readInputs(file string, pairs []string) (map[string]any, error) {
	inputs := make(map[string]any)
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read inputs file: %w", err)
		}
		if err := yaml.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("parse inputs file: %w", err)
		}
	}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid input %q: want name=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		inputs[name] = value
	}
	return inputs, nil
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.close(ctx); err != nil {
		a.logger.Warn("shutdown incomplete", zap.Error(err))
	}
}
