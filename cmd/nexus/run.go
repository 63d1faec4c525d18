package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-turnengine/internal/execrunner"
	"github.com/haasonsaas/nexus-turnengine/internal/hooks"
	"github.com/haasonsaas/nexus-turnengine/internal/providers/anthropic"
	"github.com/haasonsaas/nexus-turnengine/internal/providers/bedrock"
	"github.com/haasonsaas/nexus-turnengine/internal/providers/gemini"
	"github.com/haasonsaas/nexus-turnengine/internal/providers/openai"
	"github.com/haasonsaas/nexus-turnengine/internal/rollout"
	"github.com/haasonsaas/nexus-turnengine/internal/session"
	"github.com/haasonsaas/nexus-turnengine/internal/streaming"
	"github.com/haasonsaas/nexus-turnengine/internal/turn"
	"github.com/haasonsaas/nexus-turnengine/pkg/protocol"
)

// Exit codes per spec's turn-run contract.
const (
	exitSuccess     = 0
	exitTurnError   = 1
	exitInterrupted = 130
)

func buildRunCmd() *cobra.Command {
	var (
		prompt     string
		model      string
		provider   string
		rolloutDir string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one turn against a prompt and print the resulting events as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runOnce(cmd.Context(), runOptions{
				Prompt:     prompt,
				Model:      model,
				Provider:   provider,
				RolloutDir: rolloutDir,
			})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
			os.Exit(code)
			return nil
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "user prompt text for this turn")
	cmd.Flags().StringVar(&model, "model", "", "model override (defaults to the provider's configured model)")
	cmd.Flags().StringVar(&provider, "provider", "anthropic", "model provider backend: anthropic, openai, bedrock, or gemini")
	cmd.Flags().StringVar(&rolloutDir, "rollout-dir", "", "directory to persist the session's JSONL rollout (disabled if empty)")
	return cmd
}

type runOptions struct {
	Prompt     string
	Model      string
	Provider   string
	RolloutDir string
}

// buildTransport selects the streaming.Transport backend named by
// opts.Provider, reading each provider's credentials from its
// conventional environment variable.
func buildTransport(ctx context.Context, opts runOptions) (streaming.Transport, error) {
	switch opts.Provider {
	case "", "anthropic":
		return anthropic.New(anthropic.Config{
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			DefaultModel: opts.Model,
		}), nil
	case "openai":
		return openai.New(openai.Config{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			DefaultModel: opts.Model,
		}), nil
	case "bedrock":
		return bedrock.New(ctx, bedrock.Config{
			Region:       os.Getenv("AWS_REGION"),
			DefaultModel: opts.Model,
		})
	case "gemini":
		return gemini.New(ctx, gemini.Config{
			APIKey:       os.Getenv("GOOGLE_API_KEY"),
			DefaultModel: opts.Model,
		})
	default:
		return nil, fmt.Errorf("nexus run: unknown provider %q", opts.Provider)
	}
}

func runOnce(ctx context.Context, opts runOptions) (int, error) {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	transport, err := buildTransport(ctx, opts)
	if err != nil {
		return exitTurnError, err
	}
	streamClient := streaming.NewClient(transport, streaming.DefaultConfig(), nil)
	execRunner := execrunner.NewRunner(0)
	hookPipeline := hooks.NewExternalPipeline(nil)
	engine := turn.NewEngine(streamClient, execRunner, hookPipeline, nil)

	sess := session.New("", engine, nil)

	var sink *rollout.Sink
	if opts.RolloutDir != "" {
		s, err := rollout.NewSink(opts.RolloutDir + "/" + sess.ID + ".jsonl")
		if err != nil {
			return exitTurnError, fmt.Errorf("nexus run: open rollout sink: %w", err)
		}
		defer s.Close()
		sink = s
	}

	outcome, err := sess.HandleOp(ctx, protocol.Op{
		Type: protocol.OpUserInput,
		UserInput: &protocol.UserInputOp{
			Items: []protocol.InputItem{{Type: protocol.InputText, Text: opts.Prompt}},
		},
	})
	if err != nil {
		return exitTurnError, err
	}

	enc := json.NewEncoder(os.Stdout)
	sawError := false
	for _, ev := range outcome.Events {
		if ev.Msg.Type == protocol.EventError || ev.Msg.Type == protocol.EventStreamError {
			sawError = true
		}
		if sink != nil {
			_ = sink.Append(ev)
		}
		_ = enc.Encode(ev)
	}

	switch outcome.State {
	case turn.StateAborted:
		// The engine also aborts on a failed model stream; only a
		// cancelled context counts as an interruption.
		if ctx.Err() == nil {
			return exitTurnError, nil
		}
		return exitInterrupted, nil
	case turn.StateCompleted:
		if sawError {
			return exitTurnError, nil
		}
		return exitSuccess, nil
	default:
		return exitTurnError, nil
	}
}
