package main

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// execRunner satisfies the session adapter's streaming contract by spawning
// a configured command per prompt. The prompt goes to stdin; each stdout
// line comes back as a text delta. Session ids are passed through the
// RELAY_SESSION environment variable so the command can keep per-session
// state.
type execRunner struct {
	command string
	logger  zerolog.Logger
}

func newExecRunner(command string, logger zerolog.Logger) *execRunner {
	return &execRunner{
		command: command,
		logger:  logger.With().Str("component", "exec-runner").Logger(),
	}
}

func (r *execRunner) Stream(ctx context.Context, sessionID, prompt string) (<-chan map[string]any, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", r.command)
	cmd.Env = append(cmd.Environ(), "RELAY_SESSION="+sessionID)
	cmd.Stdin = strings.NewReader(prompt)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent command: %w", err)
	}

	events := make(chan map[string]any, 16)
	go func() {
		defer close(events)
		// cmd.Wait must run even when the consumer walks away, or the
		// child is never reaped.
		defer func() {
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Str("session_id", sessionID).Msg("agent command failed")
				r.send(ctx, events, map[string]any{
					"type": "error",
					"data": map[string]any{"message": fmt.Sprintf("agent command failed: %v", err)},
				})
			}
		}()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if !r.send(ctx, events, map[string]any{
				"type": "text_delta",
				"data": map[string]any{"text": line},
			}) {
				return
			}
		}
	}()
	return events, nil
}

// send forwards one event unless the consumer has abandoned the stream.
func (r *execRunner) send(ctx context.Context, events chan<- map[string]any, ev map[string]any) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
