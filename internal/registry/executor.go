package registry

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// DemoExecutor is the built-in scripted policy: it narrates a short
// "thinking" sequence, emits one search step, and finishes. Delays go
// through the clock so tests can drive it with a virtual one.
type DemoExecutor struct {
	Clock      clock.Clock
	StartDelay time.Duration
	TokenDelay time.Duration
	StepDelay  time.Duration
}

// NewDemoExecutor returns the demo policy with its usual pacing.
func NewDemoExecutor(c clock.Clock) *DemoExecutor {
	return &DemoExecutor{
		Clock:      c,
		StartDelay: 500 * time.Millisecond,
		TokenDelay: 120 * time.Millisecond,
		StepDelay:  300 * time.Millisecond,
	}
}

// Execute implements Executor.
func (e *DemoExecutor) Execute(ctx context.Context, rc *RunContext) (string, error) {
	if err := e.sleep(ctx, e.StartDelay); err != nil {
		return "", err
	}
	rc.EmitLog("Agent started")

	for _, token := range strings.Fields("Thinking about your task...") {
		if err := e.sleep(ctx, e.TokenDelay); err != nil {
			return "", err
		}
		rc.EmitToken(token)
	}

	if _, err := rc.EmitStep("web_search",
		map[string]string{"q": rc.Task()},
		map[string]string{"top": "example.com"},
	); err != nil {
		return "", err
	}
	if err := e.sleep(ctx, e.StepDelay); err != nil {
		return "", err
	}

	return "Done: " + rc.Task(), nil
}

// sleep waits on the clock but aborts when the context is cancelled.
func (e *DemoExecutor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := e.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
