package inference

import (
	"context"
	"errors"
	"fmt"
	"log"

	"tripverdict/internal/enforce"
	"tripverdict/internal/envelope"
	"tripverdict/internal/guardrail"
	"tripverdict/internal/verdict"
)

// ErrTransport marks failures of the inference call itself. These count
// toward the circuit breaker and are never retried with a correction prompt.
var ErrTransport = errors.New("inference transport failure")

// ErrCircuitOpen means the guardrail short-circuited the call before any
// network activity.
var ErrCircuitOpen = errors.New("inference circuit open")

// temperatureLadder lowers sampling temperature on each structural retry to
// favor convergence.
var temperatureLadder = []float64{0.7, 0.4, 0.1}

// Trace records how the model was invoked, stored with the decision.
type Trace struct {
	ModelID       string   `json:"model_id"`
	PromptVersion string   `json:"prompt_version"`
	Temperature   float64  `json:"temperature"`
	RetryCount    int      `json:"retry_count"`
	SafetyFlags   []string `json:"safety_flags,omitempty"`
}

// Result is a validated invocation outcome.
type Result struct {
	Output     verdict.Output
	RetryCount int
	Trace      Trace
}

// Client invokes the provider under the output contract: guardrail consult
// first, bounded structural retries, forced refusals on exhaustion or
// content violations.
type Client struct {
	provider   Provider
	enforcer   *enforce.Enforcer
	tracker    *guardrail.Tracker
	model      string
	maxRetries int
}

// NewClient wires a client. maxRetries bounds correction retries, not
// transport attempts.
func NewClient(provider Provider, enforcer *enforce.Enforcer, tracker *guardrail.Tracker, model string, maxRetries int) *Client {
	return &Client{
		provider:   provider,
		enforcer:   enforcer,
		tracker:    tracker,
		model:      model,
		maxRetries: maxRetries,
	}
}

// Invoke performs a single raw completion with no validation. Exposed for
// diagnostics; the pipeline uses InvokeWithRetry.
func (c *Client) Invoke(ctx context.Context, env envelope.Envelope) (string, error) {
	return c.complete(ctx, RenderPrompt(env, ""), temperatureLadder[0])
}

// InvokeWithRetry runs the invoke → enforce loop. The returned output is
// always exactly one of the two variants: a clean decision, a model refusal,
// or a forced refusal after exhausted retries or a content violation.
func (c *Client) InvokeWithRetry(ctx context.Context, env envelope.Envelope) (Result, error) {
	allowed, err := c.tracker.Allow()
	if err != nil {
		return Result{}, fmt.Errorf("guardrail check: %w", err)
	}
	if !allowed {
		return Result{}, ErrCircuitOpen
	}

	correction := ""
	var lastViolation *enforce.Violation

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		temp := temperatureLadder[min(attempt, len(temperatureLadder)-1)]
		raw, err := c.complete(ctx, RenderPrompt(env, correction), temp)
		if err != nil {
			return Result{}, err
		}

		out, violation := c.enforcer.Check(raw, env.Policy.ForbiddenPhrases)
		trace := Trace{ModelID: c.model, PromptVersion: PromptVersion, Temperature: temp, RetryCount: attempt}
		if violation == nil {
			return Result{Output: out, RetryCount: attempt, Trace: trace}, nil
		}

		lastViolation = violation
		if !violation.Retryable() {
			log.Printf("[INFER] content violation, refusing without retry: %v", violation)
			trace.SafetyFlags = violation.Problems
			return Result{Output: violation.ForcedRefusal(), RetryCount: attempt, Trace: trace}, nil
		}

		log.Printf("[INFER] structural violation on attempt %d: %v", attempt, violation)
		correction = violation.CorrectionPrompt()
	}

	// Retries exhausted: forced refusal, never a coerced decision.
	trace := Trace{
		ModelID:       c.model,
		PromptVersion: PromptVersion,
		Temperature:   temperatureLadder[len(temperatureLadder)-1],
		RetryCount:    c.maxRetries,
		SafetyFlags:   lastViolation.Problems,
	}
	return Result{Output: lastViolation.ForcedRefusal(), RetryCount: c.maxRetries, Trace: trace}, nil
}

// complete performs one provider call and reports its outcome to the tracker.
func (c *Client) complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	raw, err := c.provider.Complete(ctx, Request{
		Prompt:      prompt,
		Temperature: temperature,
		Model:       c.model,
	})
	if err != nil {
		if trackErr := c.tracker.RecordInferenceFailure(); trackErr != nil {
			log.Printf("[INFER] record failure: %v", trackErr)
		}
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if trackErr := c.tracker.RecordInferenceSuccess(); trackErr != nil {
		log.Printf("[INFER] record success: %v", trackErr)
	}
	return raw, nil
}
