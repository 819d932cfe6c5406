package inference

import (
	"encoding/json"
	"fmt"
	"strings"

	"tripverdict/internal/envelope"
)

// PromptVersion tags every decision record with the prompt that produced it.
const PromptVersion = "tv-prompt-3"

const systemInstruction = `You are a travel decision engine. Given the traveler envelope below, answer with exactly one JSON object and nothing else.

The object has a "kind" field that is either "decision" or "refusal".

For "decision", include a "decision" object with:
  outcome            one of: book, wait, switch, discard
  headline           a single committed sentence
  summary            the reasoning, 2-5 sentences, no hedging
  confidence         number between 0 and 1
  assumptions        array of strings
  tradeoffs          object with "gains" and "losses" string arrays
  change_conditions  array of strings describing what would change the verdict

For "refusal", include a "refusal" object with:
  reason                         short reason code
  missing_or_conflicting_inputs  array of strings
  safe_next_step                 one concrete instruction for the traveler

Never promise or guarantee outcomes. Never refer to yourself. No emojis, no exclamation marks.`

// RenderPrompt builds the full prompt for an envelope, appending the
// enforcer's correction text on retries.
func RenderPrompt(env envelope.Envelope, correction string) string {
	payload := map[string]any{
		"task":         env.Task,
		"user_context": env.Context,
		"request":      env.Request,
		"facts":        env.Facts,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		// payload is built from plain structs; MarshalIndent cannot fail.
		panic(err)
	}

	var b strings.Builder
	b.WriteString(systemInstruction)
	b.WriteString("\n\nTraveler envelope:\n")
	b.Write(data)
	if correction != "" {
		fmt.Fprintf(&b, "\n\n%s", correction)
	}
	return b.String()
}
