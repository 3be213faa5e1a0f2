package convo

import (
	"context"
	"strings"
)

// ScriptedGenerator stands in for the language model in offline mode. Like
// the real model it echoes the prompt and appends a continuation, so the
// output goes through the same FilterResponse path.
type ScriptedGenerator struct {
	turn int
}

var scriptedReplies = map[string][]string{
	"disagree":   {"I really don't think that's right.", "That is not how I see it at all."},
	"agree":      {"Yes, I think you are right about that!", "That makes a lot of sense to me."},
	"not sure":   {"Hmm, I'm not sure about that.", "Are you certain? It sounds odd to me."},
	"understand": {"Sorry, could you say that again?", "I don't quite follow you."},
}

var scriptedFallback = []string{"Tell me more.", "Go on, I'm listening.", "Interesting, why do you say that?"}

// Infer implements the generator capability.
func (g *ScriptedGenerator) Infer(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.turn++

	replies := scriptedFallback
	steering := strings.ToLower(promptContext(prompt))
	for _, key := range []string{"disagree", "not sure", "understand", "agree"} {
		if strings.Contains(steering, key) {
			replies = scriptedReplies[key]
			break
		}
	}
	return prompt + " " + replies[g.turn%len(replies)] + TokenEndSeq, nil
}

// promptContext extracts the steering sentence following TokenContext.
func promptContext(prompt string) string {
	_, rest, ok := strings.Cut(prompt, TokenContext)
	if !ok {
		return ""
	}
	if i := strings.Index(rest, "<|"); i != -1 {
		rest = rest[:i]
	}
	return rest
}
