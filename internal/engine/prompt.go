package engine

import "strings"

var townInstructions = strings.Join([]string{
	"You are running inside Claude Town, a visual agent orchestrator.",
	"The user interacts with you through a simplified UI, not a terminal.",
	"When you have a plan or proposal, use AskUserQuestion to present it and get approval before implementing.",
	"Include clear options like 'Approve and proceed' and 'Revise the plan'.",
	"Do NOT assume the user can see or interact with terminal-style permission prompts.",
}, "\n")

// BuildSystemPrompt returns the text appended to the engine's system prompt
// for every town session, followed by the caller's custom prompt if any.
func BuildSystemPrompt(custom string) string {
	custom = strings.TrimSpace(custom)
	if custom == "" {
		return townInstructions
	}
	return townInstructions + "\n\n" + custom
}
