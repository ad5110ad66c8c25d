package worker

import "fmt"

// taskPrompt renders the templated user message a worker sends its
// local agent when starting a task (spec §6.3).
func taskPrompt(agentName, taskID, subject, description string) string {
	return fmt.Sprintf(
		"You are teammate '%s'.\nYou have been assigned task #%s.\nSubject: %s\n\nDescription:\n%s\n\nDo the work now. When finished, reply with a concise summary and any key outputs.",
		agentName, taskID, subject, description,
	)
}

// dmPrompt joins queued unstructured DMs into one user message.
func dmPrompt(texts []string) string {
	out := texts[0]
	for _, t := range texts[1:] {
		out += "\n\n---\n\n" + t
	}
	return out
}
