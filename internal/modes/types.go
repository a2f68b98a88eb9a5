// Package modes holds the worker personas: their system prompts, the stage
// prompts they are given and the parsers for the verdicts they return
package modes

// Persona is the role a worker plays for one stage
type Persona string

const (
	// ProductOwner triages incoming tasks
	ProductOwner Persona = "product_owner"
	// Architect designs solutions and reviews change requests
	Architect Persona = "architect"
	// Developer implements and revises code in the task worktree
	Developer Persona = "developer"
	// QA validates a change request and gates the merge
	QA Persona = "qa"
	// System is used for orchestrator notes that no persona authored
	System Persona = "system"
)

// String returns the string representation of the persona
func (p Persona) String() string {
	return string(p)
}

// IsValid checks if the persona is known
func (p Persona) IsValid() bool {
	switch p {
	case ProductOwner, Architect, Developer, QA, System:
		return true
	}
	return false
}

// Header returns the line that prefixes every comment the persona posts
func (p Persona) Header() string {
	switch p {
	case ProductOwner:
		return "🎯 **Product Owner**"
	case Architect:
		return "🏗️ **Architect**"
	case Developer:
		return "💻 **Developer**"
	case QA:
		return "🧪 **QA**"
	case System:
		return "🤖 **Conveyor**"
	}
	return "🤖 **" + string(p) + "**"
}

// SystemPrompt returns the persona's default system prompt
func (p Persona) SystemPrompt() string {
	switch p {
	case ProductOwner:
		return DefaultProductOwnerPrompt()
	case Architect:
		return DefaultArchitectPrompt()
	case Developer:
		return DefaultDeveloperPrompt()
	case QA:
		return DefaultQAPrompt()
	}
	return "You are a helpful assistant."
}

// Comment formats body as a comment posted by the persona
func (p Persona) Comment(body string) string {
	return p.Header() + "\n\n" + body
}

// FailureNote formats the note posted before a task is marked failed
func FailureNote(reason string) string {
	return "❌ **Failed**\n\n" + reason
}
