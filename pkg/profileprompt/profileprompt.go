// Package profileprompt selects the opaque prompt-template pair the
// ingestion worker and consolidator render, keyed by the configured
// prompt_module (§6 "Configuration"). Prompt bodies are domain copy
// owned by deployers; this package only implements the selection
// mechanism the reference's server/prompt/*.py modules stand in for.
package profileprompt

import "github.com/memlattice/profilememory/pkg/profileerrors"

// Bundle pairs the update and consolidation prompt templates used for
// one domain. Callers pass each text unchanged as the system prompt and
// send the profile/section JSON and message content as the user prompt.
type Bundle struct {
	Update        string
	Consolidation string
}

const general = "general"

var registry = map[string]Bundle{
	general: {
		Update: "You maintain a user profile as a two-level tag/feature store. " +
			"Given the current profile and a new message, emit add/delete commands " +
			"as a JSON object mapping arbitrary keys to {command, feature, tag, value}.",
		Consolidation: "Given a profile section with more entries than the configured " +
			"threshold, emit a JSON object with consolidate_memories (merged entries) " +
			"and keep_memories (ids to retain unchanged).",
	},
	"crm": {
		Update: "You maintain a CRM profile of a prospect or account. " +
			"Extract sales-stage, contact, and relationship facts as add/delete commands.",
		Consolidation: "Merge redundant CRM facts for this account, preserving the most " +
			"recent deal stage and contact details.",
	},
	"financial": {
		Update: "You maintain a financial profile: goals, risk tolerance, holdings. " +
			"Extract facts as add/delete commands.",
		Consolidation: "Merge redundant financial facts, preferring the most specific " +
			"and most recently stated figures.",
	},
	"writing": {
		Update: "You maintain a writing-style profile: tone, vocabulary, structure " +
			"preferences. Extract facts as add/delete commands.",
		Consolidation: "Merge redundant style notes into the smallest faithful set.",
	},
}

// Select resolves a prompt_module name to its bundle, defaulting to
// "general" when the name is empty. Unknown names are InvalidInput,
// matching the reference's fixed vocabulary of server-side prompt modules.
func Select(promptModule string) (Bundle, error) {
	if promptModule == "" {
		promptModule = general
	}
	b, ok := registry[promptModule]
	if !ok {
		return Bundle{}, profileerrors.New(profileerrors.InvalidInput, "profileprompt: unknown prompt_module "+promptModule)
	}
	return b, nil
}

// Register installs or overrides a bundle, letting a deployer supply
// real domain copy at startup without forking this package.
func Register(name string, bundle Bundle) {
	registry[name] = bundle
}
