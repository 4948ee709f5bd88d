package protocol

// DefaultModel is used when a request names no model.
const DefaultModel = "deepseek-chat"

// ModelInfo describes a selectable model.
type ModelInfo struct {
	Name      string
	Label     string
	Reasoning bool
	Files     bool
}

// Models is the catalog offered to users.
var Models = []ModelInfo{
	{Name: "deepseek-chat", Label: "DeepSeek Chat"},
	{Name: "deepseek-reasoner", Label: "DeepSeek Reasoner", Reasoning: true},
	{Name: "gpt-4o-mini", Label: "GPT-4o Mini", Files: true},
}

// LookupModel returns the catalog entry for name.
func LookupModel(name string) (ModelInfo, bool) {
	for _, m := range Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// IsReasoningModel reports whether name streams a separate reasoning channel.
func IsReasoningModel(name string) bool {
	m, ok := LookupModel(name)
	return ok && m.Reasoning
}

// SupportsFiles reports whether name accepts file attachments.
func SupportsFiles(name string) bool {
	m, ok := LookupModel(name)
	return ok && m.Files
}
