package transformer

// Built-in transformer names.
const (
	NameAnthropic  = "anthropic"
	NameOpenAI     = "openai"
	NameOpenRouter = "openrouter"
	NameDeepSeek   = "deepseek"
	NameGemini     = "gemini"
	NameMaxToken   = "maxtoken"
	NameCleanCache = "cleancache"
	NameToolUse    = "tooluse"
	NameReasoning  = "reasoning"
)

func registerBuiltins(r *Registry) {
	_ = r.Register(NameAnthropic, newAnthropic)
	_ = r.Register(NameOpenAI, newOpenAI)
	_ = r.Register(NameOpenRouter, newOpenRouter)
	_ = r.Register(NameDeepSeek, newDeepSeek)
	_ = r.Register(NameGemini, newGemini)
	_ = r.Register(NameMaxToken, newMaxToken)
	_ = r.Register(NameCleanCache, newCleanCache)
	_ = r.Register(NameToolUse, newToolUse)
	_ = r.Register(NameReasoning, newReasoning)
}
