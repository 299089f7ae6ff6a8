package domain

// TokenUsage is the billing unit reported by provider calls.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + other.PromptTokens,
		CompletionTokens: u.CompletionTokens + other.CompletionTokens,
		TotalTokens:      u.TotalTokens + other.TotalTokens,
	}
}

func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// UsageStats is the per-identity ledger snapshot. Daily resets at 00:00 UTC,
// monthly on the 1st.
type UsageStats struct {
	DailyUsed        int `json:"daily_used"`
	DailyLimit       int `json:"daily_limit"`
	DailyRemaining   int `json:"daily_remaining"`
	MonthlyUsed      int `json:"monthly_used"`
	MonthlyLimit     int `json:"monthly_limit"`
	MonthlyRemaining int `json:"monthly_remaining"`
}
