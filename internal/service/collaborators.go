package service

import (
	"context"
	"strings"

	"github.com/basket/aixterm/internal/llm"
	"github.com/basket/aixterm/internal/mcp"
	"github.com/basket/aixterm/internal/tokenutil"
)

// Completer produces an assistant reply. *llm.Client implements it.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message, tools []mcp.ToolDescriptor) (string, error)
	Stream(ctx context.Context, messages []llm.Message, tools []mcp.ToolDescriptor, emit func(chunk string) error) (string, error)
}

// ContextBuilder assembles prompt context for a question within a token
// budget. supplied is whatever context the client sent with the query.
type ContextBuilder interface {
	Build(ctx context.Context, question, supplied string, tokenBudget int) (string, error)
}

// BudgetContext keeps the most recent part of the client-supplied context
// that fits the budget.
type BudgetContext struct{}

func (BudgetContext) Build(_ context.Context, question, supplied string, tokenBudget int) (string, error) {
	budget := tokenBudget - tokenutil.EstimateTokens(question)
	if budget <= 0 {
		return "", nil
	}
	return tokenutil.TrimToBudget(strings.TrimSpace(supplied), budget), nil
}

func buildMessages(question, contextText string) []llm.Message {
	content := question
	if contextText != "" {
		content = "Context:\n" + contextText + "\n\nQuestion: " + question
	}
	return []llm.Message{{Role: llm.RoleUser, Content: content}}
}
