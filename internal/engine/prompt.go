package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/superagenthq/superagent/internal/gateway"
	"github.com/superagenthq/superagent/internal/llm"
	"github.com/superagenthq/superagent/internal/memory"
)

// systemPrompt layers identity, personality, suffix, then recalled
// memories. Recall failures drop the memory block and nothing else.
func (e *Engine) systemPrompt(ctx context.Context, ev gateway.Event) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a participant in a Discord conversation. "+
		"Reply naturally as yourself in plain text. Do not prefix your reply with your own name.",
		e.spec.Name())
	if p := strings.TrimSpace(e.spec.Personality); p != "" {
		b.WriteString("\n\n")
		b.WriteString(p)
	}
	if s := strings.TrimSpace(e.spec.SystemPromptSuffix); s != "" {
		b.WriteString("\n\n")
		b.WriteString(s)
	}

	if block := e.recall(ctx, ev.Content); block != "" {
		b.WriteString("\n\n")
		b.WriteString(block)
	}
	return b.String()
}

func (e *Engine) recall(ctx context.Context, query string) string {
	if e.mem == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	agentID := e.agentID
	results, err := e.mem.Search(ctx, memory.SearchRequest{
		AgentID: &agentID,
		Query:   query,
		K:       memory.DefaultSearchK,
	})
	if err != nil {
		e.logger.Warn("memory recall failed", slog.Any("error", err))
		return ""
	}

	var b strings.Builder
	for _, r := range results {
		if r.Similarity < e.floor {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Relevant memories from past conversations:")
		}
		b.WriteString("\n- ")
		b.WriteString(r.Content)
	}
	return b.String()
}

// history fetches recent messages from the conversation's channel or
// thread and maps them to chronological model turns. The triggering
// message is excluded; it is appended separately as the live turn.
func (e *Engine) history(ctx context.Context, ev gateway.Event) []llm.Turn {
	n := e.spec.Behavior.ContextMessages()
	if n <= 0 {
		return nil
	}

	msgs, err := e.gw.History(ctx, conversationKey(ev), n+1)
	if err != nil {
		e.logger.Warn("history fetch failed", slog.Any("error", err))
		return nil
	}

	turns := make([]llm.Turn, 0, n)
	// Newest first from the gateway; walk backward for chronological order.
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.ID == ev.MessageID || strings.TrimSpace(m.Content) == "" {
			continue
		}
		turn := llm.Turn{Role: llm.RoleUser, Author: m.AuthorName, Content: m.Content}
		if m.AuthorID == e.selfID {
			turn = llm.Turn{Role: llm.RoleAssistant, Content: m.Content}
		}
		turns = append(turns, turn)
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns
}
