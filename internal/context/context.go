// Package context implements ContextProvider: fan-out over RetrieverSource
// tiers, priority/relevance ordering, and a greedy token-budget merge into
// the two formatted blocks the orchestrator hands to an agent.
package context

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/basket/orchestra/internal/retrieval"
	"github.com/basket/orchestra/internal/shared"
	"github.com/basket/orchestra/internal/tokenutil"
)

// HistoryTurn is one turn of conversation history, supplied by the caller
// (the persisted message store is a collaborator contract, not owned here).
type HistoryTurn struct {
	Role    string
	Content string
}

// Provider merges fragments from every registered RetrieverSource under a
// token budget.
type Provider struct {
	sources []retrieval.RetrieverSource
}

func New(sources ...retrieval.RetrieverSource) *Provider {
	return &Provider{sources: sources}
}

// Result is the two formatted blocks the merge algorithm produces, plus the
// raw fragments actually included (for observability/audit).
type Result struct {
	RetrievedContext   string
	ConversationHistory string
	Included           []retrieval.ContextFragment
	EstimatedTokens    int
}

// Merge fans the query out to every source concurrently, orders the
// returned fragments by (priority_asc, relevance_score_desc), and greedily
// consumes them until the token budget is exhausted. Remaining budget after
// RAG fragments is spent on the most recent history turns; history is
// truncated (oldest-first) once exhausted.
func (p *Provider) Merge(ctx context.Context, queries []retrieval.QueryTier, scope shared.ProjectScope, history []HistoryTurn, budget int) Result {
	ranked := p.collect(ctx, queries, scope)

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].priority != ranked[j].priority {
			return ranked[i].priority < ranked[j].priority
		}
		return ranked[i].fragment.RelevanceScore > ranked[j].fragment.RelevanceScore
	})

	var included []retrieval.ContextFragment
	used := 0
	for _, r := range ranked {
		cost := tokenutil.EstimateTokens(r.fragment.Content)
		if used+cost > budget {
			break
		}
		included = append(included, r.fragment)
		used += cost
	}

	retrievedBlock := formatRetrievedContext(included)
	historyBlock, historyTokens := formatHistory(history, budget-used)

	return Result{
		RetrievedContext:    retrievedBlock,
		ConversationHistory: historyBlock,
		Included:            included,
		EstimatedTokens:     used + historyTokens,
	}
}

type rankedFragment struct {
	fragment retrieval.ContextFragment
	priority int
}

// collect fans the given queries out to every source concurrently, per the
// "embed the query once, fan retrievers out concurrently" algorithm. Each
// source decides for itself which tiers in the query list it cares about;
// its own Priority() is attached to every fragment it returns so the merge
// can sort by (priority_asc, relevance_score_desc) without the fragment
// type itself needing to carry provenance back to its source.
func (p *Provider) collect(ctx context.Context, queries []retrieval.QueryTier, scope shared.ProjectScope) []rankedFragment {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []rankedFragment

	for _, src := range p.sources {
		wg.Add(1)
		go func(s retrieval.RetrieverSource) {
			defer wg.Done()
			fragments, err := s.Retrieve(ctx, queries, scope)
			if err != nil {
				return // a failing source is skipped, not fatal to the merge
			}
			mu.Lock()
			for _, f := range fragments {
				all = append(all, rankedFragment{fragment: f, priority: s.Priority()})
			}
			mu.Unlock()
		}(src)
	}
	wg.Wait()
	return all
}

func formatRetrievedContext(fragments []retrieval.ContextFragment) string {
	if len(fragments) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Retrieved Context\n\n")
	for _, f := range fragments {
		sb.WriteString(formatFragment(f))
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

func formatFragment(f retrieval.ContextFragment) string {
	loc := f.Metadata.Location
	var source string
	switch loc.Kind {
	case retrieval.LocationFile:
		if loc.LineStart != nil {
			source = fmt.Sprintf("%s:%d", loc.Path, *loc.LineStart)
		} else {
			source = loc.Path
		}
	case retrieval.LocationURI:
		source = loc.URI
	case retrieval.LocationWeb:
		if loc.Title != "" {
			source = fmt.Sprintf("%s (%s)", loc.Title, loc.URL)
		} else {
			source = loc.URL
		}
	default:
		source = "unknown"
	}
	return fmt.Sprintf("## %s\n%s", source, f.Content)
}

// formatHistory emits the most recent turns first, stopping once the
// remaining budget is exhausted — older turns are the ones truncated away.
func formatHistory(history []HistoryTurn, remaining int) (string, int) {
	if remaining <= 0 || len(history) == 0 {
		return "", 0
	}

	var kept []HistoryTurn
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := tokenutil.EstimateTokens(history[i].Content)
		if used+cost > remaining {
			break
		}
		kept = append([]HistoryTurn{history[i]}, kept...)
		used += cost
	}
	if len(kept) == 0 {
		return "", 0
	}

	var sb strings.Builder
	sb.WriteString("# Conversation History\n\n")
	for _, turn := range kept {
		sb.WriteString(fmt.Sprintf("**%s:** %s\n\n", turn.Role, turn.Content))
	}
	return strings.TrimRight(sb.String(), "\n") + "\n", used
}
