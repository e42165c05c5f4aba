// Package retrieval defines the RetrieverSource contract and the
// workspace/personal/system tiers of context retrieval. The web tier, with
// its caching and crawl pipeline, lives in the retrieval/web subpackage.
package retrieval

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/orchestra/internal/shared"
)

// Tier is the origin class for a retrieved fragment.
type Tier string

const (
	TierWorkspace Tier = "workspace"
	TierPersonal  Tier = "personal"
	TierSystem    Tier = "system"
	TierOnline    Tier = "online"
)

// QueryTier pairs a query string with the tier it should be routed to.
type QueryTier struct {
	Tier  Tier
	Query string
}

// LocationKind discriminates ContextFragment.Location.
type LocationKind string

const (
	LocationFile LocationKind = "file"
	LocationURI  LocationKind = "uri"
	LocationWeb  LocationKind = "web_content"
)

// Location is the closed tagged union of fragment provenance.
type Location struct {
	Kind LocationKind `json:"type"`

	// File
	Path        string `json:"path,omitempty"`
	LineStart   *int   `json:"line_start,omitempty"`
	LineEnd     *int   `json:"line_end,omitempty"`
	ProjectRoot string `json:"project_root,omitempty"`

	// URI
	URI string `json:"uri,omitempty"`

	// WebContent
	URL         string `json:"url,omitempty"`
	CrawledAt   string `json:"crawled_at,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Title       string `json:"title,omitempty"`
}

func FileLocation(path string, lineStart, lineEnd *int, projectRoot string) Location {
	return Location{Kind: LocationFile, Path: path, LineStart: lineStart, LineEnd: lineEnd, ProjectRoot: projectRoot}
}

func URILocation(uri string) Location {
	return Location{Kind: LocationURI, URI: uri}
}

func WebLocation(url, crawledAt, contentHash, title string) Location {
	return Location{Kind: LocationWeb, URL: url, CrawledAt: crawledAt, ContentHash: contentHash, Title: title}
}

// Metadata carries structural annotations about a fragment's provenance.
type Metadata struct {
	Location    Location `json:"location"`
	Structures  []string `json:"structures,omitempty"`
	Annotations []string `json:"annotations,omitempty"`
}

// ContextFragment is a single scored chunk of retrieved context.
type ContextFragment struct {
	Content        string   `json:"content"`
	Metadata       Metadata `json:"metadata"`
	RelevanceScore int      `json:"relevance_score"` // 0..100
}

// RetrieverSource is implemented by each tiered context source. Priority
// orders sources when merging (lower priority value sorts earlier).
type RetrieverSource interface {
	Priority() int
	Retrieve(ctx context.Context, queries []QueryTier, scope shared.ProjectScope) ([]ContextFragment, error)
}

// SortFragments orders fragments by (priority_asc, relevance_score_desc),
// matching the ContextProvider merge algorithm.
func SortFragments(fragments []ContextFragment, priorityOf func(ContextFragment) int) {
	sort.SliceStable(fragments, func(i, j int) bool {
		pi, pj := priorityOf(fragments[i]), priorityOf(fragments[j])
		if pi != pj {
			return pi < pj
		}
		return fragments[i].RelevanceScore > fragments[j].RelevanceScore
	})
}

// WorkspaceSource retrieves fragments from a sandboxed project root via a
// simple line-grep, scoring matches by occurrence count. Grounded on the
// line-scanning approach of a workspace search, narrowed to retrieval.
type WorkspaceSource struct {
	priority int
}

func NewWorkspaceSource(priority int) *WorkspaceSource {
	return &WorkspaceSource{priority: priority}
}

func (w *WorkspaceSource) Priority() int { return w.priority }

const (
	maxWorkspaceSearchDepth = 6
	maxWorkspaceHits        = 20
	maxWorkspaceFileBytes   = 512 * 1024
)

func (w *WorkspaceSource) Retrieve(ctx context.Context, queries []QueryTier, scope shared.ProjectScope) ([]ContextFragment, error) {
	if scope.RootPath == "" {
		return nil, nil
	}
	root, err := filepath.Abs(scope.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}

	var terms []string
	for _, q := range queries {
		if q.Tier == TierWorkspace {
			terms = append(terms, strings.Fields(strings.ToLower(q.Query))...)
		}
	}
	if len(terms) == 0 {
		return nil, nil
	}

	var fragments []ContextFragment
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil // skip unreadable entries, never abort the walk
		}
		if len(fragments) >= maxWorkspaceHits {
			return filepath.SkipAll
		}
		if ctx.Err() != nil {
			return filepath.SkipAll
		}
		if d.IsDir() {
			depth := strings.Count(strings.TrimPrefix(path, root), string(filepath.Separator))
			if depth > maxWorkspaceSearchDepth {
				return filepath.SkipDir
			}
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxWorkspaceFileBytes {
			return nil
		}

		hits := grepFile(path, terms)
		for _, h := range hits {
			relPath, _ := filepath.Rel(root, path)
			line := h.line
			fragments = append(fragments, ContextFragment{
				Content: h.content,
				Metadata: Metadata{
					Location: FileLocation(relPath, &line, &line, root),
				},
				RelevanceScore: h.score,
			})
			if len(fragments) >= maxWorkspaceHits {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return nil, err
	}
	return fragments, nil
}

type grepHit struct {
	line    int
	content string
	score   int
}

func grepFile(path string, terms []string) []grepHit {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var hits []grepHit
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := scanner.Text()
		lower := strings.ToLower(text)
		score := 0
		for _, term := range terms {
			score += strings.Count(lower, term) * 10
		}
		if score > 0 {
			if score > 100 {
				score = 100
			}
			hits = append(hits, grepHit{line: lineNo, content: strings.TrimSpace(text), score: score})
		}
	}
	return hits
}

// PersonalSource retrieves fragments from conversation history supplied by
// the caller (persistence lives outside this package; this source is
// handed pre-fetched turns).
type PersonalSource struct {
	priority int
	fetch    func(ctx context.Context, scope shared.ProjectScope) ([]ContextFragment, error)
}

func NewPersonalSource(priority int, fetch func(ctx context.Context, scope shared.ProjectScope) ([]ContextFragment, error)) *PersonalSource {
	return &PersonalSource{priority: priority, fetch: fetch}
}

func (p *PersonalSource) Priority() int { return p.priority }

func (p *PersonalSource) Retrieve(ctx context.Context, queries []QueryTier, scope shared.ProjectScope) ([]ContextFragment, error) {
	if p.fetch == nil {
		return nil, nil
	}
	hasPersonalQuery := false
	for _, q := range queries {
		if q.Tier == TierPersonal {
			hasPersonalQuery = true
			break
		}
	}
	if !hasPersonalQuery {
		return nil, nil
	}
	return p.fetch(ctx, scope)
}

// SystemSource retrieves fragments from fixed system documentation (static
// in-memory entries registered at startup, e.g. tool usage guides).
type SystemSource struct {
	priority int
	docs     []ContextFragment
}

func NewSystemSource(priority int, docs []ContextFragment) *SystemSource {
	return &SystemSource{priority: priority, docs: docs}
}

func (s *SystemSource) Priority() int { return s.priority }

func (s *SystemSource) Retrieve(ctx context.Context, queries []QueryTier, scope shared.ProjectScope) ([]ContextFragment, error) {
	hasSystemQuery := false
	for _, q := range queries {
		if q.Tier == TierSystem {
			hasSystemQuery = true
			break
		}
	}
	if !hasSystemQuery {
		return nil, nil
	}
	return s.docs, nil
}
