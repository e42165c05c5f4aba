// Package web implements the Online retrieval tier: semantic query caching
// over LSH buckets, a normalized-URL content cache, and a bounded-concurrency
// crawl/extract/chunk/score pipeline. Grounded on the search-then-policy-
// then-audit shape of a DuckDuckGo search provider and the worker-pool
// shape of a task-claiming engine, neither of which this package imports —
// the retrieval domain is orthogonal to both.
package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/orchestra/internal/audit"
	"github.com/basket/orchestra/internal/policy"
	"github.com/basket/orchestra/internal/retrieval"
	"github.com/basket/orchestra/internal/shared"
	"github.com/basket/orchestra/internal/tokenutil"
)

const (
	defaultMaxConcurrentCrawls = 10
	targetChunkTokens          = 512
	overlapSentences           = 2
	minSurvivingScore          = 5
	maxFragmentsPerQuery       = 10
)

// SearchProvider turns a query into candidate URLs. Implementations are
// expected to check policy before making any outbound request.
type SearchProvider interface {
	Search(ctx context.Context, query string, pol policy.Checker) ([]string, error)
}

// EmbeddingClient is the out-of-scope collaborator for turning text into a
// vector, named only as an interface per the LLM/embedding-client boundary.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTMLExtractor turns raw HTML into plain text. The default implementation
// is a regex-based tag stripper, the same technique used to scrape search
// result pages — full HTML parsing is out of scope.
type HTMLExtractor interface {
	Extract(html string) (title, text string)
}

// Fetcher performs the actual HTTP GET for a URL. Abstracted so tests can
// supply a double without any outbound network access.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

var reTag = regexp.MustCompile(`<[^>]+>`)
var reTitle = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
var reScriptStyle = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
var reBlockClose = regexp.MustCompile(`(?i)</(p|div|section|article|li|h[1-6])>`)
var reBreak = regexp.MustCompile(`(?i)<br\s*/?>`)
var reBlankLines = regexp.MustCompile(`\n{2,}`)
var reHorizSpace = regexp.MustCompile(`[ \t]+`)

// RegexExtractor is the default HTMLExtractor: strips script/style blocks
// and tags, turning block-level closing tags into paragraph breaks so
// downstream chunking can still find paragraph boundaries.
type RegexExtractor struct{}

func (RegexExtractor) Extract(html string) (string, string) {
	title := ""
	if m := reTitle.FindStringSubmatch(html); len(m) == 2 {
		title = strings.TrimSpace(reTag.ReplaceAllString(m[1], ""))
	}
	cleaned := reScriptStyle.ReplaceAllString(html, " ")
	cleaned = reBlockClose.ReplaceAllString(cleaned, "\n\n")
	cleaned = reBreak.ReplaceAllString(cleaned, "\n")
	text := reTag.ReplaceAllString(cleaned, " ")
	text = reHorizSpace.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	text = strings.Join(lines, "\n")
	text = reBlankLines.ReplaceAllString(text, "\n\n")
	return title, strings.TrimSpace(text)
}

// HashEmbedder is a deterministic fallback embedder used when no real
// embedding client is wired: it hashes shingles of the input into a fixed
// low-dimensional vector. It has no semantic quality, but it is stable,
// requires no network call, and is sufficient to exercise the LSH bucketing
// and cache-hit paths in tests and in offline operation.
type HashEmbedder struct {
	Dims int
}

func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{Dims: 32}
}

func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = 32
	}
	vec := make([]float32, dims)
	words := strings.Fields(strings.ToLower(text))
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		for i := 0; i < dims; i++ {
			bit := sum[i%len(sum)]
			if bit&1 == 1 {
				vec[i] += 1
			} else {
				vec[i] -= 1
			}
		}
	}
	return vec, nil
}

// lshBucket computes a locality-sensitive hash bucket id for a vector by
// thresholding each dimension's sign into a bit, grouped into hex nibbles.
// Vectors that agree on sign across dimensions land in the same bucket,
// which is exactly the "semantically similar queries collide" property the
// cache needs.
func lshBucket(vec []float32) string {
	var sb strings.Builder
	bits := 0
	nibble := 0
	for _, v := range vec {
		nibble <<= 1
		if v > 0 {
			nibble |= 1
		}
		bits++
		if bits == 4 {
			sb.WriteString(strconv.FormatInt(int64(nibble), 16))
			nibble = 0
			bits = 0
		}
	}
	if bits > 0 {
		nibble <<= (4 - bits)
		sb.WriteString(strconv.FormatInt(int64(nibble), 16))
	}
	return sb.String()
}

func contentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// normalizeURL strips the fragment and common tracking query parameters so
// semantically identical pages reached via different campaign links share a
// content-cache entry.
func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || lower == "ref" || lower == "fbclid" || lower == "gclid" {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type cacheEntry struct {
	fragments []retrieval.ContextFragment
	expiresAt time.Time
}

// SemanticQueryCache maps LSH buckets to cached retrieval results, each
// entry carrying its own TTL.
type SemanticQueryCache struct {
	mu      sync.Mutex
	buckets map[string]cacheEntry
	ttl     time.Duration
}

func NewSemanticQueryCache(ttl time.Duration) *SemanticQueryCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SemanticQueryCache{buckets: make(map[string]cacheEntry), ttl: ttl}
}

func (c *SemanticQueryCache) Get(bucket string) ([]retrieval.ContextFragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.buckets[bucket]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.fragments, true
}

func (c *SemanticQueryCache) Put(bucket string, fragments []retrieval.ContextFragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buckets[bucket] = cacheEntry{fragments: fragments, expiresAt: time.Now().Add(c.ttl)}
}

// ContentCache maps normalized URLs to previously crawled fragments.
type ContentCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

func NewContentCache(ttl time.Duration) *ContentCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ContentCache{entries: make(map[string]cacheEntry), ttl: ttl}
}

func (c *ContentCache) Get(rawURL string) ([]retrieval.ContextFragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[normalizeURL(rawURL)]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.fragments, true
}

func (c *ContentCache) Put(rawURL string, fragments []retrieval.ContextFragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[normalizeURL(rawURL)] = cacheEntry{fragments: fragments, expiresAt: time.Now().Add(c.ttl)}
}

// Source is the Online RetrieverSource: semantic cache -> content cache ->
// crawl pipeline, in that order, with every fresh crawl written back to
// both caches.
type Source struct {
	priority      int
	search        SearchProvider
	fetcher       Fetcher
	extractor     HTMLExtractor
	embedder      EmbeddingClient
	policy        policy.Checker
	queryCache    *SemanticQueryCache
	contentCache  *ContentCache
	maxConcurrent int
}

type Config struct {
	Priority            int
	Search              SearchProvider
	Fetcher             Fetcher
	Extractor           HTMLExtractor
	Embedder            EmbeddingClient
	Policy              policy.Checker
	QueryCache          *SemanticQueryCache
	ContentCache        *ContentCache
	MaxConcurrentCrawls int
}

func NewSource(cfg Config) *Source {
	if cfg.Extractor == nil {
		cfg.Extractor = RegexExtractor{}
	}
	if cfg.Embedder == nil {
		cfg.Embedder = NewHashEmbedder()
	}
	if cfg.QueryCache == nil {
		cfg.QueryCache = NewSemanticQueryCache(0)
	}
	if cfg.ContentCache == nil {
		cfg.ContentCache = NewContentCache(0)
	}
	if cfg.MaxConcurrentCrawls <= 0 {
		cfg.MaxConcurrentCrawls = defaultMaxConcurrentCrawls
	}
	return &Source{
		priority:      cfg.Priority,
		search:        cfg.Search,
		fetcher:       cfg.Fetcher,
		extractor:     cfg.Extractor,
		embedder:      cfg.Embedder,
		policy:        cfg.Policy,
		queryCache:    cfg.QueryCache,
		contentCache:  cfg.ContentCache,
		maxConcurrent: cfg.MaxConcurrentCrawls,
	}
}

func (s *Source) Priority() int { return s.priority }

func (s *Source) Retrieve(ctx context.Context, queries []retrieval.QueryTier, scope shared.ProjectScope) ([]retrieval.ContextFragment, error) {
	var out []retrieval.ContextFragment
	for _, q := range queries {
		if q.Tier != retrieval.TierOnline {
			continue
		}
		fragments, err := s.retrieveOne(ctx, q.Query)
		if err != nil {
			slog.Warn("web retrieval failed for query", "query", q.Query, "error", err)
			continue
		}
		out = append(out, fragments...)
	}
	return out, nil
}

func (s *Source) retrieveOne(ctx context.Context, query string) ([]retrieval.ContextFragment, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	bucket := lshBucket(vec)
	if cached, ok := s.queryCache.Get(bucket); ok {
		return cached, nil
	}

	if s.search == nil || s.fetcher == nil {
		return nil, nil
	}
	urls, err := s.search.Search(ctx, query, s.policy)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	fragments := s.crawlAll(ctx, query, urls)
	fragments = dedupeByContentHash(fragments)
	s.queryCache.Put(bucket, fragments)
	return fragments, nil
}

var (
	cpuPoolOnce sync.Once
	cpuPoolJobs chan func()
)

// cpuPool lazily starts GOMAXPROCS workers pulling closures off a shared
// job channel. CPU-bound page processing (extract/chunk/score) runs here
// instead of on the crawl goroutine, so it is bounded independently of
// maxConcurrent (the network-fetch concurrency).
func cpuPool() chan func() {
	cpuPoolOnce.Do(func() {
		cpuPoolJobs = make(chan func(), 128)
		for i := 0; i < runtime.GOMAXPROCS(0); i++ {
			go func() {
				for job := range cpuPoolJobs {
					job()
				}
			}()
		}
	})
	return cpuPoolJobs
}

// runCPU submits fn to the shared CPU-bound worker pool and blocks for its
// result.
func runCPU[T any](fn func() T) T {
	done := make(chan T, 1)
	cpuPool() <- func() { done <- fn() }
	return <-done
}

// crawlAll fetches every URL under a bounded-concurrency semaphore,
// extracting, chunking, and scoring each page's content on the CPU worker
// pool. Any single URL failure is logged and skipped; it never aborts the
// batch.
func (s *Source) crawlAll(ctx context.Context, query string, urls []string) []retrieval.ContextFragment {
	sem := make(chan struct{}, s.maxConcurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []retrieval.ContextFragment

	for _, u := range urls {
		if cached, ok := s.contentCache.Get(u); ok {
			mu.Lock()
			all = append(all, cached...)
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(pageURL string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if s.policy != nil && !s.policy.AllowHTTPURL(pageURL) {
				audit.Record("deny", "retrieval.web_fetch", "url_denied", s.policy.PolicyVersion(), pageURL)
				return
			}
			if s.policy != nil {
				audit.Record("allow", "retrieval.web_fetch", "url_allowed", s.policy.PolicyVersion(), pageURL)
			}

			html, err := s.fetcher.Fetch(ctx, pageURL)
			if err != nil {
				slog.Warn("crawl failed", "url", pageURL, "error", err)
				return
			}

			fragments := runCPU(func() []retrieval.ContextFragment {
				return s.processPage(pageURL, query, html)
			})
			s.contentCache.Put(pageURL, fragments)

			mu.Lock()
			all = append(all, fragments...)
			mu.Unlock()
		}(u)
	}
	wg.Wait()
	return all
}

// processPage runs the CPU-bound stage of the pipeline: extract, chunk,
// score. It touches no shared state beyond its own inputs and outputs, so
// it is safe to run off the crawl goroutine's I/O path.
func (s *Source) processPage(pageURL, query, html string) []retrieval.ContextFragment {
	title, text := s.extractor.Extract(html)
	chunks := chunkParagraphs(text, targetChunkTokens, overlapSentences)

	terms := strings.Fields(strings.ToLower(query))
	crawledAt := time.Now().UTC().Format(time.RFC3339)

	type scored struct {
		content string
		score   int
	}
	var candidates []scored
	for _, c := range chunks {
		sc := scoreChunk(c, terms)
		if sc <= minSurvivingScore {
			continue
		}
		candidates = append(candidates, scored{content: c, score: sc})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > maxFragmentsPerQuery {
		candidates = candidates[:maxFragmentsPerQuery]
	}

	fragments := make([]retrieval.ContextFragment, 0, len(candidates))
	for _, c := range candidates {
		hash := contentHash(c.content)
		fragments = append(fragments, retrieval.ContextFragment{
			Content: c.content,
			Metadata: retrieval.Metadata{
				Location: retrieval.WebLocation(pageURL, crawledAt, hash, title),
			},
			RelevanceScore: clampScore(c.score),
		})
	}
	return fragments
}

// chunkParagraphs accumulates paragraphs until the estimated token count
// reaches targetTokens, then emits a chunk, carrying the last overlapSentences
// sentences forward as the seed of the next chunk. Never splits mid-sentence.
func chunkParagraphs(text string, targetTokens, overlapSentencesN int) []string {
	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []string
	var builder strings.Builder
	for _, p := range paragraphs {
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		builder.WriteString(p)

		if tokenutil.EstimateTokens(builder.String()) >= targetTokens {
			current := builder.String()
			chunks = append(chunks, current)
			builder.Reset()
			builder.WriteString(lastSentences(current, overlapSentencesN))
		}
	}
	if remaining := strings.TrimSpace(builder.String()); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var out []string
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		return out
	}
	// No blank-line structure (e.g. stripped HTML); fall back to
	// sentence-grouped pseudo-paragraphs so the pipeline still chunks.
	sentences := splitSentences(text)
	const groupSize = 4
	for i := 0; i < len(sentences); i += groupSize {
		end := i + groupSize
		if end > len(sentences) {
			end = len(sentences)
		}
		group := strings.TrimSpace(strings.Join(sentences[i:end], " "))
		if group != "" {
			out = append(out, group)
		}
	}
	return out
}

var reSentenceSplit = regexp.MustCompile(`(?s)(?:[.!?]+\s+)`)

func splitSentences(text string) []string {
	parts := reSentenceSplit.Split(strings.TrimSpace(text), -1)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lastSentences(text string, n int) string {
	sentences := splitSentences(text)
	if len(sentences) <= n {
		return text
	}
	return strings.Join(sentences[len(sentences)-n:], ". ")
}

var (
	reTutorialMarker  = regexp.MustCompile(`(?i)\b(tutorial|guide|how\s*to|step[- ]by[- ]step)\b`)
	reCodeFence       = regexp.MustCompile("```")
	reBoilerplateWord = regexp.MustCompile(`(?i)\b(cookie|subscribe|copyright|all rights reserved|sign\s*up\s*for\s*our\s*newsletter)\b`)
)

// scoreChunk combines keyword occurrence (log-scaled), quality signals, and
// boilerplate penalties into a single relevance score.
func scoreChunk(chunk string, queryTerms []string) int {
	lower := strings.ToLower(chunk)
	score := 0.0

	for _, term := range queryTerms {
		if term == "" {
			continue
		}
		count := strings.Count(lower, term)
		if count > 0 {
			score += math.Log2(float64(count) + 1)
		}
	}
	score *= 10

	if reTutorialMarker.MatchString(chunk) {
		score += 8
	}
	if reCodeFence.MatchString(chunk) {
		score += 5
	}
	wordCount := len(strings.Fields(chunk))
	if wordCount >= 40 && wordCount <= 400 {
		score += 5
	}

	penalties := float64(len(reBoilerplateWord.FindAllString(chunk, -1))) * 6
	score -= penalties

	return int(score)
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func dedupeByContentHash(fragments []retrieval.ContextFragment) []retrieval.ContextFragment {
	seen := make(map[string]bool, len(fragments))
	out := make([]retrieval.ContextFragment, 0, len(fragments))
	for _, f := range fragments {
		hash := f.Metadata.Location.ContentHash
		if hash == "" {
			hash = contentHash(f.Content)
		}
		if seen[hash] {
			continue
		}
		seen[hash] = true
		out = append(out, f)
	}
	return out
}
