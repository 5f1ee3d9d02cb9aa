package hfclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pumas-run/pumas/internal/cache"
	"github.com/pumas-run/pumas/internal/hfcache"
	"github.com/pumas-run/pumas/internal/perrors"
)

const repoTreeNamespace = "hf_repo_tree"
const repoTreeTTL = 24 * time.Hour
const requestTimeout = 30 * time.Second

// Client is the HuggingFace Hub search/tree/metadata client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string

	search *hfcache.Cache
	tree   *cache.Cache

	coalesce *coalescer
}

// New binds a Client to its two caches. baseURL defaults to
// DefaultBaseURL when empty.
func New(httpClient *http.Client, baseURL, token string, search *hfcache.Cache, tree *cache.Cache) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		search:     search,
		tree:       tree,
		coalesce:   newCoalescer(),
	}
}

func (c *Client) authHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Search runs a HF model search, consulting the transparent cache first.
func (c *Client) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	normalized := hfcache.NormalizeQuery(p.Query)
	repoIDs, hit, err := c.search.GetSearchResults(normalized, p.PipelineTag, p.Limit, p.Offset)
	if err != nil {
		return nil, err
	}
	if hit {
		out := make([]SearchResult, len(repoIDs))
		for i, id := range repoIDs {
			out[i] = SearchResult{RepoID: id}
		}
		return out, nil
	}

	key := fmt.Sprintf("search:%s:%s:%d:%d", normalized, p.PipelineTag, p.Limit, p.Offset)
	result, err := c.coalesce.do(key, func() (any, error) {
		return c.searchUncached(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	results := result.([]SearchResult)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.RepoID
	}
	if err := c.search.CacheSearchResults(normalized, p.PipelineTag, p.Limit, p.Offset, ids); err != nil {
		return nil, err
	}
	for _, r := range results {
		details, _ := json.Marshal(r)
		_ = c.search.CacheRepoDetails(r.RepoID, string(details), r.LastModified)
	}
	return results, nil
}

func (c *Client) searchUncached(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	q := url.Values{}
	q.Set("search", p.Query)
	if p.Limit > 0 {
		q.Set("limit", fmt.Sprint(p.Limit))
	}
	if p.Offset > 0 {
		q.Set("offset", fmt.Sprint(p.Offset))
	}
	if p.PipelineTag != "" {
		q.Set("pipeline_tag", p.PipelineTag)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/models?"+q.Encode(), nil)
	if err != nil {
		return nil, perrors.Io("hfclient.Search", c.baseURL, err)
	}
	c.authHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &perrors.Network{Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "hf"); err != nil {
		return nil, err
	}

	var results []SearchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, perrors.Io("hfclient.Search decode", c.baseURL, err)
	}
	return results, nil
}

// GetRepoFiles returns the partitioned LFS/regular file tree for repoID,
// memoized in the generic cache with a 24h TTL.
func (c *Client) GetRepoFiles(ctx context.Context, repoID string) (RepoTree, error) {
	if raw, hit, err := c.tree.Get(repoTreeNamespace, repoID); err != nil {
		return RepoTree{}, err
	} else if hit {
		var t RepoTree
		if err := json.Unmarshal(raw, &t); err == nil {
			return t, nil
		}
	}

	key := "tree:" + repoID
	result, err := c.coalesce.do(key, func() (any, error) {
		return c.fetchRepoTree(ctx, repoID)
	})
	if err != nil {
		return RepoTree{}, err
	}
	tree := result.(RepoTree)

	encoded, err := json.Marshal(tree)
	if err == nil {
		_ = c.tree.Set(repoTreeNamespace, repoID, encoded, repoTreeTTL)
	}
	return tree, nil
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	LFS  *struct {
		SHA256 string `json:"sha256"`
	} `json:"lfs,omitempty"`
}

func (c *Client) fetchRepoTree(ctx context.Context, repoID string) (RepoTree, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	treeURL := fmt.Sprintf("%s/api/models/%s/tree/main", c.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, treeURL, nil)
	if err != nil {
		return RepoTree{}, perrors.Io("hfclient.GetRepoFiles", treeURL, err)
	}
	c.authHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return RepoTree{}, &perrors.Network{Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "hf"); err != nil {
		return RepoTree{}, err
	}

	var entries []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return RepoTree{}, perrors.Io("hfclient.GetRepoFiles decode", treeURL, err)
	}

	tree := RepoTree{RepoID: repoID, LastModified: resp.Header.Get("Last-Modified")}
	for _, e := range entries {
		if e.Type != "file" {
			continue
		}
		if e.LFS != nil {
			tree.LFSFiles = append(tree.LFSFiles, LFSFile{Filename: e.Path, Size: e.Size, SHA256: e.LFS.SHA256})
		} else {
			tree.RegularFiles = append(tree.RegularFiles, e.Path)
		}
	}
	return tree, nil
}

func checkStatus(resp *http.Response, service string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden {
		return &perrors.RateLimited{Service: service, RetryAfterSec: retryAfterSeconds(resp)}
	}
	if resp.StatusCode >= 500 {
		return &perrors.Network{Retryable: true, Cause: fmt.Errorf("%s: status %d", service, resp.StatusCode)}
	}
	return &perrors.Network{Retryable: false, Cause: fmt.Errorf("%s: status %d", service, resp.StatusCode)}
}

func retryAfterSeconds(resp *http.Response) *int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
			return &secs
		}
	}
	return nil
}

// LookupMetadata matches a local filename (and optional local path) to a
// HuggingFace repo: derive a base name, search the top candidates, then
// prefer an LFS filename match over a plain token-Jaccard filename match.
func (c *Client) LookupMetadata(ctx context.Context, filename, localPath string) (*LookupResult, error) {
	base := baseNameForSearch(filename)
	results, err := c.Search(ctx, SearchParams{Query: base, Limit: 5})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, perrors.NotFound("hfclient.LookupMetadata", filename)
	}

	topN := results
	if len(topN) > 2 {
		topN = topN[:2]
	}
	for _, r := range topN {
		tree, err := c.GetRepoFiles(ctx, r.RepoID)
		if err != nil {
			continue
		}
		for _, f := range tree.LFSFiles {
			if substringEitherDirection(f.Filename, filename) {
				return &LookupResult{
					RepoID:         r.RepoID,
					MatchMethod:    MatchMethodLFS,
					Confidence:     0.8,
					ExpectedSHA256: f.SHA256,
				}, nil
			}
		}
	}

	best := results[0]
	confidence, method := scoreFilenameMatch(best.RepoID, filename)
	return &LookupResult{RepoID: best.RepoID, MatchMethod: method, Confidence: confidence}, nil
}

func baseNameForSearch(filename string) string {
	name := basenameOf(filename)
	for _, ext := range []string{".gguf", ".safetensors", ".pt", ".pth", ".ckpt", ".bin", ".onnx"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	return strings.ReplaceAll(name, "_", " ")
}

func substringEitherDirection(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// scoreFilenameMatch derives a confidence from token Jaccard similarity
// between candidate and filename: exact match 1.0, substring match 0.8,
// otherwise intersection-over-union of their tokens.
func scoreFilenameMatch(candidate, filename string) (float64, MatchMethod) {
	c := strings.ToLower(candidate)
	f := strings.ToLower(filename)
	if c == f {
		return 1.0, MatchMethodExact
	}
	if strings.Contains(c, f) || strings.Contains(f, c) {
		return 0.8, MatchMethodSubstring
	}
	return jaccard(tokenize(c), tokenize(f)), MatchMethodJaccard
}

func tokenize(s string) map[string]bool {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '-' || r == '_' || r == '/' || r == '.' || r == ' '
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// coalescer deduplicates concurrent calls sharing the same key, in the
// same broadcast-to-waiters shape as a query deduplicator: the first
// caller executes, everyone else waits on its result instead of issuing
// a duplicate request.
type coalescer struct {
	mu       sync.Mutex
	inflight map[string]*coalesceEntry
}

type coalesceEntry struct {
	done chan struct{}
	val  any
	err  error
}

func newCoalescer() *coalescer {
	return &coalescer{inflight: make(map[string]*coalesceEntry)}
}

func (co *coalescer) do(key string, fn func() (any, error)) (any, error) {
	co.mu.Lock()
	if existing, ok := co.inflight[key]; ok {
		co.mu.Unlock()
		<-existing.done
		return existing.val, existing.err
	}
	entry := &coalesceEntry{done: make(chan struct{})}
	co.inflight[key] = entry
	co.mu.Unlock()

	entry.val, entry.err = fn()
	close(entry.done)

	co.mu.Lock()
	delete(co.inflight, key)
	co.mu.Unlock()

	return entry.val, entry.err
}
