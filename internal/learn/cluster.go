package learn

import (
	"context"
	"log/slog"
	"sort"

	"github.com/hurttlocker/chemresolve/internal/fuzzy"
	"github.com/hurttlocker/chemresolve/internal/match"
	"github.com/hurttlocker/chemresolve/internal/normalize"
)

// Clustering defaults.
const (
	DefaultClusterSimilarity = 0.85
	DefaultSuggestionTopK    = 5
)

// Suggestion is an entity proposed for a cluster anchor.
type Suggestion struct {
	EntityID   string       `json:"entity_id"`
	Name       string       `json:"name,omitempty"`
	Similarity float64      `json:"similarity"`
	Method     match.Method `json:"method"`
}

// Suggester proposes entities for a normalized text. The engine implements it
// over its exact and semantic indexes.
type Suggester interface {
	Suggest(ctx context.Context, normalized string, k int) ([]Suggestion, error)
}

// ClusterMember is one distinct normalized query in a cluster.
type ClusterMember struct {
	Text       string  `json:"text"`
	Count      int     `json:"count"`
	Similarity float64 `json:"similarity"`
}

// Cluster groups spelling variants around the most frequent one. Clusters
// are derived for review batches and never persisted.
type Cluster struct {
	Anchor      string          `json:"anchor"`
	Members     []ClusterMember `json:"members"`
	Total       int             `json:"total"`
	Suggestions []Suggestion    `json:"suggestions,omitempty"`
}

// Clusterer groups unresolved queries with greedy single-pass agglomeration.
type Clusterer struct {
	suggester Suggester
	topK      int
	logger    *slog.Logger
}

// NewClusterer returns a clusterer. suggester may be nil.
func NewClusterer(suggester Suggester, topK int, logger *slog.Logger) *Clusterer {
	if topK <= 0 {
		topK = DefaultSuggestionTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Clusterer{suggester: suggester, topK: topK, logger: logger}
}

// Cluster normalizes texts, counts duplicates, and walks the distinct forms
// most-frequent-first (ties by text), attaching each to the first cluster
// whose anchor scores above threshold against it and otherwise opening a new
// cluster. Output is ordered by total count, then anchor. The same input and
// threshold always give the same partition.
func (c *Clusterer) Cluster(ctx context.Context, texts []string, threshold float64) ([]Cluster, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultClusterSimilarity
	}

	freq := make(map[string]int)
	for _, t := range texts {
		n := normalize.Normalize(t)
		if n == "" {
			continue
		}
		freq[n]++
	}
	distinct := make([]string, 0, len(freq))
	for n := range freq {
		distinct = append(distinct, n)
	}
	sort.Slice(distinct, func(i, j int) bool {
		if freq[distinct[i]] != freq[distinct[j]] {
			return freq[distinct[i]] > freq[distinct[j]]
		}
		return distinct[i] < distinct[j]
	})

	var clusters []Cluster
	for _, text := range distinct {
		attached := false
		for i := range clusters {
			sim := fuzzy.Score(clusters[i].Anchor, text)
			if sim > threshold {
				clusters[i].Members = append(clusters[i].Members, ClusterMember{Text: text, Count: freq[text], Similarity: sim})
				clusters[i].Total += freq[text]
				attached = true
				break
			}
		}
		if !attached {
			clusters = append(clusters, Cluster{
				Anchor:  text,
				Members: []ClusterMember{{Text: text, Count: freq[text], Similarity: 1}},
				Total:   freq[text],
			})
		}
	}

	if c.suggester != nil {
		for i := range clusters {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			sugg, err := c.suggester.Suggest(ctx, clusters[i].Anchor, c.topK)
			if err != nil {
				c.logger.Warn("cluster suggestions failed", "anchor", clusters[i].Anchor, "error", err)
				continue
			}
			clusters[i].Suggestions = sugg
		}
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].Total != clusters[j].Total {
			return clusters[i].Total > clusters[j].Total
		}
		return clusters[i].Anchor < clusters[j].Anchor
	})
	return clusters, nil
}

// ClusterStatistics summarizes a clustering run.
type ClusterStatistics struct {
	Clusters    int     `json:"clusters"`
	Queries     int     `json:"queries"`
	AverageSize float64 `json:"average_size"`
	Singletons  int     `json:"singletons"`
	Largest     int     `json:"largest"`
}

// ClusterStats reports sizes in distinct members; Queries counts raw texts.
func ClusterStats(clusters []Cluster) ClusterStatistics {
	var st ClusterStatistics
	st.Clusters = len(clusters)
	members := 0
	for _, cl := range clusters {
		members += len(cl.Members)
		st.Queries += cl.Total
		if len(cl.Members) == 1 {
			st.Singletons++
		}
		st.Largest = max(st.Largest, len(cl.Members))
	}
	if st.Clusters > 0 {
		st.AverageSize = float64(members) / float64(st.Clusters)
	}
	return st
}
