package retrieval

import (
	"math"
	"sort"
)

// FusionStrategy selects how the dense and sparse ranked lists are combined.
type FusionStrategy string

// The nine fusion strategies.
const (
	// StrategyRRF is reciprocal rank fusion: 1/(rrf_k + rank) summed over
	// the lists an item appears in.
	StrategyRRF FusionStrategy = "rrf"

	// StrategyHybridRRF is RRF with rrf_k picked from the query length and
	// a diversity bonus for items found by only one retriever.
	StrategyHybridRRF FusionStrategy = "hybrid_rrf"

	// StrategyWeighted is a weighted sum of the two scores.
	StrategyWeighted FusionStrategy = "weighted"

	// StrategyConvex is a convex combination of min-max normalized scores.
	StrategyConvex FusionStrategy = "convex"

	// StrategyInterleave alternates positions between the lists by ratio.
	StrategyInterleave FusionStrategy = "interleave"

	// StrategyRankFusion sums weighted reciprocal ranks with a bonus for
	// items present in both lists.
	StrategyRankFusion FusionStrategy = "rank_fusion"

	// StrategyScoreFusion is Borda counting over the two lists.
	StrategyScoreFusion FusionStrategy = "score_fusion"

	// StrategyCascade re-ranks a wide sparse candidate set by dense
	// similarity.
	StrategyCascade FusionStrategy = "cascade"

	// StrategyAdaptive classifies the query and picks Weighted or Hybrid
	// RRF accordingly.
	StrategyAdaptive FusionStrategy = "adaptive"
)

// ValidFusionStrategy reports whether s names one of the nine strategies.
func ValidFusionStrategy(s FusionStrategy) bool {
	switch s {
	case StrategyRRF, StrategyHybridRRF, StrategyWeighted, StrategyConvex,
		StrategyInterleave, StrategyRankFusion, StrategyScoreFusion,
		StrategyCascade, StrategyAdaptive:
		return true
	}
	return false
}

// FusionConfig carries the per-strategy parameters.
type FusionConfig struct {
	// Strategy selects the fusion strategy. Defaults to StrategyRRF.
	Strategy FusionStrategy `json:"strategy"`

	// RRFK is the RRF dampening constant. Defaults to 60.
	RRFK int `json:"rrf_k"`

	// DenseWeight and SparseWeight drive Weighted, RankFusion, and
	// ScoreFusion. Both default to 0.5.
	DenseWeight  float64 `json:"dense_weight"`
	SparseWeight float64 `json:"sparse_weight"`

	// ConvexLambda is the dense share of the Convex combination, in [0, 1].
	// Defaults to 0.5.
	ConvexLambda float64 `json:"convex_lambda"`

	// InterleaveRatio is the dense share of Interleave positions, in
	// [0, 1]. Defaults to 0.5.
	InterleaveRatio float64 `json:"interleave_ratio"`

	// RankBiasFactor is the RankFusion bonus for items in both lists.
	// Defaults to 0.1.
	RankBiasFactor float64 `json:"rank_bias_factor"`

	// DiversityBonus is the Hybrid RRF bonus for items in only one list.
	// Defaults to 0.01.
	DiversityBonus float64 `json:"diversity_bonus"`
}

func (c FusionConfig) withDefaults() FusionConfig {
	if c.Strategy == "" {
		c.Strategy = StrategyRRF
	}
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.DenseWeight == 0 && c.SparseWeight == 0 {
		c.DenseWeight = 0.5
		c.SparseWeight = 0.5
	}
	if c.ConvexLambda == 0 {
		c.ConvexLambda = 0.5
	}
	if c.InterleaveRatio == 0 {
		c.InterleaveRatio = 0.5
	}
	if c.RankBiasFactor == 0 {
		c.RankBiasFactor = 0.1
	}
	if c.DiversityBonus == 0 {
		c.DiversityBonus = 0.01
	}
	return c
}

// Fuser combines two ranked lists into one.
//
// Sparse scores are min-max normalized within the list before fusion so both
// inputs lie in [0, 1]. Output ordering is deterministic: ties break on
// presence in both lists, then better dense rank, then lower DocID.
type Fuser struct {
	cfg      FusionConfig
	analyzer *QueryAnalyzer
}

// NewFuser creates a fuser. A nil analyzer falls back to the default
// tokenizer, which Hybrid RRF and Adaptive need for query-length signals.
func NewFuser(cfg FusionConfig, analyzer *QueryAnalyzer) *Fuser {
	if analyzer == nil {
		analyzer = NewQueryAnalyzer(nil)
	}
	return &Fuser{cfg: cfg.withDefaults(), analyzer: analyzer}
}

// Fuse combines the dense and sparse lists into at most k results with no
// duplicate ids, using the configured strategy.
func (f *Fuser) Fuse(query string, dense, sparse []ScoredDoc, k int) []ScoredDoc {
	return f.fuseWith(f.cfg, query, dense, sparse, k)
}

func (f *Fuser) fuseWith(cfg FusionConfig, query string, dense, sparse []ScoredDoc, k int) []ScoredDoc {
	if k <= 0 {
		return nil
	}
	sparse = normalizeMinMax(sparse)

	switch cfg.Strategy {
	case StrategyRRF:
		return f.fuseRRF(dense, sparse, k, cfg.RRFK, 0)
	case StrategyHybridRRF:
		return f.fuseRRF(dense, sparse, k, f.hybridRRFK(query), cfg.DiversityBonus)
	case StrategyWeighted:
		return f.fuseLinear(dense, sparse, k, cfg.DenseWeight, cfg.SparseWeight)
	case StrategyConvex:
		return f.fuseLinear(normalizeMinMax(dense), sparse, k, cfg.ConvexLambda, 1-cfg.ConvexLambda)
	case StrategyInterleave:
		return f.fuseInterleave(dense, sparse, k, cfg.InterleaveRatio)
	case StrategyRankFusion:
		return f.fuseRank(dense, sparse, k, cfg.DenseWeight, cfg.SparseWeight, cfg.RankBiasFactor)
	case StrategyScoreFusion:
		return f.fuseBorda(dense, sparse, k, cfg.DenseWeight, cfg.SparseWeight)
	case StrategyCascade:
		return f.fuseCascade(dense, sparse, k)
	case StrategyAdaptive:
		return f.fuseAdaptive(query, dense, sparse, k)
	default:
		return f.fuseRRF(dense, sparse, k, cfg.RRFK, 0)
	}
}

// hybridRRFK picks the RRF constant from the query length. Short queries get
// a small constant that sharpens top ranks, long queries a large one that
// smooths rank differences.
func (f *Fuser) hybridRRFK(query string) int {
	tokens := f.analyzer.Analyze(query).TokenCount
	switch {
	case tokens <= 3:
		return 30
	case tokens >= 12:
		return 100
	default:
		return f.cfg.RRFK
	}
}

func (f *Fuser) fuseAdaptive(query string, dense, sparse []ScoredDoc, k int) []ScoredDoc {
	cfg := f.cfg
	switch f.analyzer.Classify(query) {
	case QueryKeyword:
		cfg.Strategy = StrategyWeighted
		cfg.DenseWeight = 0.3
		cfg.SparseWeight = 0.7
	case QuerySemantic:
		cfg.Strategy = StrategyWeighted
		cfg.DenseWeight = 0.7
		cfg.SparseWeight = 0.3
	default:
		cfg.Strategy = StrategyHybridRRF
	}
	// Sparse is already normalized by the caller; normalizing again is
	// idempotent.
	return f.fuseWith(cfg, query, dense, sparse, k)
}

// fusedDoc carries the tie-break signals alongside the fused score.
type fusedDoc struct {
	ScoredDoc
	inBoth    bool
	denseRank int
}

const missingRank = math.MaxInt32

// collect builds the candidate set with rank bookkeeping. score starts at 0.
func collect(dense, sparse []ScoredDoc) ([]fusedDoc, map[int64]int) {
	denseRanks := make(map[int64]int, len(dense))
	for i, d := range dense {
		denseRanks[d.DocID] = i + 1
	}
	sparseRanks := make(map[int64]int, len(sparse))
	for i, s := range sparse {
		sparseRanks[s.DocID] = i + 1
	}

	order := make(map[int64]int)
	var docs []fusedDoc
	add := func(id int64) {
		if _, ok := order[id]; ok {
			return
		}
		rank, hasDense := denseRanks[id]
		if !hasDense {
			rank = missingRank
		}
		_, hasSparse := sparseRanks[id]
		order[id] = len(docs)
		docs = append(docs, fusedDoc{
			ScoredDoc: ScoredDoc{DocID: id},
			inBoth:    hasDense && hasSparse,
			denseRank: rank,
		})
	}
	for _, d := range dense {
		add(d.DocID)
	}
	for _, s := range sparse {
		add(s.DocID)
	}
	return docs, order
}

// finish sorts candidates by score with the deterministic tie-break and
// truncates to k.
func finish(docs []fusedDoc, k int) []ScoredDoc {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		if docs[i].inBoth != docs[j].inBoth {
			return docs[i].inBoth
		}
		if docs[i].denseRank != docs[j].denseRank {
			return docs[i].denseRank < docs[j].denseRank
		}
		return docs[i].DocID < docs[j].DocID
	})

	if len(docs) > k {
		docs = docs[:k]
	}
	out := make([]ScoredDoc, len(docs))
	for i, d := range docs {
		out[i] = d.ScoredDoc
	}
	return out
}

func (f *Fuser) fuseRRF(dense, sparse []ScoredDoc, k, rrfK int, diversityBonus float64) []ScoredDoc {
	docs, order := collect(dense, sparse)

	for i, d := range dense {
		docs[order[d.DocID]].Score += 1 / float64(rrfK+i+1)
	}
	for i, s := range sparse {
		docs[order[s.DocID]].Score += 1 / float64(rrfK+i+1)
	}
	if diversityBonus != 0 {
		for i := range docs {
			if !docs[i].inBoth {
				docs[i].Score += diversityBonus
			}
		}
	}

	return finish(docs, k)
}

func (f *Fuser) fuseLinear(dense, sparse []ScoredDoc, k int, denseWeight, sparseWeight float64) []ScoredDoc {
	docs, order := collect(dense, sparse)

	for _, d := range dense {
		docs[order[d.DocID]].Score += denseWeight * d.Score
	}
	for _, s := range sparse {
		docs[order[s.DocID]].Score += sparseWeight * s.Score
	}

	return finish(docs, k)
}

func (f *Fuser) fuseRank(dense, sparse []ScoredDoc, k int, denseWeight, sparseWeight, rankBias float64) []ScoredDoc {
	docs, order := collect(dense, sparse)

	for i, d := range dense {
		docs[order[d.DocID]].Score += denseWeight / float64(i+1)
	}
	for i, s := range sparse {
		docs[order[s.DocID]].Score += sparseWeight / float64(i+1)
	}
	for i := range docs {
		if docs[i].inBoth {
			docs[i].Score += rankBias
		}
	}

	return finish(docs, k)
}

func (f *Fuser) fuseBorda(dense, sparse []ScoredDoc, k int, denseWeight, sparseWeight float64) []ScoredDoc {
	docs, order := collect(dense, sparse)

	nDense := len(dense)
	for i, d := range dense {
		docs[order[d.DocID]].Score += denseWeight * float64(nDense-i)
	}
	nSparse := len(sparse)
	for i, s := range sparse {
		docs[order[s.DocID]].Score += sparseWeight * float64(nSparse-i)
	}

	return finish(docs, k)
}

// fuseInterleave fills positions by ratio: after position p, about
// ratio*(p+1) slots are dense. Exhausted lists hand their slots to the other.
func (f *Fuser) fuseInterleave(dense, sparse []ScoredDoc, k int, ratio float64) []ScoredDoc {
	denseQuota := int(math.Ceil(ratio * float64(k)))
	if denseQuota > k {
		denseQuota = k
	}

	taken := make(map[int64]struct{}, k)
	out := make([]ScoredDoc, 0, k)
	di, si := 0, 0
	denseTaken := 0

	nextFrom := func(list []ScoredDoc, idx *int) (ScoredDoc, bool) {
		for *idx < len(list) {
			doc := list[*idx]
			*idx++
			if _, dup := taken[doc.DocID]; !dup {
				return doc, true
			}
		}
		return ScoredDoc{}, false
	}

	for len(out) < k {
		wantDense := denseTaken < denseQuota &&
			float64(denseTaken) < ratio*float64(len(out)+1)

		var doc ScoredDoc
		var ok bool
		if wantDense {
			if doc, ok = nextFrom(dense, &di); ok {
				denseTaken++
			} else {
				doc, ok = nextFrom(sparse, &si)
			}
		} else {
			if doc, ok = nextFrom(sparse, &si); !ok {
				if doc, ok = nextFrom(dense, &di); ok {
					denseTaken++
				}
			}
		}
		if !ok {
			break
		}
		taken[doc.DocID] = struct{}{}
		out = append(out, doc)
	}

	return out
}

// fuseCascade takes the top 4k sparse hits as candidates and re-ranks them by
// dense similarity. Candidates the dense retriever never saw score 0 and sink
// to the bottom.
func (f *Fuser) fuseCascade(dense, sparse []ScoredDoc, k int) []ScoredDoc {
	m := 4 * k
	if len(sparse) < m {
		m = len(sparse)
	}
	candidates := sparse[:m]

	denseScores := make(map[int64]float64, len(dense))
	denseRanks := make(map[int64]int, len(dense))
	for i, d := range dense {
		denseScores[d.DocID] = d.Score
		denseRanks[d.DocID] = i + 1
	}

	docs := make([]fusedDoc, len(candidates))
	for i, c := range candidates {
		rank, inDense := denseRanks[c.DocID]
		if !inDense {
			rank = missingRank
		}
		docs[i] = fusedDoc{
			ScoredDoc: ScoredDoc{DocID: c.DocID, Score: denseScores[c.DocID]},
			inBoth:    inDense,
			denseRank: rank,
		}
	}

	return finish(docs, k)
}

// normalizeMinMax rescales scores into [0, 1] within the list. A list with a
// single distinct score maps to all ones; the empty list passes through.
func normalizeMinMax(list []ScoredDoc) []ScoredDoc {
	if len(list) == 0 {
		return list
	}

	min, max := list[0].Score, list[0].Score
	for _, d := range list[1:] {
		if d.Score < min {
			min = d.Score
		}
		if d.Score > max {
			max = d.Score
		}
	}

	out := make([]ScoredDoc, len(list))
	for i, d := range list {
		score := 1.0
		if max > min {
			score = (d.Score - min) / (max - min)
		}
		out[i] = ScoredDoc{DocID: d.DocID, Score: score}
	}
	return out
}
