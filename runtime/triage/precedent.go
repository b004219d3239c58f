package triage

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"

	"goa.design/conductor/runtime/telemetry"
	"goa.design/conductor/runtime/vector"
)

const (
	// embedDim is the dimension of the hashed trigram embedding.
	embedDim = 128
	// defaultMinScore gates precedent reuse on near-identical failure text.
	defaultMinScore = 0.95
)

// Precedents caches triage outcomes in a vector index so recurring failures
// classify without another round trip through the inner engine. Failure text
// embeds as hashed character trigrams; lookups filter by tool name and only
// reuse a precedent above the similarity threshold. Index errors degrade to
// the inner engine.
type Precedents struct {
	next     Service
	index    vector.Index
	minScore float64
	logger   telemetry.Logger
}

// NewPrecedents wraps next with a precedent cache backed by index. minScore
// defaults to 0.95 when non-positive.
func NewPrecedents(next Service, index vector.Index, minScore float64, logger telemetry.Logger) *Precedents {
	if minScore <= 0 {
		minScore = defaultMinScore
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Precedents{next: next, index: index, minScore: minScore, logger: logger}
}

// Triage implements Service.
func (p *Precedents) Triage(ctx context.Context, f Failure) Result {
	emb := embedText(f.Message)
	matches, err := p.index.Search(ctx, vector.Query{
		Embedding: emb,
		Filter:    map[string]string{"tool": f.ToolName},
		TopK:      1,
		MinScore:  p.minScore,
	})
	if err == nil && len(matches) > 0 {
		if res, ok := resultFromMetadata(matches[0].Document.Metadata); ok {
			return res
		}
	}

	res := p.next.Triage(ctx, f)
	doc := vector.Document{
		ID:        precedentID(f),
		Embedding: emb,
		Metadata:  metadataFromResult(f.ToolName, res),
	}
	if err := p.index.Add(ctx, doc); err != nil {
		p.logger.Warn(ctx, "failed to record triage precedent", "tool", f.ToolName, "error", err.Error())
	}
	return res
}

func precedentID(f Failure) string {
	h := fnv.New64a()
	h.Write([]byte(f.ToolName))
	h.Write([]byte{0})
	h.Write([]byte(f.Message))
	return fmt.Sprintf("triage:%x", h.Sum64())
}

func metadataFromResult(tool string, res Result) map[string]string {
	return map[string]string{
		"tool":        tool,
		"category":    string(res.Category),
		"action":      string(res.SuggestedAction),
		"recoverable": strconv.FormatBool(res.Recoverable),
		"confidence":  strconv.FormatFloat(res.Confidence, 'f', -1, 64),
		"explanation": res.Explanation,
	}
}

func resultFromMetadata(md map[string]string) (Result, bool) {
	res := Result{
		Category:        Category(md["category"]),
		SuggestedAction: Action(md["action"]),
		Explanation:     md["explanation"],
	}
	if !validCategory(res.Category) || !validAction(res.SuggestedAction) {
		return Result{}, false
	}
	res.Recoverable = md["recoverable"] == "true"
	if c, err := strconv.ParseFloat(md["confidence"], 64); err == nil && c >= 0 && c <= 1 {
		res.Confidence = c
	}
	return res, true
}

// embedText hashes overlapping character trigrams into a fixed-size count
// vector. Cosine similarity over these counts is high only for near-identical
// messages, which is the reuse bar precedents need.
func embedText(s string) []float32 {
	vec := make([]float32, embedDim)
	runes := []rune(s)
	if len(runes) < 3 {
		h := fnv.New32a()
		h.Write([]byte(s))
		vec[h.Sum32()%embedDim]++
		return vec
	}
	for i := 0; i+3 <= len(runes); i++ {
		h := fnv.New32a()
		h.Write([]byte(string(runes[i : i+3])))
		vec[h.Sum32()%embedDim]++
	}
	return vec
}
