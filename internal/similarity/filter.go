// Package similarity は埋め込みベクトルのコサイン類似度による
// 記事の重複判定を提供する。
package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/hitoshi/newswire/internal/model"
)

// Embedder はテキスト群を埋め込みベクトルに変換する。
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Filter は既存記事との類似度にもとづいて候補記事を選別する。
// 閾値以上の類似度を持つ候補は重複とみなして除外する。
type Filter struct {
	embedder  Embedder
	threshold float64
	logger    *slog.Logger
}

// NewFilter はFilterを生成する。thresholdは0〜1の範囲で指定し、
// 値が大きいほど除外されにくくなる。
func NewFilter(embedder Embedder, threshold float64, logger *slog.Logger) *Filter {
	return &Filter{
		embedder:  embedder,
		threshold: threshold,
		logger:    logger,
	}
}

// SelectNovel は候補記事のうち、既存記事のいずれとも類似していないものを
// 元の順序のまま返す。候補同士の比較は行わない。
// 既存記事が空の場合は埋め込みを計算せず候補をそのまま返す。
func (f *Filter) SelectNovel(ctx context.Context, candidates, existing []*model.Post) ([]*model.Post, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if len(existing) == 0 {
		return candidates, nil
	}

	texts := make([]string, 0, len(candidates)+len(existing))
	for _, p := range candidates {
		texts = append(texts, p.SimilarityText())
	}
	for _, p := range existing {
		texts = append(texts, p.SimilarityText())
	}

	vectors, err := f.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("埋め込みの計算に失敗しました: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("埋め込みの件数が一致しません: got %d, want %d", len(vectors), len(texts))
	}

	candVecs := vectors[:len(candidates)]
	existVecs := vectors[len(candidates):]

	novel := make([]*model.Post, 0, len(candidates))
	for i, p := range candidates {
		if dup, match := f.isDuplicate(candVecs[i], existVecs, existing); dup {
			f.logger.Info("類似記事を除外します",
				slog.String("url", p.URL),
				slog.String("similar_to", match))
			continue
		}
		novel = append(novel, p)
	}

	return novel, nil
}

// isDuplicate は候補ベクトルが既存ベクトルのいずれかと閾値以上の
// 類似度を持つかを判定し、最初に一致した既存記事のURLを返す。
func (f *Filter) isDuplicate(cand []float64, existVecs [][]float64, existing []*model.Post) (bool, string) {
	for i, ev := range existVecs {
		if cosine(cand, ev) >= f.threshold {
			return true, existing[i].URL
		}
	}
	return false, ""
}

// cosine は2ベクトルのコサイン類似度を返す。
// 次元が異なる場合やゼロベクトルの場合は0を返す。
func cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
