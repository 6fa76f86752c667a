// Package model はドメインモデルを定義する。
package model

import "time"

// PostStatus は記事のパイプライン処理状態を表す。
// 遷移は queued → processing → processed の一方向のみ。
type PostStatus string

const (
	// StatusQueued はキューに入り処理待ちの状態。
	StatusQueued PostStatus = "queued"
	// StatusProcessing はキューからポップされ処理中の状態。
	StatusProcessing PostStatus = "processing"
	// StatusProcessed は処理が完了した終端状態。
	// 関連度判定で除外された記事もこの状態で終わる（削除はしない）。
	StatusProcessed PostStatus = "processed"
)

// Post はパイプラインを流れる記事1件を表す。
// URLが唯一の同一性キーであり、ストアは同一URLの二重登録を拒否する。
type Post struct {
	URL         string
	Title       string
	Description string
	ImageURL    string

	// FullText はスクレイパーが遅延取得する本文。空のまま公開されることはない。
	FullText string

	// 翻訳・改善フィールド。enrichmentステージが4つ揃えて設定する。
	// いずれかが欠けた状態での公開は行わない。
	TranslatedTitle string
	TranslatedBody  string
	ImprovedTitle   string
	ImprovedBody    string

	// CreatedAt は取り込み時刻。作成後は不変で、
	// 類似度判定の時間窓と容量超過時の最古削除の基準になる。
	CreatedAt time.Time

	// Source はどのコレクターが取得したかを示すタグ（例: "bbc"）。
	Source string

	Status PostStatus

	// UpdatedAt は最終更新時刻。processing滞留の検出に使用する。
	UpdatedAt time.Time
}

// Enriched は翻訳・改善フィールドが4つとも揃っているかを返す。
func (p *Post) Enriched() bool {
	return p.TranslatedTitle != "" && p.TranslatedBody != "" &&
		p.ImprovedTitle != "" && p.ImprovedBody != ""
}

// SimilarityText は類似度判定に使うテキスト（タイトルと概要の連結）を返す。
func (p *Post) SimilarityText() string {
	if p.Description == "" {
		return p.Title
	}
	return p.Title + " " + p.Description
}
