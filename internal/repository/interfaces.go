// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/newswire/internal/model"
)

// ListFilter は記事一覧取得の絞り込み条件。ゼロ値のフィールドは無条件。
// 複数指定した場合はANDで結合される。
type ListFilter struct {
	// Source は指定したコレクタータグの記事のみに絞り込む。
	Source string
	// Status は指定した処理状態の記事のみに絞り込む。
	Status model.PostStatus
	// Since はcreated_atがこの時刻以降の記事のみに絞り込む。
	Since time.Time
}

// PostRepository は容量制限付き記事ストアの永続化インターフェース。
// URLが同一性キーであり、容量超過時はcreated_at最古の記事を1件削除してから挿入する。
type PostRepository interface {
	// Insert は記事をstatus=queuedで挿入する。
	// 同一URLが既に存在する場合は何もせずfalseを返す。
	// 容量上限に達している場合、最古の記事の削除と挿入を単一トランザクションで行う。
	Insert(ctx context.Context, post *model.Post) (bool, error)

	// FindByURL は指定URLの記事を取得する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Post, error)

	// List は条件に合う記事をcreated_at降順（新しい順）で返す。
	List(ctx context.Context, filter ListFilter) ([]*model.Post, error)

	// Update はURLをキーに可変フィールド（タイトル、概要、画像、本文、
	// 翻訳フィールド、status）を全て上書きする。URLが存在しない場合はfalseを返す。
	Update(ctx context.Context, post *model.Post) (bool, error)

	// UpdateStatus は指定URLの記事のstatusのみを更新する。
	// URLが存在しない場合はfalseを返す。
	UpdateStatus(ctx context.Context, url string, status model.PostStatus) (bool, error)

	// TakeByStatus はstatus=fromの全記事をstatus=toへ原子的に切り替え、
	// 切り替え前のスナップショットを返す。キューのポップ操作に使用する。
	TakeByStatus(ctx context.Context, from, to model.PostStatus) ([]*model.Post, error)

	// ReleaseStale はstatus=processingのままupdated_atがolderThanより古い記事を
	// status=processedへ移し、移した件数を返す。クラッシュ後の滞留回収に使用する。
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)

	// SourceOf は指定URLの記事のソースタグを返す。見つからない場合は空文字列を返す。
	SourceOf(ctx context.Context, url string) (string, error)

	// Count は記事の総数を返す。
	Count(ctx context.Context) (int, error)

	// Wipe は全記事を削除する。テスト・保守用であり、パイプラインからは呼ばれない。
	Wipe(ctx context.Context) error
}

// SubscriberRepository はTelegram購読者の永続化インターフェース。
type SubscriberRepository interface {
	// Add は購読者を登録する。同一(chat_id, source)が既に存在する場合はfalseを返す。
	Add(ctx context.Context, chatID int64, source string) (bool, error)

	// Remove は購読を解除する。存在しなかった場合はfalseを返す。
	Remove(ctx context.Context, chatID int64, source string) (bool, error)

	// ListChatIDs は指定ソースの購読者（"all"購読者を含む）のchat_id一覧を返す。
	ListChatIDs(ctx context.Context, source string) ([]int64, error)

	// ListSources は指定chat_idが購読しているソース一覧を返す。
	ListSources(ctx context.Context, chatID int64) ([]string, error)
}
