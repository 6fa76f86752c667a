package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// PostgresSubscriberRepo はPostgreSQLを使用したTelegram購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

// Add は購読者を登録する。同一(chat_id, source)が既に存在する場合はfalseを返す。
func (r *PostgresSubscriberRepo) Add(ctx context.Context, chatID int64, source string) (bool, error) {
	if source == "" {
		source = "all"
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO subscribers (id, chat_id, source)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (chat_id, source) DO NOTHING`,
		uuid.New().String(), chatID, source,
	)
	if err != nil {
		return false, fmt.Errorf("購読者の登録に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("登録行数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// Remove は購読を解除する。存在しなかった場合はfalseを返す。
func (r *PostgresSubscriberRepo) Remove(ctx context.Context, chatID int64, source string) (bool, error) {
	if source == "" {
		source = "all"
	}

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscribers WHERE chat_id = $1 AND source = $2`,
		chatID, source,
	)
	if err != nil {
		return false, fmt.Errorf("購読の解除に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("削除行数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// ListChatIDs は指定ソースの購読者のchat_id一覧を返す。
// "all"を購読しているchat_idも含まれる（重複は除去される）。
func (r *PostgresSubscriberRepo) ListChatIDs(ctx context.Context, source string) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT chat_id FROM subscribers WHERE source = $1 OR source = 'all'`,
		source,
	)
	if err != nil {
		return nil, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var chatIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("購読者行の読み取りに失敗しました: %w", err)
		}
		chatIDs = append(chatIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)
	}

	return chatIDs, nil
}

// ListSources は指定chat_idが購読しているソース一覧を返す。
func (r *PostgresSubscriberRepo) ListSources(ctx context.Context, chatID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT source FROM subscribers WHERE chat_id = $1 ORDER BY source`,
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読ソース一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("購読ソース行の読み取りに失敗しました: %w", err)
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読ソース一覧の走査に失敗しました: %w", err)
	}

	return sources, nil
}

// compile-time interface check
var _ SubscriberRepository = (*PostgresSubscriberRepo)(nil)
