package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/newswire/internal/model"
)

// postColumns はpostsテーブルのSELECT列リスト。scanPostの順序と一致させること。
const postColumns = `url, title, description, image_url, full_text,
	        translated_title, translated_body, improved_title, improved_body,
	        created_at, source, status, updated_at`

// PostgresPostRepo はPostgreSQLを使用した容量制限付き記事ストア。
// maxPostsを超える挿入では最古（created_at最小）の記事を1件削除してから挿入する。
type PostgresPostRepo struct {
	db       *sql.DB
	maxPosts int
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
// maxPostsが0以下の場合はデフォルト値1000を使用する。
func NewPostgresPostRepo(db *sql.DB, maxPosts int) *PostgresPostRepo {
	if maxPosts <= 0 {
		maxPosts = 1000
	}
	return &PostgresPostRepo{db: db, maxPosts: maxPosts}
}

// Insert は記事をstatus=queuedで挿入する。
// 重複URLはfalse（副作用なし）。容量超過時の最古削除と挿入は
// 単一トランザクションで行い、中間状態が観測されないことを保証する。
func (r *PostgresPostRepo) Insert(ctx context.Context, post *model.Post) (bool, error) {
	if post.URL == "" {
		return false, fmt.Errorf("記事のURLが空です")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 同一URLの存在チェック
	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM posts WHERE url = $1)`, post.URL,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("重複チェックに失敗しました: %w", err)
	}
	if exists {
		return false, nil
	}

	// 容量チェックと最古削除
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&count); err != nil {
		return false, fmt.Errorf("記事数の取得に失敗しました: %w", err)
	}

	if count >= r.maxPosts {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM posts WHERE url = (
			    SELECT url FROM posts ORDER BY created_at ASC LIMIT 1
			 )`)
		if err != nil {
			return false, fmt.Errorf("最古記事の削除に失敗しました: %w", err)
		}
	}

	createdAt := post.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO posts (url, title, description, image_url, full_text,
		                    translated_title, translated_body, improved_title, improved_body,
		                    created_at, source, status, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		post.URL, post.Title, post.Description, post.ImageURL, post.FullText,
		post.TranslatedTitle, post.TranslatedBody, post.ImprovedTitle, post.ImprovedBody,
		createdAt, post.Source, model.StatusQueued,
	)
	if err != nil {
		return false, fmt.Errorf("記事の挿入に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	post.CreatedAt = createdAt
	post.Status = model.StatusQueued
	return true, nil
}

// FindByURL は指定URLの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByURL(ctx context.Context, url string) (*model.Post, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE url = $1`, url)

	post, err := scanPost(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return post, nil
}

// List は条件に合う記事をcreated_at降順で返す。
// フィルタはゼロ値のフィールドを無視し、指定分をANDで結合する。
func (r *PostgresPostRepo) List(ctx context.Context, filter ListFilter) ([]*model.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE 1=1`
	var args []interface{}
	argIndex := 1

	if filter.Source != "" {
		query += fmt.Sprintf(" AND source = $%d", argIndex)
		args = append(args, filter.Source)
		argIndex++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, filter.Status)
		argIndex++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, filter.Since)
		argIndex++
	}

	query += " ORDER BY created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// Update はURLをキーに可変フィールドを全て上書きする。
// created_atとsourceは不変のため更新しない。
func (r *PostgresPostRepo) Update(ctx context.Context, post *model.Post) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET
		    title = $2, description = $3, image_url = $4, full_text = $5,
		    translated_title = $6, translated_body = $7,
		    improved_title = $8, improved_body = $9,
		    status = $10, updated_at = now()
		 WHERE url = $1`,
		post.URL, post.Title, post.Description, post.ImageURL, post.FullText,
		post.TranslatedTitle, post.TranslatedBody,
		post.ImprovedTitle, post.ImprovedBody,
		post.Status,
	)
	if err != nil {
		return false, fmt.Errorf("記事の更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// UpdateStatus は指定URLの記事のstatusのみを更新する。
func (r *PostgresPostRepo) UpdateStatus(ctx context.Context, url string, status model.PostStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET status = $2, updated_at = now() WHERE url = $1`,
		url, status,
	)
	if err != nil {
		return false, fmt.Errorf("記事ステータスの更新に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// TakeByStatus はstatus=fromの全記事をstatus=toへ原子的に切り替え、
// 切り替え前のスナップショット（created_at降順）を返す。
// 単一のUPDATE文のため、他の呼び出し元と競合しても同じ記事が二重に取られることはない。
func (r *PostgresPostRepo) TakeByStatus(ctx context.Context, from, to model.PostStatus) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE posts SET status = $2, updated_at = now()
		 WHERE status = $1
		 RETURNING url, title, description, image_url, full_text,
		           translated_title, translated_body, improved_title, improved_body,
		           created_at, source, $1::text, updated_at`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("記事ステータスの一括切り替えに失敗しました: %w", err)
	}
	defer rows.Close()

	posts, err := scanPosts(rows)
	if err != nil {
		return nil, err
	}

	// RETURNINGの順序は不定のため、呼び出し元契約（新しい順）に合わせて並べ替える
	sortByCreatedAtDesc(posts)
	return posts, nil
}

// ReleaseStale はprocessingのままolderThanより長く滞留している記事を
// processedへ移し、移した件数を返す。
func (r *PostgresPostRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := r.db.ExecContext(ctx,
		`UPDATE posts SET status = $1, updated_at = now()
		 WHERE status = $2 AND updated_at < $3`,
		model.StatusProcessed, model.StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("滞留記事の回収に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// SourceOf は指定URLの記事のソースタグを返す。見つからない場合は空文字列を返す。
func (r *PostgresPostRepo) SourceOf(ctx context.Context, url string) (string, error) {
	var source string
	err := r.db.QueryRowContext(ctx,
		`SELECT source FROM posts WHERE url = $1`, url,
	).Scan(&source)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("記事ソースの取得に失敗しました: %w", err)
	}
	return source, nil
}

// Count は記事の総数を返す。
func (r *PostgresPostRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&count); err != nil {
		return 0, fmt.Errorf("記事数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// Wipe は全記事を削除する。テスト・保守用。
func (r *PostgresPostRepo) Wipe(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM posts`); err != nil {
		return fmt.Errorf("記事ストアの全削除に失敗しました: %w", err)
	}
	return nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPost(row rowScanner) (*model.Post, error) {
	post := &model.Post{}
	var status string
	err := row.Scan(
		&post.URL, &post.Title, &post.Description, &post.ImageURL, &post.FullText,
		&post.TranslatedTitle, &post.TranslatedBody, &post.ImprovedTitle, &post.ImprovedBody,
		&post.CreatedAt, &post.Source, &status, &post.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	post.Status = model.PostStatus(status)
	return post, nil
}

func scanPosts(rows *sql.Rows) ([]*model.Post, error) {
	var posts []*model.Post
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return posts, nil
}

func sortByCreatedAtDesc(posts []*model.Post) {
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].CreatedAt.After(posts[j].CreatedAt)
	})
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
