package scrape

import (
	"context"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/newswire/internal/model"
)

// Source はニュースソースのスクレイパーインターフェース。
type Source interface {
	// Name はソースタグを返す。記事のSourceフィールドと購読の
	// 絞り込みに使われる。
	Name() string

	// FetchUpdates はソースの最新記事一覧を返す。本文は含まれない。
	FetchUpdates(ctx context.Context) ([]*model.Post, error)

	// FetchFullText は記事ページから本文と画像URLを抽出する。
	// 画像が見つからない場合は空文字列を返す。
	FetchFullText(ctx context.Context, url string) (fullText, imageURL string, err error)
}

// stripPolicy はHTMLタグを全て除去するサニタイズポリシー。
var stripPolicy = bluemonday.StrictPolicy()

// flattenHTML はHTML断片をプレーンテキストに変換する。
// タグを除去し、文字参照を解決し、前後の空白を取り除く。
func flattenHTML(s string) string {
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
}

// absoluteURL は相対URLをベースURLと結合する。既に絶対URLの場合は
// そのまま返す。プロトコル相対URLはhttpsを補う。
func absoluteURL(base, ref string) string {
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	default:
		return base + ref
	}
}
