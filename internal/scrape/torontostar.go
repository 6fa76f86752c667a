package scrape

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/newswire/internal/model"
)

const torontoStarBaseURL = "https://www.thestar.com"

// TorontoStar はToronto Starトップページのスクレイパー。
type TorontoStar struct {
	client  *Client
	baseURL string
}

// NewTorontoStar はTorontoStarスクレイパーを生成する。
func NewTorontoStar(client *Client) *TorontoStar {
	return &TorontoStar{client: client, baseURL: torontoStarBaseURL}
}

// Name はソースタグ"toronto_star"を返す。
func (t *TorontoStar) Name() string {
	return "toronto_star"
}

// FetchUpdates はトップページの記事カードから最新記事一覧を取得する。
func (t *TorontoStar) FetchUpdates(ctx context.Context) ([]*model.Post, error) {
	body, err := t.client.Get(ctx, t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("トップページの取得に失敗しました: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("トップページのパースに失敗しました: %w", err)
	}

	var posts []*model.Post
	doc.Find("article.tnt-asset-type-article").Each(func(_ int, article *goquery.Selection) {
		link := article.Find("h3.tnt-headline a").First()
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return
		}

		post := &model.Post{
			URL:         absoluteURL(t.baseURL, href),
			Title:       title,
			Description: strings.TrimSpace(article.Find("p.tnt-summary").First().Text()),
			ImageURL:    extractCardImage(article),
		}

		if datetime, ok := article.Find("time.tnt-date").First().Attr("datetime"); ok {
			if parsed, err := time.Parse(time.RFC3339, datetime); err == nil {
				post.CreatedAt = parsed
			}
		}

		posts = append(posts, post)
	})

	return posts, nil
}

// FetchFullText は記事ページから本文と画像URLを抽出する。
func (t *TorontoStar) FetchFullText(ctx context.Context, url string) (string, string, error) {
	body, err := t.client.Get(ctx, url)
	if err != nil {
		return "", "", fmt.Errorf("記事の取得に失敗しました: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("記事のパースに失敗しました: %w", err)
	}

	articleBody := findArticleBody(doc)
	if articleBody == nil {
		return "", "", fmt.Errorf("本文が見つかりません: %s", url)
	}

	var paragraphs []string
	articleBody.Find("p, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if hasSkippedAncestor(s) {
			return
		}
		text := strings.TrimSpace(s.Text())
		if len(text) <= 20 || isBoilerplate(text) {
			return
		}
		paragraphs = append(paragraphs, strings.Join(strings.Fields(text), " "))
	})

	if len(paragraphs) == 0 {
		return "", "", fmt.Errorf("本文が見つかりません: %s", url)
	}

	imageURL := extractCardImage(doc.Selection)

	return strings.Join(paragraphs, "\n\n"), imageURL, nil
}

// articleBodySelectors は本文コンテナの候補セレクタ。上から順に試す。
var articleBodySelectors = []string{
	"article.asset",
	`article[itemtype="https://schema.org/NewsArticle"]`,
	"div.article-body",
	`div[data-component="article-body"]`,
	"main article",
	"main",
	"article",
}

// findArticleBody は候補セレクタを順に試して本文コンテナを探す。
func findArticleBody(doc *goquery.Document) *goquery.Selection {
	for _, selector := range articleBodySelectors {
		if s := doc.Find(selector).First(); s.Length() > 0 {
			return s
		}
	}
	return nil
}

// skipAncestors は本文抽出から除外するコンテナ。
const skipAncestors = "aside, nav, header, footer, .tnt-ads, .share-container, .caption, .related-stories, .trending"

// hasSkippedAncestor は要素が除外対象コンテナの内側にあるかを判定する。
func hasSkippedAncestor(s *goquery.Selection) bool {
	return s.Closest(skipAncestors).Length() > 0
}

// boilerplatePhrases は本文に含めない定型文・宣伝の目印。
var boilerplatePhrases = []string{
	"Advertisement",
	"Share this article",
	"More from The Star",
	"Related Stories",
	"READ MORE:",
	"WATCH:",
	"pic.twitter.com",
	"http://",
	"https://",
}

// isBoilerplate はテキストが定型文かどうかを判定する。
func isBoilerplate(text string) bool {
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// extractCardImage は記事カードまたは記事ページから画像URLを抽出する。
// schema.orgのImageObjectメタデータを優先し、なければimg要素の属性を
// data-srcset、data-src、srcの順に試す。
func extractCardImage(s *goquery.Selection) string {
	imageObject := s.Find(`div[itemtype="https://schema.org/ImageObject"]`).First()
	if imageObject.Length() > 0 {
		if content, ok := imageObject.Find(`meta[itemprop="contentUrl"]`).Attr("content"); ok && content != "" {
			return absoluteImageURL(content)
		}
		if content, ok := imageObject.Find(`meta[itemprop="url"]`).Attr("content"); ok && content != "" {
			return absoluteImageURL(content)
		}
	}

	img := s.Find("img.img-responsive").First()
	if img.Length() == 0 {
		img = s.Find("img").First()
	}
	if img.Length() == 0 {
		return ""
	}

	if srcset, ok := img.Attr("data-srcset"); ok && srcset != "" {
		// 先頭エントリが空のsrcset（",https://… 2x" など）を許容する
		first := strings.SplitN(srcset, ",", 2)[0]
		if fields := strings.Fields(first); len(fields) > 0 {
			return absoluteImageURL(fields[0])
		}
	}
	if dataSrc, ok := img.Attr("data-src"); ok && dataSrc != "" {
		return absoluteImageURL(dataSrc)
	}
	if src, ok := img.Attr("src"); ok && src != "" && !strings.HasPrefix(src, "data:image") {
		return absoluteImageURL(src)
	}

	return ""
}

// absoluteImageURL はスキームを欠いた画像URLをhttpsの絶対URLに補正する。
func absoluteImageURL(ref string) string {
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return ref
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	default:
		return "https://" + strings.TrimLeft(ref, "/")
	}
}
