package scrape

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/newswire/internal/model"
)

const bbcFeedURL = "https://feeds.bbci.co.uk/news/us_and_canada/rss.xml"

// BBC はBBC News US & Canadaのスクレイパー。記事一覧はRSSフィードから、
// 本文は記事ページのtext-blockコンポーネントから取得する。
type BBC struct {
	client  *Client
	feedURL string
}

// NewBBC はBBCスクレイパーを生成する。
func NewBBC(client *Client) *BBC {
	return &BBC{client: client, feedURL: bbcFeedURL}
}

// Name はソースタグ"bbc"を返す。
func (b *BBC) Name() string {
	return "bbc"
}

// FetchUpdates はRSSフィードから最新記事一覧を取得する。
func (b *BBC) FetchUpdates(ctx context.Context) ([]*model.Post, error) {
	body, err := b.client.Get(ctx, b.feedURL)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("フィードのパースに失敗しました: %w", err)
	}

	posts := make([]*model.Post, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil || item.Link == "" || item.Title == "" {
			continue
		}

		post := &model.Post{
			URL:         item.Link,
			Title:       flattenHTML(item.Title),
			Description: flattenHTML(item.Description),
		}
		if item.Image != nil {
			post.ImageURL = item.Image.URL
		}
		if item.PublishedParsed != nil {
			post.CreatedAt = *item.PublishedParsed
		}

		posts = append(posts, post)
	}

	return posts, nil
}

// FetchFullText は記事ページのtext-blockコンポーネントから本文を抽出する。
// 画像URLはog:imageメタタグから取得する。
func (b *BBC) FetchFullText(ctx context.Context, url string) (string, string, error) {
	body, err := b.client.Get(ctx, url)
	if err != nil {
		return "", "", fmt.Errorf("記事の取得に失敗しました: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("記事のパースに失敗しました: %w", err)
	}

	var paragraphs []string
	doc.Find(`div[data-component="text-block"] p`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	if len(paragraphs) == 0 {
		return "", "", fmt.Errorf("本文が見つかりません: %s", url)
	}

	imageURL, _ := doc.Find(`meta[property="og:image"]`).Attr("content")

	return strings.Join(paragraphs, "\n\n"), imageURL, nil
}
