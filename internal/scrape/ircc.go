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

const (
	irccBaseURL  = "https://www.canada.ca/en"
	irccNewsPath = "/news/advanced-news-search/news-results.html?typ=newsreleases&dprtmnt=departmentofcitizenshipandimmigration&start=2015-01-01&end="
)

// IRCC はカナダ移民局（IRCC）ニュースリリースのスクレイパー。
// 公式サイトはリクエスト頻度に敏感なため、Clientのレート制限で
// リクエスト間隔を空けて呼び出すこと。
type IRCC struct {
	client  *Client
	baseURL string
}

// NewIRCC はIRCCスクレイパーを生成する。
func NewIRCC(client *Client) *IRCC {
	return &IRCC{client: client, baseURL: irccBaseURL}
}

// Name はソースタグ"ircc"を返す。
func (i *IRCC) Name() string {
	return "ircc"
}

// FetchUpdates はニュース検索ページからリリース一覧を取得する。
// IRCCのリリースには画像がないためImageURLは常に空になる。
func (i *IRCC) FetchUpdates(ctx context.Context) ([]*model.Post, error) {
	body, err := i.client.Get(ctx, i.baseURL+irccNewsPath)
	if err != nil {
		return nil, fmt.Errorf("ニュース一覧の取得に失敗しました: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ニュース一覧のパースに失敗しました: %w", err)
	}

	var posts []*model.Post
	doc.Find("article.item").Each(func(_ int, article *goquery.Selection) {
		link := article.Find("h3.h5 a").First()
		href, ok := link.Attr("href")
		if !ok || href == "" {
			return
		}
		title := strings.TrimSpace(link.Text())
		if title == "" {
			return
		}

		post := &model.Post{
			URL:   href,
			Title: title,
		}

		// 概要は最後の段落（先頭の段落は日付）
		if paragraphs := article.Find("p"); paragraphs.Length() > 1 {
			post.Description = strings.TrimSpace(paragraphs.Last().Text())
		}

		if datetime, ok := article.Find("time").First().Attr("datetime"); ok {
			if parsed, err := parseIRCCTime(datetime); err == nil {
				post.CreatedAt = parsed
			}
		}

		posts = append(posts, post)
	})

	return posts, nil
}

// FetchFullText はニュースリリースページから本文を抽出する。
// 本文に続けて引用（Quotes）と要点（Quick facts）も取り込む。
func (i *IRCC) FetchFullText(ctx context.Context, url string) (string, string, error) {
	body, err := i.client.Get(ctx, url)
	if err != nil {
		return "", "", fmt.Errorf("記事の取得に失敗しました: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("記事のパースに失敗しました: %w", err)
	}

	container := doc.Find("#news-release-container").First()
	if container.Length() == 0 {
		return "", "", fmt.Errorf("本文が見つかりません: %s", url)
	}

	var sections []string

	if teaser := strings.TrimSpace(container.Find("p.teaser").First().Text()); teaser != "" {
		sections = append(sections, teaser)
	}

	container.Find("div.cmp-text p").Each(func(_ int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if len(text) > 10 {
			sections = append(sections, strings.Join(strings.Fields(text), " "))
		}
	})

	if quotes := extractIRCCSection(container, "Quotes", "blockquote", "p"); len(quotes) > 0 {
		sections = append(sections, "Quotes:")
		sections = append(sections, quotes...)
	}

	if facts := extractIRCCSection(container, "Quick facts", "ul", "li"); len(facts) > 0 {
		sections = append(sections, "Quick facts:")
		sections = append(sections, facts...)
	}

	if len(sections) == 0 {
		return "", "", fmt.Errorf("本文が見つかりません: %s", url)
	}

	return strings.Join(sections, "\n\n"), "", nil
}

// extractIRCCSection は指定見出しに後続するwrapper要素内のinner要素から
// テキストを抽出する。
func extractIRCCSection(container *goquery.Selection, heading, wrapper, inner string) []string {
	var texts []string
	container.Find("h2").EachWithBreak(func(_ int, h2 *goquery.Selection) bool {
		if strings.TrimSpace(h2.Text()) != heading {
			return true
		}
		h2.NextAllFiltered(wrapper).First().Find(inner).Each(func(_ int, s *goquery.Selection) {
			if text := strings.TrimSpace(s.Text()); text != "" {
				texts = append(texts, text)
			}
		})
		return false
	})
	return texts
}

// parseIRCCTime はIRCCのdatetime属性をパースする。日付のみの形式と
// RFC3339の両方を受け付ける。
func parseIRCCTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
