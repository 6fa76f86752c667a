// Package publish はニュースサービスAPIへの記事投稿を提供する。
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/newswire/internal/model"
)

// apiPost はニュースサービスAPIの投稿ペイロード。
type apiPost struct {
	Text            string   `json:"text"`
	Type            string   `json:"type"`
	Author          string   `json:"author"`
	Children        []string `json:"children"`
	Title           string   `json:"title"`
	TitleUk         string   `json:"titleUk"`
	TextUk          string   `json:"textUk"`
	RichText        string   `json:"richText"`
	RichTextUk      string   `json:"richTextUk"`
	MediaURLs       []string `json:"mediaUrls"`
	NewsOriginalURL string   `json:"newsOriginalUrl"`
	NewsSource      string   `json:"newsSource,omitempty"`
}

// insertResponse はニュースサービスAPIの投稿レスポンス。
type insertResponse struct {
	InsertedPosts []struct {
		ID   string `json:"_id"`
		Slug string `json:"slug"`
	} `json:"insertedPosts"`
}

// Client はニュースサービスAPIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	authorID   string
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, baseURL, apiKey, authorID string, logger *slog.Logger) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
		apiKey:     apiKey,
		authorID:   authorID,
		endpoint:   baseURL + "/en/api/news",
	}
}

// Publish は翻訳済みの記事をニュースサービスに投稿し、公開ページの
// 正規URLを返す。投稿レスポンスの_id（なければslug）からURLを組み立てる。
func (c *Client) Publish(ctx context.Context, post *model.Post) (string, error) {
	if !post.Enriched() {
		return "", fmt.Errorf("翻訳フィールドが揃っていないため投稿できません: %s", post.URL)
	}

	payload := struct {
		Posts []apiPost `json:"posts"`
	}{
		Posts: []apiPost{c.mapPost(post)},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ペイロードのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"?apiKey="+c.apiKey, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("ニュースサービスAPIの呼び出しに失敗しました",
			slog.String("url", post.URL),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("ニュースサービスAPIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.logger.Error("ニュースサービスAPIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("url", post.URL),
		)
		return "", fmt.Errorf("ニュースサービスAPIがステータス %d を返しました", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var result insertResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}

	if len(result.InsertedPosts) == 0 {
		return "", fmt.Errorf("レスポンスにinsertedPostsが含まれていません: %s", post.URL)
	}

	id := result.InsertedPosts[0].ID
	if id == "" {
		id = result.InsertedPosts[0].Slug
	}
	if id == "" {
		return "", fmt.Errorf("レスポンスに_idもslugも含まれていません: %s", post.URL)
	}

	canonicalURL := fmt.Sprintf("%s/uk/news/%s", c.baseURL, id)

	c.logger.Info("記事をニュースサービスに投稿しました",
		slog.String("url", post.URL),
		slog.String("canonical_url", canonicalURL),
	)

	return canonicalURL, nil
}

// mapPost は記事をAPIペイロードに変換する。
func (c *Client) mapPost(post *model.Post) apiPost {
	text := post.Description
	if text == "" {
		text = post.ImprovedBody
	}

	var mediaURLs []string
	if post.ImageURL != "" {
		mediaURLs = []string{post.ImageURL}
	}

	return apiPost{
		Text:            text,
		Type:            "news",
		Author:          c.authorID,
		Children:        []string{},
		Title:           post.ImprovedTitle,
		TitleUk:         post.TranslatedTitle,
		TextUk:          post.TranslatedBody,
		RichText:        post.ImprovedBody,
		RichTextUk:      post.TranslatedBody,
		MediaURLs:       mediaURLs,
		NewsOriginalURL: post.URL,
		NewsSource:      strings.ToUpper(post.Source),
	}
}
