// Package llm はOpenAI APIを用いた記事の選別・翻訳・埋め込み計算を提供する。
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/hitoshi/newswire/internal/model"
)

// Translation は1記事分の翻訳・リライト結果。4フィールドすべてが
// 揃った場合のみ有効とみなす。
type Translation struct {
	TranslatedTitle string `json:"translated_title"`
	TranslatedBody  string `json:"translated_body"`
	ImprovedTitle   string `json:"improved_title"`
	ImprovedBody    string `json:"improved_body"`
}

// Client はOpenAI APIのラッパー。レート制限時は一定時間待って1回だけ
// リトライする。
type Client struct {
	client     openai.Client
	chatModel  string
	embedModel string
	backoff    time.Duration
	logger     *slog.Logger
}

// NewClient はClientを生成する。optsはテスト用にベースURLなどを
// 差し替える場合に指定する。
func NewClient(apiKey, chatModel, embedModel string, backoff time.Duration, logger *slog.Logger, opts ...option.RequestOption) *Client {
	// リトライ方針はwithRateLimitRetry側で管理するためSDK側の自動リトライは無効化する
	opts = append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)
	return &Client{
		client:     openai.NewClient(opts...),
		chatModel:  chatModel,
		embedModel: embedModel,
		backoff:    backoff,
		logger:     logger,
	}
}

// SelectRelevant は記事バッチを1回のAPI呼び出しで評価し、配信に値する
// 記事のURL一覧を返す。応答が空の場合はエラーとせず空を返す。
func (c *Client) SelectRelevant(ctx context.Context, posts []*model.Post) ([]string, error) {
	if len(posts) == 0 {
		return nil, nil
	}

	prompt := buildRelevancePrompt(posts)

	var content string
	err := c.withRateLimitRetry(ctx, func() error {
		resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(c.chatModel),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage("You are a news editor for a Ukrainian community site in Canada. Select the articles worth publishing."),
				openai.UserMessage(prompt),
			},
			Temperature: openai.Float(0.1),
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return nil
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("関連性判定のAPI呼び出しに失敗しました: %w", err)
	}

	if strings.TrimSpace(content) == "" {
		c.logger.Warn("関連性判定の応答が空のためバッチをスキップします",
			slog.Int("posts", len(posts)))
		return nil, nil
	}

	var parsed struct {
		RelevantURLs []string `json:"relevant_urls"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &parsed); err != nil {
		return nil, fmt.Errorf("関連性判定の応答の解析に失敗しました: %w", err)
	}

	return parsed.RelevantURLs, nil
}

// Translate は記事のタイトルと本文からウクライナ語訳と英語リライトを生成する。
// 4フィールドのいずれかが欠けた応答はエラーとして扱う。
func (c *Client) Translate(ctx context.Context, title, fullText string) (*Translation, error) {
	prompt := fmt.Sprintf(`Translate and rewrite this news article.
Respond with JSON only:
{"translated_title": "Ukrainian title", "translated_body": "Ukrainian body", "improved_title": "rewritten English title", "improved_body": "rewritten English body"}

Title: %s

Article:
%s`, title, fullText)

	var content string
	err := c.withRateLimitRetry(ctx, func() error {
		resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(c.chatModel),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(prompt),
			},
			Temperature: openai.Float(0.3),
		})
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no response from openai")
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("翻訳のAPI呼び出しに失敗しました: %w", err)
	}

	var t Translation
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &t); err != nil {
		return nil, fmt.Errorf("翻訳応答の解析に失敗しました: %w", err)
	}

	if t.TranslatedTitle == "" || t.TranslatedBody == "" || t.ImprovedTitle == "" || t.ImprovedBody == "" {
		return nil, errors.New("翻訳応答のフィールドが不足しています")
	}

	return &t, nil
}

// Embed はテキスト群の埋め込みベクトルを入力と同じ順序で返す。
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var vectors [][]float64
	err := c.withRateLimitRetry(ctx, func() error {
		resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Model: openai.EmbeddingModel(c.embedModel),
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
		})
		if err != nil {
			return err
		}

		vectors = make([][]float64, len(resp.Data))
		for _, d := range resp.Data {
			if int(d.Index) >= len(vectors) {
				return fmt.Errorf("embedding index out of range: %d", d.Index)
			}
			vectors[d.Index] = d.Embedding
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("埋め込みのAPI呼び出しに失敗しました: %w", err)
	}

	return vectors, nil
}

// withRateLimitRetry はfnを実行し、レート制限(429)の場合のみbackoff後に
// 1回だけ再実行する。その他のエラーは即座に返す。
func (c *Client) withRateLimitRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isRateLimited(err) {
		return err
	}

	c.logger.Warn("レート制限を検出しました。待機後に再試行します",
		slog.Duration("backoff", c.backoff))

	timer := time.NewTimer(c.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	return fn()
}

// isRateLimited はAPIエラーがHTTP 429かどうかを判定する。
func isRateLimited(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// stripCodeFence はモデルがJSONをコードフェンスで囲んで返した場合に
// フェンスを取り除く。
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// buildRelevancePrompt はバッチ全体を1つのプロンプトにまとめる。
func buildRelevancePrompt(posts []*model.Post) string {
	var sb strings.Builder
	sb.WriteString("Select the articles relevant to Ukrainians living in Canada: ")
	sb.WriteString("immigration, local news, policy changes, community events, and major world news.\n")
	sb.WriteString("Respond with JSON only:\n")
	sb.WriteString(`{"relevant_urls": ["url1", "url2"]}`)
	sb.WriteString("\n\nArticles:\n\n")

	for i, p := range posts {
		sb.WriteString(fmt.Sprintf("Article %d:\n", i+1))
		sb.WriteString(fmt.Sprintf("URL: %s\n", p.URL))
		sb.WriteString(fmt.Sprintf("Title: %s\n", p.Title))
		sb.WriteString(fmt.Sprintf("Description: %s\n", p.Description))
		sb.WriteString(fmt.Sprintf("Source: %s\n", p.Source))
		sb.WriteString("\n")
	}

	return sb.String()
}
