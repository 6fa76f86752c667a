// Package scrape はニュースソースからの記事一覧と本文の取得を提供する。
package scrape

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/doyensec/safeurl"
	"golang.org/x/time/rate"
)

// fetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type fetchResult int

const (
	// fetchOK はフェッチ成功（200）。
	fetchOK fetchResult = iota
	// fetchRetry はバックオフ後の再試行が必要なステータス（429/5xx）。
	fetchRetry
	// fetchFail は再試行しても回復しないステータス。
	fetchFail
)

// classifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func classifyHTTPStatus(statusCode int) fetchResult {
	switch {
	case statusCode == http.StatusOK:
		return fetchOK
	case statusCode == http.StatusTooManyRequests:
		return fetchRetry
	case statusCode >= 500:
		return fetchRetry
	default:
		return fetchFail
	}
}

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

// Client はレート制限付きのHTTPフェッチクライアント。
// 429/5xxの場合はbackoff後に1回だけ再試行する。
type Client struct {
	http        *http.Client
	limiter     *rate.Limiter
	backoff     time.Duration
	maxBodySize int64
	logger      *slog.Logger
}

// NewClient はClientを生成する。limiterはソースごとのリクエスト間隔を
// 制御する。httpClientにはNewSafeClientの戻り値を渡す。
func NewClient(httpClient *http.Client, limiter *rate.Limiter, backoff time.Duration, maxBodySize int64, logger *slog.Logger) *Client {
	return &Client{
		http:        httpClient,
		limiter:     limiter,
		backoff:     backoff,
		maxBodySize: maxBodySize,
		logger:      logger,
	}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlによりプライベートIP、ループバック、リンクローカル、
// メタデータIPへのリクエストがブロックされる。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// Get はURLをフェッチしてレスポンスボディを返す。
// レート制限の待機後にリクエストを送り、429/5xxの場合はbackoff後に
// 1回だけ再試行する。
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	body, result, err := c.do(ctx, url)
	if err != nil {
		return nil, err
	}
	if result == fetchRetry {
		c.logger.Warn("フェッチに失敗しました。待機後に再試行します",
			slog.String("url", url),
			slog.Duration("backoff", c.backoff))

		timer := time.NewTimer(c.backoff)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		body, result, err = c.do(ctx, url)
		if err != nil {
			return nil, err
		}
	}

	if result != fetchOK {
		return nil, fmt.Errorf("フェッチに失敗しました: %s", url)
	}

	return body, nil
}

// do は1回のHTTPリクエストを実行し、ボディと結果分類を返す。
func (c *Client) do(ctx context.Context, url string) ([]byte, fetchResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fetchFail, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fetchFail, fmt.Errorf("リクエスト作成に失敗しました: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fetchFail, fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	result := classifyHTTPStatus(resp.StatusCode)
	if result != fetchOK {
		// 再試行判定のためボディは読み捨てる
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		if result == fetchFail {
			return nil, result, fmt.Errorf("HTTPステータス %d: %s", resp.StatusCode, url)
		}
		return nil, result, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize))
	if err != nil {
		return nil, fetchFail, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	return body, fetchOK, nil
}
