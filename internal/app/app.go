// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/newswire/internal/broadcast"
	"github.com/hitoshi/newswire/internal/config"
	"github.com/hitoshi/newswire/internal/database"
	"github.com/hitoshi/newswire/internal/handler"
	"github.com/hitoshi/newswire/internal/llm"
	"github.com/hitoshi/newswire/internal/logger"
	"github.com/hitoshi/newswire/internal/metrics"
	"github.com/hitoshi/newswire/internal/model"
	"github.com/hitoshi/newswire/internal/pipeline"
	"github.com/hitoshi/newswire/internal/publish"
	"github.com/hitoshi/newswire/internal/queue"
	"github.com/hitoshi/newswire/internal/repository"
	"github.com/hitoshi/newswire/internal/scrape"
	"github.com/hitoshi/newswire/internal/similarity"
	"github.com/hitoshi/newswire/internal/worker"
)

// irccRequestCooldown はIRCCサイトへのリクエスト最小間隔。
// 政府サイトへの負荷を抑えるため他ソースより長めに取る。
const irccRequestCooldown = 2 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandWipe:
		return runWipe(cfg)
	default:
		return runWorker(cfg)
	}
}

// runWorker はパイプラインワーカーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、スケジューラと
// 監視用HTTPサーバー、Telegramボットを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	postRepo := repository.NewPostgresPostRepo(db, cfg.MaxPosts)
	subRepo := repository.NewPostgresSubscriberRepo(db)

	// 3. LLMクライアントと類似度フィルタの初期化
	llmClient := llm.NewClient(
		cfg.OpenAIAPIKey, cfg.ChatModel, cfg.EmbeddingModel,
		cfg.RateLimitBackoff, slog.Default(),
	)
	filter := similarity.NewFilter(llmClient, cfg.SimilarityThreshold, slog.Default())

	// 4. 待ち行列の初期化
	newsQueue := queue.NewNewsQueue(postRepo, filter, cfg.SimilarityWindow, slog.Default())

	// 5. スクレイパーの初期化
	// IRCCは政府サイトのためリクエスト間隔を長めに取る
	safeHTTP := scrape.NewSafeClient(cfg.FetchTimeout)
	newsClient := scrape.NewClient(
		safeHTTP, rate.NewLimiter(rate.Inf, 0),
		cfg.RateLimitBackoff, cfg.FetchMaxSize, slog.Default(),
	)
	irccClient := scrape.NewClient(
		safeHTTP, rate.NewLimiter(rate.Every(irccRequestCooldown), 1),
		cfg.RateLimitBackoff, cfg.FetchMaxSize, slog.Default(),
	)
	sources := []scrape.Source{
		scrape.NewBBC(newsClient),
		scrape.NewTorontoStar(newsClient),
		scrape.NewIRCC(irccClient),
	}

	// 6. 公開クライアントの初期化
	var publisher pipeline.Publisher
	if cfg.NewsServiceBaseURL != "" && cfg.NewsServiceAPIKey != "" {
		publisher = publish.NewClient(
			&http.Client{Timeout: 30 * time.Second},
			cfg.NewsServiceBaseURL, cfg.NewsServiceAPIKey, cfg.NewsServiceAuthorID,
			slog.Default(),
		)
	} else {
		slog.Warn("news service is not configured, posts will link to their original URL")
		publisher = originPublisher{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 7. Telegramボットとブロードキャスターの初期化
	var caster pipeline.Broadcaster
	if cfg.TelegramToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return fmt.Errorf("failed to initialize telegram bot: %w", err)
		}
		slog.Info("telegram bot authorized", slog.String("username", bot.Self.UserName))

		caster = broadcast.NewBroadcaster(bot, subRepo, slog.Default())

		commandBot := broadcast.NewBot(bot, bot, subRepo, slog.Default())
		go commandBot.Run(ctx)
	} else {
		slog.Warn("telegram token is not configured, broadcasting is disabled")
		caster = noopBroadcaster{}
	}

	// 8. メトリクスとパイプラインの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	processor := pipeline.NewProcessor(
		newsQueue, postRepo, sources,
		llmClient, llmClient, publisher, caster,
		collector, cfg.TranslationCooldown, slog.Default(),
	)

	// 9. 監視用HTTPサーバーの起動
	router := handler.NewRouter(&handler.RouterDeps{
		DB:       db,
		Queue:    newsQueue,
		Registry: registry,
	})
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("monitoring server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 10. スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler := worker.NewScheduler(
		processor,
		[]worker.SourceSchedule{
			{Name: "bbc", Interval: cfg.ScrapeIntervalBBC},
			{Name: "toronto_star", Interval: cfg.ScrapeIntervalTorontoStar},
			{Name: "ircc", Interval: cfg.ScrapeIntervalIRCC},
		},
		cfg.QueueInterval,
		cfg.ProcessingTimeout,
		slog.Default(),
	)
	scheduler.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runWipe は記事ストアを全削除する。保守用サブコマンド。
func runWipe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	repo := repository.NewPostgresPostRepo(db, cfg.MaxPosts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := repo.Wipe(ctx); err != nil {
		return fmt.Errorf("wipe failed: %w", err)
	}

	slog.Info("post store wiped")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// originPublisher はニュースサービス未設定時の代替実装。
// APIを呼ばず、配信リンクとして元記事のURLをそのまま返す。
type originPublisher struct{}

func (originPublisher) Publish(ctx context.Context, post *model.Post) (string, error) {
	return post.URL, nil
}

// noopBroadcaster はTelegram未設定時の代替実装。
type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(ctx context.Context, post *model.Post, linkURL string) (int, error) {
	return 0, nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
