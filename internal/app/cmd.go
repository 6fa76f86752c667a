package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandWorker はパイプラインワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandWipe は記事ストアを全削除することを示す。保守用。
	CommandWipe Command = "wipe"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandWorkerを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandWorker
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "migrate":
		return CommandMigrate
	case "wipe":
		return CommandWipe
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandWorker
	}
}
