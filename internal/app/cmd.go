package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はデバイスデーモンモードで起動することを示す。
	// ドキュメント同期・フィード取得・ローカルHTTPサーフェスのすべてを動かす。
	CommandServe Command = "serve"
	// CommandHub は中継ハブ専用モードで起動することを示す。
	// ドキュメントを持たず、接続クライアント間のメッセージ中継のみを行う。
	CommandHub Command = "hub"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "serve":
		return CommandServe
	case "hub":
		return CommandHub
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}
