package relay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DocHandler は受信したドキュメントスナップショットの処理関数。
// マージと永続化は呼び出し側（単一書き込みキュー）が行う。
type DocHandler func(ctx context.Context, data []byte)

// SnapshotProvider はrequest受信時に送るローカルスナップショットを返す。
type SnapshotProvider func(ctx context.Context) ([]byte, error)

// Client はハブへ接続し、スナップショットの送受信を行う。
// 接続の流れ: 接続直後にrequestを送り、相手のdocを受けてマージする。
// 以降はローカル変更のたびにSendDocでブロードキャストする。
// 切断時は固定バックオフ（既定5秒）で無期限に再接続を試みる。
// 再接続はコンテキストのキャンセル（ユーザーの明示的な切断）で停止する。
type Client struct {
	addr          string
	logger        *slog.Logger
	metrics       MetricsRecorder
	onDoc         DocHandler
	snapshot      SnapshotProvider
	retryInterval time.Duration
	pingInterval  time.Duration

	mu   sync.Mutex
	conn net.Conn

	// writeMu は1本のソケットへの書き込みを直列化する。
	// 受信ループの応答・ping・SendDocが並行に書くため。
	writeMu sync.Mutex
}

// write はエンベロープ1件を直列化して書き込む。
func (c *Client) write(conn net.Conn, e Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteEnvelope(conn, e)
}

// ClientConfig はClientの構成。
type ClientConfig struct {
	Addr          string
	Logger        *slog.Logger
	Metrics       MetricsRecorder
	OnDoc         DocHandler
	Snapshot      SnapshotProvider
	RetryInterval time.Duration // 0の場合は5秒
	PingInterval  time.Duration // 0の場合は30秒
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(cfg ClientConfig) *Client {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 5 * time.Second
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &Client{
		addr:          cfg.Addr,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		onDoc:         cfg.OnDoc,
		snapshot:      cfg.Snapshot,
		retryInterval: retry,
		pingInterval:  ping,
	}
}

// Run は接続・受信・再接続のループを実行する。
// コンテキストがキャンセルされるまで返らない。
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn("同期接続が切断されました。再接続を待ちます",
				slog.String("addr", c.addr),
				slog.Duration("retry_after", c.retryInterval),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryInterval):
		}
	}
}

// runOnce は1接続分のセッションを実行する。
func (c *Client) runOnce(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.setConn(conn)
	defer c.setConn(nil)

	// コンテキストのキャンセルで読み取りを中断させる
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Info("同期ハブに接続しました", slog.String("addr", c.addr))

	// 接続直後に相手のスナップショットを要求する
	if err := c.write(conn, Envelope{Type: MessageRequest}); err != nil {
		return err
	}

	// 定期ping
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	scanner := NewEnvelopeScanner(conn)
	for scanner.Scan() {
		envelope, err := ParseEnvelope(scanner.Bytes())
		if err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.RecordRelayMessage(string(envelope.Type))
		}

		switch envelope.Type {
		case MessageDoc:
			data, err := envelope.DocPayload()
			if err != nil {
				c.logger.Warn("docペイロードをデコードできません", slog.String("error", err.Error()))
				continue
			}
			c.onDoc(ctx, data)
		case MessageRequest:
			// 他のデバイスがスナップショットを求めている
			if c.snapshot == nil {
				continue
			}
			data, err := c.snapshot(ctx)
			if err != nil {
				c.logger.Error("スナップショットの取得に失敗しました", slog.String("error", err.Error()))
				continue
			}
			if err := c.write(conn, NewDocEnvelope(data)); err != nil {
				return err
			}
		case MessagePing:
			if err := c.write(conn, Envelope{Type: MessagePong}); err != nil {
				return err
			}
		case MessagePong:
			// 何もしない
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// pingLoop は一定間隔でpingを送り、死んだ接続を早期に検出する。
func (c *Client) pingLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write(conn, Envelope{Type: MessagePing}); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// SendDoc は現在の接続にdocエンベロープを送る。
// 未接続の場合は何もしない（次の接続確立時のrequest/docで追いつく）。
func (c *Client) SendDoc(data []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if err := c.write(conn, NewDocEnvelope(data)); err != nil {
		c.logger.Warn("スナップショットの送信に失敗しました", slog.String("error", err.Error()))
	}
}

// Connected は現在接続中かどうかを返す。
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}
