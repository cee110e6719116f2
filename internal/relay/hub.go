package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
)

// MetricsRecorder は中継メトリクスの記録インターフェース。
type MetricsRecorder interface {
	RecordRelayMessage(msgType string)
	SetConnectedClients(count int)
}

// Hub は接続を受け付け、受信したdoc/requestメッセージを
// 送信元以外の全クライアントへ転送する中継役。
// ドキュメントの中身には一切関与しない。バイト列を転送するだけであり、
// マージは各デバイス側で行われる。
// ハブ自身のデバイスは、自分のハブへループバック接続したClientとして参加する。
type Hub struct {
	logger  *slog.Logger
	metrics MetricsRecorder

	mu       sync.Mutex
	listener net.Listener
	conns    map[int]net.Conn
	nextID   int
	closed   bool

	// writeMu は全ソケットへの書き込みを直列化する。
	// 転送とpong応答が別goroutineから同じ接続に書くため。
	writeMu sync.Mutex

	wg sync.WaitGroup
}

// NewHub はHubの新しいインスタンスを生成する。metricsはnilでもよい。
func NewHub(logger *slog.Logger, metrics MetricsRecorder) *Hub {
	return &Hub{
		logger:  logger,
		metrics: metrics,
		conns:   make(map[int]net.Conn),
	}
}

// Listen は指定アドレスでTCPリスナーを開く。
func (h *Hub) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()
	h.logger.Info("中継ハブを起動しました", slog.String("addr", listener.Addr().String()))
	return nil
}

// Addr はリスナーのアドレスを返す。Listen前はnil。
func (h *Hub) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Serve は受け付けループを実行する。
// コンテキストのキャンセルで全接続を閉じて返る。
func (h *Hub) Serve(ctx context.Context) error {
	h.mu.Lock()
	listener := h.listener
	h.mu.Unlock()
	if listener == nil {
		return errors.New("hub is not listening")
	}

	go func() {
		<-ctx.Done()
		h.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			h.mu.Lock()
			closed := h.closed
			h.mu.Unlock()
			if closed || ctx.Err() != nil {
				h.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		id := h.addConn(conn)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleConn(id, conn)
		}()
	}
}

// Close はリスナーと全接続を閉じる。
// ソケットを閉じた時点でそのピアへの中継は直ちに停止する。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if h.listener != nil {
		h.listener.Close()
	}
	for _, conn := range h.conns {
		conn.Close()
	}
}

// addConn は接続を登録してIDを割り当てる。
func (h *Hub) addConn(conn net.Conn) int {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.conns[id] = conn
	count := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("クライアントが接続しました",
		slog.Int("client_id", id),
		slog.String("remote", conn.RemoteAddr().String()),
		slog.Int("connected", count),
	)
	if h.metrics != nil {
		h.metrics.SetConnectedClients(count)
	}
	return id
}

// removeConn は接続を登録から外して閉じる。
func (h *Hub) removeConn(id int) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	count := len(h.conns)
	h.mu.Unlock()

	if !ok {
		return
	}
	conn.Close()
	h.logger.Info("クライアントが切断しました",
		slog.Int("client_id", id),
		slog.Int("connected", count),
	)
	if h.metrics != nil {
		h.metrics.SetConnectedClients(count)
	}
}

// handleConn は1接続の受信ループ。
// doc/requestは他の全クライアントへ転送し、pingにはpongを返す。
// 不正な行を送ってきたピアはそのピアだけ切断される。
func (h *Hub) handleConn(id int, conn net.Conn) {
	defer h.removeConn(id)

	scanner := NewEnvelopeScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		envelope, err := ParseEnvelope(line)
		if err != nil {
			h.logger.Warn("不正なメッセージを受信したため切断します",
				slog.Int("client_id", id),
				slog.String("error", err.Error()),
			)
			return
		}
		if h.metrics != nil {
			h.metrics.RecordRelayMessage(string(envelope.Type))
		}

		switch envelope.Type {
		case MessagePing:
			h.writeMu.Lock()
			err := WriteEnvelope(conn, Envelope{Type: MessagePong})
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		case MessagePong:
			// 何もしない
		case MessageDoc, MessageRequest:
			h.broadcast(id, line)
		}
	}
}

// broadcast は送信元を除く全接続に行をそのまま転送する。
// 書き込みに失敗したピアは次の受信ループで自然に掃除される。
func (h *Hub) broadcast(senderID int, line []byte) {
	msg := make([]byte, len(line)+1)
	copy(msg, line)
	msg[len(line)] = '\n'

	h.mu.Lock()
	targets := make(map[int]net.Conn, len(h.conns))
	for id, conn := range h.conns {
		if id != senderID {
			targets[id] = conn
		}
	}
	h.mu.Unlock()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	for id, conn := range targets {
		if _, err := conn.Write(msg); err != nil {
			h.logger.Warn("転送に失敗しました",
				slog.Int("client_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}
