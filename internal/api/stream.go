package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lossguard/internal/logger"
	"lossguard/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamBuffer = 256
	writeWait    = 10 * time.Second
	pingPeriod   = 30 * time.Second
)

// AuditSource 审计流的数据来源（audit.Trail）。
type AuditSource interface {
	Subscribe(fn func(models.AuditRecord)) func()
	Since(ctx context.Context, seq uint64) ([]models.AuditRecord, error)
}

// Stream 将审计追加实时推送给 WebSocket 客户端；?since=N 先补发历史。
// 客户端缓冲满即断开，由客户端以最后收到的 seq+1 重连补齐。
type Stream struct {
	src   AuditSource
	log   logger.Logger
	unsub func()

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	ch   chan models.AuditRecord
	once sync.Once
}

func (c *streamClient) close() { c.once.Do(func() { close(c.ch) }) }

// NewStream 订阅 src。
func NewStream(src AuditSource, log logger.Logger) *Stream {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Stream{src: src, log: log, clients: make(map[*streamClient]struct{})}
	s.unsub = src.Subscribe(s.broadcast)
	return s
}

func (s *Stream) broadcast(rec models.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.ch <- rec:
		default:
			delete(s.clients, c)
			c.close()
		}
	}
}

func (s *Stream) add() *streamClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	c := &streamClient{ch: make(chan models.AuditRecord, streamBuffer)}
	s.clients[c] = struct{}{}
	return c
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// Clients 当前连接数。
func (s *Stream) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 取消订阅并断开全部客户端；可重复调用。
func (s *Stream) Close() {
	s.unsub()
	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()
}

// ServeHTTP GET /v1/audit/stream?since=N。
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var since uint64
	replay := false
	if q := r.URL.Query().Get("since"); q != "" {
		v, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			badRequest(w, "since must be a non-negative integer")
			return
		}
		since, replay = v, true
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	ctx := r.Context()

	// 先注册再补发，补发与实时之间按 seq 去重
	c := s.add()
	if c == nil {
		return
	}
	defer s.remove(c)

	next := since
	if replay {
		backlog, err := s.src.Since(ctx, since)
		if err != nil {
			s.log.Warnf(ctx, "[api] audit stream backlog failed: %v", err)
			return
		}
		for _, rec := range backlog {
			if err := writeRecord(conn, rec); err != nil {
				return
			}
			next = rec.Seq + 1
		}
	}

	// 读协程只处理控制帧与断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case rec, ok := <-c.ch:
			if !ok {
				code, reason := websocket.CloseTryAgainLater, "lagging"
				if s.isClosed() {
					code, reason = websocket.CloseGoingAway, "shutting down"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
				return
			}
			if replay && rec.Seq < next {
				continue
			}
			if err := writeRecord(conn, rec); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-ctx.Done():
			return
		}
	}
}

func writeRecord(conn *websocket.Conn, rec models.AuditRecord) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(rec)
}
