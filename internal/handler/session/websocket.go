package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zhouzirui/intergram/backend/internal/model/chat"
	sessionsvc "github.com/zhouzirui/intergram/backend/internal/service/session"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 54 * time.Second
	departureWait   = 10 * time.Second
	defaultReadSize = 16 << 10
)

// Relay 会话连接依赖的路由能力
type Relay interface {
	ForwardInbound(ctx context.Context, key, text string) error
	NotifyDeparture(ctx context.Context, sess chat.Session) error
}

// Options 会话连接的可调参数
type Options struct {
	DefaultName     string
	AllowedOrigins  []string
	MaxMessageBytes int64
	RateLimit       float64
	RateBurst       int
}

// WebSocketHandler 网页聊天窗口的WebSocket处理器
type WebSocketHandler struct {
	registry *sessionsvc.Registry
	relay    Relay
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	// live 统计尚未完成清理的会话，draining 之后不再接受新会话
	liveMu   sync.Mutex
	live     sync.WaitGroup
	draining bool
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(registry *sessionsvc.Registry, relay Relay, opts Options, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DefaultName == "" {
		opts.DefaultName = "Unknown"
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = defaultReadSize
	}
	return &WebSocketHandler{
		registry: registry,
		relay:    relay,
		opts:     opts,
		upgrader: makeUpgrader(opts.AllowedOrigins),
		logger:   logger.With("component", "websocket"),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[strings.TrimSuffix(o, "/")] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// wsConn 串行化对同一连接的写操作
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) SendText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// handleWebSocket 处理一个会话连接的完整生命周期
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	name := query.Get("name")
	if name == "" {
		name = h.opts.DefaultName
	}
	sessionID := query.Get("sessionID")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	logger := h.logger.With("conn_id", connID)
	ws := &wsConn{conn: conn}

	if !h.track() {
		ws.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	// Done 在 teardown 之后执行
	defer h.live.Done()

	key, err := h.registry.Register(name, sessionID, ws)
	if err != nil {
		logger.Info("session rejected", "name", name, "session_id", sessionID, "error", err)
		ws.closeWith(closeCodeFor(err), err.Error())
		return
	}
	logger = logger.With("session", key)
	logger.Info("session connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			sess, ok := h.registry.Remove(key)
			if !ok {
				return
			}
			departCtx, departCancel := context.WithTimeout(context.WithoutCancel(ctx), departureWait)
			defer departCancel()
			if err := h.relay.NotifyDeparture(departCtx, sess); err != nil {
				logger.Warn("departure notice failed", "error", err)
			}
			logger.Info("session disconnected", "sent_message", sess.HasSentMessage)
		})
	}
	defer teardown()

	// 服务关闭或请求取消时关闭底层连接，使读循环退出
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	conn.SetReadLimit(h.opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.pingLoop(ctx, conn)

	var limiter *rate.Limiter
	if h.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.RateLimit), max(h.opts.RateBurst, 1))
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				logger.Debug("read error", "error", err)
			}
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		if err := h.relay.ForwardInbound(ctx, key, string(data)); err != nil {
			logger.Warn("forward failed", "error", err)
		}
	}
}

// track 登记一个进行中的连接。开始排空后返回 false。
func (h *WebSocketHandler) track() bool {
	h.liveMu.Lock()
	defer h.liveMu.Unlock()
	if h.draining {
		return false
	}
	h.live.Add(1)
	return true
}

// Drain 停止接受新会话，并等待已有会话完成清理（移除与离线通知）。
// 会话需要由请求上下文取消来关闭；ctx 到期时返回 ctx.Err()。
func (h *WebSocketHandler) Drain(ctx context.Context) error {
	h.liveMu.Lock()
	h.draining = true
	h.liveMu.Unlock()

	done := make(chan struct{})
	go func() {
		h.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeCodeFor(err error) int {
	if errors.Is(err, sessionsvc.ErrEmptySessionID) || errors.Is(err, sessionsvc.ErrDuplicateKey) {
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseInternalServerErr
}

// pingLoop 定期发送ping消息
func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
