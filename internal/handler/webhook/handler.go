package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/zhouzirui/intergram/backend/internal/model/channel"
	"github.com/zhouzirui/intergram/backend/internal/service/telegram"
	"github.com/zhouzirui/intergram/backend/pkg/utils"
)

// SecretHeader Telegram 回调时携带 secret_token 的请求头
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// maxUpdateBytes 单条 update 请求体的上限
const maxUpdateBytes = 1 << 20

// Router 处理 Telegram 侧事件所需的路由能力
type Router interface {
	EmitWelcome(ctx context.Context, chatID string) error
	ResolveReply(ctx context.Context, quotedText, replyText string) bool
}

// Deduper 记录已处理过的 update
type Deduper interface {
	Seen(key string) bool
}

// Handler Telegram webhook 的HTTP处理器
type Handler struct {
	router Router
	seen   Deduper
	secret string
	logger *slog.Logger
}

// New 创建 webhook 处理器。seen 为 nil 时不做去重。
func New(router Router, seen Deduper, secret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		router: router,
		seen:   seen,
		secret: secret,
		logger: logger.With("component", "webhook"),
	}
}

// RegisterRoutes 在 path 上注册 webhook 路由
func (h *Handler) RegisterRoutes(r chi.Router, path string) {
	r.Post(path, h.handleUpdate)
}

// handleUpdate 接收一条 Telegram update
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" {
		presented := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.secret)) != 1 {
			utils.RespondError(w, http.StatusUnauthorized, "invalid secret token")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpdateBytes)
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid update payload")
		return
	}

	if h.seen != nil && h.seen.Seen("telegram:"+strconv.Itoa(update.UpdateID)) {
		h.logger.DebugContext(r.Context(), "duplicate update ignored", "update_id", update.UpdateID)
		utils.RespondOK(w)
		return
	}

	if evt := telegram.EventFromUpdate(update); evt != nil {
		if err := h.Dispatch(r.Context(), evt); err != nil {
			h.logger.WarnContext(r.Context(), "update dispatch failed", "update_id", update.UpdateID, "error", err)
		}
	}

	utils.RespondOK(w)
}

// Dispatch 按事件类型调用路由逻辑
func (h *Handler) Dispatch(ctx context.Context, evt channel.Event) error {
	switch e := evt.(type) {
	case channel.StartCommand:
		return h.router.EmitWelcome(ctx, e.ChatID)
	case channel.Reply:
		if h.router.ResolveReply(ctx, e.QuotedText, e.Text) {
			h.logger.DebugContext(ctx, "reply delivered", "chat_id", e.ChatID)
		}
		return nil
	case channel.Plain:
		return nil
	default:
		return fmt.Errorf("unknown channel event %T", evt)
	}
}
