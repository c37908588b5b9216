package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	middlewarePkg "github.com/zhouzirui/intergram/backend/internal/middleware"
	"github.com/zhouzirui/intergram/backend/internal/service/target"
	"github.com/zhouzirui/intergram/backend/pkg/utils"
)

// ChatTarget 管理接口依赖的转发目标
type ChatTarget interface {
	Get() string
	Set(ctx context.Context, id string) error
}

// Handler 管理接口的HTTP处理器
type Handler struct {
	target ChatTarget
	apiKey string
	logger *slog.Logger
}

// New 创建管理处理器
func New(chatTarget ChatTarget, apiKey string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		target: chatTarget,
		apiKey: apiKey,
		logger: logger.With("component", "admin"),
	}
}

// RegisterRoutes 注册管理相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/telegram/chat", func(admin chi.Router) {
		admin.Use(middlewarePkg.APIKey(h.apiKey))
		admin.Get("/", h.handleGetChat)
		admin.Put("/", h.handleSetChat)
	})
}

// chatID 同时接受字符串和数字形式的 Telegram chat id
type chatID string

func (c *chatID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = chatID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.New("chat id must be a string or a number")
	}
	*c = chatID(n.String())
	return nil
}

// handleGetChat 返回当前转发目标
func (h *Handler) handleGetChat(w http.ResponseWriter, _ *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]string{"id": h.target.Get()})
}

// handleSetChat 更新转发目标
func (h *Handler) handleSetChat(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID chatID `json:"id"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.target.Set(r.Context(), string(payload.ID)); err != nil {
		if errors.Is(err, target.ErrEmptyTarget) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.ErrorContext(r.Context(), "chat target update failed", "error", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to update chat")
		return
	}

	h.logger.InfoContext(r.Context(), "chat target updated", "chat_id", h.target.Get())
	utils.RespondOK(w)
}
