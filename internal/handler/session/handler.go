package session

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/anime-finder/backend/internal/ledger"
	"github.com/zhouzirui/anime-finder/backend/internal/model/inbox"
	chatService "github.com/zhouzirui/anime-finder/backend/internal/service/chat"
	"github.com/zhouzirui/anime-finder/backend/internal/service/payment"
	"github.com/zhouzirui/anime-finder/backend/internal/service/purchase"
	sessionService "github.com/zhouzirui/anime-finder/backend/internal/service/session"
	"github.com/zhouzirui/anime-finder/backend/pkg/utils"
)

// Handler 会话相关的HTTP处理器
type Handler struct {
	sessions *sessionService.Manager
	logger   *zap.Logger
}

// New 创建会话处理器
func New(sessions *sessionService.Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, logger: logger}
}

// RegisterRoutes 注册登录、聊天、每日领取与购买路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth/signup", h.handleSignUp)

	r.Get("/sessions/{sessionID}", h.handleSnapshot)
	r.Delete("/sessions/{sessionID}", h.handleSignOut)
	r.Post("/sessions/{sessionID}/messages", h.handleSendMessage)
	r.Post("/sessions/{sessionID}/daily-claim", h.handleDailyClaim)

	r.Post("/sessions/{sessionID}/purchase/prompt", h.handleOpenPrompt)
	r.Delete("/sessions/{sessionID}/purchase/prompt", h.handleClosePrompt)
	r.Post("/sessions/{sessionID}/purchase", h.handleInitiatePurchase)
	r.Post("/sessions/{sessionID}/purchase/complete", h.handleCompletePurchase)
	r.Post("/sessions/{sessionID}/purchase/cancel", h.handleCancelPurchase)

	r.Get("/sessions/{sessionID}/inbox", h.handleListInbox)
	r.Post("/sessions/{sessionID}/inbox/{mailID}/read", h.handleMarkRead)
}

// handleSignUp 创建新会话并返回快照
func (h *Handler) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserIdentifier string `json:"userIdentifier"`
		Email          string `json:"email"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctrl, err := h.sessions.SignUp(r.Context(), payload.UserIdentifier, payload.Email)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondSnapshot(w, r, ctrl, http.StatusCreated)
}

// handleSnapshot 返回会话当前状态
func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.respondSnapshot(w, r, ctrl, http.StatusOK)
}

// handleSignOut 结束会话
func (h *Handler) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(chi.URLParam(r, "sessionID")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage 提交一条消息，回答在后台生成
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	turn, err := ctrl.Send(r.Context(), payload.Text)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]any{
		"userMessage": turn.UserMessage,
		"placeholder": turn.Placeholder,
	})
}

// handleDailyClaim 领取每日代币
func (h *Handler) handleDailyClaim(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	granted, err := ctrl.ClaimDaily(r.Context())
	if err != nil {
		// 失败已通过通知告知用户，这里仍返回快照
		h.logger.Warn("daily claim error", zap.String("session", ctrl.ID()), zap.Error(err))
	}
	snap, err := ctrl.Snapshot(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"granted":  granted,
		"snapshot": snap,
	})
}

// handleOpenPrompt 打开套餐选择提示
func (h *Handler) handleOpenPrompt(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if !ctrl.OpenPurchasePrompt() {
		utils.RespondError(w, http.StatusConflict, "purchase already in progress")
		return
	}
	h.respondSnapshot(w, r, ctrl, http.StatusOK)
}

// handleClosePrompt 关闭套餐选择提示
func (h *Handler) handleClosePrompt(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctrl.ClosePurchasePrompt()
	h.respondSnapshot(w, r, ctrl, http.StatusOK)
}

// handleInitiatePurchase 选择套餐并进入支付视图
func (h *Handler) handleInitiatePurchase(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		PackageID string `json:"packageId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.PackageID == "" {
		utils.RespondError(w, http.StatusBadRequest, "packageId is required")
		return
	}

	if _, err := ctrl.InitiatePurchase(payload.PackageID); err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondSnapshot(w, r, ctrl, http.StatusOK)
}

// handleCompletePurchase 使用交易号完成支付
func (h *Handler) handleCompletePurchase(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		TransactionID string `json:"transactionId"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.TransactionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "transactionId is required")
		return
	}

	receipt, err := ctrl.CompletePurchase(r.Context(), payload.TransactionID)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	snap, err := ctrl.Snapshot(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"receipt":  receipt,
		"snapshot": snap,
	})
}

// handleCancelPurchase 取消支付并回到聊天视图
func (h *Handler) handleCancelPurchase(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ctrl.CancelPurchase()
	h.respondSnapshot(w, r, ctrl, http.StatusOK)
}

// handleListInbox 列出站内信
func (h *Handler) handleListInbox(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	mails := ctrl.Inbox()
	if mails == nil {
		mails = []inbox.Mail{}
	}
	utils.RespondJSON(w, http.StatusOK, mails)
}

// handleMarkRead 标记站内信为已读
func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := ctrl.MarkMailRead(chi.URLParam(r, "mailID")); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*sessionService.Controller, bool) {
	ctrl, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondErr(w, err)
		return nil, false
	}
	return ctrl, true
}

func (h *Handler) respondSnapshot(w http.ResponseWriter, r *http.Request, ctrl *sessionService.Controller, status int) {
	snap, err := ctrl.Snapshot(r.Context())
	if err != nil {
		h.respondErr(w, err)
		return
	}
	utils.RespondJSON(w, status, snap)
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	utils.RespondError(w, status, err.Error())
}

// StatusFor 将业务错误映射为HTTP状态码
func StatusFor(err error) int {
	switch {
	case errors.Is(err, chatService.ErrEmptyInput),
		errors.Is(err, sessionService.ErrIdentityRequired),
		errors.Is(err, purchase.ErrPackageRequired),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, purchase.ErrIdentityRequired):
		return http.StatusUnauthorized
	case errors.Is(err, chatService.ErrInsufficientTokens),
		errors.Is(err, payment.ErrUnderpaid):
		return http.StatusPaymentRequired
	case errors.Is(err, payment.ErrTransactionMismatch):
		return http.StatusForbidden
	case errors.Is(err, sessionService.ErrSessionNotFound),
		errors.Is(err, sessionService.ErrPackageNotFound),
		errors.Is(err, payment.ErrTransactionNotFound),
		errors.Is(err, inbox.ErrMailNotFound):
		return http.StatusNotFound
	case errors.Is(err, chatService.ErrBusy),
		errors.Is(err, purchase.ErrNotAwaitingPayment),
		errors.Is(err, sessionService.ErrPaymentInProgress),
		errors.Is(err, payment.ErrTransactionClaimed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
