package delivery

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"mailsync/internal/mailbox/domain"
	"mailsync/internal/mailbox/dto"
	"mailsync/internal/mailbox/usecase"

	"github.com/gin-gonic/gin"
)

// SyncController is the account control surface served over HTTP.
type SyncController interface {
	StartAccount(ctx context.Context, accountID string) error
	StopAccount(ctx context.Context, accountID string)
	Status(ctx context.Context, accountID string) (*usecase.AccountStatus, error)
	ProcessNow(ctx context.Context, accountID string) ([]domain.ProcessedMessage, error)
	UpdateCredentials(ctx context.Context, cred *domain.Credential) error
	RegisterDevice(ctx context.Context, accountID, token, deviceInfo string) error
}

type MailboxHandler struct {
	sync SyncController
}

func NewMailboxHandler(sync SyncController) *MailboxHandler {
	return &MailboxHandler{sync: sync}
}

// RegisterRoutes mounts the mailbox routes under rg.
func (h *MailboxHandler) RegisterRoutes(rg *gin.RouterGroup, auth *JWTAuth) {
	mailboxes := rg.Group("/mailboxes/:account")
	mailboxes.Use(AuthMiddleware(auth), RequireMailbox())
	{
		mailboxes.POST("/sync/start", h.StartSync)
		mailboxes.POST("/sync/stop", h.StopSync)
		mailboxes.GET("/sync/status", h.SyncStatus)
		mailboxes.POST("/sync/process-now", h.ProcessNow)
		mailboxes.PUT("/credentials", h.UpdateCredentials)
		mailboxes.POST("/devices", h.RegisterDevice)
	}
}

func (h *MailboxHandler) StartSync(c *gin.Context) {
	account := c.Param("account")
	if err := h.sync.StartAccount(c.Request.Context(), account); err != nil {
		writeError(c, err)
		return
	}
	h.SyncStatus(c)
}

func (h *MailboxHandler) StopSync(c *gin.Context) {
	h.sync.StopAccount(c.Request.Context(), c.Param("account"))
	h.SyncStatus(c)
}

func (h *MailboxHandler) SyncStatus(c *gin.Context) {
	status, err := h.sync.Status(c.Request.Context(), c.Param("account"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *MailboxHandler) ProcessNow(c *gin.Context) {
	account := c.Param("account")
	processed, err := h.sync.ProcessNow(c.Request.Context(), account)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.ProcessNowResponse{
		AccountID: account,
		Count:     len(processed),
		Processed: processed,
	})
}

func (h *MailboxHandler) UpdateCredentials(c *gin.Context) {
	var req dto.CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	cred := req.ToCredential(c.Param("account"), time.Now())
	if err := h.sync.UpdateCredentials(c.Request.Context(), cred); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id": cred.AccountID,
		"expires_at": cred.ExpiresAt,
		"is_active":  cred.IsActive,
	})
}

func (h *MailboxHandler) RegisterDevice(c *gin.Context) {
	var req dto.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: err.Error()})
		return
	}

	if err := h.sync.RegisterDevice(c.Request.Context(), c.Param("account"), req.Token, req.DeviceInfo); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "device registered"})
}

// writeError maps domain errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		configErr *domain.ConfigError
		exhausted *domain.ExhaustedError
	)
	switch {
	case errors.Is(err, domain.ErrReauthRequired):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: "reconnect account"})
	case errors.As(err, &configErr):
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: configErr.Error()})
	case errors.Is(err, domain.ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "mailbox not connected"})
	case errors.Is(err, domain.ErrTickInProgress):
		c.JSON(http.StatusConflict, dto.ErrorResponse{Error: err.Error()})
	case errors.As(err, &exhausted), domain.IsRateLimited(err):
		c.JSON(http.StatusServiceUnavailable, dto.ErrorResponse{Error: err.Error()})
	default:
		log.Printf("[MailboxHandler] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal error"})
	}
}
