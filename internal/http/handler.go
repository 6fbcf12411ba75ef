package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
	"github.com/ichristine180/iproxy-sub001/internal/service"
)

type Handler struct {
	orderService     *service.OrderService
	quotaService     *service.QuotaService
	provisionService *service.ProvisionService
}

func NewHandler(orderService *service.OrderService, quotaService *service.QuotaService, provisionService *service.ProvisionService) *Handler {
	return &Handler{
		orderService:     orderService,
		quotaService:     quotaService,
		provisionService: provisionService,
	}
}

// ==================== User API Handlers ====================

// Checkout creates an order, holds quota and runs the chosen payment rail
func (h *Handler) Checkout(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}

	var req models.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.orderService.Checkout(c.Request.Context(), userID, &req)
	if err != nil {
		switch {
		case errs.Is(err, errs.ErrInsufficientQuota):
			var short *errs.InsufficientQuotaError
			body := gin.H{"error": "out_of_stock"}
			if errs.As(err, &short) {
				body["available"] = short.Available
				body["requested"] = short.Requested
			}
			c.JSON(http.StatusConflict, body)
		case errs.Is(err, errs.ErrInsufficientBalance):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient wallet balance"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetAvailability reports whether the requested quantity can be reserved
func (h *Handler) GetAvailability(c *gin.Context) {
	qty := 1
	if q := c.Query("quantity"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid quantity"})
			return
		}
		qty = parsed
	}

	avail, err := h.quotaService.CheckAvailability(c.Request.Context(), qty)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, avail)
}

// GetOrder returns one order with decrypted credentials
func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	info, err := h.orderService.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, errs.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

// ListOrders returns the user's orders
func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}

	orders, err := h.orderService.ListUserOrders(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// CancelOrder aborts a pending or parked order
func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	err := h.orderService.Cancel(c.Request.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, errs.ErrOrderNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": "order cannot be cancelled"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// UpdateRotation changes IP-rotation settings for an order
func (h *Handler) UpdateRotation(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	var req models.RotationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Ownership check rides on GetOrder
	if _, err := h.orderService.GetOrder(c.Request.Context(), userID, orderID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	err := h.provisionService.UpdateRotation(c.Request.Context(), orderID, &models.RotationConfig{
		Enabled:         req.Enabled,
		IntervalMinutes: req.IntervalMinutes,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetRotationLinks returns manual IP-change trigger URLs for an order
func (h *Handler) GetRotationLinks(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	if _, err := h.orderService.GetOrder(c.Request.Context(), userID, orderID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	links, err := h.provisionService.GetRotationLinks(c.Request.Context(), orderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := models.RotationLinksResponse{OrderID: orderID}
	for _, l := range links {
		resp.Links = append(resp.Links, l.URL)
	}
	c.JSON(http.StatusOK, resp)
}

// ==================== Internal API Handlers ====================

// AdminActivate completes a manually-provisioned order after an operator
// fixed the device
func (h *Handler) AdminActivate(c *gin.Context) {
	orderID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	// Body is optional: the parked order already remembers its connection.
	var req models.AdminActivateRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.provisionService.ActivateManual(c.Request.Context(), orderID, req.ConnectionID)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errs.Is(err, errs.ErrInsufficientQuota):
			c.JSON(http.StatusConflict, gin.H{"error": "out_of_stock"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}

// AdminAdjustQuota restocks or corrects the quota counter
func (h *Handler) AdminAdjustQuota(c *gin.Context) {
	var req models.QuotaAdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	available, err := h.quotaService.Adjust(c.Request.Context(), req.Delta)
	if err != nil {
		if errs.Is(err, errs.ErrInsufficientQuota) {
			c.JSON(http.StatusConflict, gin.H{"error": "adjustment would take quota negative"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": available})
}

// AdminListReservations lists recent quota reservations
func (h *Handler) AdminListReservations(c *gin.Context) {
	reservations, err := h.quotaService.ListReservations(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]models.ReservationInfo, 0, len(reservations))
	for _, r := range reservations {
		out = append(out, models.ReservationInfo{
			ReservationID:   r.ID,
			OrderID:         r.OrderID,
			UserID:          r.UserID,
			ConnectionsHeld: r.ConnectionsHeld,
			State:           r.State,
			CreatedAt:       r.CreatedAt.Format(time.RFC3339),
			ExpiresAt:       r.ExpiresAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out})
}

// ==================== helpers ====================

func authedUser(c *gin.Context) (uuid.UUID, bool) {
	raw, exists := c.Get("userID")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw.(string))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user id in token"})
		return uuid.Nil, false
	}
	return id, true
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}
