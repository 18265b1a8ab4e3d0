package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kyungseok/booking-saga-go/common/errors"
	"github.com/kyungseok/booking-saga-go/services/booking/internal/service"
)

const correlationHeader = "X-Correlation-Id"

// HTTPHandler is the booking service's synchronous HTTP ingress: create,
// read, and the operator retry-payment affordance.
type HTTPHandler struct {
	svc service.BookingService
}

func NewHTTPHandler(svc service.BookingService) *HTTPHandler {
	return &HTTPHandler{svc: svc}
}

func (h *HTTPHandler) Register(r *gin.Engine) {
	r.POST("/bookings", h.CreateBooking)
	r.GET("/bookings/:id", h.GetBooking)
	r.POST("/bookings/:id/retry-payment", h.RetryPayment)
}

type createBookingRequest struct {
	UserID  string `json:"user_id" binding:"required"`
	ItemRef string `json:"item_ref" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
}

func (h *HTTPHandler) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.CreateBooking(c.Request.Context(), service.CreateBookingCommand{
		UserID:        req.UserID,
		ItemRef:       req.ItemRef,
		Amount:        req.Amount,
		CorrelationID: c.GetHeader(correlationHeader),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"booking_id": res.BookingID, "status": res.Status})
}

func (h *HTTPHandler) GetBooking(c *gin.Context) {
	b, err := h.svc.GetBooking(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *HTTPHandler) RetryPayment(c *gin.Context) {
	if err := h.svc.RetryPayment(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func writeError(c *gin.Context, err error) {
	var de *apperrors.DomainError
	if errors.As(err, &de) {
		switch de.Code {
		case apperrors.CodeBookingNotFound:
			c.JSON(http.StatusNotFound, gin.H{"error": de.Message})
			return
		case apperrors.CodeInvalidCommand:
			c.JSON(http.StatusBadRequest, gin.H{"error": de.Message})
			return
		}
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
