package controllers

import (
	"net/http"
	"time"

	"backend/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type CaptureController struct {
	Capture *services.CaptureService
}

func NewCaptureController(capture *services.CaptureService) *CaptureController {
	return &CaptureController{Capture: capture}
}

type CaptureInput struct {
	CaptureUUID string  `json:"capture_uuid" binding:"required"`
	ImageBase64 string  `json:"image_base64" binding:"required"`
	CapturedAt  string  `json:"captured_at"`
	Orientation int     `json:"orientation"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
}

// Post runs the photo through preprocess → recognize → preview-resolve.
func (cc *CaptureController) Post(c *gin.Context) {
	uid := c.GetUint("userID")

	var input CaptureInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := uuid.Parse(input.CaptureUUID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "capture_uuid must be a UUID"})
		return
	}
	raw, err := decodeImage(input.ImageBase64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image_base64 is not valid base64"})
		return
	}

	capturedAt := time.Now()
	if input.CapturedAt != "" {
		if t, err := time.Parse(time.RFC3339, input.CapturedAt); err == nil {
			capturedAt = t
		}
	}

	res, err := cc.Capture.Capture(c.Request.Context(), uid, services.CaptureRequest{
		UUID:        input.CaptureUUID,
		CapturedAt:  capturedAt,
		Orientation: input.Orientation,
		Image:       raw,
		Quantity:    input.Quantity,
		Unit:        input.Unit,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if res.Queued {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type ConfirmInput struct {
	EntryUUID  string  `json:"entry_uuid" binding:"required"`
	Label      string  `json:"label"`
	FoodID     string  `json:"food_id"`
	Quantity   float64 `json:"quantity" binding:"required"`
	Unit       string  `json:"unit"`
	Source     string  `json:"source"`
	ConsumedAt string  `json:"consumed_at"`
}

// Confirm appends the user-confirmed candidate to the ledger. Retried calls
// with the same entry_uuid are no-ops.
func (cc *CaptureController) Confirm(c *gin.Context) {
	uid := c.GetUint("userID")

	var input ConfirmInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.Label == "" && input.FoodID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label or food_id is required"})
		return
	}

	consumedAt := time.Now()
	if input.ConsumedAt != "" {
		if t, err := time.Parse(time.RFC3339, input.ConsumedAt); err == nil {
			consumedAt = t
		}
	}

	res, err := cc.Capture.Confirm(c.Request.Context(), uid, services.ConfirmRequest{
		EntryUUID:  input.EntryUUID,
		Label:      input.Label,
		FoodID:     input.FoodID,
		Quantity:   input.Quantity,
		Unit:       input.Unit,
		Source:     input.Source,
		ConsumedAt: consumedAt,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	switch {
	case res.Queued != nil:
		c.JSON(http.StatusAccepted, res)
	case res.Outcome != nil:
		// Ambiguous or not-found: the client disambiguates or falls back to
		// manual entry.
		c.JSON(http.StatusOK, res)
	default:
		c.JSON(http.StatusCreated, res)
	}
}
