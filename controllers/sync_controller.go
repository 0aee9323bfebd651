package controllers

import (
	"net/http"
	"strconv"
	"time"

	"backend/services"

	"github.com/gin-gonic/gin"
)

type SyncController struct {
	Capture *services.CaptureService
	Queue   *services.OfflineQueueService
}

func NewSyncController(capture *services.CaptureService, queue *services.OfflineQueueService) *SyncController {
	return &SyncController{Capture: capture, Queue: queue}
}

// Push sends pending calories-consumed deltas to the health platform now,
// queueing instead when the platform is unreachable.
func (sc *SyncController) Push(c *gin.Context) {
	uid := c.GetUint("userID")

	res, queued, err := sc.Capture.SyncNow(c.Request.Context(), uid)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if queued != nil {
		c.JSON(http.StatusAccepted, gin.H{"queued": queued})
		return
	}
	c.JSON(http.StatusOK, res)
}

type PullInput struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Pull fetches burned-calories and weight samples for a day range.
func (sc *SyncController) Pull(c *gin.Context) {
	uid := c.GetUint("userID")

	var input PullInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if input.From == "" {
		input.From = time.Now().UTC().Format("2006-01-02")
	}
	if input.To == "" {
		input.To = input.From
	}

	samples, queued, err := sc.Capture.PullNow(c.Request.Context(), uid, input.From, input.To)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if queued != nil {
		c.JSON(http.StatusAccepted, gin.H{"queued": queued})
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

// Replay is the connectivity-restoration signal from the client: kick the
// queue immediately instead of waiting for the next tick.
func (sc *SyncController) Replay(c *gin.Context) {
	sc.Queue.Kick()
	c.JSON(http.StatusAccepted, gin.H{"message": "replay triggered"})
}

func (sc *SyncController) DeadLetters(c *gin.Context) {
	uid := c.GetUint("userID")

	ops, err := sc.Queue.DeadLetters(uid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": ops})
}

func (sc *SyncController) RetryDeadLetter(c *gin.Context) {
	uid := c.GetUint("userID")
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if err := sc.Queue.RetryDeadLetter(uid, uint(id)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	sc.Queue.Kick()
	c.JSON(http.StatusOK, gin.H{"message": "operation requeued"})
}

func (sc *SyncController) DiscardDeadLetter(c *gin.Context) {
	uid := c.GetUint("userID")
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	if err := sc.Queue.DiscardDeadLetter(uid, uint(id)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "operation discarded"})
}
