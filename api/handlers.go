package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"fleetmirror/models"
	"fleetmirror/service"

	"github.com/gin-gonic/gin"
)

// ListSessions returns a snapshot of every pooled session
func ListSessions(c *gin.Context, pool *service.SessionPool) {
	c.JSON(http.StatusOK, models.SuccessResponse(pool.Snapshot()))
}

// StartSession admits one device into the pool
func StartSession(c *gin.Context, pool *service.SessionPool) {
	var req models.SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if req.Serial == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("serial is required"))
		return
	}

	session, err := pool.Acquire(req.Serial, service.SessionOptions{
		Control:       req.Control,
		PreferForward: req.PreferForward,
	})
	if err != nil {
		var capErr *service.CapacityError
		if errors.As(err, &capErr) {
			c.JSON(http.StatusServiceUnavailable, models.ErrorResponse(err.Error()))
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"serial":  session.Serial,
		"state":   session.State().String(),
		"profile": session.Profile(),
	}))
}

// GetSession returns one session's live status
func GetSession(c *gin.Context, pool *service.SessionPool) {
	serial := c.Param("serial")
	session, ok := pool.Get(serial)
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse("no session for "+serial))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"serial":   session.Serial,
		"state":    session.State().String(),
		"profile":  session.Profile(),
		"tunnel":   session.TunnelMode().String(),
		"port":     session.LocalPort(),
		"frames":   session.Frames(),
		"skipped":  session.Skipped(),
		"restarts": session.Restarts(),
		"created":  session.CreatedAt(),
	}))
}

// ReleaseSession marks a session idle (eviction candidate)
func ReleaseSession(c *gin.Context, pool *service.SessionPool) {
	pool.Release(c.Param("serial"))
	c.JSON(http.StatusOK, models.MessageResponse("session released"))
}

// StopSession tears a session down and removes it from the pool
func StopSession(c *gin.Context, pool *service.SessionPool) {
	serial := c.Param("serial")
	if !pool.Remove(serial) {
		c.JSON(http.StatusNotFound, models.ErrorResponse("no session for "+serial))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("session stopped"))
}

// ScheduleBatch enqueues a staggered fleet launch
func ScheduleBatch(c *gin.Context, scheduler *service.BatchScheduler) {
	var req models.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}

	batch, err := scheduler.Schedule(req.Serials)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusAccepted, models.SuccessResponse(batch))
}

// GetPoolSettings returns the pool's admission limits and occupancy
func GetPoolSettings(c *gin.Context, pool *service.SessionPool) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"capacity":             pool.Capacity(),
		"idle_timeout_seconds": int(pool.IdleTimeout().Seconds()),
		"size":                 pool.Size(),
	}))
}

// UpdatePoolSettings adjusts capacity and idle timeout at runtime
func UpdatePoolSettings(c *gin.Context, pool *service.SessionPool) {
	var req models.PoolSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(err.Error()))
		return
	}
	if req.Capacity > 0 {
		pool.SetCapacity(req.Capacity)
	}
	if req.IdleTimeoutSeconds > 0 {
		pool.SetIdleTimeout(time.Duration(req.IdleTimeoutSeconds) * time.Second)
	}
	GetPoolSettings(c, pool)
}

// GetTiers returns the quality tier table
func GetTiers(c *gin.Context) {
	c.JSON(http.StatusOK, models.SuccessResponse(service.TierTable()))
}

// GetEvents returns recent ledger events for one device
func GetEvents(c *gin.Context, ledger *service.Ledger) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := ledger.Events(c.Param("serial"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(events))
}
