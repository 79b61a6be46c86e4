package syncer

import (
	"net/http"
	"strconv"

	"github.com/adonese/linka/apperr"
	"github.com/adonese/linka/gateway"
	"github.com/adonese/linka/models"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

type syncRequest struct {
	Kind models.SyncKind `json:"kind" binding:"required,oneof=balance transactions historical_backfill validation"`
}

// TriggerSync runs one sync job for one account.
func (e *Engine) TriggerSync(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	accountID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, apperr.Payload(apperr.ErrBadRequest))
		return
	}
	var req syncRequest
	if err := c.ShouldBindWith(&req, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, apperr.Payload(apperr.Wrap(err, apperr.ErrValidation, "kind must be one of balance, transactions, historical_backfill, validation")))
		return
	}
	job, err := e.Trigger(c.Request.Context(), userID, uint(accountID), req.Kind)
	if err != nil {
		payload := apperr.Payload(err)
		if job != nil {
			payload["job"] = job
		}
		c.JSON(apperr.Status(err), payload)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// SyncAllAccounts fans a sync kind out over all of the user's accounts.
func (e *Engine) SyncAllAccounts(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	var req syncRequest
	if err := c.ShouldBindWith(&req, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, apperr.Payload(apperr.Wrap(err, apperr.ErrValidation, "kind must be one of balance, transactions, historical_backfill, validation")))
		return
	}
	summary, err := e.SyncAll(c.Request.Context(), userID, req.Kind)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, summary)
}

// ListJobs returns an account's sync history, newest first.
func (e *Engine) ListJobs(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	accountID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, apperr.Payload(apperr.ErrBadRequest))
		return
	}
	jobs, err := e.Jobs(c.Request.Context(), userID, uint(accountID))
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
