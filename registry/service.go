package registry

import (
	"net/http"
	"strconv"

	"github.com/adonese/linka/apperr"
	"github.com/adonese/linka/gateway"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// ListAccounts returns every linked account for the user.
func (s *Service) ListAccounts(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	records, err := s.List(c.Request.Context(), userID)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": records})
}

// CustomizeAccount applies a partial customization update. The body is a
// free-form map; unknown keys are rejected by the service.
func (s *Service) CustomizeAccount(c *gin.Context) {
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
	var fields map[string]any
	if err := c.ShouldBindWith(&fields, binding.JSON); err != nil {
		c.JSON(http.StatusBadRequest, apperr.Payload(apperr.Wrap(err, apperr.ErrBadRequest, "")))
		return
	}
	account, err := s.Customize(c.Request.Context(), userID, uint(accountID), fields)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// UnlinkAccount archives an account. Pass cleanup_data=true to also purge
// its transaction history; the default keeps it for a future re-link.
func (s *Service) UnlinkAccount(c *gin.Context) {
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
	cleanup, _ := strconv.ParseBool(c.DefaultQuery("cleanup_data", "false"))
	if err := s.Unlink(c.Request.Context(), userID, uint(accountID), cleanup); err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "unlinked", "cleanup_data": cleanup})
}
