package linking

import (
	"net/http"
	"strconv"

	"github.com/adonese/linka/apperr"
	"github.com/adonese/linka/gateway"
	"github.com/adonese/linka/models"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

type startLinkingRequest struct {
	InstitutionID string `json:"institution_id"`
}

type selectInstitutionRequest struct {
	InstitutionID string `json:"institution_id" binding:"required"`
}

type submitAccountsRequest struct {
	ExternalAccountIDs []string `json:"external_account_ids" binding:"required,min=1"`
	ExchangeToken      string   `json:"exchange_token" binding:"required"`
}

type challengeResponseRequest struct {
	Answers []string `json:"answers" binding:"required,min=1"`
}

// StartLinking opens a new linking session, or returns a structured denial
// that a frontend can turn into an upgrade prompt.
func (s *Service) StartLinking(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	var req startLinkingRequest
	if err := c.ShouldBindWith(&req, binding.JSON); err != nil && err.Error() != "EOF" {
		s.bindError(c, err)
		return
	}
	sess, err := s.Initiate(c.Request.Context(), userID, req.InstitutionID)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// ChooseInstitution pins the institution for an initiated session.
func (s *Service) ChooseInstitution(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	var req selectInstitutionRequest
	if err := c.ShouldBindWith(&req, binding.JSON); err != nil {
		s.bindError(c, err)
		return
	}
	sess, err := s.SelectInstitution(c.Request.Context(), userID, c.Param("id"), req.InstitutionID)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// SubmitAccounts exchanges the public token and advances the session.
func (s *Service) SubmitAccounts(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	var req submitAccountsRequest
	if err := c.ShouldBindWith(&req, binding.JSON); err != nil {
		s.bindError(c, err)
		return
	}
	outcome, err := s.SubmitAccountSelection(c.Request.Context(), userID, c.Param("id"), req.ExternalAccountIDs, req.ExchangeToken)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// CancelSession cancels a session; cancelling twice is fine.
func (s *Service) CancelSession(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	sess, err := s.Cancel(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// SessionProgress reports the fixed-step progress for a session.
func (s *Service) SessionProgress(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	report, err := s.Progress(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, report)
}

// ChallengeResponse submits answers for an open challenge.
func (s *Service) ChallengeResponse(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	var req challengeResponseRequest
	if err := c.ShouldBindWith(&req, binding.JSON); err != nil {
		s.bindError(c, err)
		return
	}
	outcome, err := s.SubmitChallengeResponse(c.Request.Context(), userID, c.Param("id"), req.Answers)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// ChallengeResend re-issues the challenge prompt, rate limited server side.
func (s *Service) ChallengeResend(c *gin.Context) {
	userID, ok := gateway.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, apperr.Payload(apperr.ErrUnauthorized))
		return
	}
	record, err := s.ResendChallenge(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"challenge": record})
}

// Reauth starts a re-authentication session for one linked account.
func (s *Service) Reauth(c *gin.Context) {
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
	sess, err := s.StartReauth(c.Request.Context(), userID, uint(accountID))
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

func (s *Service) bindError(c *gin.Context, err error) {
	switch e := err.(type) {
	case validator.ValidationErrors:
		var details []models.ErrDetails
		for _, fieldErr := range e {
			details = append(details, models.ErrorToString(fieldErr))
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    apperr.ErrValidation.Code,
			"message": "request fields validation error",
			"details": details,
		})
	default:
		c.JSON(http.StatusBadRequest, apperr.Payload(apperr.Wrap(err, apperr.ErrBadRequest, "")))
	}
}
