package controllers

import (
	"errors"
	"net/http"

	"github.com/matixlol/caloric/services"

	"github.com/gin-gonic/gin"
)

type AgentController struct {
	Agent *services.AgentService
}

func NewAgentController(agent *services.AgentService) *AgentController {
	return &AgentController{Agent: agent}
}

// POST /ai/session
func (ac *AgentController) StartSession(c *gin.Context) {
	uid := c.GetUint("userID")
	sess := ac.Agent.StartSession(uid)
	c.JSON(http.StatusCreated, gin.H{
		"session_id": sess.ID,
		"status":     services.StatusReady,
	})
}

type TurnInput struct {
	SessionID string              `json:"session_id" binding:"required"`
	Action    services.TurnAction `json:"action" binding:"required"`
}

// POST /ai/turn
func (ac *AgentController) Turn(c *gin.Context) {
	uid := c.GetUint("userID")

	var input TurnInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := ac.Agent.ProcessTurn(c.Request.Context(), input.SessionID, uid, input.Action)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrSessionNotFound),
			errors.Is(err, services.ErrApprovalNotFound),
			errors.Is(err, services.ErrSuggestionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrSuggestionResolved):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrBadTurnAction):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, out)
}
