package directory

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type tokenRequest struct {
	RoomName        string `json:"roomName" binding:"required"`
	ParticipantName string `json:"participantName" binding:"required"`
	Role            string `json:"role" binding:"required,oneof=speaker listener"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// HandleToken mints a development transport credential. Production points
// token_url at the hosted signing service instead; clients treat the
// token as opaque either way.
func HandleToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Str("module", "directory").Msg("bad token request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}

	token := fmt.Sprintf("dev.%s.%s.%s", req.Role, req.RoomName, uuid.NewString())
	log.Info().
		Str("module", "directory").
		Str("room", req.RoomName).
		Str("participant", req.ParticipantName).
		Str("role", req.Role).
		Msg("token issued")
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}
