package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type iceServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceConfigResponse struct {
	ICEServers []iceServerJSON `json:"iceServers"`
	ExpiryUnix int64           `json:"expiryUnix,omitempty"`
}

// handleICEConfig hands the client its ICE dialing plan: the static STUN
// list plus, when a TURN REST secret is configured, ephemeral TURN
// credentials scoped to the call.
func (s *Server) handleICEConfig(c *gin.Context) {
	resp := iceConfigResponse{}
	for _, server := range s.cfg.ICEServers {
		entry := iceServerJSON{URLs: server.URLs, Username: server.Username}
		if cred, ok := server.Credential.(string); ok {
			entry.Credential = cred
		}
		resp.ICEServers = append(resp.ICEServers, entry)
	}

	if s.turn != nil && len(s.cfg.TurnURLs) > 0 {
		creds, err := s.turnCredentials(c.Query("call"))
		if err != nil {
			s.log.Error("turn credential generation failed", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "credential generation failed"})
			return
		}
		resp.ICEServers = append(resp.ICEServers, iceServerJSON{
			URLs:       s.cfg.TurnURLs,
			Username:   creds.Username,
			Credential: creds.Credential,
		})
		resp.ExpiryUnix = creds.ExpiryUnix
	}

	c.JSON(http.StatusOK, resp)
}
