package httpapi

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/horizon/dm-app/internal/directory"
	"github.com/horizon/dm-app/internal/dm"
	"github.com/horizon/dm-app/internal/ws"
)

type sendMessageRequest struct {
	ReceiverID string `json:"receiver_id"`
	Message    string `json:"message"`
}

func (s *Server) handleSendMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", "body must be {\"receiver_id\": string, \"message\": string}")
			return
		}

		msg, err := s.Service.SendMessage(c.Request.Context(), currentUser(c), req.ReceiverID, req.Message)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, msg)
	}
}

// handleGetHistory returns the conversation with the peer and marks it read
// for the caller.
func (s *Server) handleGetHistory() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, peerID := currentUser(c), c.Param("peer_id")

		msgs, err := s.Service.GetHistory(c.Request.Context(), userID, peerID)
		if err != nil {
			respondError(c, err)
			return
		}

		if len(msgs) > 0 {
			if err := s.Service.MarkRead(c.Request.Context(), userID, peerID); err != nil {
				log.Printf("[http] mark read user=%s peer=%s: %v", userID, peerID, err)
			}
		}
		c.JSON(http.StatusOK, msgs)
	}
}

func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Service.MarkRead(c.Request.Context(), currentUser(c), c.Param("peer_id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type unreadResponse struct {
	Total  int            `json:"total"`
	ByPeer map[string]int `json:"by_peer"`
}

func (s *Server) handleUnreadCounts() gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := s.Service.UnreadCounts(c.Request.Context(), currentUser(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, unreadResponse{Total: lo.Sum(lo.Values(counts)), ByPeer: counts})
	}
}

// handleSearchUsers answers search-as-you-type. Short queries are a normal
// state of the input box, so they yield an empty list rather than an error.
func (s *Server) handleSearchUsers() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := s.Service.SearchUsers(c.Request.Context(), currentUser(c), c.Query("q"))
		if dm.CodeOf(err) == dm.ErrorQueryTooShort {
			c.JSON(http.StatusOK, []directory.SearchResult{})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

type presenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

func (s *Server) handlePresence() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("id")
		online, err := s.Service.Online(c.Request.Context(), userID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, presenceResponse{UserID: userID, Online: online})
	}
}

// handleLiveChannel upgrades the request to the caller's live channel.
// Registration with the hub happens in the ws server's connect hook.
func (s *Server) handleLiveChannel() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := currentUser(c)

		if s.ConnLimiter != nil {
			if ok, _ := s.ConnLimiter.Allow(c.Request.Context(), userID); !ok {
				abortWithError(c, http.StatusTooManyRequests, string(dm.ErrorRateLimited), "too many connection attempts")
				return
			}
		}

		_, err := s.WS.Upgrade(c.Writer, c.Request, userID)
		switch {
		case err == nil:
		case errors.Is(err, ws.ErrTooManyConnections), errors.Is(err, ws.ErrServerClosed):
			abortWithError(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
		default:
			// The upgrader has already answered the client.
			log.Printf("[http] live channel user=%s: %v", userID, err)
		}
	}
}

type healthResponse struct {
	Status         string    `json:"status"`
	Connections    int       `json:"connections"`
	Uptime         string    `json:"uptime"`
	IndexUsers     int       `json:"index_users"`
	IndexRefreshed time.Time `json:"index_refreshed_at"`
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := healthResponse{
			Status: "ok",
			Uptime: time.Since(s.startedAt).Round(time.Second).String(),
		}
		if s.WS != nil {
			resp.Connections = s.WS.Connections().Count()
			if up := s.WS.Uptime(); up > 0 {
				resp.Uptime = up.Round(time.Second).String()
			}
		}
		if s.Index != nil {
			resp.IndexUsers = s.Index.Size()
			resp.IndexRefreshed = s.Index.LoadedAt()
		}
		c.JSON(http.StatusOK, resp)
	}
}
