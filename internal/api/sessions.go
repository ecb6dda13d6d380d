package api

import (
	"github.com/gin-gonic/gin"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
)

type createSessionRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
	UserID   string `json:"userId" binding:"required"`
}

func (s *Server) listSessions(c *gin.Context) {
	ok(c, s.reservation.Sessions())
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "deviceId and userId are required")
		return
	}
	sess, err := s.reservation.CreateSession(req.DeviceID, req.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, sess)
}

func (s *Server) getSession(c *gin.Context) {
	sess, err := s.reservation.Session(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, sess)
}

func (s *Server) endSession(c *gin.Context) {
	if err := s.reservation.EndSession(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	okMessage(c, "session ended")
}

func (s *Server) sessionsForUser(c *gin.Context) {
	uid := c.Param("uid")
	if uid == "" {
		fail(c, labctlerr.New(labctlerr.ValidationError, "uid is required"))
		return
	}
	ok(c, s.reservation.SessionsForUser(uid))
}
