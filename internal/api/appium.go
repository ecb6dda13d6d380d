package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/models"
)

// appiumStart starts a driver server; the device must already be reserved
// or in-use.
func (s *Server) appiumStart(c *gin.Context) {
	device, err := s.registry.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	if device.Status != models.StatusReserved && device.Status != models.StatusInUse {
		fail(c, labctlerr.New(labctlerr.InvalidState, "device %s must be reserved or in-use to start a driver (status=%s)", device.ID, device.Status))
		return
	}

	ctx, cancel := withTimeout(c, 31*time.Second)
	defer cancel()
	port, err := s.supervisor.Start(ctx, device)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"port": port, "url": "http://localhost:" + strconv.Itoa(port) + "/wd/hub"})
}

// appiumStop stops the driver server, ends the device's active session (if
// any), and releases its reservation.
func (s *Server) appiumStop(c *gin.Context) {
	id := c.Param("id")
	s.supervisor.Stop(id)
	if err := s.reservation.EndSessionForDevice(id); err != nil {
		fail(c, err)
		return
	}
	if err := s.reservation.Release(id); err != nil {
		fail(c, err)
		return
	}
	okMessage(c, "driver stopped and device released")
}

func (s *Server) appiumStatus(c *gin.Context) {
	info, found := s.supervisor.Status(c.Param("id"))
	if !found {
		fail(c, labctlerr.New(labctlerr.NotFound, "no driver server for device %s", c.Param("id")))
		return
	}
	ok(c, info)
}

func (s *Server) appiumGetLogs(c *gin.Context) {
	logs, err := s.supervisor.Logs(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, logs)
}

func (s *Server) appiumClearLogs(c *gin.Context) {
	if err := s.supervisor.ClearLogs(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	okMessage(c, "logs cleared")
}

type autoStartRequest struct {
	UserID   string `json:"userId"`
	Duration int    `json:"duration"`
	Purpose  string `json:"purpose"`
}

// appiumAutoStart composes reserve + start driver + open session into a
// single call.
func (s *Server) appiumAutoStart(c *gin.Context) {
	var req autoStartRequest
	_ = c.ShouldBindJSON(&req)
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	duration := req.Duration
	if duration <= 0 {
		duration = 60
	}

	deviceID := c.Param("id")
	if _, err := s.reservation.Reserve(deviceID, req.UserID, time.Duration(duration)*time.Minute, req.Purpose); err != nil {
		fail(c, err)
		return
	}

	device, err := s.registry.Get(deviceID)
	if err != nil {
		fail(c, err)
		return
	}

	ctx, cancel := withTimeout(c, 31*time.Second)
	defer cancel()
	port, err := s.supervisor.Start(ctx, device)
	if err != nil {
		_ = s.reservation.Release(deviceID)
		fail(c, err)
		return
	}

	sess, err := s.reservation.CreateSession(deviceID, req.UserID)
	if err != nil {
		s.supervisor.Stop(deviceID)
		_ = s.reservation.Release(deviceID)
		fail(c, err)
		return
	}

	ok(c, gin.H{
		"port":       port,
		"url":        "http://localhost:" + strconv.Itoa(port) + "/wd/hub",
		"sessionId":  sess.ID,
		"capabilities": gin.H{
			"platformName":    string(device.Platform),
			"deviceName":      device.Name,
			"platformVersion": device.PlatformVersion,
		},
	})
}

func (s *Server) listAppiumServers(c *gin.Context) {
	ok(c, s.supervisor.ListServers())
}

