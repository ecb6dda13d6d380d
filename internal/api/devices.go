package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devicelab-dev/labctl/internal/adapter"
	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/models"
)

func (s *Server) listDevices(c *gin.Context) {
	ok(c, s.registry.Snapshot())
}

func (s *Server) getDevice(c *gin.Context) {
	device, err := s.registry.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, device)
}

func (s *Server) refreshDevices(c *gin.Context) {
	ctx, cancel := withTimeout(c, 30*time.Second)
	defer cancel()
	s.registry.Discover(ctx)
	ok(c, s.registry.Snapshot())
}

type reserveRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Duration int    `json:"duration"`
	Purpose  string `json:"purpose"`
}

func (s *Server) reserveDevice(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "userId is required")
		return
	}
	duration := req.Duration
	if duration <= 0 {
		duration = 60
	}
	res, err := s.reservation.Reserve(c.Param("id"), req.UserID, time.Duration(duration)*time.Minute, req.Purpose)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}

func (s *Server) releaseDevice(c *gin.Context) {
	id := c.Param("id")
	s.supervisor.Stop(id)
	if err := s.reservation.Release(id); err != nil {
		fail(c, err)
		return
	}
	okMessage(c, "device released")
}

type genericCommandRequest struct {
	Type    models.CommandType `json:"type" binding:"required"`
	Payload json.RawMessage    `json:"payload"`
}

func (s *Server) genericCommand(c *gin.Context) {
	var req genericCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failValidation(c, "type is required")
		return
	}
	s.dispatchCommand(c, req.Type, req.Payload)
}

// typedCommand handles the per-kind shortcut routes
// (/devices/:id/{tap,swipe,drag,key,text,shell}), each taking the bare
// payload for that kind directly as the request body.
func (s *Server) typedCommand(kind models.CommandType) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			failValidation(c, "could not read request body")
			return
		}
		s.dispatchCommand(c, kind, raw)
	}
}

func (s *Server) dispatchCommand(c *gin.Context, kind models.CommandType, payload json.RawMessage) {
	device, err := s.registry.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	ctx, cancel := withTimeout(c, 15*time.Second)
	defer cancel()

	a := s.registry.AdapterFor(device.Platform)
	if err := executeAdapterCommand(ctx, a, device, kind, payload); err != nil {
		fail(c, err)
		return
	}
	okMessage(c, "command executed")
}

func executeAdapterCommand(ctx context.Context, a adapter.Adapter, device models.Device, kind models.CommandType, raw json.RawMessage) error {
	switch kind {
	case models.CommandTap:
		var p models.TapPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid tap payload")
		}
		return a.Tap(ctx, device.Serial, p.X, p.Y)
	case models.CommandSwipe:
		var p models.SwipePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid swipe payload")
		}
		return a.Swipe(ctx, device.Serial, p.StartX, p.StartY, p.EndX, p.EndY, p.DurationMS)
	case models.CommandDrag:
		var p models.SwipePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid drag payload")
		}
		return a.Drag(ctx, device.Serial, p.StartX, p.StartY, p.EndX, p.EndY)
	case models.CommandKey:
		var p models.KeyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid key payload")
		}
		return a.KeyEvent(ctx, device.Serial, p.KeyCode)
	case models.CommandText:
		var p models.TextPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid text payload")
		}
		return a.TextInput(ctx, device.Serial, p.Text)
	case models.CommandShell:
		if device.Platform != models.PlatformAndroid {
			return labctlerr.New(labctlerr.Unsupported, "shell is not supported on platform %s", device.Platform)
		}
		var p models.ShellPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid shell payload")
		}
		_, err := a.Shell(ctx, device.Serial, p.Command)
		return err
	default:
		return labctlerr.New(labctlerr.ValidationError, "unknown command type %q", kind)
	}
}

// installApp accepts a multipart upload, stages it under the configured
// upload directory, and hands the resulting path to the platform adapter.
func (s *Server) installApp(c *gin.Context) {
	device, err := s.registry.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	fileHeader, err := c.FormFile("app")
	if err != nil {
		failValidation(c, "app file is required")
		return
	}

	destPath := s.uploadDir + "/" + device.ID + "-" + fileHeader.Filename
	if err := c.SaveUploadedFile(fileHeader, destPath); err != nil {
		fail(c, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not stage uploaded app"))
		return
	}

	ctx, cancel := withTimeout(c, 60*time.Second)
	defer cancel()

	a := s.registry.AdapterFor(device.Platform)
	if err := a.InstallApp(ctx, device.Serial, destPath); err != nil {
		fail(c, err)
		return
	}
	okMessage(c, "app installed")
}

func (s *Server) sessionsForDevice(c *gin.Context) {
	ok(c, s.reservation.SessionsForDevice(c.Param("id")))
}

func (s *Server) reservationsForDevice(c *gin.Context) {
	ok(c, s.reservation.ReservationsForDevice(c.Param("id")))
}
