package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/devicelab-dev/labctl/internal/models"
)

type healthSnapshot struct {
	Status      string `json:"status"`
	DeviceCount int    `json:"deviceCount"`
	Subscribers int     `json:"subscribers"`
	Timestamp   time.Time `json:"timestamp"`
}

func (s *Server) systemHealth(c *gin.Context) {
	ok(c, healthSnapshot{
		Status:      "ok",
		DeviceCount: len(s.registry.Snapshot()),
		Subscribers: s.hub.SubscriberCount(),
		Timestamp:   time.Now(),
	})
}

type statsSnapshot struct {
	TotalDevices     int `json:"totalDevices"`
	OnlineDevices    int `json:"onlineDevices"`
	ReservedDevices  int `json:"reservedDevices"`
	InUseDevices     int `json:"inUseDevices"`
	OfflineDevices   int `json:"offlineDevices"`
	ActiveReservations int `json:"activeReservations"`
	RunningDrivers   int `json:"runningDrivers"`
}

func (s *Server) systemStats(c *gin.Context) {
	devices := s.registry.Snapshot()
	stats := statsSnapshot{TotalDevices: len(devices)}
	for _, d := range devices {
		switch d.Status {
		case models.StatusOnline:
			stats.OnlineDevices++
		case models.StatusReserved:
			stats.ReservedDevices++
		case models.StatusInUse:
			stats.InUseDevices++
		case models.StatusOffline:
			stats.OfflineDevices++
		}
	}
	stats.ActiveReservations = s.reservation.ActiveReservationCount()
	stats.RunningDrivers = len(s.supervisor.ListServers())
	ok(c, stats)
}

func (s *Server) systemReservations(c *gin.Context) {
	deviceID := c.Query("deviceId")
	if deviceID != "" {
		ok(c, s.reservation.ReservationsForDevice(deviceID))
		return
	}
	var all []any
	for _, d := range s.registry.Snapshot() {
		for _, r := range s.reservation.ReservationsForDevice(d.ID) {
			all = append(all, r)
		}
	}
	ok(c, all)
}
