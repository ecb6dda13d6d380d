package api

import (
	"time"

	"github.com/gin-gonic/gin"
)

// Analytics aggregation is explicitly out of scope beyond its interface
//; these handlers report the coarse counters
// the other components already track rather than persisting history.

func (s *Server) analyticsOverview(c *gin.Context) {
	devices := s.registry.Snapshot()
	ok(c, gin.H{
		"totalDevices":       len(devices),
		"activeReservations": s.reservation.ActiveReservationCount(),
		"runningDrivers":     len(s.supervisor.ListServers()),
		"connectedSubscribers": s.hub.SubscriberCount(),
	})
}

func (s *Server) analyticsDevices(c *gin.Context) {
	devices := s.registry.Snapshot()
	byPlatform := map[string]int{}
	for _, d := range devices {
		byPlatform[string(d.Platform)]++
	}
	ok(c, byPlatform)
}

// analyticsHourly has no durable history to aggregate, so it
// reports the current hour bucket only.
func (s *Server) analyticsHourly(c *gin.Context) {
	ok(c, gin.H{
		"hour":               time.Now().Truncate(time.Hour),
		"activeReservations": s.reservation.ActiveReservationCount(),
	})
}
