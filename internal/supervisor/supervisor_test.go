package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/models"
)

type fakeBroadcaster struct {
	entries []models.LogEntry
}

func (f *fakeBroadcaster) BroadcastDeviceLog(entry models.LogEntry) {
	f.entries = append(f.entries, entry)
}

func newTestSupervisor(portRange int) *Supervisor {
	return New(logger.New("error"), &fakeBroadcaster{}, "labctl-driver-test-binary", 41000, portRange, "WebDriverAgent started successfully")
}

func TestAllocatePortWithinRange(t *testing.T) {
	s := newTestSupervisor(10)
	port, err := s.allocatePort()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, port, 41000)
	assert.Less(t, port, 41010)
}

func TestAllocatePortDoesNotReuseWhileHeld(t *testing.T) {
	s := newTestSupervisor(2)
	first, err := s.allocatePort()
	require.NoError(t, err)
	second, err := s.allocatePort()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestAllocatePortExhaustion(t *testing.T) {
	s := newTestSupervisor(1)
	_, err := s.allocatePort()
	require.NoError(t, err)

	_, err = s.allocatePort()
	assert.Error(t, err)
}

func TestReleasePortAllowsReuse(t *testing.T) {
	s := newTestSupervisor(1)
	port, err := s.allocatePort()
	require.NoError(t, err)

	s.releasePort(port)

	again, err := s.allocatePort()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestServerLogRingIsBounded(t *testing.T) {
	srv := &server{deviceID: "dev-1", filter: newLogFilter()}
	for i := 0; i < logRingLimit+50; i++ {
		srv.mu.Lock()
		srv.ring = append(srv.ring, models.LogEntry{DeviceID: srv.deviceID})
		if len(srv.ring) > logRingLimit {
			srv.ring = srv.ring[len(srv.ring)-logRingLimit:]
		}
		srv.mu.Unlock()
	}
	assert.LessOrEqual(t, len(srv.ring), logRingLimit)
}

func TestListServersEmptyByDefault(t *testing.T) {
	s := newTestSupervisor(10)
	assert.Empty(t, s.ListServers())
	_, found := s.Status("does-not-exist")
	assert.False(t, found)
}

func TestStartClassifiesSpawnFailureAsResourceExhaustion(t *testing.T) {
	s := newTestSupervisor(10)
	device := models.Device{ID: "dev-1", Platform: models.PlatformAndroid, Serial: "serial-1"}

	_, err := s.Start(context.Background(), device)

	require.Error(t, err)
	assert.Equal(t, labctlerr.ResourceExhaustion, labctlerr.KindOf(err))
}
