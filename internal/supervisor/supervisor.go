// Package supervisor implements the driver-server supervisor: one child
// automation-driver process per device, with bounded port allocation,
// filtered log capture and a ready-sentinel watcher. Grounded on
// devices/dev_common.go's startAppium: child spawn with a JSON
// default-capabilities blob, line-by-line stdout capture, and the exact
// "REST http interface listener started" sentinel string it already
// waits on for iOS's WebDriverAgent handoff.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/metrics"
	"github.com/devicelab-dev/labctl/internal/models"
)

const (
	androidReadySentinel = "REST http interface listener started"

	startTimeout    = 30 * time.Second
	startPollPeriod = 500 * time.Millisecond
	logRingLimit    = 500

	defaultCommandTimeoutSeconds = 300
)

// Broadcaster mirrors the registry's push surface; the supervisor forwards
// each retained driver log line as a device-log event scoped to the
// synthetic "system" source, tagged with the device id. Driver-server
// status transitions (starting, running, stopped, error) are not broadcast.
type Broadcaster interface {
	BroadcastDeviceLog(entry models.LogEntry)
}

// server is one supervised driver-server child process.
type server struct {
	deviceID string
	port     int
	status   models.DriverServerStatus
	cmd      *exec.Cmd
	cancel   context.CancelFunc

	mu      sync.Mutex
	ring    []models.LogEntry
	filter  *logFilter
	readyCh chan struct{}
	doneCh  chan struct{}
}

// Supervisor owns the pool of driver-server child processes, one per
// device, and the port range they draw from.
type Supervisor struct {
	log             *logger.CustomLogger
	broadcast       Broadcaster
	binaryPath      string
	basePort        int
	portRange       int
	iosReadySentinel string

	mu        sync.Mutex
	byDevice  map[string]*server
	usedPorts map[int]bool
}

func New(log *logger.CustomLogger, broadcast Broadcaster, binaryPath string, basePort, portRange int, iosReadySentinel string) *Supervisor {
	return &Supervisor{
		log:              log,
		broadcast:        broadcast,
		binaryPath:       binaryPath,
		basePort:         basePort,
		portRange:        portRange,
		iosReadySentinel: iosReadySentinel,
		byDevice:         make(map[string]*server),
		usedPorts:        make(map[int]bool),
	}
}

// CleanupOrphans issues a best-effort kill of any lingering driver
// binaries left over from a previous, uncleanly-terminated run. Fire-and-forget: never blocks startup and never
// returns an error.
func (s *Supervisor) CleanupOrphans() {
	go func() {
		cmd := exec.Command("pkill", "-f", s.binaryPath)
		if err := cmd.Run(); err != nil {
			s.log.LogDebug("supervisor", fmt.Sprintf("orphan cleanup found nothing to kill for %s: %s", s.binaryPath, err))
		}
	}()
}

// allocatePort scans [basePort, basePort+portRange) for a port not
// currently claimed by this supervisor, probing candidates by binding a
// listener and closing it immediately.
// Caller must hold s.mu.
func (s *Supervisor) allocatePort() (int, error) {
	for port := s.basePort; port < s.basePort+s.portRange; port++ {
		if s.usedPorts[port] {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		s.usedPorts[port] = true
		return port, nil
	}
	return 0, labctlerr.New(labctlerr.ResourceExhaustion, "no available ports in range [%d, %d)", s.basePort, s.basePort+s.portRange)
}

func (s *Supervisor) releasePort(port int) {
	s.mu.Lock()
	delete(s.usedPorts, port)
	s.mu.Unlock()
}

// defaultCapabilities builds the JSON blob derived from the device record:
// platform name, version, vendor identifier, device name, plus fixed
// operational fields.
type defaultCapabilities struct {
	PlatformName    string `json:"platformName"`
	PlatformVersion string `json:"appium:platformVersion,omitempty"`
	UDID            string `json:"appium:udid"`
	DeviceName      string `json:"appium:deviceName"`
	NewCommandTimeout int  `json:"appium:newCommandTimeout"`
	NoReset         bool   `json:"appium:noReset"`
}

func buildCapabilities(device models.Device) []byte {
	caps := defaultCapabilities{
		PlatformName:      string(device.Platform),
		PlatformVersion:   device.PlatformVersion,
		UDID:              device.Serial,
		DeviceName:        device.Name,
		NewCommandTimeout: defaultCommandTimeoutSeconds,
		NoReset:           true,
	}
	data, _ := json.Marshal(caps)
	return data
}

// Start spawns (or returns the existing) driver server for a device.
func (s *Supervisor) Start(ctx context.Context, device models.Device) (int, error) {
	s.mu.Lock()
	if existing, ok := s.byDevice[device.ID]; ok && existing.status == models.DriverRunning {
		port := existing.port
		s.mu.Unlock()
		return port, nil
	}
	s.mu.Unlock()

	port, err := func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.allocatePort()
	}()
	if err != nil {
		return 0, err
	}

	capsJSON := buildCapabilities(device)
	childCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(childCtx, s.binaryPath,
		"-p", strconv.Itoa(port),
		"--session-override",
		"--log-level", "info",
		"--default-capabilities", string(capsJSON),
	)

	srv := &server{
		deviceID: device.ID,
		port:     port,
		status:   models.DriverStarting,
		cmd:      cmd,
		cancel:   cancel,
		filter:   newLogFilter(),
		readyCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		s.releasePort(port)
		return 0, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not open stdout pipe for device %s", device.ID)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		s.releasePort(port)
		return 0, labctlerr.Wrap(labctlerr.ResourceExhaustion, err, "could not start driver server for device %s", device.ID)
	}

	s.mu.Lock()
	s.byDevice[device.ID] = srv
	s.mu.Unlock()

	sentinel := androidReadySentinel
	if device.Platform == models.PlatformIOS && s.iosReadySentinel != "" {
		sentinel = s.iosReadySentinel
	}

	go s.pumpLogs(srv, stdout, sentinel, androidReadySentinel)
	go s.waitForExit(srv)

	return port, s.awaitReady(ctx, srv, device.ID)
}

// pumpLogs reads child output line-by-line, applies the log filter and
// appends to the ring, and watches for either accepted ready sentinel.
func (s *Supervisor) pumpLogs(srv *server, stdout io.Reader, sentinel, androidSentinel string) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	readyClosed := false
	for scanner.Scan() {
		raw := scanner.Text()

		if !readyClosed && (strings.Contains(raw, sentinel) || strings.Contains(raw, androidSentinel)) {
			s.mu.Lock()
			srv.status = models.DriverRunning
			running := 0
			for _, other := range s.byDevice {
				if other.status == models.DriverRunning {
					running++
				}
			}
			s.mu.Unlock()
			metrics.DriverServersRunning.Set(float64(running))
			close(srv.readyCh)
			readyClosed = true
		}

		line, keep := srv.filter.apply(raw)
		if !keep {
			continue
		}

		entry := models.LogEntry{
			DeviceID:  srv.deviceID,
			Timestamp: time.Now(),
			Level:     models.LogInfo,
			Tag:       "driver-server",
			Message:   line,
		}

		srv.mu.Lock()
		srv.ring = append(srv.ring, entry)
		if len(srv.ring) > logRingLimit {
			srv.ring = srv.ring[len(srv.ring)-logRingLimit:]
		}
		srv.mu.Unlock()

		s.broadcast.BroadcastDeviceLog(models.LogEntry{
			DeviceID:  models.SystemLogSource,
			Timestamp: entry.Timestamp,
			Level:     entry.Level,
			Tag:       srv.deviceID,
			Message:   line,
		})
	}
}

func (s *Supervisor) waitForExit(srv *server) {
	err := srv.cmd.Wait()
	s.mu.Lock()
	if err != nil {
		srv.status = models.DriverError
	} else {
		srv.status = models.DriverStopped
	}
	delete(s.byDevice, srv.deviceID)
	running := 0
	for _, other := range s.byDevice {
		if other.status == models.DriverRunning {
			running++
		}
	}
	s.mu.Unlock()
	metrics.DriverServersRunning.Set(float64(running))

	s.releasePort(srv.port)
	close(srv.doneCh)
}

// awaitReady polls status until running, error, timeout or context
// cancellation.
func (s *Supervisor) awaitReady(ctx context.Context, srv *server, deviceID string) error {
	deadline := time.NewTimer(startTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(startPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-srv.readyCh:
			return nil
		case <-srv.doneCh:
			s.mu.Lock()
			status := srv.status
			s.mu.Unlock()
			if status == models.DriverError {
				return labctlerr.New(labctlerr.ExternalToolFailure, "failed to start driver server for device %s", deviceID)
			}
			return labctlerr.New(labctlerr.ExternalToolFailure, "driver server for device %s exited before becoming ready", deviceID)
		case <-deadline.C:
			s.Stop(deviceID)
			return labctlerr.New(labctlerr.Timeout, "start timeout waiting for driver server for device %s", deviceID)
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop sends a graceful termination signal and removes the record; legal
// in any status.
func (s *Supervisor) Stop(deviceID string) {
	s.mu.Lock()
	srv, ok := s.byDevice[deviceID]
	if ok {
		delete(s.byDevice, deviceID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if srv.cmd.Process != nil {
		_ = srv.cmd.Process.Signal(syscall.SIGTERM)
	}
	srv.cancel()
}

// StopForDevice is the narrow surface the registry calls when a device
// disappears from discovery.
func (s *Supervisor) StopForDevice(deviceID string) {
	s.Stop(deviceID)
}

// StopAll sends termination to every running server in parallel.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byDevice))
	for id := range s.byDevice {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(deviceID string) {
			defer wg.Done()
			s.Stop(deviceID)
		}(id)
	}
	wg.Wait()
}

// Status returns a snapshot of a device's driver-server info, if any.
func (s *Supervisor) Status(deviceID string) (models.DriverServerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.byDevice[deviceID]
	if !ok {
		return models.DriverServerInfo{}, false
	}
	return models.DriverServerInfo{
		DeviceID: deviceID,
		Port:     srv.port,
		Status:   srv.status,
		URL:      fmt.Sprintf("http://localhost:%d/wd/hub", srv.port),
	}, true
}

// ListServers returns a snapshot of every currently tracked driver server.
func (s *Supervisor) ListServers() []models.DriverServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DriverServerInfo, 0, len(s.byDevice))
	for id, srv := range s.byDevice {
		out = append(out, models.DriverServerInfo{
			DeviceID: id,
			Port:     srv.port,
			Status:   srv.status,
			URL:      fmt.Sprintf("http://localhost:%d/wd/hub", srv.port),
		})
	}
	return out
}

// Logs returns a snapshot copy of a server's log ring.
func (s *Supervisor) Logs(deviceID string) ([]models.LogEntry, error) {
	s.mu.Lock()
	srv, ok := s.byDevice[deviceID]
	s.mu.Unlock()
	if !ok {
		return nil, labctlerr.New(labctlerr.NotFound, "no driver server for device %s", deviceID)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]models.LogEntry, len(srv.ring))
	copy(out, srv.ring)
	return out, nil
}

// ClearLogs empties a server's log ring.
func (s *Supervisor) ClearLogs(deviceID string) error {
	s.mu.Lock()
	srv, ok := s.byDevice[deviceID]
	s.mu.Unlock()
	if !ok {
		return labctlerr.New(labctlerr.NotFound, "no driver server for device %s", deviceID)
	}
	srv.mu.Lock()
	srv.ring = nil
	srv.mu.Unlock()
	return nil
}

// capabilitySnapshot is the TOML-exportable node configuration for a
// running driver server, generalized from devices/dev_common.go's
// AppiumTomlConfig Selenium Grid node config to a capability export the
// lab controller's operators can hand to external tooling.
type capabilitySnapshot struct {
	Server struct {
		Port int `toml:"port"`
	} `toml:"server"`
	Node struct {
		DetectDrivers bool `toml:"detect-drivers"`
	} `toml:"node"`
	Capabilities struct {
		PlatformName    string `toml:"platform-name"`
		PlatformVersion string `toml:"platform-version"`
		UDID            string `toml:"udid"`
		DeviceName      string `toml:"device-name"`
	} `toml:"capabilities"`
}

// ExportCapabilitiesTOML renders a device's driver-server capabilities as
// TOML, matching the Selenium Grid node registration file format.
func (s *Supervisor) ExportCapabilitiesTOML(device models.Device) ([]byte, error) {
	info, ok := s.Status(device.ID)
	if !ok {
		return nil, labctlerr.New(labctlerr.NotFound, "no driver server for device %s", device.ID)
	}

	var snap capabilitySnapshot
	snap.Server.Port = info.Port
	snap.Node.DetectDrivers = false
	snap.Capabilities.PlatformName = string(device.Platform)
	snap.Capabilities.PlatformVersion = device.PlatformVersion
	snap.Capabilities.UDID = device.Serial
	snap.Capabilities.DeviceName = device.Name

	res, err := toml.Marshal(snap)
	if err != nil {
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not marshal TOML capabilities for device %s", device.ID)
	}
	return res, nil
}
