// Package reservation implements the reservation and session manager:
// exclusive-access arbitration layered on top of the device registry's
// status machine. Grounded on provider.go's session bookkeeping (the
// in-memory maps guarding one-active-thing-per-device), generalized from
// Selenium session slots to explicit Reservation/Session records.
package reservation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/metrics"
	"github.com/devicelab-dev/labctl/internal/models"
)

// Registry is the narrow slice of internal/registry the manager needs:
// status mutation under the registry lock, plus lookup for validation.
type Registry interface {
	Get(id string) (models.Device, error)
	MutateStatus(id string, allowedFrom []models.Status, mutate func(d *models.Device)) (models.Device, error)
}

// Broadcaster mirrors internal/registry.Broadcaster; the manager takes its
// own reference so it can announce reservation/session-driven device
// updates independently of discovery cycles.
type Broadcaster interface {
	BroadcastDeviceUpdated(d models.Device)
}

// Manager owns Reservation and Session records; it never mutates a
// device's status directly, always through the registry's MutateStatus so
// the registry remains the sole authority.
type Manager struct {
	log       *logger.CustomLogger
	registry  Registry
	broadcast Broadcaster

	mu           sync.Mutex
	reservations map[string]*models.Reservation
	sessions     map[string]*models.Session
	// activeReservationByDevice indexes the sole active reservation for a
	// device, if any, enforcing the at-most-one invariant.
	activeReservationByDevice map[string]string
	activeSessionByDevice     map[string]string

	reaperEnabled bool
	reaperStop    chan struct{}
}

func New(log *logger.CustomLogger, registry Registry, broadcast Broadcaster, reaperEnabled bool) *Manager {
	return &Manager{
		log:                       log,
		registry:                  registry,
		broadcast:                 broadcast,
		reservations:              make(map[string]*models.Reservation),
		sessions:                  make(map[string]*models.Session),
		activeReservationByDevice: make(map[string]string),
		activeSessionByDevice:     make(map[string]string),
		reaperEnabled:             reaperEnabled,
	}
}

// classifyTransitionFailure wraps a status-machine rejection as
// InvalidState with a caller-facing message, but passes through any other
// Kind (NotFound, in particular) unchanged so a lookup on an unknown device
// id still surfaces as 404 rather than being flattened into a 400.
func classifyTransitionFailure(err error, message string) error {
	if labctlerr.KindOf(err) != labctlerr.InvalidState {
		return err
	}
	return labctlerr.Wrap(labctlerr.InvalidState, err, message)
}

// Reserve grants an exclusive hold on an online device.
func (m *Manager) Reserve(deviceID, userID string, duration time.Duration, purpose string) (models.Reservation, error) {
	now := time.Now()
	res := &models.Reservation{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		UserID:    userID,
		StartTime: now,
		EndTime:   now.Add(duration),
		Status:    models.ReservationActive,
		Purpose:   purpose,
	}

	device, err := m.registry.MutateStatus(deviceID, []models.Status{models.StatusOnline}, func(d *models.Device) {
		d.Status = models.StatusReserved
		d.ReservedBy = userID
		reservedAt := now
		d.ReservedAt = &reservedAt
	})
	if err != nil {
		return models.Reservation{}, classifyTransitionFailure(err, "device not available")
	}

	m.mu.Lock()
	m.reservations[res.ID] = res
	m.activeReservationByDevice[deviceID] = res.ID
	count := len(m.activeReservationByDevice)
	m.mu.Unlock()
	metrics.ActiveReservations.Set(float64(count))

	m.broadcast.BroadcastDeviceUpdated(device)
	return *res, nil
}

// Release ends the device's active reservation (if any) and unconditionally
// re-admits the device to the pool.
func (m *Manager) Release(deviceID string) error {
	now := time.Now()

	m.mu.Lock()
	if resID, ok := m.activeReservationByDevice[deviceID]; ok {
		if res, ok := m.reservations[resID]; ok {
			res.Status = models.ReservationCompleted
			res.EndTime = now
		}
		delete(m.activeReservationByDevice, deviceID)
	}
	metrics.ActiveReservations.Set(float64(len(m.activeReservationByDevice)))
	m.mu.Unlock()

	device, err := m.registry.MutateStatus(deviceID, nil, func(d *models.Device) {
		d.Status = models.StatusOnline
		d.ReservedBy = ""
		d.ReservedAt = nil
	})
	if err != nil {
		return err
	}

	m.broadcast.BroadcastDeviceUpdated(device)
	return nil
}

// CreateSession starts a device-use session; the reservation, if any,
// remains active.
func (m *Manager) CreateSession(deviceID, userID string) (models.Session, error) {
	sess := &models.Session{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		UserID:    userID,
		StartTime: time.Now(),
		Status:    models.SessionActive,
	}

	device, err := m.registry.MutateStatus(deviceID, []models.Status{models.StatusReserved}, func(d *models.Device) {
		d.Status = models.StatusInUse
	})
	if err != nil {
		return models.Session{}, classifyTransitionFailure(err, "device not available for a session")
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.activeSessionByDevice[deviceID] = sess.ID
	m.mu.Unlock()

	m.broadcast.BroadcastDeviceUpdated(device)
	return *sess, nil
}

// EndSession completes a session; the device returns to `reserved` if a
// reservation still holds, otherwise to `online`.
func (m *Manager) EndSession(sessionID string) error {
	now := time.Now()

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return labctlerr.New(labctlerr.NotFound, "session %s not found", sessionID)
	}
	sess.Status = models.SessionCompleted
	sess.EndTime = &now
	deviceID := sess.DeviceID
	delete(m.activeSessionByDevice, deviceID)
	m.mu.Unlock()

	device, err := m.registry.MutateStatus(deviceID, []models.Status{models.StatusInUse}, func(d *models.Device) {
		if d.ReservedBy != "" {
			d.Status = models.StatusReserved
		} else {
			d.Status = models.StatusOnline
		}
	})
	if err != nil {
		return err
	}

	m.broadcast.BroadcastDeviceUpdated(device)
	return nil
}

// EndSessionForDevice ends the device's active session, if any. A no-op
// returning nil when the device has no active session, so callers that
// cascade a release (e.g. stopping a driver server) don't need to check
// first.
func (m *Manager) EndSessionForDevice(deviceID string) error {
	m.mu.Lock()
	sessID, ok := m.activeSessionByDevice[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.EndSession(sessID)
}

// Reservation returns a copy of a reservation record.
func (m *Manager) Reservation(id string) (models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[id]
	if !ok {
		return models.Reservation{}, labctlerr.New(labctlerr.NotFound, "reservation %s not found", id)
	}
	return *res, nil
}

// Session returns a copy of a session record.
func (m *Manager) Session(id string) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return models.Session{}, labctlerr.New(labctlerr.NotFound, "session %s not found", id)
	}
	return *sess, nil
}

// Sessions returns every session (any status) recorded this run.
func (m *Manager) Sessions() []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// SessionsForUser returns every session (any status) started by a user.
func (m *Manager) SessionsForUser(userID string) []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out
}

// SessionsForDevice returns every session (any status) recorded for a
// device.
func (m *Manager) SessionsForDevice(deviceID string) []models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if s.DeviceID == deviceID {
			out = append(out, *s)
		}
	}
	return out
}

// ReservationsForDevice returns every reservation (any status) recorded
// for a device.
func (m *Manager) ReservationsForDevice(deviceID string) []models.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Reservation
	for _, r := range m.reservations {
		if r.DeviceID == deviceID {
			out = append(out, *r)
		}
	}
	return out
}

// ActiveReservationCount reports how many reservations are currently
// active, used by the system-stats endpoint.
func (m *Manager) ActiveReservationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeReservationByDevice)
}

// StartDeadlineReaper launches the optional periodic reaper that releases
// reservations past their endTime. No-op if disabled.
func (m *Manager) StartDeadlineReaper(interval time.Duration) {
	if !m.reaperEnabled {
		return
	}
	m.reaperStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reapExpired()
			case <-m.reaperStop:
				return
			}
		}
	}()
}

// StopDeadlineReaper stops the reaper goroutine if running.
func (m *Manager) StopDeadlineReaper() {
	if m.reaperStop != nil {
		close(m.reaperStop)
		m.reaperStop = nil
	}
}

func (m *Manager) reapExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for deviceID, resID := range m.activeReservationByDevice {
		res, ok := m.reservations[resID]
		if ok && now.After(res.EndTime) {
			expired = append(expired, deviceID)
		}
	}
	m.mu.Unlock()

	for _, deviceID := range expired {
		if err := m.Release(deviceID); err != nil {
			m.log.LogWarn("reservation", fmt.Sprintf("deadline reaper could not release device %s: %s", deviceID, err))
		} else {
			m.log.LogInfo("reservation", fmt.Sprintf("deadline reaper released device %s", deviceID))
		}
	}
}
