// Package registry implements the in-memory device registry: a keyed
// store of device records reconciled against periodic discovery cycles
// and mutated only through the transitions of the status state machine.
// Grounded on devices/dev_common.go's GetConnectedDevicesAndroid/IOS plus
// the upsert-then-diff pattern in provider.go's monitoring goroutine.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/labctl/internal/adapter"
	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/metrics"
	"github.com/devicelab-dev/labctl/internal/models"
)

// Broadcaster is the hub's push surface, injected so the registry never
// imports the hub package directly.
type Broadcaster interface {
	BroadcastDeviceUpdated(d models.Device)
	BroadcastDeviceList(devices []models.Device)
}

// Supervisor is the narrow slice of the driver-server supervisor the
// registry needs when a device disappears.
type Supervisor interface {
	StopForDevice(deviceID string)
}

// mockOfflineSeed defines the demo devices seeded when MockOfflineDevices
// is enabled.
type mockOfflineSeed struct {
	platform models.Platform
	name     string
	model    string
}

var mockSeeds = []mockOfflineSeed{
	{platform: models.PlatformAndroid, name: "Pixel 6 (offline)", model: "Pixel 6"},
	{platform: models.PlatformIOS, name: "iPhone 13 (offline)", model: "iPhone13,2"},
}

// Registry holds every device ever discovered this run, keyed by synthetic
// id, plus a serial index for fast reconciliation.
type Registry struct {
	log        *logger.CustomLogger
	android    adapter.Adapter
	ios        adapter.Adapter
	broadcast  Broadcaster
	supervisor Supervisor

	mu           sync.Mutex
	devices      map[string]*models.Device // id -> device
	serialToID   map[string]string
	logTailStops map[string]func()
}

func New(log *logger.CustomLogger, android, ios adapter.Adapter, broadcast Broadcaster, supervisor Supervisor) *Registry {
	return &Registry{
		log:          log,
		android:      android,
		ios:          ios,
		broadcast:    broadcast,
		supervisor:   supervisor,
		devices:      make(map[string]*models.Device),
		serialToID:   make(map[string]string),
		logTailStops: make(map[string]func()),
	}
}

// SeedMockOfflineDevices inserts a handful of always-offline synthetic
// devices for demo environments. Never called from a
// discovery cycle.
func (r *Registry) SeedMockOfflineDevices() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, seed := range mockSeeds {
		id := uuid.NewString()
		now := time.Now()
		d := &models.Device{
			ID:              id,
			Serial:          "mock-" + id,
			Platform:        seed.platform,
			DeviceType:      models.DeviceKindPhysical,
			Name:            seed.name,
			Model:           seed.model,
			Manufacturer:    "mock",
			PlatformVersion: "0.0",
			Status:          models.StatusOffline,
			ConnectedAt:     now,
			LastSeen:        now,
			RawProperties:   map[string]string{},
		}
		r.devices[id] = d
		r.serialToID[d.Serial] = id
	}
}

// Snapshot returns a defensive copy of every registered device.
func (r *Registry) Snapshot() []models.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	return out
}

// Get returns a defensive copy of a single device.
func (r *Registry) Get(id string) (models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return models.Device{}, labctlerr.New(labctlerr.NotFound, "device %s not found", id)
	}
	return d.Clone(), nil
}

// AdapterFor returns the platform adapter for a device's platform, used by
// the hub's command dispatch so callers
// never branch on platform themselves.
func (r *Registry) AdapterFor(platform models.Platform) adapter.Adapter {
	if platform == models.PlatformIOS {
		return r.ios
	}
	return r.android
}

// MutateStatus is the sole path by which a status field is mutated outside
// a discovery cycle. If allowedFrom is non-nil, the current status must be
// one of those values or the call fails with InvalidState; passing nil
// performs an unconditional mutation (used by Release, which succeeds
// regardless of the device's current status). mutate runs with the
// registry lock held and must not block.
func (r *Registry) MutateStatus(id string, allowedFrom []models.Status, mutate func(d *models.Device)) (models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return models.Device{}, labctlerr.New(labctlerr.NotFound, "device %s not found", id)
	}
	if allowedFrom != nil && !statusIn(d.Status, allowedFrom) {
		return models.Device{}, labctlerr.New(labctlerr.InvalidState, "device %s not available (status=%s)", id, d.Status)
	}
	mutate(d)
	return d.Clone(), nil
}

func statusIn(status models.Status, allowed []models.Status) bool {
	for _, s := range allowed {
		if s == status {
			return true
		}
	}
	return false
}

// Discover runs one full discovery cycle: parallel enumeration, then
// reconciliation against the current registry.
func (r *Registry) Discover(ctx context.Context) {
	var wg sync.WaitGroup
	var androidDevices, iosDevices []adapter.DiscoveredDevice

	wg.Add(2)
	go func() {
		defer wg.Done()
		devices, err := r.android.Enumerate(ctx)
		if err != nil {
			r.log.LogWarn("registry", fmt.Sprintf("android enumerate failed, keeping previous view: %s", err))
			return
		}
		androidDevices = devices
	}()
	go func() {
		defer wg.Done()
		devices, err := r.ios.Enumerate(ctx)
		if err != nil {
			r.log.LogWarn("registry", fmt.Sprintf("ios enumerate failed, keeping previous view: %s", err))
			return
		}
		iosDevices = devices
	}()
	wg.Wait()
	metrics.DiscoveryCyclesTotal.Inc()

	observed := make(map[string]adapter.DiscoveredDevice, len(androidDevices)+len(iosDevices))
	for _, d := range androidDevices {
		observed[d.Serial] = d
	}
	for _, d := range iosDevices {
		observed[d.Serial] = d
	}

	for serial, dd := range observed {
		r.upsert(ctx, serial, dd)
	}
	r.retireMissing(observed)

	snapshot := r.Snapshot()
	online := 0
	for _, d := range snapshot {
		if d.Status == models.StatusOnline || d.Status == models.StatusReserved || d.Status == models.StatusInUse {
			online++
		}
	}
	metrics.DevicesOnline.Set(float64(online))

	r.broadcast.BroadcastDeviceList(snapshot)
}

// upsert handles discovery step 2: refresh an existing record or enrich
// and insert a new one.
func (r *Registry) upsert(ctx context.Context, serial string, dd adapter.DiscoveredDevice) {
	r.mu.Lock()
	if id, ok := r.serialToID[serial]; ok {
		d := r.devices[id]
		d.LastSeen = time.Now()
		if d.Status == models.StatusOffline {
			d.Status = models.StatusOnline
		}
		snapshot := d.Clone()
		r.mu.Unlock()
		r.broadcast.BroadcastDeviceUpdated(snapshot)
		return
	}
	r.mu.Unlock()

	a := r.adapterForSerial(ctx, serial, dd)
	if a == nil {
		r.log.LogWarn("registry", fmt.Sprintf("could not determine adapter for new device %s, skipping this cycle", serial))
		return
	}

	props, err := a.Properties(ctx, serial)
	if err != nil {
		metrics.AdapterErrorsTotal.WithLabelValues(string(a.Platform())).Inc()
		r.log.LogDebug("registry", fmt.Sprintf("property query failed for new device %s, retry next cycle: %s", serial, err))
		return
	}
	battery, err := a.Battery(ctx, serial)
	if err != nil {
		metrics.AdapterErrorsTotal.WithLabelValues(string(a.Platform())).Inc()
		r.log.LogDebug("registry", fmt.Sprintf("battery query failed for new device %s, retry next cycle: %s", serial, err))
		return
	}
	resolution, err := a.Resolution(ctx, serial)
	if err != nil {
		metrics.AdapterErrorsTotal.WithLabelValues(string(a.Platform())).Inc()
		r.log.LogDebug("registry", fmt.Sprintf("resolution query failed for new device %s, retry next cycle: %s", serial, err))
		return
	}

	now := time.Now()
	d := &models.Device{
		ID:              uuid.NewString(),
		Serial:          serial,
		Platform:        a.Platform(),
		DeviceType:      dd.DeviceType,
		Name:            deriveName(a.Platform(), props),
		Model:           props["ro.product.model"],
		Manufacturer:    props["ro.product.manufacturer"],
		PlatformVersion: props["ro.build.version.release"],
		APILevel:        props["ro.build.version.sdk"],
		Resolution:      resolution,
		Orientation:     models.OrientationPortrait,
		Capabilities:    deriveCapabilities(a.Platform(), props),
		RawProperties:   props,
		Status:          models.StatusOnline,
		Battery:         battery,
		ConnectedAt:     now,
		LastSeen:        now,
	}

	r.mu.Lock()
	r.devices[d.ID] = d
	r.serialToID[serial] = d.ID
	r.mu.Unlock()

	if a.SupportsLogTail() {
		r.startLogTail(a, d.ID, serial)
	}

	r.broadcast.BroadcastDeviceUpdated(d.Clone())
}

// adapterForSerial resolves which platform adapter reported a serial by
// re-checking each adapter's own view. Enumerate results are not cached,
// so each call runs a fresh enumeration on the adapters it consults.
func (r *Registry) adapterForSerial(ctx context.Context, serial string, dd adapter.DiscoveredDevice) adapter.Adapter {
	if devices, err := r.android.Enumerate(ctx); err == nil {
		for _, d := range devices {
			if d.Serial == serial {
				return r.android
			}
		}
	}
	if devices, err := r.ios.Enumerate(ctx); err == nil {
		for _, d := range devices {
			if d.Serial == serial {
				return r.ios
			}
		}
	}
	return nil
}

func (r *Registry) startLogTail(a adapter.Adapter, deviceID, serial string) {
	stop, err := a.TailLogs(context.Background(), serial, func(line string) {
		r.log.LogDebug("device_log", fmt.Sprintf("%s: %s", deviceID, line))
	})
	if err != nil {
		r.log.LogDebug("registry", fmt.Sprintf("could not start log tail for %s: %s", deviceID, err))
		return
	}
	r.mu.Lock()
	r.logTailStops[deviceID] = stop
	r.mu.Unlock()
}

func (r *Registry) stopLogTail(deviceID string) {
	r.mu.Lock()
	stop, ok := r.logTailStops[deviceID]
	delete(r.logTailStops, deviceID)
	r.mu.Unlock()
	if ok {
		stop()
	}
}

// retireMissing handles discovery step 3: any registered device not in
// the observed set this cycle goes offline.
func (r *Registry) retireMissing(observed map[string]adapter.DiscoveredDevice) {
	var toRetire []string
	r.mu.Lock()
	for serial, id := range r.serialToID {
		if _, ok := observed[serial]; ok {
			continue
		}
		d := r.devices[id]
		if d.Status == models.StatusOffline {
			continue
		}
		toRetire = append(toRetire, id)
	}
	r.mu.Unlock()

	for _, id := range toRetire {
		r.stopLogTail(id)
		r.supervisor.StopForDevice(id)

		r.mu.Lock()
		d := r.devices[id]
		d.Status = models.StatusOffline
		d.LastSeen = time.Now()
		snapshot := d.Clone()
		r.mu.Unlock()

		r.broadcast.BroadcastDeviceUpdated(snapshot)
	}
}

// deriveName implements the Android naming preference chain. iOS names
// come directly from the simulator/device properties.
func deriveName(platform models.Platform, props map[string]string) string {
	if platform != models.PlatformAndroid {
		if name, ok := props["name"]; ok && name != "" {
			return name
		}
		return "iOS device"
	}

	if avd := props["ro.boot.qemu.avd_name"]; avd != "" {
		return strings.ReplaceAll(avd, "_", " ")
	}

	model := props["ro.product.model"]
	if model != "" && !strings.HasPrefix(model, "sdk_") && !isEmulatorPlaceholder(model) {
		return model
	}

	manufacturer := props["ro.product.manufacturer"]
	if strings.HasPrefix(model, "sdk_") {
		return friendlySDKName(model)
	}
	if manufacturer != "" && model != "" {
		return manufacturer + " " + model
	}
	if model != "" {
		return model
	}
	return "Unknown Android device"
}

func isEmulatorPlaceholder(model string) bool {
	switch strings.ToLower(model) {
	case "sdk", "google_sdk", "sdk_gphone64_arm64", "sdk_gphone_x86":
		return true
	default:
		return false
	}
}

func friendlySDKName(model string) string {
	trimmed := strings.TrimPrefix(model, "sdk_")
	trimmed = strings.TrimPrefix(trimmed, "gphone_")
	trimmed = strings.TrimPrefix(trimmed, "gphone64_")
	if trimmed == "" {
		return "Android Emulator"
	}
	return "Android Emulator (" + trimmed + ")"
}

func deriveCapabilities(platform models.Platform, props map[string]string) models.Capabilities {
	caps := models.Capabilities{Touchscreen: true, WiFi: true, Accelerometer: true, Gyroscope: true}
	if platform == models.PlatformAndroid {
		caps.Camera = props["ro.hardware.camera"] != ""
		caps.Bluetooth = true
		caps.GPS = true
	} else {
		caps.Camera = true
		caps.Bluetooth = true
		caps.GPS = true
		caps.Fingerprint = true
	}
	return caps
}
