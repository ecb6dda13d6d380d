package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/labctl/internal/adapter"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/models"
)

type fakeAdapter struct {
	platform models.Platform
	devices  []adapter.DiscoveredDevice
	props    map[string]map[string]string
	battery  map[string]int
	res      map[string]models.Resolution
	enumErr  error
	propsErr error
	logTail  bool
}

func (f *fakeAdapter) Platform() models.Platform { return f.platform }
func (f *fakeAdapter) Enumerate(ctx context.Context) ([]adapter.DiscoveredDevice, error) {
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	return f.devices, nil
}
func (f *fakeAdapter) Properties(ctx context.Context, serial string) (map[string]string, error) {
	if f.propsErr != nil {
		return nil, f.propsErr
	}
	return f.props[serial], nil
}
func (f *fakeAdapter) Battery(ctx context.Context, serial string) (int, error) {
	return f.battery[serial], nil
}
func (f *fakeAdapter) Resolution(ctx context.Context, serial string) (models.Resolution, error) {
	return f.res[serial], nil
}
func (f *fakeAdapter) Screenshot(ctx context.Context, serial string) ([]byte, error) { return nil, nil }
func (f *fakeAdapter) Tap(ctx context.Context, serial string, x, y int) error         { return nil }
func (f *fakeAdapter) Swipe(ctx context.Context, serial string, sx, sy, ex, ey, d int) error {
	return nil
}
func (f *fakeAdapter) Drag(ctx context.Context, serial string, sx, sy, ex, ey int) error { return nil }
func (f *fakeAdapter) KeyEvent(ctx context.Context, serial string, keyCode string) error { return nil }
func (f *fakeAdapter) TextInput(ctx context.Context, serial string, text string) error   { return nil }
func (f *fakeAdapter) InstallApp(ctx context.Context, serial, appPath string) error      { return nil }
func (f *fakeAdapter) UninstallApp(ctx context.Context, serial, pkg string) error        { return nil }
func (f *fakeAdapter) Shell(ctx context.Context, serial, command string) (string, error) { return "", nil }
func (f *fakeAdapter) TailLogs(ctx context.Context, serial string, sink func(string)) (func(), error) {
	return func() {}, nil
}
func (f *fakeAdapter) SupportsLogTail() bool { return f.logTail }

type fakeBroadcaster struct {
	updated []models.Device
	lists   [][]models.Device
}

func (f *fakeBroadcaster) BroadcastDeviceUpdated(d models.Device) { f.updated = append(f.updated, d) }
func (f *fakeBroadcaster) BroadcastDeviceList(devices []models.Device) {
	f.lists = append(f.lists, devices)
}

type fakeSupervisor struct {
	stopped []string
}

func (f *fakeSupervisor) StopForDevice(deviceID string) { f.stopped = append(f.stopped, deviceID) }

func newTestRegistry() (*Registry, *fakeAdapter, *fakeAdapter, *fakeBroadcaster, *fakeSupervisor) {
	android := &fakeAdapter{platform: models.PlatformAndroid, props: map[string]map[string]string{}, battery: map[string]int{}, res: map[string]models.Resolution{}}
	ios := &fakeAdapter{platform: models.PlatformIOS, props: map[string]map[string]string{}, battery: map[string]int{}, res: map[string]models.Resolution{}}
	bc := &fakeBroadcaster{}
	sup := &fakeSupervisor{}
	r := New(logger.New("error"), android, ios, bc, sup)
	return r, android, ios, bc, sup
}

func TestDiscoverAddsNewDevice(t *testing.T) {
	r, android, _, bc, _ := newTestRegistry()
	android.devices = []adapter.DiscoveredDevice{{Serial: "serial-1", DeviceType: models.DeviceKindPhysical}}
	android.props["serial-1"] = map[string]string{"ro.product.model": "Pixel 6", "ro.product.manufacturer": "Google"}
	android.battery["serial-1"] = 87
	android.res["serial-1"] = models.Resolution{Width: 1080, Height: 2340}

	r.Discover(context.Background())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "serial-1", snap[0].Serial)
	assert.Equal(t, models.StatusOnline, snap[0].Status)
	assert.Equal(t, 87, snap[0].Battery)
	assert.NotEmpty(t, bc.lists)
}

func TestDiscoverRetiresMissingDevice(t *testing.T) {
	r, android, _, _, sup := newTestRegistry()
	android.devices = []adapter.DiscoveredDevice{{Serial: "serial-1"}}
	android.props["serial-1"] = map[string]string{"ro.product.model": "Pixel 6"}
	r.Discover(context.Background())

	android.devices = nil
	r.Discover(context.Background())

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, models.StatusOffline, snap[0].Status)
	assert.Contains(t, sup.stopped, snap[0].ID)
}

func TestDiscoverBringsOfflineDeviceBackOnline(t *testing.T) {
	r, android, _, _, _ := newTestRegistry()
	android.devices = []adapter.DiscoveredDevice{{Serial: "serial-1"}}
	android.props["serial-1"] = map[string]string{"ro.product.model": "Pixel 6"}
	r.Discover(context.Background())

	android.devices = nil
	r.Discover(context.Background())
	require.Equal(t, models.StatusOffline, r.Snapshot()[0].Status)

	android.devices = []adapter.DiscoveredDevice{{Serial: "serial-1"}}
	r.Discover(context.Background())
	assert.Equal(t, models.StatusOnline, r.Snapshot()[0].Status)
}

func TestUpsertSkipsDeviceOnPropertyFailure(t *testing.T) {
	r, android, _, _, _ := newTestRegistry()
	android.devices = []adapter.DiscoveredDevice{{Serial: "serial-1"}}
	android.propsErr = assert.AnError

	r.Discover(context.Background())

	assert.Empty(t, r.Snapshot(), "device enrichment failure should skip insertion until the next cycle")
}

func TestMutateStatusRejectsDisallowedTransition(t *testing.T) {
	r, android, _, _, _ := newTestRegistry()
	android.devices = []adapter.DiscoveredDevice{{Serial: "serial-1"}}
	android.props["serial-1"] = map[string]string{"ro.product.model": "Pixel 6"}
	r.Discover(context.Background())
	id := r.Snapshot()[0].ID

	_, err := r.MutateStatus(id, []models.Status{models.StatusOffline}, func(d *models.Device) {
		d.Status = models.StatusReserved
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

func TestMutateStatusAllowsMatchingTransition(t *testing.T) {
	r, android, _, _, _ := newTestRegistry()
	android.devices = []adapter.DiscoveredDevice{{Serial: "serial-1"}}
	android.props["serial-1"] = map[string]string{"ro.product.model": "Pixel 6"}
	r.Discover(context.Background())
	id := r.Snapshot()[0].ID

	updated, err := r.MutateStatus(id, []models.Status{models.StatusOnline}, func(d *models.Device) {
		d.Status = models.StatusReserved
		d.ReservedBy = "user-1"
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusReserved, updated.Status)
	assert.Equal(t, "user-1", updated.ReservedBy)
}

func TestMutateStatusUnconditionalWhenAllowedFromNil(t *testing.T) {
	r, android, _, _, _ := newTestRegistry()
	android.devices = []adapter.DiscoveredDevice{{Serial: "serial-1"}}
	android.props["serial-1"] = map[string]string{"ro.product.model": "Pixel 6"}
	r.Discover(context.Background())
	id := r.Snapshot()[0].ID

	_, err := r.MutateStatus(id, nil, func(d *models.Device) { d.Status = models.StatusOnline })
	require.NoError(t, err)
}

func TestMutateStatusUnknownDevice(t *testing.T) {
	r, _, _, _, _ := newTestRegistry()
	_, err := r.MutateStatus("nope", nil, func(d *models.Device) {})
	require.Error(t, err)
}

func TestDeriveNameAndroidPrefersAVDName(t *testing.T) {
	name := deriveName(models.PlatformAndroid, map[string]string{"ro.boot.qemu.avd_name": "Pixel_6_API_33"})
	assert.Equal(t, "Pixel 6 API 33", name)
}

func TestDeriveNameAndroidFallsBackToManufacturerModel(t *testing.T) {
	name := deriveName(models.PlatformAndroid, map[string]string{
		"ro.product.model":        "google_sdk",
		"ro.product.manufacturer": "Google",
	})
	assert.Equal(t, "Google google_sdk", name)
}

func TestDeriveNameAndroidEmulatorPlaceholder(t *testing.T) {
	name := deriveName(models.PlatformAndroid, map[string]string{"ro.product.model": "sdk_gphone64_arm64"})
	assert.Equal(t, "Android Emulator (arm64)", name)
}

func TestDeriveNameIOSUsesPropsName(t *testing.T) {
	name := deriveName(models.PlatformIOS, map[string]string{"name": "iPhone 13"})
	assert.Equal(t, "iPhone 13", name)
}

func TestSeedMockOfflineDevices(t *testing.T) {
	r, _, _, _, _ := newTestRegistry()
	r.SeedMockOfflineDevices()
	snap := r.Snapshot()
	require.Len(t, snap, 2)
	for _, d := range snap {
		assert.Equal(t, models.StatusOffline, d.Status)
	}
}

func TestAdapterForPlatform(t *testing.T) {
	r, android, ios, _, _ := newTestRegistry()
	assert.Equal(t, adapter.Adapter(android), r.AdapterFor(models.PlatformAndroid))
	assert.Equal(t, adapter.Adapter(ios), r.AdapterFor(models.PlatformIOS))
}
