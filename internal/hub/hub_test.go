package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/labctl/internal/adapter"
	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/models"
)

type fakeRegistry struct {
	devices map[string]models.Device
	a       adapter.Adapter
}

func (f *fakeRegistry) Get(id string) (models.Device, error) {
	d, ok := f.devices[id]
	if !ok {
		return models.Device{}, labctlerr.New(labctlerr.NotFound, "device %s not found", id)
	}
	return d, nil
}
func (f *fakeRegistry) Snapshot() []models.Device {
	out := make([]models.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out
}
func (f *fakeRegistry) Discover(ctx context.Context)                          {}
func (f *fakeRegistry) AdapterFor(platform models.Platform) adapter.Adapter { return f.a }

type fakeReservation struct {
	reserveErr error
	releaseErr error
	sessionErr error
	endErr     error
}

func (f *fakeReservation) Reserve(deviceID, userID string, duration time.Duration, purpose string) (models.Reservation, error) {
	if f.reserveErr != nil {
		return models.Reservation{}, f.reserveErr
	}
	return models.Reservation{DeviceID: deviceID, UserID: userID}, nil
}
func (f *fakeReservation) Release(deviceID string) error { return f.releaseErr }
func (f *fakeReservation) CreateSession(deviceID, userID string) (models.Session, error) {
	if f.sessionErr != nil {
		return models.Session{}, f.sessionErr
	}
	return models.Session{ID: "sess-1", DeviceID: deviceID, UserID: userID}, nil
}
func (f *fakeReservation) EndSession(sessionID string) error { return f.endErr }

type fakeAdapter struct {
	platform models.Platform
	tapErr   error
	tapped   []string
}

func (f *fakeAdapter) Platform() models.Platform                                     { return f.platform }
func (f *fakeAdapter) Enumerate(ctx context.Context) ([]adapter.DiscoveredDevice, error) { return nil, nil }
func (f *fakeAdapter) Properties(ctx context.Context, serial string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeAdapter) Battery(ctx context.Context, serial string) (int, error) { return 0, nil }
func (f *fakeAdapter) Resolution(ctx context.Context, serial string) (models.Resolution, error) {
	return models.Resolution{}, nil
}
func (f *fakeAdapter) Screenshot(ctx context.Context, serial string) ([]byte, error) { return nil, nil }
func (f *fakeAdapter) Tap(ctx context.Context, serial string, x, y int) error {
	if f.tapErr != nil {
		return f.tapErr
	}
	f.tapped = append(f.tapped, serial)
	return nil
}
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
func (f *fakeAdapter) SupportsLogTail() bool { return false }

func newTestSub() *subscriber {
	return &subscriber{id: "sub-1", send: make(chan models.OutboundMessage, 8)}
}

func newTestHub(reg *fakeRegistry, res *fakeReservation) *Hub {
	h := New(logger.New("error"), 5)
	h.Bind(reg, res)
	return h
}

func recvOrTimeout(t *testing.T, sub *subscriber) models.OutboundMessage {
	t.Helper()
	select {
	case msg := <-sub.send:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for reply")
		return models.OutboundMessage{}
	}
}

func TestDispatchUnknownKindRepliesError(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub := newTestSub()

	h.dispatch(sub, models.InboundMessage{Kind: models.InboundKind("nonsense")})

	msg := recvOrTimeout(t, sub)
	assert.Equal(t, models.OutboundError, msg.Kind)
}

func TestHandleReserveSuccess(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub := newTestSub()

	payload, _ := json.Marshal(reservePayload{DeviceID: "dev-1", UserID: "user-1", Duration: 30})
	h.handleReserve(sub, payload)

	select {
	case msg := <-sub.send:
		t.Fatalf("expected no reply on success, got %+v", msg)
	default:
	}
}

func TestHandleReserveFailureRepliesError(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{reserveErr: labctlerr.New(labctlerr.InvalidState, "device not available")})
	sub := newTestSub()

	payload, _ := json.Marshal(reservePayload{DeviceID: "dev-1", UserID: "user-1"})
	h.handleReserve(sub, payload)

	msg := recvOrTimeout(t, sub)
	assert.Equal(t, models.OutboundError, msg.Kind)
}

func TestHandleReserveMalformedPayload(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub := newTestSub()

	h.handleReserve(sub, json.RawMessage(`not json`))

	msg := recvOrTimeout(t, sub)
	assert.Equal(t, models.OutboundError, msg.Kind)
	assert.Equal(t, "invalid reserve payload", msg.Data)
}

func TestHandleStartSessionAndEndSession(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub := newTestSub()

	payload, _ := json.Marshal(startSessionPayload{DeviceID: "dev-1", UserID: "user-1"})
	h.handleStartSession(sub, payload)
	select {
	case msg := <-sub.send:
		t.Fatalf("expected no reply on success, got %+v", msg)
	default:
	}

	endPayload, _ := json.Marshal(endSessionPayload{SessionID: "sess-1"})
	h.handleEndSession(sub, endPayload)
	select {
	case msg := <-sub.send:
		t.Fatalf("expected no reply on success, got %+v", msg)
	default:
	}
}

func TestHandleCommandTapDispatchesToAdapter(t *testing.T) {
	a := &fakeAdapter{platform: models.PlatformAndroid}
	reg := &fakeRegistry{
		devices: map[string]models.Device{"dev-1": {ID: "dev-1", Serial: "serial-1", Platform: models.PlatformAndroid}},
		a:       a,
	}
	h := newTestHub(reg, &fakeReservation{})
	sub := newTestSub()

	tapPayload, _ := json.Marshal(models.TapPayload{X: 10, Y: 20})
	raw, _ := json.Marshal(commandPayload{DeviceID: "dev-1", Type: models.CommandTap, Payload: tapPayload})
	h.handleCommand(sub, raw)

	msg := recvOrTimeout(t, sub)
	require.Equal(t, models.OutboundAck, msg.Kind)
	ack, ok := msg.Data.(models.CommandAck)
	require.True(t, ok)
	assert.True(t, ack.Success)
	assert.Contains(t, a.tapped, "serial-1")
}

func TestHandleCommandUnknownDeviceAcksFailure(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub := newTestSub()

	raw, _ := json.Marshal(commandPayload{DeviceID: "missing", Type: models.CommandTap})
	h.handleCommand(sub, raw)

	msg := recvOrTimeout(t, sub)
	ack := msg.Data.(models.CommandAck)
	assert.False(t, ack.Success)
	assert.Contains(t, ack.Error, "not found")
}

func TestExecuteCommandRejectsShellOnIOS(t *testing.T) {
	a := &fakeAdapter{platform: models.PlatformIOS}
	reg := &fakeRegistry{a: a}
	h := newTestHub(reg, &fakeReservation{})

	device := models.Device{Serial: "udid-1", Platform: models.PlatformIOS}
	shellPayload, _ := json.Marshal(models.ShellPayload{Command: "ls"})
	err := h.executeCommand(context.Background(), device, models.CommandShell, shellPayload)

	require.Error(t, err)
	assert.Equal(t, labctlerr.Unsupported, labctlerr.KindOf(err))
}

func TestExecuteCommandUnknownTypeIsValidationError(t *testing.T) {
	a := &fakeAdapter{platform: models.PlatformAndroid}
	reg := &fakeRegistry{a: a}
	h := newTestHub(reg, &fakeReservation{})

	device := models.Device{Serial: "serial-1", Platform: models.PlatformAndroid}
	err := h.executeCommand(context.Background(), device, models.CommandType("teleport"), nil)

	require.Error(t, err)
	assert.Equal(t, labctlerr.ValidationError, labctlerr.KindOf(err))
}

func TestBroadcastDeviceUpdatedFansOutToSubscribers(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub1, sub2 := newTestSub(), newTestSub()
	sub2.id = "sub-2"
	h.mu.Lock()
	h.subscribers[sub1.id] = sub1
	h.subscribers[sub2.id] = sub2
	h.mu.Unlock()

	h.BroadcastDeviceUpdated(models.Device{ID: "dev-1"})

	msg1 := recvOrTimeout(t, sub1)
	msg2 := recvOrTimeout(t, sub2)
	assert.Equal(t, models.OutboundDeviceUpdated, msg1.Kind)
	assert.Equal(t, models.OutboundDeviceUpdated, msg2.Kind)
}

func TestAddAndRemoveSubscriberFromPumpLifecycle(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub := newTestSub()

	h.addSubscriberToPump("dev-1", 5, sub)
	h.mu.Lock()
	_, exists := h.pumps["dev-1"]
	h.mu.Unlock()
	require.True(t, exists, "pump should be created on first subscriber")

	h.removeSubscriberFromPump("dev-1", sub.id)
	h.mu.Lock()
	_, stillExists := h.pumps["dev-1"]
	h.mu.Unlock()
	assert.False(t, stillExists, "pump should be torn down once its last subscriber leaves")
}

func TestStartMirrorReusesPumpForSameDevice(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub := newTestSub()

	payload, _ := json.Marshal(startMirrorPayload{DeviceID: "dev-1"})
	h.handleStartMirror(sub, payload)
	h.handleStartMirror(sub, payload)

	h.mu.Lock()
	pump := h.pumps["dev-1"]
	h.mu.Unlock()
	require.NotNil(t, pump)
	assert.Len(t, pump.subscribers, 1)

	h.removeSubscriberFromPump("dev-1", sub.id)
}

func TestStopMirrorOnDisconnectClearsBinding(t *testing.T) {
	h := newTestHub(&fakeRegistry{devices: map[string]models.Device{}}, &fakeReservation{})
	sub := newTestSub()
	sub.mirrorDevice = "dev-1"
	h.addSubscriberToPump("dev-1", 5, sub)

	h.stopMirror(sub)

	h.mu.Lock()
	_, exists := h.pumps["dev-1"]
	h.mu.Unlock()
	assert.False(t, exists)
	assert.Empty(t, sub.mirrorDevice)
}
