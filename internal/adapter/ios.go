package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/danielpaulus/go-ios/ios"
	"github.com/danielpaulus/go-ios/ios/imagemounter"
	"github.com/danielpaulus/go-ios/ios/installationproxy"
	"github.com/danielpaulus/go-ios/ios/screenshotr"
	"github.com/danielpaulus/go-ios/ios/zipconduit"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/models"
)

// IOSAdapter wraps the iOS simulator controller (`xcrun simctl`) and, for
// physical hardware, the go-ios device bridge library plus a few external
// command-line tools treated as black boxes (ideviceinfo, pymobiledevice3,
// cfgutil). Grounded on ios_sim/simctl.go's
// simctl JSON parsing and devices/dev_common.go/devices/go-ios.go's
// go-ios wiring.
type IOSAdapter struct {
	log   *logger.CustomLogger
	scale *scaleCache
	// automationDriverPath is the preferred point-coordinate driver tool
	// for tap/swipe/drag/key/text on simulators (e.g. a bundled
	// `idb`/xcuitest driver CLI); when empty, tap/swipe/drag on simulators
	// fall back to window-relative mouse events via `simctl io ...
	// sendevent`-style commands, while key events and text input return an
	// Unsupported error.
	automationDriverPath string
}

func NewIOSAdapter(log *logger.CustomLogger, automationDriverPath string) *IOSAdapter {
	return &IOSAdapter{log: log, scale: newScaleCache(), automationDriverPath: automationDriverPath}
}

func (a *IOSAdapter) Platform() models.Platform { return models.PlatformIOS }

func (a *IOSAdapter) SupportsLogTail() bool { return false }

type simctlDevice struct {
	UDID        string `json:"udid"`
	State       string `json:"state"`
	Name        string `json:"name"`
	IsAvailable bool   `json:"isAvailable"`
}

type simctlList struct {
	Devices map[string][]simctlDevice `json:"devices"`
}

func (a *IOSAdapter) bootedSimulators(ctx context.Context) ([]simctlDevice, error) {
	cmd := exec.CommandContext(ctx, "xcrun", "simctl", "list", "devices", "-j")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	var list simctlList
	if err := json.Unmarshal(out, &list); err != nil {
		return nil, err
	}
	var booted []simctlDevice
	for _, devices := range list.Devices {
		for _, d := range devices {
			if d.State == "Booted" {
				booted = append(booted, d)
			}
		}
	}
	return booted, nil
}

// Enumerate keeps `state=Booted` simulators and appends the go-ios physical
// device serial list. Failures in one sub-source never fail the call.
func (a *IOSAdapter) Enumerate(ctx context.Context) ([]DiscoveredDevice, error) {
	var out []DiscoveredDevice

	if booted, err := a.bootedSimulators(ctx); err != nil {
		a.log.LogDebug("adapter_ios", fmt.Sprintf("simctl list failed, skipping simulators - %s", err))
	} else {
		for _, d := range booted {
			out = append(out, DiscoveredDevice{Serial: d.UDID, DeviceType: models.DeviceKindSimulator})
		}
	}

	if list, err := ios.ListDevices(); err != nil {
		a.log.LogDebug("adapter_ios", fmt.Sprintf("go-ios ListDevices failed, skipping physical devices - %s", err))
	} else {
		for _, d := range list.DeviceList {
			out = append(out, DiscoveredDevice{Serial: d.Properties.SerialNumber, DeviceType: models.DeviceKindPhysical})
		}
	}

	return out, nil
}

func (a *IOSAdapter) isSimulator(ctx context.Context, serial string) bool {
	booted, err := a.bootedSimulators(ctx)
	if err != nil {
		return false
	}
	for _, d := range booted {
		if d.UDID == serial {
			return true
		}
	}
	return false
}

// Properties returns the simctl JSON listing for simulators, or the
// go-ios info plist for physical devices.
func (a *IOSAdapter) Properties(ctx context.Context, serial string) (map[string]string, error) {
	if a.isSimulator(ctx, serial) {
		booted, err := a.bootedSimulators(ctx)
		if err != nil {
			return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "simctl list failed for simulator %s", serial)
		}
		for _, d := range booted {
			if d.UDID == serial {
				return map[string]string{
					"name":        d.Name,
					"isAvailable": strconv.FormatBool(d.IsAvailable),
				}, nil
			}
		}
		return nil, labctlerr.New(labctlerr.NotFound, "simulator %s not found", serial)
	}

	entry, err := ios.GetDevice(serial)
	if err != nil {
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "go-ios could not find device %s", serial)
	}
	plist, err := ios.GetValuesPlist(entry)
	if err != nil {
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "go-ios GetValuesPlist failed for device %s", serial)
	}
	props := make(map[string]string, len(plist))
	for k, v := range plist {
		props[k] = fmt.Sprintf("%v", v)
	}
	return props, nil
}

// Battery reports 100 for simulators and parses `ideviceinfo -k
// BatteryCurrentCapacity` for physical devices.
func (a *IOSAdapter) Battery(ctx context.Context, serial string) (int, error) {
	if a.isSimulator(ctx, serial) {
		return 100, nil
	}

	cmd := exec.CommandContext(ctx, "ideviceinfo", "-u", serial, "-k", "BatteryCurrentCapacity")
	out, err := cmd.Output()
	if err != nil {
		return 0, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "ideviceinfo battery query failed for device %s", serial)
	}
	level, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not parse battery level for device %s", serial)
	}
	return level, nil
}

func (a *IOSAdapter) Resolution(ctx context.Context, serial string) (models.Resolution, error) {
	png, err := a.Screenshot(ctx, serial)
	if err != nil {
		return models.Resolution{}, err
	}
	cfg, err := decodePNGConfig(png)
	if err != nil {
		return models.Resolution{}, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not decode screenshot dimensions for device %s", serial)
	}
	a.scale.Set(serial, scaleFromWidth(cfg.Width))
	return models.Resolution{Width: cfg.Width, Height: cfg.Height}, nil
}

func decodePNGConfig(data []byte) (image.Config, error) {
	return png.DecodeConfig(bytes.NewReader(data))
}

// Screenshot dispatches to the simulator screenshot-to-file command for
// simulators, or the physical-device fallback chain for hardware: go-ios's
// screenshotr service, then an alternative Python-based tool, then
// mounting the developer disk image and retrying screenshotr, then an
// external configurator utility, and finally a generated placeholder
// image. Every step rejects empty content, and every file-based step
// unlinks its temp file on both success and failure paths.
func (a *IOSAdapter) Screenshot(ctx context.Context, serial string) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	if a.isSimulator(timeoutCtx, serial) {
		return a.screenshotSimulator(timeoutCtx, serial)
	}
	return a.screenshotPhysical(timeoutCtx, serial)
}

func (a *IOSAdapter) screenshotSimulator(ctx context.Context, serial string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "labctl-sim-*.png")
	if err != nil {
		return nil, labctlerr.Wrap(labctlerr.ResourceExhaustion, err, "could not create temp file for simulator screenshot")
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	cmd := exec.CommandContext(ctx, "xcrun", "simctl", "io", serial, "screenshot", path)
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, labctlerr.New(labctlerr.Timeout, "simulator screenshot timed out for %s", serial)
		}
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "simctl io screenshot failed for %s", serial)
	}
	return readNonEmpty(path, serial)
}

func (a *IOSAdapter) screenshotPhysical(ctx context.Context, serial string) ([]byte, error) {
	if data, err := a.screenshotViaGoIOS(serial); err == nil {
		return data, nil
	} else {
		a.log.LogWarn("adapter_ios", fmt.Sprintf("primary screenshotr failed for %s, trying fallback chain - %s", serial, err))
	}

	if data, err := a.screenshotViaPythonTool(ctx, serial); err == nil {
		return data, nil
	}

	if data, err := a.screenshotAfterMountingDDI(serial); err == nil {
		return data, nil
	}

	if data, err := a.screenshotViaConfigurator(ctx, serial); err == nil {
		return data, nil
	}

	name, model := serial, "unknown model"
	if props, err := a.Properties(ctx, serial); err == nil {
		if n, ok := props["DeviceName"]; ok {
			name = n
		}
		if m, ok := props["ProductType"]; ok {
			model = m
		}
	}
	return placeholderImage(name, model), nil
}

// screenshotViaGoIOS uses go-ios's screenshotr service, the primary tool
// for physical iOS devices.
func (a *IOSAdapter) screenshotViaGoIOS(serial string) ([]byte, error) {
	entry, err := ios.GetDevice(serial)
	if err != nil {
		return nil, err
	}
	conn, err := screenshotr.New(entry)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	data, err := conn.TakeScreenshot()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("screenshotr returned empty content")
	}
	return data, nil
}

// screenshotViaPythonTool shells out to the alternative Python-based
// device tool, pymobiledevice3.
func (a *IOSAdapter) screenshotViaPythonTool(ctx context.Context, serial string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "labctl-py-*.png")
	if err != nil {
		return nil, err
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	cmd := exec.CommandContext(ctx, "pymobiledevice3", "developer", "dvt", "screenshot", path, "--udid", serial)
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return readNonEmpty(path, serial)
}

// screenshotAfterMountingDDI mounts the developer disk image via go-ios and
// retries the primary tool once.
func (a *IOSAdapter) screenshotAfterMountingDDI(serial string) ([]byte, error) {
	entry, err := ios.GetDevice(serial)
	if err != nil {
		return nil, err
	}
	if err := imagemounter.MountImage(entry, ""); err != nil {
		return nil, err
	}
	return a.screenshotViaGoIOS(serial)
}

// screenshotViaConfigurator shells out to Apple Configurator's CLI helper
// as the last real fallback.
func (a *IOSAdapter) screenshotViaConfigurator(ctx context.Context, serial string) ([]byte, error) {
	tmp, err := os.CreateTemp("", "labctl-cfg-*.png")
	if err != nil {
		return nil, err
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	cmd := exec.CommandContext(ctx, "cfgutil", "--ecid", serial, "get-property", "screenshot", path)
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return readNonEmpty(path, serial)
}

func readNonEmpty(path, serial string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not read screenshot file for device %s", serial)
	}
	if len(data) == 0 {
		return nil, labctlerr.New(labctlerr.ExternalToolFailure, "screenshot file was empty for device %s", serial)
	}
	return data, nil
}

// placeholderImage renders a generated placeholder annotated with the
// device name and model, returned as a success (not an error) when every
// real capture method fails. No glyph rendering here; the device name/model
// are carried in a tEXt chunk spliced into the encoded PNG instead of drawn
// pixels, keeping this dependency-free.
func placeholderImage(name, model string) []byte {
	const w, h = 320, 568
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{40, 40, 40, 255}}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return insertPNGTextChunk(buf.Bytes(), "Device", name+" ("+model+")")
}

// insertPNGTextChunk splices a tEXt ancillary chunk into an already-encoded
// PNG, just before the IEND chunk. Returns data unmodified if it does not
// look like a well-formed PNG.
func insertPNGTextChunk(data []byte, keyword, text string) []byte {
	iendType := bytes.Index(data, []byte("IEND"))
	if iendType < 4 {
		return data
	}
	insertAt := iendType - 4 // start of IEND's 4-byte length field

	chunkData := append([]byte(keyword), 0)
	chunkData = append(chunkData, []byte(text)...)
	chunk := pngChunk("tEXt", chunkData)

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:insertAt]...)
	out = append(out, chunk...)
	out = append(out, data[insertAt:]...)
	return out
}

func pngChunk(chunkType string, data []byte) []byte {
	typeAndData := append([]byte(chunkType), data...)
	crc := crc32.ChecksumIEEE(typeAndData)

	out := make([]byte, 0, 4+len(typeAndData)+4)
	out = binary.BigEndian.AppendUint32(out, uint32(len(data)))
	out = append(out, typeAndData...)
	out = binary.BigEndian.AppendUint32(out, crc)
	return out
}

func (a *IOSAdapter) Tap(ctx context.Context, serial string, x, y int) error {
	px, py := a.toPoints(ctx, serial, x, y)
	if a.automationDriverPath != "" {
		return a.runDriver(ctx, serial, "tap", strconv.Itoa(px), strconv.Itoa(py))
	}
	return a.legacyMouseEvent(ctx, serial, "tap", px, py, px, py, 0)
}

func (a *IOSAdapter) Swipe(ctx context.Context, serial string, startX, startY, endX, endY, durationMS int) error {
	if durationMS <= 0 {
		durationMS = defaultSwipeDurationMS
	}
	sx, sy := a.toPoints(ctx, serial, startX, startY)
	ex, ey := a.toPoints(ctx, serial, endX, endY)
	if a.automationDriverPath != "" {
		return a.runDriver(ctx, serial, "swipe", fmt.Sprint(sx), fmt.Sprint(sy), fmt.Sprint(ex), fmt.Sprint(ey), fmt.Sprint(durationMS))
	}
	if !a.isSimulator(ctx, serial) {
		return labctlerr.New(labctlerr.Unsupported, "swipe is not implemented for physical iOS device %s", serial)
	}
	return a.legacyMouseEvent(ctx, serial, "swipe", sx, sy, ex, ey, durationMS)
}

// Drag is a swipe whose duration is at least doubled.
func (a *IOSAdapter) Drag(ctx context.Context, serial string, startX, startY, endX, endY int) error {
	return a.Swipe(ctx, serial, startX, startY, endX, endY, defaultDragDurationMS)
}

func (a *IOSAdapter) KeyEvent(ctx context.Context, serial string, keyCode string) error {
	if a.automationDriverPath != "" {
		return a.runDriver(ctx, serial, "key", keyCode)
	}
	if !a.isSimulator(ctx, serial) {
		return labctlerr.New(labctlerr.Unsupported, "key events are not implemented for physical iOS device %s", serial)
	}
	return labctlerr.New(labctlerr.Unsupported, "key events require an automation driver tool for simulator %s", serial)
}

func (a *IOSAdapter) TextInput(ctx context.Context, serial string, text string) error {
	if a.automationDriverPath != "" {
		return a.runDriver(ctx, serial, "text", text)
	}
	if !a.isSimulator(ctx, serial) {
		return labctlerr.New(labctlerr.Unsupported, "text input is not implemented for physical iOS device %s", serial)
	}
	return labctlerr.New(labctlerr.Unsupported, "text input requires an automation driver tool for simulator %s", serial)
}

// toPoints performs the pixel-to-point coordinate-space conversion:
// screenshots are pixels, but the driver tool accepts points. Divides by
// the cached scale factor, refreshing it via a fresh screenshot if the
// cache has expired or was never populated.
func (a *IOSAdapter) toPoints(ctx context.Context, serial string, x, y int) (int, int) {
	scale, ok := a.scale.Get(serial)
	if !ok {
		if _, err := a.Resolution(ctx, serial); err != nil {
			scale = scaleDefault
		} else {
			scale, ok = a.scale.Get(serial)
			if !ok {
				scale = scaleDefault
			}
		}
	}
	if scale <= 0 {
		scale = scaleDefault
	}
	return x / scale, y / scale
}

func (a *IOSAdapter) runDriver(ctx context.Context, serial string, args ...string) error {
	fullArgs := append([]string{"--udid", serial}, args...)
	cmd := exec.CommandContext(ctx, a.automationDriverPath, fullArgs...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "automation driver command failed for device %s: %s", serial, string(out))
	}
	return nil
}

// legacyMouseEvent synthesizes window-relative mouse events for simulators
// when no point-coordinate driver tool is configured.
func (a *IOSAdapter) legacyMouseEvent(ctx context.Context, serial, kind string, x1, y1, x2, y2, durationMS int) error {
	args := []string{"simctl", "io", serial, "sendevent", kind,
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2), strconv.Itoa(durationMS)}
	cmd := exec.CommandContext(ctx, "xcrun", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "legacy mouse event failed for device %s: %s", serial, string(out))
	}
	return nil
}

func (a *IOSAdapter) InstallApp(ctx context.Context, serial string, appPath string) error {
	if a.isSimulator(ctx, serial) {
		cmd := exec.CommandContext(ctx, "xcrun", "simctl", "install", serial, appPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "simctl install failed for %s: %s", serial, string(out))
		}
		return nil
	}

	entry, err := ios.GetDevice(serial)
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "go-ios could not find device %s", serial)
	}
	conn, err := zipconduit.New(entry)
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not open zip conduit for device %s", serial)
	}
	if err := conn.SendFile(appPath); err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "install failed for device %s", serial)
	}
	return nil
}

func (a *IOSAdapter) UninstallApp(ctx context.Context, serial string, packageName string) error {
	if a.isSimulator(ctx, serial) {
		cmd := exec.CommandContext(ctx, "xcrun", "simctl", "uninstall", serial, packageName)
		if out, err := cmd.CombinedOutput(); err != nil {
			return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "simctl uninstall failed for %s: %s", serial, string(out))
		}
		return nil
	}

	entry, err := ios.GetDevice(serial)
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "go-ios could not find device %s", serial)
	}
	conn, err := installationproxy.New(entry)
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not open installation proxy for device %s", serial)
	}
	defer conn.Close()
	if err := conn.Uninstall(packageName); err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "uninstall failed for device %s", serial)
	}
	return nil
}

// Shell is Android-only.
func (a *IOSAdapter) Shell(ctx context.Context, serial string, command string) (string, error) {
	return "", labctlerr.New(labctlerr.Unsupported, "shell commands are not supported for iOS device %s", serial)
}

// TailLogs is Android-only.
func (a *IOSAdapter) TailLogs(ctx context.Context, serial string, sink func(line string)) (func(), error) {
	return nil, labctlerr.New(labctlerr.Unsupported, "log tail is not supported for iOS device %s", serial)
}
