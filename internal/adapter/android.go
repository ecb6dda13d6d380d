package adapter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/logger"
	"github.com/devicelab-dev/labctl/internal/models"
)

// AndroidAdapter wraps the Android debug bridge (`adb`). Grounded on the
// teacher's devices/android.go and the adb invocations scattered through
// devices/dev_common.go (GetConnectedDevicesAndroid, updateAndroidScreenSizeADB).
type AndroidAdapter struct {
	log *logger.CustomLogger
}

func NewAndroidAdapter(log *logger.CustomLogger) *AndroidAdapter {
	return &AndroidAdapter{log: log}
}

func (a *AndroidAdapter) Platform() models.Platform { return models.PlatformAndroid }

func (a *AndroidAdapter) SupportsLogTail() bool { return true }

// Enumerate lists adb serials, excluding entries marked offline or
// unauthorized.
func (a *AndroidAdapter) Enumerate(ctx context.Context) ([]DiscoveredDevice, error) {
	cmd := exec.CommandContext(ctx, "adb", "devices")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "adb devices: could not open stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		a.log.LogDebug("adapter_android", fmt.Sprintf("adb devices failed to start, returning empty list - %s", err))
		return nil, nil
	}

	var out []DiscoveredDevice
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "List of devices") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		serial, state := fields[0], fields[1]
		if state == "offline" || state == "unauthorized" {
			continue
		}
		if state == "device" {
			out = append(out, DiscoveredDevice{Serial: serial, DeviceType: models.DeviceKindPhysical})
		}
	}
	_ = cmd.Wait()
	return out, nil
}

// Properties parses `adb shell getprop`'s `[key]: [value]` line format.
func (a *AndroidAdapter) Properties(ctx context.Context, serial string) (map[string]string, error) {
	out, err := a.run(ctx, serial, "shell", "getprop")
	if err != nil {
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "getprop failed for device %s", serial)
	}

	props := make(map[string]string)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		// Lines look like: [ro.product.model]: [Pixel 6]
		open := strings.Index(line, "]: [")
		if !strings.HasPrefix(line, "[") || open < 0 || !strings.HasSuffix(line, "]") {
			continue
		}
		key := line[1:open]
		value := line[open+4 : len(line)-1]
		props[key] = value
	}
	return props, nil
}

// Battery parses `level: N` out of `adb shell dumpsys battery`.
func (a *AndroidAdapter) Battery(ctx context.Context, serial string) (int, error) {
	out, err := a.run(ctx, serial, "shell", "dumpsys", "battery")
	if err != nil {
		return 0, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "dumpsys battery failed for device %s", serial)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "level:") {
			value := strings.TrimSpace(strings.TrimPrefix(line, "level:"))
			level, err := strconv.Atoi(value)
			if err != nil {
				return 0, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not parse battery level for device %s", serial)
			}
			return level, nil
		}
	}
	return 0, labctlerr.New(labctlerr.ExternalToolFailure, "battery level not found in dumpsys output for device %s", serial)
}

// Resolution parses `adb shell wm size`, tolerating the two-line
// (physical + override) form some devices report.
func (a *AndroidAdapter) Resolution(ctx context.Context, serial string) (models.Resolution, error) {
	out, err := a.run(ctx, serial, "shell", "wm", "size")
	if err != nil {
		return models.Resolution{}, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "wm size failed for device %s", serial)
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	var target string
	switch len(lines) {
	case 1:
		target = lines[0]
	case 2:
		target = lines[1] // Override Size, when present, wins.
	default:
		target = lines[0]
	}

	parts := strings.Split(target, ": ")
	if len(parts) != 2 {
		return models.Resolution{}, labctlerr.New(labctlerr.ExternalToolFailure, "unexpected wm size output for device %s: %q", serial, target)
	}
	dims := strings.Split(strings.TrimSpace(parts[1]), "x")
	if len(dims) != 2 {
		return models.Resolution{}, labctlerr.New(labctlerr.ExternalToolFailure, "unexpected wm size dimensions for device %s: %q", serial, parts[1])
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(dims[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(dims[1]))
	if err1 != nil || err2 != nil {
		return models.Resolution{}, labctlerr.New(labctlerr.ExternalToolFailure, "could not parse wm size dimensions for device %s", serial)
	}
	return models.Resolution{Width: w, Height: h}, nil
}

// Screenshot captures a PNG via `adb exec-out screencap -p` with a 10s
// wall-clock timeout. A transient resource-unavailable failure is
// classified as ResourceExhaustion so callers polling on a tight loop
// (the mirror pump) can shed load instead of retrying immediately.
func (a *AndroidAdapter) Screenshot(ctx context.Context, serial string) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, screenshotTimeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, "adb", "-s", serial, "exec-out", "screencap", "-p")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if timeoutCtx.Err() == context.DeadlineExceeded {
		return nil, labctlerr.New(labctlerr.Timeout, "screenshot timed out after %s for device %s", screenshotTimeout, serial)
	}
	if err != nil {
		if classifyScreencapFailure(stderr.String()) {
			a.log.LogDebug("adapter_android", fmt.Sprintf("transient resource-unavailable screenshotting %s", serial))
			return nil, labctlerr.Wrap(labctlerr.ResourceExhaustion, err, "screencap resource temporarily unavailable for device %s", serial)
		}
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "screencap failed for device %s", serial)
	}
	if stdout.Len() == 0 {
		return nil, labctlerr.New(labctlerr.ExternalToolFailure, "screencap returned empty content for device %s", serial)
	}
	return stdout.Bytes(), nil
}

// classifyScreencapFailure reports whether screencap's stderr indicates
// transient device-side resource exhaustion (adb's own "resource temporarily
// unavailable", surfaced when the device's media/camera server is under
// load) rather than a genuine tool failure.
func classifyScreencapFailure(stderr string) bool {
	return strings.Contains(stderr, "resource temporarily unavailable")
}

func (a *AndroidAdapter) Tap(ctx context.Context, serial string, x, y int) error {
	_, err := a.run(ctx, serial, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "tap failed for device %s", serial)
	}
	return nil
}

func (a *AndroidAdapter) Swipe(ctx context.Context, serial string, startX, startY, endX, endY, durationMS int) error {
	if durationMS <= 0 {
		durationMS = defaultSwipeDurationMS
	}
	_, err := a.run(ctx, serial, "shell", "input", "swipe",
		strconv.Itoa(startX), strconv.Itoa(startY), strconv.Itoa(endX), strconv.Itoa(endY), strconv.Itoa(durationMS))
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "swipe failed for device %s", serial)
	}
	return nil
}

// Drag is a swipe whose duration is at least doubled.
func (a *AndroidAdapter) Drag(ctx context.Context, serial string, startX, startY, endX, endY int) error {
	return a.Swipe(ctx, serial, startX, startY, endX, endY, defaultDragDurationMS)
}

func (a *AndroidAdapter) KeyEvent(ctx context.Context, serial string, keyCode string) error {
	_, err := a.run(ctx, serial, "shell", "input", "keyevent", keyCode)
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "key event failed for device %s", serial)
	}
	return nil
}

func (a *AndroidAdapter) TextInput(ctx context.Context, serial string, text string) error {
	_, err := a.run(ctx, serial, "shell", "input", "text", strings.ReplaceAll(text, " ", "%s"))
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "text input failed for device %s", serial)
	}
	return nil
}

func (a *AndroidAdapter) InstallApp(ctx context.Context, serial string, appPath string) error {
	_, err := a.run(ctx, serial, "install", "-r", appPath)
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "install failed for device %s", serial)
	}
	return nil
}

func (a *AndroidAdapter) UninstallApp(ctx context.Context, serial string, packageName string) error {
	_, err := a.run(ctx, serial, "uninstall", packageName)
	if err != nil {
		return labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "uninstall failed for device %s", serial)
	}
	return nil
}

func (a *AndroidAdapter) Shell(ctx context.Context, serial string, command string) (string, error) {
	args := append([]string{"-s", serial, "shell"}, strings.Fields(command)...)
	cmd := exec.CommandContext(ctx, "adb", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "shell command failed for device %s", serial)
	}
	return string(out), nil
}

// TailLogs spawns `adb logcat` and invokes sink for every line until stop
// is called.
func (a *AndroidAdapter) TailLogs(ctx context.Context, serial string, sink func(line string)) (func(), error) {
	tailCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(tailCtx, "adb", "-s", serial, "logcat")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not open logcat pipe for device %s", serial)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, labctlerr.Wrap(labctlerr.ExternalToolFailure, err, "could not start logcat for device %s", serial)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			sink(scanner.Text())
		}
	}()

	stop := func() {
		cancel()
		_ = cmd.Wait()
		<-done
	}
	return stop, nil
}

func (a *AndroidAdapter) run(ctx context.Context, serial string, args ...string) ([]byte, error) {
	fullArgs := append([]string{"-s", serial}, args...)
	cmd := exec.CommandContext(ctx, "adb", fullArgs...)
	return cmd.Output()
}
