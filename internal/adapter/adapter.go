// Package adapter implements the two platform adapters: AndroidAdapter
// (wrapping the Android debug bridge, `adb`) and IOSAdapter (wrapping the
// iOS simulator controller `simctl` and the go-ios device bridge). Both
// share the Adapter interface so the registry, supervisor and mirror pump
// never branch on platform except at construction time.
//
// Grounded on devices/android.go's adb invocations, devices/dev_common.go's
// go-ios wiring and screen size/model derivation, and ios_sim/simctl.go's
// simctl JSON parsing.
package adapter

import (
	"context"
	"time"

	"github.com/devicelab-dev/labctl/internal/models"
)

// DiscoveredDevice is the minimal identity+classification an adapter can
// report during enumeration, before the caller enriches it with properties.
type DiscoveredDevice struct {
	Serial     string
	DeviceType models.DeviceKind
}

// Adapter is the uniform capability surface both platform adapters
// implement. Every method fails with a descriptive error
// including the vendor identifier and never panics.
type Adapter interface {
	Platform() models.Platform

	// Enumerate lists the vendor identifiers of every currently reachable
	// device for this platform. Failures in one internal sub-source never
	// fail the call; an empty list is returned only when every sub-source
	// yields nothing.
	Enumerate(ctx context.Context) ([]DiscoveredDevice, error)

	// Properties returns the raw key/value property dump for a device.
	Properties(ctx context.Context, serial string) (map[string]string, error)

	// Battery returns 0-100 battery level.
	Battery(ctx context.Context, serial string) (int, error)

	// Resolution returns the device's screen resolution in pixels.
	Resolution(ctx context.Context, serial string) (models.Resolution, error)

	// Screenshot returns a PNG-encoded capture of the current screen.
	Screenshot(ctx context.Context, serial string) ([]byte, error)

	Tap(ctx context.Context, serial string, x, y int) error
	Swipe(ctx context.Context, serial string, startX, startY, endX, endY, durationMS int) error
	Drag(ctx context.Context, serial string, startX, startY, endX, endY int) error
	KeyEvent(ctx context.Context, serial string, keyCode string) error
	TextInput(ctx context.Context, serial string, text string) error

	InstallApp(ctx context.Context, serial string, appPath string) error
	UninstallApp(ctx context.Context, serial string, packageName string) error

	// Shell executes a raw shell command. Android only; the iOS adapter
	// always returns an Unsupported error.
	Shell(ctx context.Context, serial string, command string) (string, error)

	// TailLogs streams log lines to sink until the returned stop function
	// is called. Android only; the iOS adapter always returns an
	// Unsupported error and a nil stop function.
	TailLogs(ctx context.Context, serial string, sink func(line string)) (stop func(), err error)

	// SupportsLogTail reports whether TailLogs is meaningful for this
	// adapter, letting the registry skip spawning a tail goroutine.
	SupportsLogTail() bool
}

// defaultDragDurationMS is twice a plain swipe's default duration
// (1000ms vs 500ms).
const (
	defaultSwipeDurationMS = 500
	defaultDragDurationMS  = defaultSwipeDurationMS * 2
	screenshotTimeout      = 10 * time.Second
)
