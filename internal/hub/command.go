package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/models"
)

type commandPayload struct {
	DeviceID string          `json:"deviceId"`
	Type     models.CommandType `json:"type"`
	Payload  json.RawMessage `json:"payload"`
}

// handleCommand synthesizes a Command record, invokes the platform-
// appropriate adapter operation, and replies with an ack.
func (h *Hub) handleCommand(sub *subscriber, raw json.RawMessage) {
	var p commandPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.reply(sub, errorMessage("invalid command payload"))
		return
	}

	cmd := models.Command{
		ID:        uuid.NewString(),
		DeviceID:  p.DeviceID,
		Type:      p.Type,
		Timestamp: time.Now(),
		Status:    models.CommandExecuting,
	}

	device, err := h.registry.Get(p.DeviceID)
	if err != nil {
		h.ackCommand(sub, cmd, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err = h.executeCommand(ctx, device, cmd.Type, p.Payload)
	h.ackCommand(sub, cmd, err)
}

func (h *Hub) ackCommand(sub *subscriber, cmd models.Command, err error) {
	ack := models.CommandAck{CommandID: cmd.ID, Success: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	h.reply(sub, models.OutboundMessage{Kind: models.OutboundAck, Timestamp: time.Now(), Data: ack})
}

// executeCommand dispatches a decoded command to the platform adapter.
// Unsupported (kind, platform) pairs fail without invoking the adapter.
func (h *Hub) executeCommand(ctx context.Context, device models.Device, kind models.CommandType, raw json.RawMessage) error {
	a := h.registry.AdapterFor(device.Platform)

	switch kind {
	case models.CommandTap:
		var p models.TapPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid tap payload")
		}
		return a.Tap(ctx, device.Serial, p.X, p.Y)

	case models.CommandSwipe:
		var p models.SwipePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid swipe payload")
		}
		return a.Swipe(ctx, device.Serial, p.StartX, p.StartY, p.EndX, p.EndY, p.DurationMS)

	case models.CommandDrag:
		var p models.SwipePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid drag payload")
		}
		return a.Drag(ctx, device.Serial, p.StartX, p.StartY, p.EndX, p.EndY)

	case models.CommandKey:
		var p models.KeyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid key payload")
		}
		return a.KeyEvent(ctx, device.Serial, p.KeyCode)

	case models.CommandText:
		var p models.TextPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid text payload")
		}
		return a.TextInput(ctx, device.Serial, p.Text)

	case models.CommandInstall:
		var p models.AppPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid install payload")
		}
		return a.InstallApp(ctx, device.Serial, p.Path)

	case models.CommandUninstall:
		var p models.AppPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid uninstall payload")
		}
		return a.UninstallApp(ctx, device.Serial, p.PackageName)

	case models.CommandShell:
		if device.Platform != models.PlatformAndroid {
			return labctlerr.New(labctlerr.Unsupported, "shell is not supported on platform %s", device.Platform)
		}
		var p models.ShellPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return labctlerr.New(labctlerr.ValidationError, "invalid shell payload")
		}
		_, err := a.Shell(ctx, device.Serial, p.Command)
		return err

	default:
		return labctlerr.New(labctlerr.ValidationError, "unknown command type %q", kind)
	}
}
