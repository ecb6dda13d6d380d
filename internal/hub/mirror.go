package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab-dev/labctl/internal/labctlerr"
	"github.com/devicelab-dev/labctl/internal/metrics"
)

// mirrorPump runs one paced capture loop per device, fanning frames out to
// every subscriber currently bound to it.
type mirrorPump struct {
	deviceID string
	fps      int
	cancel   context.CancelFunc

	mu          sync.Mutex
	subscribers map[string]*subscriber
	inFlight    int32
}

type startMirrorPayload struct {
	DeviceID string `json:"deviceId"`
	FPS      int    `json:"fps,omitempty"`
}

func (h *Hub) handleStartMirror(sub *subscriber, raw json.RawMessage) {
	var p startMirrorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.reply(sub, errorMessage("invalid start-mirror payload"))
		return
	}

	sub.mu.Lock()
	current := sub.mirrorDevice
	sub.mu.Unlock()

	if current == p.DeviceID {
		return // same device: confirm and reuse
	}
	if current != "" {
		h.removeSubscriberFromPump(current, sub.id)
	}

	fps := p.FPS
	if fps <= 0 || fps > h.fpsCeiling {
		fps = h.fpsCeiling
	}

	sub.mu.Lock()
	sub.mirrorDevice = p.DeviceID
	sub.mu.Unlock()

	h.addSubscriberToPump(p.DeviceID, fps, sub)
}

func (h *Hub) handleStopMirror(sub *subscriber, raw json.RawMessage) {
	var p devicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.reply(sub, errorMessage("invalid stop-mirror payload"))
		return
	}
	h.removeSubscriberFromPump(p.DeviceID, sub.id)

	sub.mu.Lock()
	if sub.mirrorDevice == p.DeviceID {
		sub.mirrorDevice = ""
	}
	sub.mu.Unlock()
}

// stopMirror releases every mirror binding for a subscriber, called on
// disconnect.
func (h *Hub) stopMirror(sub *subscriber) {
	sub.mu.Lock()
	deviceID := sub.mirrorDevice
	sub.mirrorDevice = ""
	sub.mu.Unlock()
	if deviceID != "" {
		h.removeSubscriberFromPump(deviceID, sub.id)
	}
}

func (h *Hub) addSubscriberToPump(deviceID string, fps int, sub *subscriber) {
	h.mu.Lock()
	pump, ok := h.pumps[deviceID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		pump = &mirrorPump{deviceID: deviceID, fps: fps, cancel: cancel, subscribers: make(map[string]*subscriber)}
		h.pumps[deviceID] = pump
		go h.runPump(ctx, pump)
	}
	pump.subscribers[sub.id] = sub
	h.mu.Unlock()
}

func (h *Hub) removeSubscriberFromPump(deviceID, subID string) {
	h.mu.Lock()
	pump, ok := h.pumps[deviceID]
	if !ok {
		h.mu.Unlock()
		return
	}
	pump.mu.Lock()
	delete(pump.subscribers, subID)
	empty := len(pump.subscribers) == 0
	pump.mu.Unlock()

	if empty {
		delete(h.pumps, deviceID)
	}
	h.mu.Unlock()

	if empty {
		pump.cancel()
	}
}

// runPump ticks at the pump's FPS, enforcing single in-flight capture
// discipline: a tick that fires while a capture is pending is skipped, not
// queued.
func (h *Hub) runPump(ctx context.Context, pump *mirrorPump) {
	interval := time.Second / time.Duration(pump.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&pump.inFlight, 0, 1) {
				continue
			}
			go h.capture(ctx, pump)
		}
	}
}

func (h *Hub) capture(ctx context.Context, pump *mirrorPump) {
	defer atomic.StoreInt32(&pump.inFlight, 0)

	device, err := h.registry.Get(pump.deviceID)
	if err != nil {
		h.terminatePump(pump, fmt.Sprintf("device %s no longer registered", pump.deviceID))
		return
	}

	a := h.registry.AdapterFor(device.Platform)
	data, err := a.Screenshot(ctx, device.Serial)
	if err != nil {
		if labctlerr.KindOf(err) == labctlerr.ResourceExhaustion {
			h.terminatePump(pump, fmt.Sprintf("mirror pump for %s terminated after resource exhaustion", pump.deviceID))
			return
		}
		h.log.LogDebug("hub", fmt.Sprintf("mirror capture failed for %s: %s", pump.deviceID, err))
		return
	}

	frame := encodeFrame(pump.deviceID, data)

	pump.mu.Lock()
	subs := make([]*subscriber, 0, len(pump.subscribers))
	for _, s := range pump.subscribers {
		subs = append(subs, s)
	}
	pump.mu.Unlock()

	for _, s := range subs {
		h.deliverFrame(s, frame)
		metrics.MirrorFramesSent.Inc()
	}
}

func (h *Hub) terminatePump(pump *mirrorPump, reason string) {
	h.log.LogWarn("hub", reason)
	h.mu.Lock()
	delete(h.pumps, pump.deviceID)
	h.mu.Unlock()
	pump.cancel()
}
