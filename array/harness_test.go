package array

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRig wires a mock MQTT client into a Bus and plays the part of the
// actuator nodes and the visual detector on the far side of the broker.
// Motor positions are tracked per node/motor; the detector reports the
// camera-facing node's mirror position projected through a known
// steps-to-displacement ratio.
type fakeRig struct {
	t        *testing.T
	mock     *mockMQTTClient
	bus      *Bus
	prefix   string
	tun      Tunables
	settings RunnerSettings

	mu            sync.Mutex
	steps         map[string]int // "mac/index" -> current step position
	base          Point          // camera position of the camera node at home
	ratio         Point          // normalized units per step, per axis
	cameraNode    string
	failHomeNodes map[string]bool
	failCaptures  int // reply too-jittery to this many captures first
	silent        bool
	captures      int
}

func newFakeRig(t *testing.T) *fakeRig {
	t.Helper()

	mock := newMockMQTTClient()
	mock.SetConnected(true)

	tun := DefaultTunables()
	tun.AckTimeout = 200 * time.Millisecond
	tun.DoneTimeout = 500 * time.Millisecond

	settings := DefaultRunnerSettings()
	settings.DwellMs = 0
	settings.SampleTimeoutMs = 500
	settings.MaxDetectionRetries = 2
	settings.RetryDelayMs = 5

	rig := &fakeRig{
		t:             t,
		mock:          mock,
		bus:           newBusWithMock(mock, &MQTTConfig{Broker: "tcp://test:1883"}),
		prefix:        "test",
		tun:           tun,
		settings:      settings,
		steps:         make(map[string]int),
		ratio:         Point{X: 0.001, Y: 0.001},
		cameraNode:    "aa:bb:cc",
		failHomeNodes: make(map[string]bool),
	}
	rig.bus.setConnected(true)
	mock.SetPublishHook(rig.onPublish)
	return rig
}

func (r *fakeRig) commander() *Commander {
	cmd := NewCommander(r.bus, r.prefix, r.tun)
	if err := cmd.Start(); err != nil {
		r.t.Fatalf("starting commander: %v", err)
	}
	return cmd
}

func (r *fakeRig) detector() *Detector {
	det := NewDetector(r.bus, r.prefix, r.tun, r.settings)
	if err := det.Start(); err != nil {
		r.t.Fatalf("starting detector: %v", err)
	}
	return det
}

// position reports where the detector sees the camera node's mirror.
func (r *fakeRig) position() Point {
	return Point{
		X: r.base.X + float64(r.steps[r.cameraNode+"/0"])*r.ratio.X,
		Y: r.base.Y + float64(r.steps[r.cameraNode+"/1"])*r.ratio.Y,
	}
}

func (r *fakeRig) onPublish(topic string, payload []byte) {
	switch {
	case strings.HasPrefix(topic, r.prefix+"/node/"):
		r.onCommand(topic, payload)
	case topic == r.prefix+"/detector/capture":
		r.onCapture(payload)
	}
}

func (r *fakeRig) onCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != "command" {
		return
	}
	mac := parts[2]

	var cmd commandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		r.t.Errorf("fake rig: malformed command on %s: %v", topic, err)
		return
	}

	replyTopic := fmt.Sprintf("%s/node/%s/command/reply", r.prefix, mac)
	send := func(reply commandReply) {
		data, _ := json.Marshal(reply)
		r.mock.SimulateMessage(replyTopic, data)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cmd.Action == ActionHome && r.failHomeNodes[mac] {
		send(commandReply{
			CmdID: cmd.CmdID, Action: string(cmd.Action), Status: "error",
			Errors: []deviceError{{Code: "E_HOME_STALL", Message: "endstop never triggered"}},
		})
		return
	}

	send(commandReply{
		CmdID: cmd.CmdID, Action: string(cmd.Action), Status: "ack",
		Result: &replyResult{DurationMs: 5},
	})

	for _, idx := range cmd.Params.TargetIDs {
		key := fmt.Sprintf("%s/%d", mac, idx)
		switch cmd.Action {
		case ActionHome:
			r.steps[key] = 0
		case ActionMove:
			if cmd.Params.PositionSteps != nil {
				r.steps[key] = *cmd.Params.PositionSteps
			}
		}
	}

	send(commandReply{
		CmdID: cmd.CmdID, Action: string(cmd.Action), Status: "done",
		Result: &replyResult{DurationMs: 12},
	})
}

func (r *fakeRig) onCapture(payload []byte) {
	var req captureRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		r.t.Errorf("fake rig: malformed capture request: %v", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.silent {
		return
	}
	r.captures++

	resultTopic := r.prefix + "/detector/result"
	if r.failCaptures > 0 {
		r.failCaptures--
		data, _ := json.Marshal(captureResult{
			RequestID: req.RequestID, Status: "error",
			Error: &deviceError{Code: "too-jittery", Message: "blob centroid unstable"},
		})
		r.mock.SimulateMessage(resultTopic, data)
		return
	}

	p := r.position()
	samples := make([]Point, 6)
	for i := range samples {
		samples[i] = p
	}
	data, _ := json.Marshal(captureResult{RequestID: req.RequestID, Status: "ok", Samples: samples})
	r.mock.SimulateMessage(resultTopic, data)
}
