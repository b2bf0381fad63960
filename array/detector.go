package array

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Typed detection failures. The visual pipeline itself is a black box; these
// classify why a sample could not be produced.
var (
	ErrDetectionTimeout    = errors.New("detection timed out")
	ErrInsufficientSamples = errors.New("insufficient raw samples")
	ErrTooJittery          = errors.New("sample jitter above threshold")
)

// captureRequest asks the external detector for one capture+measure cycle.
type captureRequest struct {
	RequestID     string `json:"request_id"`
	SettleDelayMs int64  `json:"settle_delay_ms"`
}

// captureResult is the detector's reply: either a batch of raw normalized
// observations or a typed failure.
type captureResult struct {
	RequestID string       `json:"request_id"`
	Status    string       `json:"status"` // "ok" or "error"
	Samples   []Point      `json:"samples,omitempty"`
	Error     *deviceError `json:"error,omitempty"`
}

// Detector wraps the external visual detection pipeline behind a uniform
// "sample position, with retry and timeout" contract.
type Detector struct {
	bus      *Bus
	prefix   string
	tun      Tunables
	settings RunnerSettings

	mu      sync.Mutex
	pending map[string]chan captureResult
}

// NewDetector creates a Detector publishing under the given topic prefix.
func NewDetector(bus *Bus, prefix string, tun Tunables, settings RunnerSettings) *Detector {
	return &Detector{
		bus:      bus,
		prefix:   prefix,
		tun:      tun,
		settings: settings,
		pending:  make(map[string]chan captureResult),
	}
}

// Start subscribes to the detector result channel. Must be called once
// before sampling.
func (d *Detector) Start() error {
	topic := fmt.Sprintf("%s/detector/result", d.prefix)
	return d.bus.Subscribe(topic, d.handleResult)
}

func (d *Detector) handleResult(_ mqtt.Client, msg mqtt.Message) {
	var result captureResult
	if err := json.Unmarshal(msg.Payload(), &result); err != nil {
		log.Printf("[DETECT] Discarding malformed result: %v", err)
		return
	}
	if result.RequestID == "" {
		log.Printf("[DETECT] Discarding result with no request_id")
		return
	}

	d.mu.Lock()
	ch, ok := d.pending[result.RequestID]
	d.mu.Unlock()
	if !ok {
		log.Printf("[DETECT] No pending capture for result %s", result.RequestID)
		return
	}

	select {
	case ch <- result:
	default:
	}
}

// Sample requests a measured position from the detector. It retries up to
// MaxDetectionRetries times when a capture is rejected (insufficient or
// too-jittery raw readings), waiting RetryDelay between attempts, and fails
// with ErrDetectionTimeout once the overall SampleTimeout budget elapses.
func (d *Detector) Sample(ctx context.Context, settleDelay time.Duration) (Point, error) {
	ctx, cancel := context.WithTimeout(ctx, d.settings.SampleTimeout())
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= d.settings.MaxDetectionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.settings.RetryDelay()):
			case <-ctx.Done():
				return Point{}, fmt.Errorf("%w: %v", ErrDetectionTimeout, lastErr)
			}
			log.Printf("[DETECT] Retry %d/%d after: %v", attempt, d.settings.MaxDetectionRetries, lastErr)
		}

		samples, err := d.requestCapture(ctx, settleDelay)
		if err != nil {
			if ctx.Err() != nil {
				return Point{}, fmt.Errorf("%w: %v", ErrDetectionTimeout, err)
			}
			lastErr = err
			continue
		}

		pos, err := reduceSamples(samples, d.tun)
		if err != nil {
			lastErr = err
			continue
		}
		return pos, nil
	}

	if lastErr == nil {
		lastErr = ErrInsufficientSamples
	}
	return Point{}, lastErr
}

// requestCapture publishes one capture request and waits for its correlated
// result or context expiry.
func (d *Detector) requestCapture(ctx context.Context, settleDelay time.Duration) ([]Point, error) {
	reqID := uuid.NewString()

	ch := make(chan captureResult, 1)
	d.mu.Lock()
	d.pending[reqID] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, reqID)
		d.mu.Unlock()
	}()

	req := captureRequest{RequestID: reqID, SettleDelayMs: settleDelay.Milliseconds()}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling capture request: %w", err)
	}

	topic := fmt.Sprintf("%s/detector/capture", d.prefix)
	if err := d.bus.Publish(topic, payload); err != nil {
		return nil, fmt.Errorf("publishing capture request: %w", err)
	}

	select {
	case result := <-ch:
		if result.Status != "ok" {
			if result.Error != nil {
				return nil, classifyDetectorError(result.Error)
			}
			return nil, fmt.Errorf("detector error for request %s", reqID)
		}
		return result.Samples, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func classifyDetectorError(e *deviceError) error {
	switch e.Code {
	case "insufficient-samples":
		return fmt.Errorf("%w: %s", ErrInsufficientSamples, e.Message)
	case "too-jittery":
		return fmt.Errorf("%w: %s", ErrTooJittery, e.Message)
	case "timeout":
		return fmt.Errorf("%w: %s", ErrDetectionTimeout, e.Message)
	default:
		return fmt.Errorf("detector error %s: %s", e.Code, e.Message)
	}
}

// reduceSamples filters and reduces a batch of raw observations to a single
// position. Outliers beyond OutlierFactor x MAD of the raw median are
// discarded first; the surviving observations must still number at least
// MinSamples and must have a median absolute deviation below the jitter
// threshold on both axes.
func reduceSamples(samples []Point, tun Tunables) (Point, error) {
	if len(samples) < tun.MinSamples {
		return Point{}, fmt.Errorf("%w: got %d, need %d", ErrInsufficientSamples, len(samples), tun.MinSamples)
	}

	medX := medianOf(axisValues(samples, AxisX))
	medY := medianOf(axisValues(samples, AxisY))
	madX := madOf(axisValues(samples, AxisX), medX)
	madY := madOf(axisValues(samples, AxisY), medY)

	kept := samples
	if madX > 0 || madY > 0 {
		kept = kept[:0:0]
		for _, p := range samples {
			if madX > 0 && math.Abs(p.X-medX) > tun.OutlierFactor*madX {
				continue
			}
			if madY > 0 && math.Abs(p.Y-medY) > tun.OutlierFactor*madY {
				continue
			}
			kept = append(kept, p)
		}
	}

	if len(kept) < tun.MinSamples {
		return Point{}, fmt.Errorf("%w: %d of %d observations survived outlier filtering, need %d",
			ErrInsufficientSamples, len(kept), len(samples), tun.MinSamples)
	}

	medX = medianOf(axisValues(kept, AxisX))
	medY = medianOf(axisValues(kept, AxisY))
	madX = madOf(axisValues(kept, AxisX), medX)
	madY = madOf(axisValues(kept, AxisY), medY)

	if madX > tun.JitterMAD || madY > tun.JitterMAD {
		return Point{}, fmt.Errorf("%w: MAD (%.4f, %.4f) exceeds %.4f", ErrTooJittery, madX, madY, tun.JitterMAD)
	}

	return Point{X: medX, Y: medY}, nil
}

func axisValues(samples []Point, axis Axis) []float64 {
	out := make([]float64, len(samples))
	for i, p := range samples {
		if axis == AxisX {
			out[i] = p.X
		} else {
			out[i] = p.Y
		}
	}
	return out
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func madOf(values []float64, median float64) float64 {
	if len(values) == 0 {
		return 0
	}
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - median)
	}
	return medianOf(devs)
}
