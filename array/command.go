package array

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// CommandAction is the device operation requested of an actuator.
type CommandAction string

const (
	ActionMove CommandAction = "MOVE"
	ActionHome CommandAction = "HOME"
)

// ErrInsufficientHeadroom is returned by ComputeNudgeTargets when neither
// probe direction fits within the motor's step range.
var ErrInsufficientHeadroom = errors.New("insufficient headroom for nudge in either direction")

// ErrCommandTimeout is returned when a command's reply window elapses.
var ErrCommandTimeout = errors.New("command timed out")

// ProtocolError is a device-reported fault, attributable to a command id.
type ProtocolError struct {
	CmdID   string
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("device error for cmd %s: %s: %s", e.CmdID, e.Code, e.Message)
}

// CommandOutcome is the resolved result of an issued command.
type CommandOutcome struct {
	CmdID             string        `json:"cmdId"`
	Action            CommandAction `json:"action"`
	EstimatedDuration time.Duration `json:"estimatedDuration"` // from ack
	ActualDuration    time.Duration `json:"actualDuration"`    // from done
	// Clamped is true when the requested target was pulled back into the
	// motor's step range before transmission.
	Clamped bool `json:"clamped"`
}

// NudgeTargets describes a safe bidirectional probe move.
type NudgeTargets struct {
	OutboundTarget int `json:"outboundTarget"`
	Direction      int `json:"direction"` // +1 or -1
	ReturnTarget   int `json:"returnTarget"`
}

// ClampSteps pulls an absolute step target into [min, max]. The second return
// reports whether clamping occurred.
func ClampSteps(target, min, max int) (int, bool) {
	if target < min {
		return min, true
	}
	if target > max {
		return max, true
	}
	return target, false
}

// ComputeNudgeTargets chooses a probe direction with headroom for a move of
// delta steps from the current position. +1 is preferred when it fits and
// either -1 does not fit or the current position is at or below zero;
// otherwise -1 is used when it fits. Both returned targets are clamped to
// range; ReturnTarget restores the pre-probe position.
func ComputeNudgeTargets(currentPosition, delta, min, max int) (NudgeTargets, error) {
	if delta < 0 {
		delta = -delta
	}
	plusFits := currentPosition+delta <= max
	minusFits := currentPosition-delta >= min

	var direction int
	switch {
	case plusFits && (!minusFits || currentPosition <= 0):
		direction = 1
	case minusFits:
		direction = -1
	default:
		return NudgeTargets{}, fmt.Errorf("%w: position %d, delta %d, range [%d,%d]",
			ErrInsufficientHeadroom, currentPosition, delta, min, max)
	}

	outbound, _ := ClampSteps(currentPosition+direction*delta, min, max)
	ret, _ := ClampSteps(currentPosition, min, max)
	return NudgeTargets{OutboundTarget: outbound, Direction: direction, ReturnTarget: ret}, nil
}

// commandMessage is the wire format published on the command channel.
type commandMessage struct {
	CmdID  string        `json:"cmd_id"`
	Action CommandAction `json:"action"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	TargetIDs     []int `json:"target_ids"`
	PositionSteps *int  `json:"position_steps,omitempty"`
}

// commandReply is the wire format received on the reply channel.
type commandReply struct {
	CmdID  string        `json:"cmd_id"`
	Action string        `json:"action"`
	Status string        `json:"status"` // "ack", "done", "error"
	Result *replyResult  `json:"result,omitempty"`
	Errors []deviceError `json:"errors,omitempty"`
}

type replyResult struct {
	DurationMs int64 `json:"duration_ms"`
}

type deviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CommandLogEntry is one append-only diagnostic record of an issued command.
type CommandLogEntry struct {
	Time        time.Time     `json:"time"`
	CmdID       string        `json:"cmdId"`
	Motor       MotorRef      `json:"motor"`
	Action      CommandAction `json:"action"`
	TargetSteps *int          `json:"targetSteps,omitempty"`
	Clamped     bool          `json:"clamped"`
	Status      string        `json:"status"` // final status: done, error, timeout
	Error       string        `json:"error,omitempty"`
}

// CommandLog retains every issued command and its outcome. Append-only; never
// replayed.
type CommandLog struct {
	mu      sync.Mutex
	entries []CommandLogEntry
}

func (l *CommandLog) append(e CommandLogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the log.
func (l *CommandLog) Entries() []CommandLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CommandLogEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Commander issues MOVE/HOME commands over the bus and correlates the
// asynchronous ack/done/error replies by command id. Replies are routed
// through an in-flight table keyed by correlation id; each entry has a single
// timeout window (ack, then done).
type Commander struct {
	bus    *Bus
	prefix string
	tun    Tunables
	cmdLog *CommandLog

	mu       sync.Mutex
	inflight map[string]chan commandReply
}

// NewCommander creates a Commander publishing under the given topic prefix.
func NewCommander(bus *Bus, prefix string, tun Tunables) *Commander {
	return &Commander{
		bus:      bus,
		prefix:   prefix,
		tun:      tun,
		cmdLog:   &CommandLog{},
		inflight: make(map[string]chan commandReply),
	}
}

// Log returns the append-only command log.
func (c *Commander) Log() *CommandLog {
	return c.cmdLog
}

// Start subscribes to the command reply channel. Must be called once before
// issuing commands.
func (c *Commander) Start() error {
	topic := fmt.Sprintf("%s/node/+/command/reply", c.prefix)
	return c.bus.Subscribe(topic, c.handleReply)
}

func (c *Commander) handleReply(_ mqtt.Client, msg mqtt.Message) {
	var reply commandReply
	if err := json.Unmarshal(msg.Payload(), &reply); err != nil {
		log.Printf("[CMD] Discarding malformed reply on %s: %v", msg.Topic(), err)
		return
	}
	if reply.CmdID == "" {
		log.Printf("[CMD] Discarding reply with no cmd_id on %s", msg.Topic())
		return
	}

	c.mu.Lock()
	ch, ok := c.inflight[reply.CmdID]
	c.mu.Unlock()
	if !ok {
		log.Printf("[CMD] No in-flight command for reply %s (status %s)", reply.CmdID, reply.Status)
		return
	}

	select {
	case ch <- reply:
	default:
		log.Printf("[CMD] Reply channel full for %s, dropping %s", reply.CmdID, reply.Status)
	}
}

// Move issues an absolute MOVE to targetSteps, clamped to the motor range.
func (c *Commander) Move(ctx context.Context, motor MotorRef, targetSteps int) (CommandOutcome, error) {
	clamped, wasClamped := ClampSteps(targetSteps, c.tun.MinSteps, c.tun.MaxSteps)
	outcome, err := c.issue(ctx, motor, ActionMove, &clamped)
	outcome.Clamped = wasClamped
	return outcome, err
}

// Home issues a HOME command, re-establishing the axis reference position.
func (c *Commander) Home(ctx context.Context, motor MotorRef) (CommandOutcome, error) {
	return c.issue(ctx, motor, ActionHome, nil)
}

// issue publishes a command and blocks until done, error, timeout, or ctx
// cancellation. The reply window is AckTimeout until the ack arrives, then
// DoneTimeout for the completion.
func (c *Commander) issue(ctx context.Context, motor MotorRef, action CommandAction, positionSteps *int) (CommandOutcome, error) {
	cmdID := uuid.NewString()
	outcome := CommandOutcome{CmdID: cmdID, Action: action}

	entry := CommandLogEntry{
		Time:        time.Now(),
		CmdID:       cmdID,
		Motor:       motor,
		Action:      action,
		TargetSteps: positionSteps,
	}

	msg := commandMessage{
		CmdID:  cmdID,
		Action: action,
		Params: commandParams{TargetIDs: []int{motor.MotorIndex}, PositionSteps: positionSteps},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return outcome, fmt.Errorf("marshaling command: %w", err)
	}

	ch := make(chan commandReply, 4)
	c.mu.Lock()
	c.inflight[cmdID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, cmdID)
		c.mu.Unlock()
	}()

	topic := fmt.Sprintf("%s/node/%s/command", c.prefix, motor.NodeMac)
	if err := c.bus.Publish(topic, payload); err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
		c.cmdLog.append(entry)
		return outcome, fmt.Errorf("publishing %s to %s: %w", action, topic, err)
	}
	log.Printf("[CMD] %s %s motor %d of %s (cmd %s)", action, describeTarget(positionSteps), motor.MotorIndex, motor.NodeMac, cmdID)

	timer := time.NewTimer(c.tun.AckTimeout)
	defer timer.Stop()

	acked := false
	for {
		select {
		case reply := <-ch:
			switch reply.Status {
			case "ack":
				if reply.Result != nil {
					outcome.EstimatedDuration = time.Duration(reply.Result.DurationMs) * time.Millisecond
				}
				acked = true
				// One timer per in-flight command: restart it for the
				// completion window.
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(c.tun.DoneTimeout)

			case "done":
				if reply.Result != nil {
					outcome.ActualDuration = time.Duration(reply.Result.DurationMs) * time.Millisecond
				}
				entry.Status = "done"
				c.cmdLog.append(entry)
				return outcome, nil

			case "error":
				perr := &ProtocolError{CmdID: cmdID, Code: "device_fault", Message: "unspecified device error"}
				if len(reply.Errors) > 0 {
					perr.Code = reply.Errors[0].Code
					perr.Message = reply.Errors[0].Message
				}
				entry.Status = "error"
				entry.Error = perr.Error()
				c.cmdLog.append(entry)
				return outcome, perr

			default:
				log.Printf("[CMD] Ignoring reply with unknown status %q for %s", reply.Status, cmdID)
			}

		case <-timer.C:
			phase := "ack"
			if acked {
				phase = "done"
			}
			entry.Status = "timeout"
			entry.Error = fmt.Sprintf("no %s within window", phase)
			c.cmdLog.append(entry)
			return outcome, fmt.Errorf("%w: cmd %s waiting for %s", ErrCommandTimeout, cmdID, phase)

		case <-ctx.Done():
			entry.Status = "error"
			entry.Error = ctx.Err().Error()
			c.cmdLog.append(entry)
			return outcome, ctx.Err()
		}
	}
}

func describeTarget(positionSteps *int) string {
	if positionSteps == nil {
		return ""
	}
	return fmt.Sprintf("to %d steps", *positionSteps)
}
