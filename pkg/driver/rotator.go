package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/devbus/devbus-go/pkg/bus"
	"github.com/devbus/devbus-go/pkg/model"
	"github.com/devbus/devbus-go/pkg/timer"
	"github.com/devbus/devbus-go/pkg/version"
)

// Rotator property and item names.
const (
	RotatorPositionProperty      = "ROTATOR_POSITION"
	RotatorPositionItem          = "POSITION"
	RotatorOnPositionSetProperty = "ROTATOR_ON_POSITION_SET"
	RotatorGotoItem              = "GOTO"
	RotatorSyncItem              = "SYNC"
	RotatorAbortMotionProperty   = "ROTATOR_ABORT_MOTION"
	RotatorAbortMotionItem       = "ABORT_MOTION"

	GroupRotator = "Rotator"
)

// Simulated motion defaults.
const (
	DefaultRotatorSpeed = 0.9
	DefaultRotatorStep  = 200 * time.Millisecond
)

// RotatorConfig configures a simulated rotator.
type RotatorConfig struct {
	Name   string
	Timers *timer.Engine
	Logger *slog.Logger

	// Speed is the angle covered per step, in degrees.
	Speed float64

	// StepInterval is the time between position updates while moving.
	StepInterval time.Duration
}

// Rotator is a simulated field rotator. It moves toward the requested
// position angle at a fixed speed and publishes every step.
type Rotator struct {
	*Base
	cfg RotatorConfig

	position      *model.Property
	onPositionSet *model.Property
	abort         *model.Property

	moving    bool
	moveTimer timer.Ref
}

var (
	_ bus.Device     = (*Rotator)(nil)
	_ bus.DeviceInfo = (*Rotator)(nil)
)

// NewRotator creates a disconnected rotator.
func NewRotator(cfg RotatorConfig) *Rotator {
	if cfg.Speed <= 0 {
		cfg.Speed = DefaultRotatorSpeed
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = DefaultRotatorStep
	}
	r := &Rotator{cfg: cfg}
	r.Base = NewBase(r, Config{
		Name:      cfg.Name,
		Interface: model.InterfaceRotator,
		Driver:    RotatorDriverName,
		Version:   version.FormatDriverVersion(rotatorVersion),
		Timers:    cfg.Timers,
		Connect:   r.connect,
		Logger:    cfg.Logger,
	})

	r.position = model.NewNumberProperty(cfg.Name, RotatorPositionProperty, GroupRotator, "Position", model.StateOk, model.PermRW,
		model.NumberItem(RotatorPositionItem, "Position (°)", "%.2f", 0, 360, 0.01, 0),
	)
	r.onPositionSet = model.NewSwitchProperty(cfg.Name, RotatorOnPositionSetProperty, GroupRotator, "On position set", model.StateOk, model.PermRW, model.RuleOneOfMany,
		model.SwitchItem(RotatorGotoItem, "Goto to position", true),
		model.SwitchItem(RotatorSyncItem, "Sync to position", false),
	)
	r.abort = model.NewSwitchProperty(cfg.Name, RotatorAbortMotionProperty, GroupRotator, "Abort motion", model.StateOk, model.PermRW, model.RuleAtMostOne,
		model.SwitchItem(RotatorAbortMotionItem, "Abort motion", false),
	)
	return r
}

// Position returns the current angle and the target angle.
func (r *Rotator) Position() (value, target float64) {
	r.Lock()
	defer r.Unlock()
	n := r.position.Item(RotatorPositionItem).Number()
	return n.Value, n.Target
}

// connect defines the rotator properties on connect and deletes them on
// disconnect. The device lock is held.
func (r *Rotator) connect(ctx context.Context, connect bool) error {
	if connect {
		for _, p := range []*model.Property{r.position, r.onPositionSet, r.abort} {
			if err := r.Define(ctx, p, ""); err != nil {
				return err
			}
		}
		return nil
	}

	r.stop()
	for _, p := range []*model.Property{r.position, r.onPositionSet, r.abort} {
		if err := r.Delete(ctx, p, ""); err != nil {
			r.debugLog("rotator: delete failed", "property", p.Key(), "error", err)
		}
	}
	if r.position.State == model.StateBusy {
		r.position.SetState(model.StateOk)
	}
	return nil
}

// ChangeProperty handles the rotator properties and hands the rest to Base.
func (r *Rotator) ChangeProperty(ctx context.Context, client bus.Client, req *model.Property) error {
	switch req.Name {
	case RotatorPositionProperty, RotatorOnPositionSetProperty, RotatorAbortMotionProperty:
	default:
		return r.Base.ChangeProperty(ctx, client, req)
	}

	r.Lock()
	defer r.Unlock()

	if !r.Connected() {
		return fmt.Errorf("%w: %s is not connected", bus.ErrFailed, r.Name())
	}

	switch req.Name {
	case RotatorPositionProperty:
		return r.changePosition(ctx, req)
	case RotatorOnPositionSetProperty:
		if err := r.onPositionSet.Merge(req); err != nil {
			return err
		}
		r.onPositionSet.SetState(model.StateOk)
		return r.Update(ctx, r.onPositionSet, "")
	default:
		return r.changeAbort(ctx, req)
	}
}

func (r *Rotator) changePosition(ctx context.Context, req *model.Property) error {
	n := r.position.Item(RotatorPositionItem).Number()
	current := n.Value
	if err := r.position.Merge(req); err != nil {
		return err
	}
	target := n.Value

	if on := r.onPositionSet.OnSwitch(); on != nil && on.Name == RotatorSyncItem {
		n.Value, n.Target = target, target
		r.position.SetState(model.StateOk)
		return r.Update(ctx, r.position, "")
	}

	n.Value, n.Target = current, target
	r.position.SetState(model.StateBusy)
	r.moving = true
	_ = r.Update(ctx, r.position, "")

	if err := r.Timers().SetLocked(r, r.cfg.StepInterval, r.move, &r.moveTimer, r.Locker()); err != nil {
		r.moving = false
		n.Target = n.Value
		r.position.SetState(model.StateAlert)
		_ = r.Update(ctx, r.position, err.Error())
		return err
	}
	return nil
}

// move runs on the motion timer with the device lock held.
func (r *Rotator) move(ctx context.Context) {
	if !r.moving {
		return
	}
	n := r.position.Item(RotatorPositionItem).Number()
	diff := n.Target - n.Value
	if math.Abs(diff) <= r.cfg.Speed {
		n.Value = n.Target
		r.moving = false
		r.position.SetState(model.StateOk)
	} else {
		n.Value += math.Copysign(r.cfg.Speed, diff)
		r.Timers().RescheduleSelf(ctx, r.cfg.StepInterval)
	}
	_ = r.Update(ctx, r.position, "")
}

func (r *Rotator) changeAbort(ctx context.Context, req *model.Property) error {
	if err := r.abort.Merge(req); err != nil {
		return err
	}
	item := r.abort.Item(RotatorAbortMotionItem).Switch()
	if item.On && r.moving {
		r.stop()
		r.position.SetState(model.StateAlert)
		_ = r.Update(ctx, r.position, "")
	}
	item.On = false
	r.abort.SetState(model.StateOk)
	return r.Update(ctx, r.abort, "")
}

// stop ends a move in progress at the current angle. The lock is held.
func (r *Rotator) stop() {
	if !r.moving {
		return
	}
	r.moving = false
	r.Timers().Cancel(&r.moveTimer)
	n := r.position.Item(RotatorPositionItem).Number()
	n.Target = n.Value
}

// Detach waits for a running step, then closes the connection.
func (r *Rotator) Detach(ctx context.Context) error {
	r.Timers().CancelSync(ctx, &r.moveTimer)
	return r.Base.Detach(ctx)
}
