package update

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/mixerkit/goxlr-updater/internal/pkg/fsmutil"
	"github.com/mixerkit/goxlr-updater/pkg/log"
)

// Protocol stages, in execution order. The pipeline is linear: there is no
// way back from a later stage to an earlier one, and Rebooted is terminal.
const (
	StageIdle           = "Idle"
	StageEraseStorage   = "EraseStorage"
	StageUpload         = "Upload"
	StageValidate       = "Validate"
	StageHardwareVerify = "HardwareVerify"
	StageFinalize       = "Finalize"
	StageRebooted       = "Rebooted"
)

// Transition events.
const (
	eventErase    = "erase"
	eventUpload   = "upload"
	eventValidate = "validate"
	eventVerify   = "verify"
	eventFinalize = "finalize"
	eventComplete = "complete"
	eventFail     = "fail"
)

// stageMachine guards the stage order of one update session. Any attempt to
// enter a stage out of order is a programming error and surfaces as a
// transition failure.
type stageMachine struct {
	*fsm.FSM
}

func newStageMachine(logger log.Logger) *stageMachine {
	m := &stageMachine{}

	active := []string{StageEraseStorage, StageUpload, StageValidate, StageHardwareVerify, StageFinalize}

	events := fsm.Events{
		{Name: eventErase, Src: []string{StageIdle}, Dst: StageEraseStorage},
		{Name: eventUpload, Src: []string{StageEraseStorage}, Dst: StageUpload},
		{Name: eventValidate, Src: []string{StageUpload}, Dst: StageValidate},
		{Name: eventVerify, Src: []string{StageValidate}, Dst: StageHardwareVerify},
		{Name: eventFinalize, Src: []string{StageHardwareVerify}, Dst: StageFinalize},
		{Name: eventComplete, Src: []string{StageFinalize}, Dst: StageRebooted},
		{Name: eventFail, Src: append([]string{StageIdle}, active...), Dst: StageRebooted},
	}

	callbacks := fsm.Callbacks{
		"enter_state": fsmutil.WrapEvent(func(ctx context.Context, e *fsm.Event) error {
			logger.Debug("Stage transition", "from", e.Src, "to", e.Dst)
			return nil
		}),
	}

	m.FSM = fsm.NewFSM(StageIdle, events, callbacks)
	return m
}

// advance fires the named transition event.
func (m *stageMachine) advance(ctx context.Context, event string) error {
	if err := m.Event(ctx, event); err != nil {
		return fmt.Errorf("stage transition %q from %q: %w", event, m.Current(), err)
	}
	return nil
}

// fail moves the machine to the terminal Rebooted state from any stage.
func (m *stageMachine) fail(ctx context.Context) {
	// The fail event is valid from every non-terminal state; an error here
	// means the session already reached Rebooted.
	_ = m.Event(ctx, eventFail)
}

// terminal reports whether the machine reached Rebooted.
func (m *stageMachine) terminal() bool {
	return m.Current() == StageRebooted
}
