package update

import (
	"context"

	"github.com/mixerkit/goxlr-updater/internal/events"
)

// pollStatus is one progress sample from a polled device query.
type pollStatus struct {
	complete bool
	done     uint64
	total    uint64
}

// pollToCompletion runs the begin-then-poll shape shared by the erase,
// hardware-verify and finalize stages: issue the begin command once, then
// query progress on the poll interval until the device reports completion.
func (s *Session) pollToCompletion(ctx context.Context, begin func() error, poll func() (pollStatus, error), rep *reporter) error {
	if err := begin(); err != nil {
		return err
	}
	for {
		if err := s.wait(ctx); err != nil {
			return err
		}
		st, err := poll()
		if err != nil {
			return err
		}
		rep.report(st.done, st.total)
		if st.complete {
			return nil
		}
	}
}

// reporter scales stage progress to whole percentages and de-duplicates
// them: a percentage is published only when it exceeds the last one sent,
// so the stream is strictly increasing within a stage. The zero value of
// last matches the 0% the stage announcement already carried.
type reporter struct {
	bus  events.Publisher
	last uint8
}

func (s *Session) newReporter() *reporter {
	return &reporter{bus: s.bus}
}

func (r *reporter) report(done, total uint64) {
	if total == 0 {
		return
	}
	percent := uint8(done * 100 / total)
	if percent <= r.last {
		return
	}
	r.last = percent
	r.bus.Publish(events.UpdatePercent(percent))
}
