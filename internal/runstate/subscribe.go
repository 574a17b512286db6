package runstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
)

const updateBuffer = 16

// Subscribe streams the run's snapshots with sequence greater than since, in
// mutation order, and closes the channel after the terminal snapshot or when
// ctx is done. Live events come from the hub; anything the hub dropped is
// filled in from the persisted change log, so delivery is at-least-once and
// gap free.
func (s *Store) Subscribe(ctx context.Context, runID string, since int64) (<-chan Update, error) {
	if _, err := s.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	if since < 0 {
		since = 0
	}
	out := make(chan Update, updateBuffer)
	go s.follow(ctx, runID, since, out)
	return out, nil
}

// follower tracks one subscriber's position in a run's change log.
type follower struct {
	s     *Store
	runID string
	last  int64
	out   chan<- Update
}

func (s *Store) follow(ctx context.Context, runID string, since int64, out chan<- Update) {
	defer close(out)
	f := &follower{s: s, runID: runID, last: since, out: out}

	for {
		events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{RunID: runID})
		if err != nil {
			if ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "run subscription failed",
					slog.String("run_id", runID), slog.String("error", err.Error()))
			}
			return
		}

		// Replay after subscribing so no event can fall between the two.
		done, ok := f.replay(ctx)
		if !ok || done {
			cancel()
			return
		}

		done, ok = f.live(ctx, events)
		cancel()
		if !ok || done {
			return
		}

		// The hub evicted us. Back off briefly, then resubscribe and replay.
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.resubscribeDelay):
		}
	}
}

// live forwards hub events until the run ends (done), the hub closes the
// channel (!done, ok), or delivery stops (!ok).
func (f *follower) live(ctx context.Context, events <-chan streaming.StreamEvent) (done, ok bool) {
	for {
		select {
		case <-ctx.Done():
			return false, false
		case evt, open := <-events:
			if !open {
				return false, true
			}
			if evt.Sequence <= f.last {
				continue
			}
			if evt.Sequence > f.last+1 {
				done, ok := f.replay(ctx)
				if !ok || done {
					return done, ok
				}
				if evt.Sequence <= f.last {
					continue
				}
			}
			if !f.emit(ctx, evt.Sequence, evt.EventType, evt.StepIndex, evt.Snapshot) {
				return false, false
			}
			if isTerminalEvent(evt.EventType) {
				return true, true
			}
		}
	}
}

// replay emits persisted events after f.last. It also reports done when the
// event at f.last itself was terminal, so a resumed subscription on a
// finished run closes immediately.
func (f *follower) replay(ctx context.Context) (done, ok bool) {
	from := f.last - 1
	if from < 0 {
		from = 0
	}
	events, err := f.s.store.GetEvents(ctx, f.runID, from)
	if err != nil {
		if ctx.Err() == nil {
			f.s.logger.ErrorContext(ctx, "replay run events failed",
				slog.String("run_id", f.runID), slog.String("error", err.Error()))
		}
		return false, false
	}
	for _, e := range events {
		if e.Sequence <= f.last {
			if e.Sequence == f.last && isTerminalEvent(e.Type) {
				return true, true
			}
			continue
		}
		if !f.emit(ctx, e.Sequence, e.Type, e.StepIndex, e.Snapshot) {
			return false, false
		}
		if isTerminalEvent(e.Type) {
			return true, true
		}
	}
	return false, true
}

func (f *follower) emit(ctx context.Context, seq int64, eventType string, stepIndex *int, snapshot json.RawMessage) bool {
	var run store.Run
	if err := json.Unmarshal(snapshot, &run); err != nil {
		f.s.logger.WarnContext(ctx, "skipping undecodable run snapshot",
			slog.String("run_id", f.runID), slog.Int64("sequence", seq), slog.String("error", err.Error()))
		f.last = seq
		return true
	}
	upd := Update{Sequence: seq, EventType: eventType, StepIndex: stepIndex, Snapshot: snapshot, Run: &run}
	select {
	case f.out <- upd:
		f.last = seq
		return true
	case <-ctx.Done():
		return false
	}
}
