package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/internal/domain"
)

// ErrStreamDropped is returned when the live channel dropped a slow stream.
var ErrStreamDropped = errors.New("live stream dropped")

// EmitFunc delivers one event to a stream client.
type EmitFunc func(event *domain.SessionEvent) error

// StreamRun delivers the events of a run with seq > sinceSeq, then the live
// events as they are published. Each persisted event is delivered once and in
// seq order. It returns nil after the event that ends the run, or at once
// when the run is already terminal and sinceSeq is past that event.
func (s *Service) StreamRun(ctx context.Context, runID string, sinceSeq int64, emit EmitFunc) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	// Subscribe before the backfill so nothing committed in between is lost.
	sub, err := s.events.Subscribe(ctx, run.SessionID)
	if err != nil {
		return err
	}
	defer sub.Close()

	last := sinceSeq
	for {
		resp, err := s.ListRunEvents(ctx, runID, last, 0)
		if err != nil {
			return err
		}
		for _, ev := range resp.Events {
			if err := emit(ev); err != nil {
				return err
			}
			last = ev.Seq
			if endsRun(ev) {
				return nil
			}
		}
		if !resp.HasMore {
			break
		}
	}

	// A cursor at or past the terminal event leaves nothing to wait for.
	run, err = s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return s.fill(ctx, runID, &last, math.MaxInt64, emit)
	}

	logger := log.WithFields(log.Fields{"run_id": runID, "subscription_id": sub.ID})
	logger.Debug("run stream live")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return ErrStreamDropped
			}
			if ev.RunID != runID {
				continue
			}
			if ev.Persisted() {
				if ev.Seq <= last {
					continue
				}
				if ev.Seq > last+1 {
					// Events of other runs share the session counter, so a gap
					// is expected. Fill it from the store in case the live
					// channel skipped one of ours.
					if err := s.fill(ctx, runID, &last, ev.Seq, emit); err != nil {
						return err
					}
				}
				last = ev.Seq
			}
			if err := emit(ev); err != nil {
				return fmt.Errorf("failed to deliver event: %w", err)
			}
			if endsRun(ev) {
				return nil
			}
		}
	}
}

// fill delivers stored events of a run between *last and before.
func (s *Service) fill(ctx context.Context, runID string, last *int64, before int64, emit EmitFunc) error {
	resp, err := s.ListRunEvents(ctx, runID, *last, 0)
	if err != nil {
		return err
	}
	for _, ev := range resp.Events {
		if ev.Seq >= before {
			break
		}
		if err := emit(ev); err != nil {
			return err
		}
		*last = ev.Seq
	}
	return nil
}

// endsRun reports whether ev moved its run to a terminal status.
func endsRun(ev *domain.SessionEvent) bool {
	switch ev.Type {
	case domain.EventTypeRunCompleted, domain.EventTypeRunFailed, domain.EventTypeRunCancelled:
		return true
	}
	return false
}
