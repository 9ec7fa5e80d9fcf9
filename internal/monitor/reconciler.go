package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"trackbot/internal/clearml"
	"trackbot/internal/plot"
	"trackbot/internal/storage"
	"trackbot/internal/transport"
	logx "trackbot/pkg/logx"
)

// reconcileExperiment runs the per-(user, experiment) update cycle for one
// poll tick:
//
//  1. staleness check against the stored last-announced iteration
//  2. first-sight bootstrap of the experiment record
//  3. persist train/val metric points
//  4. redraw both section plots from full stored history
//  5. send-or-edit the text slot and both plot slots
//  6. write the record back with post-operation message ids
//
// Edit failures are swallowed (logged, stale id kept); create failures leave
// the slot unset and surface in the returned error.
//
// The iteration equality test is the only dedup. If the upstream counter is
// non-monotonic or stalls, the experiment is never announced again; this
// mirrors the upstream counter contract and is intentionally not "fixed".
func (s *Service) reconcileExperiment(ctx context.Context, userID int64, snap clearml.Snapshot) error {
	rec, found, err := s.store.GetExperiment(ctx, userID, snap.ID)
	if err != nil {
		return err
	}
	if found && rec.LastIteration == snap.Iteration {
		// Nothing new: zero store writes, zero delivery calls.
		return nil
	}
	if !found {
		// Create the record before any delivery so the next tick's staleness
		// check sees it even if this pass fails halfway.
		rec = storage.NewExperimentRecord(snap.ID, snap.Name)
		if err := s.store.PutExperiment(ctx, userID, rec); err != nil {
			return err
		}
	}

	// Persist before render: a plot must include at least the points of the
	// tick that triggered it.
	for _, m := range snap.Metrics {
		if !m.IsSeries() {
			continue
		}
		p := storage.MetricPoint{
			UserID:       userID,
			ExperimentID: snap.ID,
			Section:      m.Section,
			Metric:       m.Name,
			Iteration:    m.Iteration,
			Value:        m.Value,
		}
		if err := s.store.UpsertMetricPoint(ctx, p); err != nil {
			return err
		}
	}

	trainPNG := s.renderSection(ctx, userID, snap, clearml.SectionTrain)
	valPNG := s.renderSection(ctx, userID, snap, clearml.SectionVal)

	to := transport.ChatTarget{ChatID: userID}
	var errs []error

	text := summaryText(snap)
	if rec.TextMessageID == storage.UnsetMessageID {
		ref, err := s.sink.SendText(ctx, to, text, nil)
		if err != nil {
			// Slot stays unset; a fresh send is retried on the next update.
			errs = append(errs, fmt.Errorf("text send: %w", err))
		} else {
			rec.TextMessageID = ref.MessageID
		}
	} else {
		ref := transport.MessageRef{ChatID: userID, MessageID: rec.TextMessageID}
		if err := s.sink.EditText(ctx, ref, text, nil); err != nil {
			s.log.Warn("text edit failed, keeping message id",
				logx.Int64("user", userID),
				logx.String("experiment", snap.ID),
				logx.Err(err))
		}
	}

	rec.TrainMessageID = s.deliverPlot(ctx, to, snap, clearml.SectionTrain, rec.TrainMessageID, trainPNG, &errs)
	rec.ValMessageID = s.deliverPlot(ctx, to, snap, clearml.SectionVal, rec.ValMessageID, valPNG, &errs)

	rec.Name = snap.Name
	rec.LastIteration = snap.Iteration
	if err := s.store.PutExperiment(ctx, userID, rec); err != nil {
		errs = append(errs, fmt.Errorf("record write-back: %w", err))
	}
	return errors.Join(errs...)
}

// deliverPlot creates or edits one plot slot and returns the slot's new
// message id. An empty image leaves the slot untouched for this tick.
func (s *Service) deliverPlot(ctx context.Context, to transport.ChatTarget, snap clearml.Snapshot, section string, msgID int, png []byte, errs *[]error) int {
	if len(png) == 0 {
		return msgID
	}
	caption := fmt.Sprintf("%s (%s)", snap.Name, section)

	if msgID == storage.UnsetMessageID {
		ref, err := s.sink.SendPhoto(ctx, to, png, caption)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("%s plot send: %w", section, err))
			return msgID
		}
		return ref.MessageID
	}

	ref := transport.MessageRef{ChatID: to.ChatID, MessageID: msgID}
	if err := s.sink.EditPhoto(ctx, ref, png, caption); err != nil {
		s.log.Warn("plot edit failed, keeping message id",
			logx.String("experiment", snap.ID),
			logx.String("section", section),
			logx.Err(err))
	}
	return msgID
}

// renderSection redraws one section's plot from the full accumulated history.
// Render problems only cost this tick's plot, never the whole pass.
func (s *Service) renderSection(ctx context.Context, userID int64, snap clearml.Snapshot, section string) []byte {
	pts, err := s.store.MetricsBySection(ctx, userID, snap.ID, section)
	if err != nil {
		s.log.Warn("history read failed",
			logx.String("experiment", snap.ID),
			logx.String("section", section),
			logx.Err(err))
		return nil
	}
	series := make(map[string][]plot.Point)
	for _, p := range pts {
		series[p.Metric] = append(series[p.Metric], plot.Point{Iteration: p.Iteration, Value: p.Value})
	}
	png, err := s.render(series, fmt.Sprintf("%s (%s)", snap.Name, section))
	if err != nil {
		s.log.Warn("plot render failed",
			logx.String("experiment", snap.ID),
			logx.String("section", section),
			logx.Err(err))
		return nil
	}
	return png
}

// summaryText is the per-experiment update message: identity, progress and
// the latest non-monitor metric values with their run extrema.
func summaryText(snap clearml.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s, Iteration: %d\n", snap.Name, snap.Iteration)
	fmt.Fprintf(&b, "Id: %s\n", snap.ID)
	if snap.Elapsed > 0 {
		fmt.Fprintf(&b, "Elapsed: %s\n", snap.Elapsed)
	}
	writeMetricLines(&b, snap.Metrics)
	return strings.TrimRight(b.String(), "\n")
}

func writeMetricLines(b *strings.Builder, metrics []clearml.Metric) {
	for _, m := range metrics {
		fmt.Fprintf(b, "  - %s/%s: %g\n", m.Section, m.Name, m.Value)
		switch m.Section {
		case clearml.SectionTrain:
			fmt.Fprintf(b, "    Min value: %g, Min iter: %d\n", m.MinValue, m.MinValueIteration)
		case clearml.SectionVal:
			fmt.Fprintf(b, "    Max value: %g, Max iter: %d\n", m.MaxValue, m.MaxValueIteration)
		}
	}
}

func runningSummaryText(snaps []clearml.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Running experiment count: %d\n", len(snaps))
	for _, snap := range snaps {
		b.WriteString("\n")
		fmt.Fprintf(&b, "Name: %s, Iteration: %d\n", snap.Name, snap.Iteration)
		writeMetricLines(&b, snap.Metrics)
	}
	return strings.TrimRight(b.String(), "\n")
}
