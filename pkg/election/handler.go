package election

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"leaderelect/pkg/coordination"
	"leaderelect/pkg/metrics"
)

// HandleNotifications consumes session events until the session ends, a
// re-election fails, or ctx is done. It returns coordination.ErrSessionEnded
// when the session is lost and nil when ctx is done.
func (p *Participant) HandleNotifications(ctx context.Context) error {
	events := p.session.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				p.lifecycle.end()
				return coordination.ErrSessionEnded
			}
			metrics.SessionEvents.WithLabelValues(ev.Kind.String()).Inc()

			switch ev.Kind {
			case coordination.SessionConnected:
				p.lifecycle.connected()
				p.logger.Info("Successfully connected to coordination service")

			case coordination.SessionEnded:
				p.logger.Warn("Coordination session ended")
				p.lifecycle.end()
				return coordination.ErrSessionEnded

			case coordination.NodeDeleted:
				if err := p.onNodeDeleted(ctx, ev.Path); err != nil {
					return err
				}

			default:
				p.logger.Warn("Ignoring unknown event", zap.Stringer("kind", ev.Kind))
			}
		}
	}
}

func (p *Participant) onNodeDeleted(ctx context.Context, path string) error {
	p.mu.Lock()
	watched := p.watching
	p.mu.Unlock()

	if path == "" || path != watched {
		metrics.WatchNotifications.WithLabelValues("stale").Inc()
		p.logger.Debug("Ignoring deletion of unwatched node", zap.String("path", path))
		return nil
	}

	metrics.WatchNotifications.WithLabelValues("predecessor").Inc()
	p.logger.Info("Predecessor left, re-resolving leadership", zap.String("predecessor", path))

	if _, err := p.Elect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("re-election after %s left: %w", path, err)
	}
	return nil
}

// Elect resolves leadership and, for a follower, arms a one-shot deletion
// watch on its immediate predecessor. The resulting verdict is published to
// the OnVerdict observer.
func (p *Participant) Elect(ctx context.Context) (Verdict, error) {
	p.electMu.Lock()
	defer p.electMu.Unlock()

	ctx, span := tracer.Start(ctx, "election.Elect")
	defer span.End()

	for {
		v, err := p.ResolveLeadership(ctx)
		if err != nil {
			p.setWatching("")
			span.RecordError(err)
			span.SetStatus(codes.Error, "resolve failed")
			return Verdict{}, err
		}

		if v.IsLeader {
			p.setWatching("")
			p.publish(v)
			span.SetAttributes(attribute.Bool("election.is_leader", true))
			return v, nil
		}

		// Set before arming so a deletion delivered right after the watch is
		// recognised by the handler.
		predecessor := coordination.ChildPath(p.namespace, v.Predecessor)
		p.setWatching(predecessor)

		exists, err := p.session.WatchDeletion(ctx, predecessor)
		if err != nil {
			p.setWatching("")
			span.RecordError(err)
			span.SetStatus(codes.Error, "watch failed")
			return Verdict{}, classify("watch predecessor", err)
		}
		if !exists {
			p.logger.Debug("Predecessor vanished before watch, re-resolving", zap.String("predecessor", predecessor))
			continue
		}

		p.publish(v)
		span.SetAttributes(
			attribute.Bool("election.is_leader", false),
			attribute.String("election.predecessor", predecessor),
		)
		return v, nil
	}
}

func (p *Participant) setWatching(path string) {
	p.mu.Lock()
	p.watching = path
	p.mu.Unlock()
}

func (p *Participant) publish(v Verdict) {
	p.mu.Lock()
	prev := p.verdict
	p.verdict = &v
	p.mu.Unlock()

	metrics.SetLeader(v.IsLeader)

	changed := prev == nil || prev.Leader != v.Leader || prev.IsLeader != v.IsLeader
	if !changed {
		p.logger.Debug("Leadership unchanged", zap.String("leader", v.Leader), zap.String("predecessor", v.Predecessor))
		return
	}

	if prev != nil {
		metrics.LeaderChanges.Inc()
		p.logger.Info("Leader changed", zap.String("from", prev.Leader), zap.String("to", v.Leader))
	}
	p.logger.Info(v.String(),
		zap.String("self", v.Self),
		zap.String("leader", v.Leader),
		zap.Int("candidates", v.Candidates),
	)
	if p.onVerdict != nil {
		p.onVerdict(v)
	}
}
