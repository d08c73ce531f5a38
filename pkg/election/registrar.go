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

// Volunteer registers this participant as a candidate by creating its
// ephemeral sequential marker, and records the assigned name as the local
// identity. It may succeed only once per participant.
func (p *Participant) Volunteer(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "election.Volunteer")
	defer span.End()

	p.mu.Lock()
	if p.reg != unregistered {
		p.mu.Unlock()
		metrics.Registrations.WithLabelValues("rejected").Inc()
		return "", ErrAlreadyRegistered
	}
	p.reg = registering
	p.mu.Unlock()

	fullPath, err := p.session.CreateEphemeralSequentialChild(ctx, p.namespace, p.prefix, p.payload)
	if err == nil {
		if _, ok := coordination.ChildName(p.namespace, fullPath); !ok {
			err = fmt.Errorf("%w: unexpected marker path %q", coordination.ErrCoordination, fullPath)
		}
	}
	if err != nil {
		p.mu.Lock()
		p.reg = unregistered
		p.mu.Unlock()

		metrics.Registrations.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "volunteer failed")
		return "", classify("volunteer", err)
	}

	name, _ := coordination.ChildName(p.namespace, fullPath)

	p.mu.Lock()
	p.identity = name
	p.reg = registered
	p.mu.Unlock()

	metrics.Registrations.WithLabelValues("ok").Inc()
	span.SetAttributes(attribute.String("election.marker", fullPath))
	p.logger.Info("Registered candidacy", zap.String("marker", fullPath))
	return name, nil
}
