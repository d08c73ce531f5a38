package election

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"leaderelect/pkg/metrics"
)

// ResolveLeadership reads the candidate set once, without a watch, and
// decides whether the local identity sorts first. It never changes state in
// the coordination service.
func (p *Participant) ResolveLeadership(ctx context.Context) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "election.ResolveLeadership")
	defer span.End()

	self := p.Identity()
	if self == "" {
		return Verdict{}, ErrNotRegistered
	}

	start := time.Now()
	children, err := p.session.ListChildren(ctx, p.namespace)
	if err != nil {
		metrics.RecordResolution("error", -1, time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, "list candidates failed")
		return Verdict{}, classify("resolve leadership", err)
	}

	v, err := decide(self, children)
	if err != nil {
		metrics.RecordResolution("error", len(children), time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Verdict{}, err
	}

	outcome := "follower"
	if v.IsLeader {
		outcome = "leader"
	}
	metrics.RecordResolution(outcome, v.Candidates, time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("election.self", v.Self),
		attribute.String("election.leader", v.Leader),
		attribute.Bool("election.is_leader", v.IsLeader),
		attribute.Int("election.candidates", v.Candidates),
	)
	return v, nil
}

// decide applies the election rule to a candidate set: the smallest name leads.
func decide(self string, candidates []string) (Verdict, error) {
	if len(candidates) == 0 {
		return Verdict{}, ErrNoCandidates
	}

	sorted := sortedCopy(candidates)
	idx := sort.SearchStrings(sorted, self)
	if idx == len(sorted) || sorted[idx] != self {
		return Verdict{}, ErrNotCandidate
	}

	v := Verdict{
		Self:       self,
		Leader:     sorted[0],
		IsLeader:   idx == 0,
		Candidates: len(sorted),
	}
	if idx > 0 {
		v.Predecessor = sorted[idx-1]
	}
	return v, nil
}

func sortedCopy(names []string) []string {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return sorted
}
