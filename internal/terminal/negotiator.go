package terminal

import "github.com/ashureev/termshare/internal/domain"

// Negotiator derives one authoritative pty geometry from the viewports
// declared by attached clients.
type Negotiator struct {
	policy  domain.ResizePolicy
	current domain.Geometry
	// negotiated is false while current is still the spawn geometry.
	negotiated bool
}

// NewNegotiator starts from the geometry the process was spawned with.
// An empty policy means largest-fit.
func NewNegotiator(policy domain.ResizePolicy, initial domain.Geometry) *Negotiator {
	if policy == "" {
		policy = domain.PolicyLargest
	}
	return &Negotiator{policy: policy, current: initial.Clamp()}
}

// Policy returns the negotiation policy.
func (n *Negotiator) Policy() domain.ResizePolicy {
	return n.policy
}

// Current returns the last committed geometry.
func (n *Negotiator) Current() domain.Geometry {
	return n.current
}

// Propose computes the geometry for the given viewports. It reports false
// when there is nothing to apply: no viewports (geometry stays frozen) or
// a result equal to the current geometry.
func (n *Negotiator) Propose(viewports []domain.Geometry) (domain.Geometry, bool) {
	next, ok := Negotiate(n.policy, viewports)
	if !ok {
		return n.current, false
	}
	if next == n.current {
		n.negotiated = true
		return n.current, false
	}
	return next, true
}

// ProposeAfterAttach is Propose for a growing client set. Under
// largest-fit a newcomer never shrinks a negotiated geometry, though the
// spawn geometry gives way to the first viewport. Only a Resize report
// from an attached client can shrink it.
func (n *Negotiator) ProposeAfterAttach(viewports []domain.Geometry) (domain.Geometry, bool) {
	if n.policy == domain.PolicyLargest && n.negotiated {
		return n.proposeAtLeastCurrent(viewports)
	}
	return n.Propose(viewports)
}

// ProposeAfterDetach is Propose for a shrinking client set. A departing
// client may let the session grow, never shrink: under smallest-fit it
// widens to the next smallest viewport. Under largest-fit this means the
// geometry stays at the old extremum rather than falling to the next one
// until a remaining client re-reports its viewport.
func (n *Negotiator) ProposeAfterDetach(viewports []domain.Geometry) (domain.Geometry, bool) {
	return n.proposeAtLeastCurrent(viewports)
}

func (n *Negotiator) proposeAtLeastCurrent(viewports []domain.Geometry) (domain.Geometry, bool) {
	next, ok := Negotiate(n.policy, viewports)
	if !ok {
		return n.current, false
	}
	next.Cols = max(next.Cols, n.current.Cols)
	next.Rows = max(next.Rows, n.current.Rows)
	if next == n.current {
		n.negotiated = true
		return n.current, false
	}
	return next, true
}

// Commit records g as the applied geometry.
func (n *Negotiator) Commit(g domain.Geometry) {
	n.current = g.Clamp()
	n.negotiated = true
}

// Negotiate folds viewports into one geometry per policy. It returns false
// for an empty set. Each dimension is chosen independently and the
// result is clamped to at least 1x1.
func Negotiate(policy domain.ResizePolicy, viewports []domain.Geometry) (domain.Geometry, bool) {
	if len(viewports) == 0 {
		return domain.Geometry{}, false
	}

	out := viewports[0].Clamp()
	for _, v := range viewports[1:] {
		v = v.Clamp()
		if policy == domain.PolicySmallest {
			out.Cols = min(out.Cols, v.Cols)
			out.Rows = min(out.Rows, v.Rows)
		} else {
			out.Cols = max(out.Cols, v.Cols)
			out.Rows = max(out.Rows, v.Rows)
		}
	}
	return out, true
}
