// Package challenge implements the ACME challenge solvers: http-01,
// dns-01 and tls-alpn-01, behind a common Solver interface and a registry
// keyed by challenge type.
package challenge

import (
	"context"
	"strings"

	"github.com/caasmo/certinpieces/acme"
)

// Solver prepares, presents and cleans up one challenge type. Cleanup must
// be idempotent: orchestration calls it on every exit path, including
// after failures where Present never ran.
type Solver interface {
	// Type returns the challenge type this solver handles.
	Type() string
	// Prepare computes and stages the challenge response material.
	Prepare(ctx context.Context, ch *acme.Challenge, identifier acme.Identifier, keyAuth string) error
	// Present makes the staged response reachable by the CA's validators.
	Present(ctx context.Context) error
	// Verify checks from the outside that the response is in place, as a
	// precondition before telling the CA to validate.
	Verify(ctx context.Context, ch *acme.Challenge, identifier acme.Identifier, keyAuth string) error
	// Cleanup removes the staged response. Safe to call more than once.
	Cleanup(ctx context.Context) error
}

// Registry maps challenge types to solvers.
type Registry struct {
	solvers map[string]Solver
}

func NewRegistry() *Registry {
	return &Registry{solvers: make(map[string]Solver)}
}

// Register adds or replaces the solver for its challenge type.
func (r *Registry) Register(s Solver) {
	r.solvers[s.Type()] = s
}

// Get returns the solver for a challenge type.
func (r *Registry) Get(challengeType string) (Solver, bool) {
	s, ok := r.solvers[challengeType]
	return s, ok
}

// Types lists the registered challenge types.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.solvers))
	for t := range r.solvers {
		types = append(types, t)
	}
	return types
}

// Select picks the challenge to solve for an authorization: the first
// challenge, in the CA's preference order, for which a solver is
// registered. Wildcard identifiers can only be proven over dns-01.
func (r *Registry) Select(authz *acme.Authorization) (*acme.Challenge, Solver, error) {
	wildcard := authz.Wildcard || strings.HasPrefix(authz.Identifier.Value, "*.")
	for i := range authz.Challenges {
		ch := &authz.Challenges[i]
		if wildcard && ch.Type != acme.ChallengeDNS01 {
			continue
		}
		if s, ok := r.solvers[ch.Type]; ok {
			return ch, s, nil
		}
	}
	if wildcard {
		e := acme.Errorf(acme.KindChallenge,
			"wildcard identifier %s requires a dns-01 solver", authz.Identifier.Value)
		e.ChallengeType = acme.ChallengeDNS01
		return nil, nil, e
	}
	return nil, nil, acme.Errorf(acme.KindChallenge,
		"no registered solver matches the offered challenges for %s", authz.Identifier.Value)
}
