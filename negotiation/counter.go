package negotiation

import (
	"reflect"
	"time"

	"github.com/xenocomm/xenocomm/xerr"
)

// GenerateCounter computes the best intersection between pref and the
// remote capabilities recorded on sessionID's PROPOSAL_RECEIVED session,
// per spec §4.5's counter-proposal generation: any proposal already tried
// is skipped to prevent loops, and once MaxFallbackAttempts is exceeded
// the session fails instead of proposing again.
func (e *Engine) GenerateCounter(sessionID uint64, pref ParameterPreference) (ParameterSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := e.lockedSession(sessionID)
	if err != nil {
		return ParameterSet{}, err
	}
	if s.State != StateProposalReceived {
		return ParameterSet{}, xerr.New(xerr.Protocol, "negotiation.GenerateCounter", xerr.WithSession(sessionIDString(sessionID)))
	}

	if s.FallbackAttempts >= e.cfg.MaxFallbackAttempts {
		s.State = StateFailed
		s.EnteredAt = time.Now()
		return ParameterSet{}, xerr.New(xerr.Protocol, "negotiation.GenerateCounter", xerr.WithSession(sessionIDString(sessionID)))
	}

	candidate, err := BuildProposal(e.cfg.ProtocolVersion, e.cfg.SecurityVersion, pref, s.RemoteCapabilities)
	if err != nil {
		s.State = StateFailed
		s.EnteredAt = time.Now()
		return ParameterSet{}, err
	}
	if err := candidate.Validate(); err != nil {
		s.State = StateFailed
		s.EnteredAt = time.Now()
		return ParameterSet{}, err
	}

	for _, tried := range s.TriedProposals {
		if reflect.DeepEqual(tried, candidate) {
			s.FallbackAttempts++
			if s.FallbackAttempts >= e.cfg.MaxFallbackAttempts {
				s.State = StateFailed
				s.EnteredAt = time.Now()
			}
			return ParameterSet{}, xerr.New(xerr.Protocol, "negotiation.GenerateCounter", xerr.WithSession(sessionIDString(sessionID)))
		}
	}

	s.TriedProposals = append(s.TriedProposals, candidate)
	s.FallbackAttempts++
	return candidate, nil
}
