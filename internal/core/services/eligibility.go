package services

import (
	"fmt"
	"time"

	"callmesh/internal/core/domain"
)

// EligibilityPolicy gates the waiting to setup transition. Initiators may
// enter at any time; everyone else only inside the join window.
type EligibilityPolicy struct {
	Window time.Duration
}

func (p EligibilityPolicy) Check(info domain.SessionInfo, actorID domain.PeerID, now time.Time) error {
	participant, ok := info.Participant(actorID)
	if !ok {
		return fmt.Errorf("%w: %s is not a participant", domain.ErrNotEligible, actorID)
	}
	if participant.Role == domain.RoleInitiator {
		return nil
	}

	start, end := info.JoinWindow(p.Window)
	if now.Before(start) || now.After(end) {
		return fmt.Errorf("%w: join window is %s to %s",
			domain.ErrNotEligible,
			start.Format(time.RFC3339),
			end.Format(time.RFC3339),
		)
	}
	return nil
}
