package services

import "callmesh/internal/core/domain"

// remoteDescriptionApplied is only constructed by the code path that has
// just applied a remote description. Draining the queue requires one.
type remoteDescriptionApplied struct{}

// candidateQueue buffers remote ICE candidates that arrive before the remote
// description. It is drained exactly once, in arrival order.
type candidateQueue struct {
	pending []domain.ICECandidate
	drained bool
}

// push buffers c and reports false once the queue has been drained, in
// which case the caller must apply c directly.
func (q *candidateQueue) push(c domain.ICECandidate) bool {
	if q.drained {
		return false
	}
	q.pending = append(q.pending, c)
	return true
}

func (q *candidateQueue) drain(remoteDescriptionApplied) []domain.ICECandidate {
	if q.drained {
		return nil
	}
	q.drained = true
	out := q.pending
	q.pending = nil
	return out
}

func (q *candidateQueue) len() int {
	return len(q.pending)
}

// take moves the buffered candidates out without draining, for handing them
// to a replacement link.
func (q *candidateQueue) take() []domain.ICECandidate {
	out := q.pending
	q.pending = nil
	return out
}
