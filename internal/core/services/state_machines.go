package services

import (
	"context"
	"fmt"

	"callmesh/internal/core/domain"

	"github.com/looplab/fsm"
)

// Connection machine events.
const (
	evGather         = "gather"
	evOfferSent      = "offer_sent"
	evAnswerSent     = "answer_sent"
	evRemoteApplied  = "remote_applied"
	evICEConnected   = "ice_connected"
	evICEInterrupted = "ice_interrupted"
	evFail           = "fail"
	evClose          = "close"
)

func newConnectionMachine() *fsm.FSM {
	s := func(states ...domain.ConnectionState) []string {
		out := make([]string, len(states))
		for i, st := range states {
			out[i] = string(st)
		}
		return out
	}

	return fsm.NewFSM(
		string(domain.ConnectionNew),
		fsm.Events{
			{Name: evGather, Src: s(domain.ConnectionNew), Dst: string(domain.ConnectionGathering)},
			{Name: evOfferSent, Src: s(domain.ConnectionGathering), Dst: string(domain.ConnectionAwaitingRemote)},
			{Name: evAnswerSent, Src: s(domain.ConnectionGathering), Dst: string(domain.ConnectionNegotiatingICE)},
			{Name: evRemoteApplied, Src: s(domain.ConnectionAwaitingRemote), Dst: string(domain.ConnectionNegotiatingICE)},
			{Name: evICEConnected, Src: s(domain.ConnectionNegotiatingICE, domain.ConnectionReconnecting), Dst: string(domain.ConnectionConnected)},
			{Name: evICEInterrupted, Src: s(domain.ConnectionConnected), Dst: string(domain.ConnectionReconnecting)},
			{Name: evFail, Src: s(domain.ConnectionNegotiatingICE, domain.ConnectionReconnecting), Dst: string(domain.ConnectionFailed)},
			{Name: evClose, Src: s(
				domain.ConnectionNew,
				domain.ConnectionGathering,
				domain.ConnectionAwaitingRemote,
				domain.ConnectionNegotiatingICE,
				domain.ConnectionConnected,
				domain.ConnectionReconnecting,
			), Dst: string(domain.ConnectionClosed)},
		},
		nil,
	)
}

// Stage machine events.
const (
	evSetup = "setup"
	evCall  = "call"
	evEnd   = "end"
)

func newStageMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(domain.StageWaiting),
		fsm.Events{
			{Name: evSetup, Src: []string{string(domain.StageWaiting)}, Dst: string(domain.StageSetup)},
			{Name: evCall, Src: []string{string(domain.StageSetup)}, Dst: string(domain.StageCalling)},
			{Name: evEnd, Src: []string{
				string(domain.StageWaiting),
				string(domain.StageSetup),
				string(domain.StageCalling),
			}, Dst: string(domain.StageEnded)},
		},
		nil,
	)
}

// fire applies event and wraps rejected transitions with the given
// sentinel.
func fire(m *fsm.FSM, event string, sentinel error) error {
	from := m.Current()
	if err := m.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", sentinel, event, from, err)
	}
	return nil
}
