package services

import (
	"testing"

	"callmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionMachine_Paths(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		want   domain.ConnectionState
	}{
		{
			name:   "initiator",
			events: []string{evGather, evOfferSent, evRemoteApplied, evICEConnected},
			want:   domain.ConnectionConnected,
		},
		{
			name:   "joiner",
			events: []string{evGather, evAnswerSent, evICEConnected},
			want:   domain.ConnectionConnected,
		},
		{
			name:   "reconnect",
			events: []string{evGather, evAnswerSent, evICEConnected, evICEInterrupted, evICEConnected},
			want:   domain.ConnectionConnected,
		},
		{
			name:   "reconnect fails",
			events: []string{evGather, evAnswerSent, evICEConnected, evICEInterrupted, evFail},
			want:   domain.ConnectionFailed,
		},
		{
			name:   "closed while awaiting",
			events: []string{evGather, evOfferSent, evClose},
			want:   domain.ConnectionClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newConnectionMachine()
			for _, ev := range tt.events {
				require.NoError(t, fire(m, ev, domain.ErrInvalidConnectionTransition), ev)
			}
			assert.Equal(t, string(tt.want), m.Current())
		})
	}
}

func TestConnectionMachine_RejectsSkips(t *testing.T) {
	tests := []struct {
		name   string
		prefix []string
		event  string
	}{
		{name: "connect before negotiating", event: evICEConnected},
		{name: "fail while gathering", prefix: []string{evGather}, event: evFail},
		{name: "leave closed", prefix: []string{evClose}, event: evGather},
		{name: "leave failed", prefix: []string{evGather, evAnswerSent, evFail}, event: evClose},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newConnectionMachine()
			for _, ev := range tt.prefix {
				require.NoError(t, fire(m, ev, domain.ErrInvalidConnectionTransition))
			}
			before := m.Current()
			err := fire(m, tt.event, domain.ErrInvalidConnectionTransition)
			assert.ErrorIs(t, err, domain.ErrInvalidConnectionTransition)
			assert.Equal(t, before, m.Current())
		})
	}
}

func TestStageMachine_OnlyForward(t *testing.T) {
	m := newStageMachine()

	assert.ErrorIs(t, fire(m, evCall, domain.ErrInvalidStageTransition), domain.ErrInvalidStageTransition)
	require.NoError(t, fire(m, evSetup, domain.ErrInvalidStageTransition))
	assert.ErrorIs(t, fire(m, evSetup, domain.ErrInvalidStageTransition), domain.ErrInvalidStageTransition)
	require.NoError(t, fire(m, evCall, domain.ErrInvalidStageTransition))
	require.NoError(t, fire(m, evEnd, domain.ErrInvalidStageTransition))
	assert.ErrorIs(t, fire(m, evEnd, domain.ErrInvalidStageTransition), domain.ErrInvalidStageTransition)
	assert.Equal(t, string(domain.StageEnded), m.Current())
}
