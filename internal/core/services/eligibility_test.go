package services

import (
	"testing"
	"time"

	"callmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestEligibilityPolicy_Check(t *testing.T) {
	policy := EligibilityPolicy{Window: 5 * time.Minute}
	info := testInfo("bob")

	tests := []struct {
		name    string
		actor   domain.PeerID
		now     time.Time
		wantErr bool
	}{
		{name: "joiner inside the window", actor: "bob", now: testNow.Add(10 * time.Minute)},
		{name: "joiner at the window start", actor: "bob", now: testNow.Add(-5 * time.Minute)},
		{name: "joiner at the window end", actor: "bob", now: testNow.Add(35 * time.Minute)},
		{name: "joiner too early", actor: "bob", now: testNow.Add(-6 * time.Minute), wantErr: true},
		{name: "joiner too late", actor: "carol", now: testNow.Add(36 * time.Minute), wantErr: true},
		{name: "initiator any time", actor: "alice", now: testNow.Add(-24 * time.Hour)},
		{name: "unknown actor", actor: "mallory", now: testNow, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Check(info, tt.actor, tt.now)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrNotEligible)
				return
			}
			assert.NoError(t, err)
		})
	}
}
