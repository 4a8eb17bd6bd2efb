package services

import (
	"testing"

	"callmesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestPermissionStore_StartsChecking(t *testing.T) {
	store := NewPermissionStore()

	for _, c := range domain.Capabilities {
		assert.Equal(t, domain.PermissionChecking, store.Get(c))
	}
}

func TestPermissionStore_NotifiesOnChangeOnly(t *testing.T) {
	store := NewPermissionStore()

	var got []domain.PermissionState
	unsubscribe := store.Subscribe(func(c domain.Capability, s domain.PermissionState) {
		assert.Equal(t, domain.CapabilityCamera, c)
		got = append(got, s)
	})

	assert.True(t, store.Set(domain.CapabilityCamera, domain.PermissionGranted))
	assert.False(t, store.Set(domain.CapabilityCamera, domain.PermissionGranted))
	assert.True(t, store.Set(domain.CapabilityCamera, domain.PermissionDenied))

	unsubscribe()
	unsubscribe()
	store.Set(domain.CapabilityCamera, domain.PermissionGranted)

	assert.Equal(t, []domain.PermissionState{domain.PermissionGranted, domain.PermissionDenied}, got)
}

func TestPermissionStore_SnapshotIsACopy(t *testing.T) {
	store := NewPermissionStore()
	snap := store.Snapshot()
	snap[domain.CapabilityMicrophone] = domain.PermissionDenied

	assert.Equal(t, domain.PermissionChecking, store.Get(domain.CapabilityMicrophone))
}
