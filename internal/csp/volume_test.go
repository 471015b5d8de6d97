package csp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateVolumeBuildsTriple(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)

	volume := createVolume(t, s, "pvc-1")

	assert.Equal(t, "tank_pvc-1", volume.ID)
	assert.Equal(t, "pvc-1", volume.Name)
	assert.Equal(t, int64(1073741824), volume.Size)
	assert.False(t, volume.Published)
	assert.Equal(t, "volume", volume.Config.TargetScope)

	fake.mu.Lock()
	defer fake.mu.Unlock()

	_, ok := fake.datasets["tank/pvc-1"]
	assert.True(t, ok)

	require.Len(t, fake.targets, 1)
	assert.Equal(t, "pvc-1", fake.targets[0]["name"])

	require.Len(t, fake.extents, 1)
	assert.Equal(t, "pvc-1", fake.extents[0]["name"])
	assert.Equal(t, "zvol/tank/pvc-1", fake.extents[0]["disk"])

	require.Len(t, fake.targetextents, 1)
	assert.Equal(t, float64(0), fake.targetextents[0]["lunid"])
}

func TestCreateVolumeRendersDescription(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)

	volume, err := s.CreateVolume(context.Background(), &VolumeCreateRequest{
		Name: "pvc-1",
		Size: 1073741824,
		Config: map[string]string{
			"root":                             "tank",
			"csi.storage.k8s.io/pv/name":       "pv-abc",
			"csi.storage.k8s.io/pvc/name":      "data",
			"csi.storage.k8s.io/pvc/namespace": "prod",
		},
	})
	require.NoError(t, err)
	assert.Equal(t,
		"Dataset created by HPE CSI Driver for Kubernetes as pv-abc in prod from data",
		volume.Description)
}

func TestCreateVolumeClone(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)
	ctx := context.Background()

	createVolume(t, s, "pvc-1")
	_, err := s.CreateSnapshot(ctx, &SnapshotCreateRequest{
		Name:     "snap-for-clone-1",
		VolumeID: "tank_pvc-1",
	})
	require.NoError(t, err)

	clone, err := s.CreateVolume(ctx, &VolumeCreateRequest{
		Name:           "pvc-2",
		Clone:          true,
		BaseSnapshotID: "tank_pvc-1@snap-for-clone-1",
		Config:         map[string]string{"root": "tank"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tank_pvc-2", clone.ID)
	assert.Equal(t, "tank_pvc-1@snap-for-clone-1", clone.BaseSnapshotID)
}

func TestGetVolumeNotFound(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)

	_, err := s.GetVolume(context.Background(), "tank_missing")
	var cspErr *Error
	require.ErrorAs(t, err, &cspErr)
	assert.Equal(t, "Not found", cspErr.Code)
	assert.Equal(t, 404, cspErr.Status)
}

func TestListVolumesByName(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)
	ctx := context.Background()

	createVolume(t, s, "pvc-1")

	volumes, err := s.ListVolumes(ctx, "pvc-1")
	require.NoError(t, err)
	require.Len(t, volumes, 1)
	assert.Equal(t, "tank_pvc-1", volumes[0].ID)

	_, err = s.ListVolumes(ctx, "missing")
	var cspErr *Error
	require.ErrorAs(t, err, &cspErr)
	assert.Equal(t, 404, cspErr.Status)

	volumes, err = s.ListVolumes(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, volumes)
}

func TestUpdateVolume(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)
	ctx := context.Background()

	createVolume(t, s, "pvc-1")

	volume, err := s.UpdateVolume(ctx, "tank_pvc-1", &VolumeUpdateRequest{
		Size:        2147483648,
		Description: "resized",
		Config:      map[string]string{"compression": "ZSTD"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2147483648), volume.Size)
	assert.Equal(t, "resized", volume.Description)
	assert.Equal(t, "ZSTD", volume.Config.Compression)
}

func TestUpdateVolumeRejectsUnknownKey(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)

	createVolume(t, s, "pvc-1")

	_, err := s.UpdateVolume(context.Background(), "tank_pvc-1", &VolumeUpdateRequest{
		Config: map[string]string{"sparse": "false"},
	})
	var cspErr *Error
	require.ErrorAs(t, err, &cspErr)
	assert.Equal(t, "Bad Request", cspErr.Code)
	assert.Equal(t, 400, cspErr.Status)
}

func TestDeleteVolumePublishedGuard(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)
	ctx := context.Background()

	createVolume(t, s, "pvc-1")
	registerHost(t, s, "h1", []string{"iqn.x:h1"}, []string{"10.0.0.0/24"})
	_, err := s.Publish(ctx, "tank_pvc-1", &PublishRequest{HostUUID: "h1"})
	require.NoError(t, err)

	err = s.DeleteVolume(ctx, "tank_pvc-1")
	var cspErr *Error
	require.ErrorAs(t, err, &cspErr)
	assert.Equal(t, "Bad Request", cspErr.Code)
	assert.Equal(t, 400, cspErr.Status)
}

func TestDeleteVolumeBusyGuard(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)
	ctx := context.Background()

	createVolume(t, s, "pvc-1")
	_, err := s.CreateSnapshot(ctx, &SnapshotCreateRequest{
		Name:     "snap-for-clone-1",
		VolumeID: "tank_pvc-1",
	})
	require.NoError(t, err)

	// Cloning raises numclones on the snapshot, making the origin busy
	_, err = s.CreateVolume(ctx, &VolumeCreateRequest{
		Name:           "pvc-2",
		Clone:          true,
		BaseSnapshotID: "tank_pvc-1@snap-for-clone-1",
		Config:         map[string]string{"root": "tank"},
	})
	require.NoError(t, err)

	err = s.DeleteVolume(ctx, "tank_pvc-1")
	var cspErr *Error
	require.ErrorAs(t, err, &cspErr)
	assert.Equal(t, "Conflict", cspErr.Code)
	assert.Equal(t, 409, cspErr.Status)
}

func TestDeleteVolumePollsUntilGone(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)
	ctx := context.Background()

	createVolume(t, s, "pvc-1")

	// The appliance acknowledges two DELETEs without destroying the
	// dataset; the third one removes it
	fake.mu.Lock()
	fake.delayDeletes["tank/pvc-1"] = 2
	fake.mu.Unlock()

	require.NoError(t, s.DeleteVolume(ctx, "tank_pvc-1"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 3, fake.deleteCounts["tank/pvc-1"])
	_, exists := fake.datasets["tank/pvc-1"]
	assert.False(t, exists)
}

func TestDeleteVolume(t *testing.T) {
	fake := newFakeAppliance(scaleVersion)
	defer fake.close()
	s := newTestService(t, fake)
	ctx := context.Background()

	createVolume(t, s, "pvc-1")
	require.NoError(t, s.DeleteVolume(ctx, "tank_pvc-1"))

	_, err := s.GetVolume(ctx, "tank_pvc-1")
	var cspErr *Error
	require.ErrorAs(t, err, &cspErr)
	assert.Equal(t, 404, cspErr.Status)
}
