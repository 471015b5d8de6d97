package csp

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hpe-storage/truenas-csp/internal/backend"
)

func (s *Service) findSnapshot(ctx context.Context, field, value string) (backend.Raw, error) {
	return s.backend.FindOne(ctx, "zfs/snapshot", &backend.Lookup{
		Field: field,
		Value: value,
	})
}

// CreateSnapshot takes a snapshot of the volume, idempotently: an
// existing snapshot of the same name is returned as-is. On SCALE a
// hold is placed on user-initiated snapshots so the appliance cannot
// destroy them implicitly; clone-auxiliary snapshots (recognized by
// their name prefix) are left unheld.
func (s *Service) CreateSnapshot(ctx context.Context, req *SnapshotCreateRequest) (*Snapshot, error) {
	dsName := backend.IDToDataset(req.VolumeID)
	fullName := dsName + "@" + req.Name

	snapshot, err := s.findSnapshot(ctx, "name", fullName)
	if err != nil {
		return nil, err
	}

	if snapshot == nil {
		resp, err := s.backend.Post(ctx, "zfs/snapshot", map[string]any{
			"name":    req.Name,
			"dataset": dsName,
		})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, ErrBackend(resp)
		}

		// The create response lacks properties; re-read the snapshot.
		snapshot, err = s.findSnapshot(ctx, "name", fullName)
		if err != nil {
			return nil, err
		}
		if snapshot == nil {
			return nil, ErrNotFound("Snapshot %s not found after creation", fullName)
		}

		version, err := s.backend.Version(ctx)
		if err != nil {
			return nil, err
		}
		if version == backend.VersionSCALE && !strings.HasPrefix(req.Name, s.cfg.ISCSI.CloneFromPVCPrefix) {
			resp, err := s.backend.Post(ctx, "zfs/snapshot/hold", map[string]any{
				"id": fullName,
			})
			if err != nil {
				return nil, err
			}
			if !resp.OK() {
				return nil, ErrBackend(resp)
			}
			s.logger.Debug("Snapshot hold placed", zap.String("id", fullName))
		}
	}

	s.logger.Info("Snapshot created", zap.String("name", req.Name))
	return snapshotToSnapshot(snapshot), nil
}

// GetSnapshot inspects one snapshot by CSP id.
func (s *Service) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	snapshot, err := s.findSnapshot(ctx, "id", backend.IDToDataset(snapshotID))
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrNotFound("Snapshot not found %s", snapshotID)
	}
	return snapshotToSnapshot(snapshot), nil
}

// ListSnapshots looks a snapshot up by name, or lists a volume's
// snapshots. Listings hide clone-auxiliary snapshots by returning only
// held ones; an explicit name miss is an error while an empty listing
// is not.
func (s *Service) ListSnapshots(ctx context.Context, name, volumeID string) ([]*Snapshot, error) {
	if name != "" {
		snapshot, err := s.findSnapshot(ctx, "snapshot_name", backend.IDToDataset(name))
		if err != nil {
			return nil, err
		}
		if snapshot == nil {
			return nil, ErrNotFound("Snapshot with name %s not found", name)
		}
		return []*Snapshot{snapshotToSnapshot(snapshot)}, nil
	}

	snapshots, err := s.backend.FindAll(ctx, "zfs/snapshot", &backend.Lookup{
		Field:  "dataset",
		Value:  backend.IDToDataset(volumeID),
		Extras: map[string]any{"holds": true},
	})
	if err != nil {
		return nil, err
	}

	results := []*Snapshot{}
	for _, snapshot := range snapshots {
		if len(snapshot.Map("holds")) == 0 {
			continue
		}
		results = append(results, snapshotToSnapshot(snapshot))
	}
	return results, nil
}

func snapshotClones(snapshot backend.Raw) int {
	numclones, _ := strconv.Atoi(snapshot.Map("properties").Prop("numclones", "value"))
	return numclones
}

// DeleteSnapshot removes a snapshot. A snapshot with live clones is
// waited on and then treated as logically deleted: it disappears from
// the CSP surface but stays on the appliance until its clones drop.
func (s *Service) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	dsID := backend.IDToDataset(snapshotID)

	snapshot, err := s.findSnapshot(ctx, "id", dsID)
	if err != nil {
		return err
	}
	if snapshot == nil {
		s.logger.Info("Snapshot not found", zap.String("id", snapshotID))
		return ErrNotFound("Snapshot not found %s", snapshotID)
	}

	if snapshotClones(snapshot) > 0 {
		s.logger.Info("Snapshot has clones, waiting", zap.String("id", snapshotID))
		settled, err := backend.Poll(ctx, s.backend.Retries(), s.backend.Delay(),
			func(ctx context.Context) (bool, error) {
				current, err := s.findSnapshot(ctx, "id", dsID)
				if err != nil {
					return false, err
				}
				if current == nil {
					return true, nil
				}
				snapshot = current
				return snapshotClones(current) == 0, nil
			})
		if err != nil {
			return err
		}
		if !settled && snapshotClones(snapshot) > 0 {
			s.logger.Info("Snapshot had clones, not deleted", zap.String("id", snapshotID))
			return nil
		}
	}

	version, err := s.backend.Version(ctx)
	if err != nil {
		return err
	}
	if version == backend.VersionSCALE {
		// Release is idempotent; an unheld snapshot is not an error.
		if _, err := s.backend.Post(ctx, "zfs/snapshot/release", map[string]any{
			"id": snapshot.ID(),
		}); err != nil {
			return err
		}
	}

	uri := backend.URIForID("zfs/snapshot", snapshot.ID())

	if err := s.backend.Delete(ctx, uri, ""); err != nil {
		return err
	}

	_, err = backend.Poll(ctx, s.backend.Retries(), s.backend.Delay(),
		func(ctx context.Context) (bool, error) {
			remaining, err := s.findSnapshot(ctx, "id", dsID)
			if err != nil {
				return false, err
			}
			if remaining == nil {
				return true, nil
			}
			s.logger.Info("Snapshot deletion retried", zap.String("id", snapshotID))
			return false, s.backend.Delete(ctx, uri, "")
		})
	if err != nil {
		return err
	}

	s.logger.Info("Snapshot deleted", zap.String("id", snapshotID))
	return nil
}
