package csp

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/hpe-storage/truenas-csp/internal/backend"
)

// datasetMutables maps the config keys a Volume PUT may change to
// their dataset attribute.
var datasetMutables = map[string]string{
	"size":          "volsize",
	"description":   "comments",
	"deduplication": "deduplication",
	"compression":   "compression",
	"sync":          "sync",
	"volblocksize":  "volblocksize",
}

func (s *Service) configOrDefault(config map[string]string, key, fallback string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return fallback
}

// renderDescription fills the description template's {pv}, {pvc} and
// {namespace} placeholders from the PVC annotations the CSI driver
// passes through config.
func renderDescription(template string, config map[string]string) string {
	replacer := strings.NewReplacer(
		"{pv}", valueOr(config, "csi.storage.k8s.io/pv/name", "pv"),
		"{pvc}", valueOr(config, "csi.storage.k8s.io/pvc/name", "pvc"),
		"{namespace}", valueOr(config, "csi.storage.k8s.io/pvc/namespace", "namespace"),
	)
	return replacer.Replace(template)
}

func valueOr(config map[string]string, key, fallback string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return fallback
}

// CreateVolume provisions a fresh zvol, or clones one from a snapshot,
// and immediately composes its iSCSI target triple so the volume is
// addressable before the first publish.
func (s *Service) CreateVolume(ctx context.Context, req *VolumeCreateRequest) (*Volume, error) {
	root := s.configOrDefault(req.Config, "root", s.cfg.Dataset.Root)
	name := root + "/" + req.Name

	var dataset backend.Raw

	if req.Clone {
		resp, err := s.backend.Post(ctx, "zfs/snapshot/clone", map[string]any{
			"snapshot":    backend.IDToDataset(req.BaseSnapshotID),
			"dataset_dst": name,
		})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, ErrBackend(resp)
		}

		dataset, err = s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
			Field: "name",
			Value: name,
		})
		if err != nil {
			return nil, err
		}
		if dataset == nil {
			return nil, ErrNotFound("Cloned dataset %s not found", name)
		}
	} else {
		description := req.Description
		if description == "" {
			description = s.cfg.Dataset.Description
		}

		sparse, err := strconv.ParseBool(strings.ToLower(
			s.configOrDefault(req.Config, "sparse", s.cfg.Dataset.Sparse)))
		if err != nil {
			return nil, ErrBadRequest("Invalid sparse value: %s", err)
		}

		resp, err := s.backend.Post(ctx, "pool/dataset", map[string]any{
			"type":          "VOLUME",
			"name":          name,
			"comments":      renderDescription(description, req.Config),
			"volsize":       strconv.FormatInt(req.Size, 10),
			"volblocksize":  s.configOrDefault(req.Config, "volblocksize", s.cfg.Dataset.Volblocksize),
			"sparse":        sparse,
			"deduplication": s.configOrDefault(req.Config, "deduplication", s.cfg.Dataset.Deduplication),
			"sync":          s.configOrDefault(req.Config, "sync", s.cfg.Dataset.Sync),
			"compression":   s.configOrDefault(req.Config, "compression", s.cfg.Dataset.Compression),
		})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, ErrBackend(resp)
		}

		if dataset, err = resp.Entity(); err != nil {
			return nil, err
		}
	}

	// The triple must exist before the first publish request arrives.
	if _, err := s.createTarget(ctx, dataset, req.Config); err != nil {
		return nil, err
	}

	s.logger.Info("Volume created", zap.String("name", req.Name))
	return s.datasetToVolume(ctx, dataset)
}

// GetVolume inspects one volume by CSP id.
func (s *Service) GetVolume(ctx context.Context, volumeID string) (*Volume, error) {
	dataset, err := s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
		Field: "name",
		Value: backend.IDToDataset(volumeID),
	})
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, ErrNotFound("Volume with id %s not found", volumeID)
	}
	return s.datasetToVolume(ctx, dataset)
}

// ListVolumes looks volumes up by leaf name. The CSI driver only ever
// asks by name; an unfiltered listing returns an empty set.
func (s *Service) ListVolumes(ctx context.Context, name string) ([]*Volume, error) {
	if name == "" {
		return []*Volume{}, nil
	}

	pattern, err := regexp.Compile(".*/" + regexp.QuoteMeta(name) + "$")
	if err != nil {
		return nil, err
	}

	dataset, err := s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
		Field: "name",
		Value: pattern,
	})
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, ErrNotFound("Volume with name %s not found", name)
	}

	volume, err := s.datasetToVolume(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return []*Volume{volume}, nil
}

// UpdateVolume mutates the allowed dataset properties through a single
// dataset PUT. Unknown config keys are rejected.
func (s *Service) UpdateVolume(ctx context.Context, volumeID string, req *VolumeUpdateRequest) (*Volume, error) {
	dsName := backend.IDToDataset(volumeID)

	dataset, err := s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
		Field: "name",
		Value: dsName,
	})
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, ErrNotFound("Volume with id %s not found", volumeID)
	}

	payload := map[string]any{}
	if req.Size > 0 {
		payload["volsize"] = req.Size
	}
	if req.Description != "" {
		payload["comments"] = req.Description
	}
	for key, value := range req.Config {
		attr, ok := datasetMutables[key]
		if !ok {
			return nil, ErrBadRequest(
				"The request could not be understood by the server. Unexpected argument %q", key)
		}
		payload[attr] = value
	}

	resp, err := s.backend.Put(ctx, backend.URIForID("pool/dataset", dataset.ID()), payload)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, ErrBackend(resp)
	}

	dataset, err = s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
		Field: "name",
		Value: dsName,
	})
	if err != nil {
		return nil, err
	}

	volume, err := s.datasetToVolume(ctx, dataset)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Volume updated", zap.String("id", volume.ID))
	return volume, nil
}

// datasetIsBusy reports whether other datasets originate from this one
// or any of its snapshots is held or cloned.
func (s *Service) datasetIsBusy(ctx context.Context, dataset backend.Raw) (bool, error) {
	dependents, err := s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
		Field:    "origin",
		Attr:     "value",
		Operator: "^",
		Value:    dataset.ID() + "@",
	})
	if err != nil {
		return false, err
	}
	if dependents != nil {
		s.logger.Debug("Dataset has dependents", zap.String("id", dataset.ID()))
		return true, nil
	}

	snapshots, err := s.backend.FindAll(ctx, "zfs/snapshot", &backend.Lookup{
		Field:    "name",
		Operator: "^",
		Value:    dataset.ID() + "@",
		Extras:   map[string]any{"holds": true},
	})
	if err != nil {
		return false, err
	}

	for _, snapshot := range snapshots {
		numclones, _ := strconv.Atoi(snapshot.Map("properties").Prop("numclones", "value"))
		if len(snapshot.Map("holds")) > 0 || numclones > 0 {
			s.logger.Debug("Snapshot is busy", zap.String("id", snapshot.ID()))
			return true, nil
		}
	}

	s.logger.Debug("Dataset clear for removal", zap.String("id", dataset.ID()))
	return false, nil
}

// DeleteVolume removes an unpublished, non-busy volume, polling until
// the appliance reports the dataset gone. TrueNAS can acknowledge the
// destroy while it is still queued.
func (s *Service) DeleteVolume(ctx context.Context, volumeID string) error {
	dsName := backend.IDToDataset(volumeID)

	dataset, err := s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
		Field: "name",
		Value: dsName,
	})
	if err != nil {
		return err
	}
	if dataset == nil {
		return ErrNotFound("Volume with id %s not found", volumeID)
	}

	volume, err := s.datasetToVolume(ctx, dataset)
	if err != nil {
		return err
	}
	if volume.Published {
		return ErrBadRequest("Cannot delete a published volume")
	}

	busy, err := s.datasetIsBusy(ctx, dataset)
	if err != nil {
		return err
	}
	if busy {
		return ErrConflict("Volume %s has dependent clones or held snapshots", volumeID)
	}

	uri := backend.URIForID("pool/dataset", dataset.ID())
	body := `{"recursive": true, "force": true}`

	if err := s.backend.Delete(ctx, uri, body); err != nil {
		return err
	}

	gone, err := backend.Poll(ctx, s.backend.Retries(), s.backend.Delay(),
		func(ctx context.Context) (bool, error) {
			remaining, err := s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
				Field: "name",
				Value: dsName,
			})
			if err != nil {
				return false, err
			}
			if remaining == nil {
				return true, nil
			}
			s.logger.Info("Dataset deletion retried", zap.String("id", volumeID))
			return false, s.backend.Delete(ctx, uri, body)
		})
	if err != nil {
		return err
	}
	if !gone {
		// Check once more; the last delete may have just landed.
		remaining, err := s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
			Field: "name",
			Value: dsName,
		})
		if err != nil {
			return err
		}
		if remaining != nil {
			s.backend.RetryExhausted("pool/dataset")
			return NewError("Exception", 500, "Dataset %s still present after deletion", dsName)
		}
	}

	s.logger.Info("Volume deleted", zap.String("id", volumeID))
	return nil
}
