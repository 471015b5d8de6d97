package csp

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/hpe-storage/truenas-csp/internal/backend"
)

// targetTriple is the iSCSI composition of one published volume: the
// target, the extent backing its zvol, and the lun-0 mapping between
// them, all named by the access name.
type targetTriple struct {
	target       backend.Raw
	extent       backend.Raw
	targetExtent backend.Raw
}

// getTarget looks the full triple up by access name. A partial triple
// is reported as absent so the caller re-drives creation; each creation
// step is itself fetch-before-create, which keeps retried publishes
// convergent.
func (s *Service) getTarget(ctx context.Context, accessName string) (*targetTriple, error) {
	target, err := s.backend.FindOne(ctx, "iscsi/target", &backend.Lookup{
		Field: "name", Value: accessName,
	})
	if err != nil {
		return nil, err
	}

	extent, err := s.backend.FindOne(ctx, "iscsi/extent", &backend.Lookup{
		Field: "name", Value: accessName,
	})
	if err != nil {
		return nil, err
	}

	var targetExtent backend.Raw
	if extent != nil {
		targetExtent, err = s.backend.FindOne(ctx, "iscsi/targetextent", &backend.Lookup{
			Field: "extent", Value: extent["id"],
		})
		if err != nil {
			return nil, err
		}
	}

	if target == nil || extent == nil || targetExtent == nil {
		return nil, nil
	}

	return &targetTriple{target: target, extent: extent, targetExtent: targetExtent}, nil
}

// targetAuthNetworks computes the auth_networks value a SCALE target
// carries: a user-supplied CSV override when present, otherwise the
// networks enclosing the discovery addresses.
func (s *Service) targetAuthNetworks(ctx context.Context, config map[string]string, discoveryIPs []string) ([]string, error) {
	if custom := config["auth_networks"]; custom != "" {
		networks, err := validateAuthNetworks(custom)
		if err != nil {
			return nil, ErrBadRequest("%s", err)
		}
		s.logger.Debug("Using custom auth_networks", zap.Strings("networks", networks))
		return networks, nil
	}

	networks, err := s.ipaddrsToNetworks(ctx, discoveryIPs)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Using discovery auth_networks", zap.Strings("networks", networks))
	return networks, nil
}

// createTarget composes the triple for a dataset: target, extent over
// the zvol, lun-0 mapping. Target creation is retried because a busy
// appliance intermittently rejects it right after dataset operations.
func (s *Service) createTarget(ctx context.Context, dataset backend.Raw, config map[string]string) (*targetTriple, error) {
	accessName := backend.LeafName(dataset.ID())

	discoveryIPs, err := s.discoveryIPs(ctx)
	if err != nil {
		return nil, err
	}

	targetPayload := map[string]any{
		"name": accessName,
	}

	version, err := s.backend.Version(ctx)
	if err != nil {
		return nil, err
	}
	if version == backend.VersionSCALE {
		networks, err := s.targetAuthNetworks(ctx, config, discoveryIPs)
		if err != nil {
			return nil, err
		}
		targetPayload["auth_networks"] = networks
	}

	target, err := s.backend.FindOne(ctx, "iscsi/target", &backend.Lookup{
		Field: "name", Value: accessName,
	})
	if err != nil {
		return nil, err
	}

	if target == nil {
		resp, err := s.backend.Post(ctx, "iscsi/target", targetPayload)
		if err != nil {
			return nil, err
		}
		if target, err = resp.Entity(); err != nil || target.ID() == "" {
			created, pollErr := backend.Poll(ctx, s.backend.Retries(), s.backend.Delay(),
				func(ctx context.Context) (bool, error) {
					resp, err := s.backend.Post(ctx, "iscsi/target", targetPayload)
					if err != nil {
						return false, err
					}
					if entity, err := resp.Entity(); err == nil && entity.ID() != "" {
						target = entity
						return true, nil
					}
					s.logger.Debug("Target creation retried", zap.String("name", accessName))
					return false, nil
				})
			if pollErr != nil {
				return nil, pollErr
			}
			if !created {
				s.backend.RetryExhausted("iscsi/target")
				return nil, NewError("Exception", 500, "Unable to create target %s", accessName)
			}
		}
		s.logger.Debug("Target created", zap.String("name", accessName))
	}

	extent, err := s.backend.FindOne(ctx, "iscsi/extent", &backend.Lookup{
		Field: "name", Value: accessName,
	})
	if err != nil {
		return nil, err
	}
	if extent == nil {
		resp, err := s.backend.Post(ctx, "iscsi/extent", map[string]any{
			"type":    "DISK",
			"comment": extentComment,
			"name":    accessName,
			"disk":    "zvol/" + dataset.ID(),
		})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, ErrBackend(resp)
		}
		if extent, err = resp.Entity(); err != nil {
			return nil, err
		}
		s.logger.Debug("Extent created", zap.String("name", accessName))
	}

	targetExtent, err := s.backend.FindOne(ctx, "iscsi/targetextent", &backend.Lookup{
		Field: "extent", Value: extent["id"],
	})
	if err != nil {
		return nil, err
	}
	if targetExtent == nil {
		resp, err := s.backend.Post(ctx, "iscsi/targetextent", map[string]any{
			"target": target["id"],
			"extent": extent["id"],
			"lunid":  0,
		})
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, ErrBackend(resp)
		}
		if targetExtent, err = resp.Entity(); err != nil {
			return nil, err
		}
		s.logger.Debug("Target extent created", zap.String("name", accessName))
	}

	return &targetTriple{target: target, extent: extent, targetExtent: targetExtent}, nil
}

// publishPortal validates invariant state of the discovery portal: it
// must exist, be unique, and listen on at least one concrete address.
func (s *Service) publishPortal(ctx context.Context) (backend.Raw, []string, error) {
	portals, err := s.backend.FindAll(ctx, "iscsi/portal", &backend.Lookup{
		Field: "comment", Value: s.cfg.ISCSI.PortalComment,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(portals) == 0 {
		return nil, nil, ErrMisconfigured("No iSCSI portal with comment %s found", s.cfg.ISCSI.PortalComment)
	}
	if len(portals) > 1 {
		return nil, nil, ErrMisconfigured("Multiple iSCSI portals with comment %s found", s.cfg.ISCSI.PortalComment)
	}

	portal := portals[0]
	var discoveryIPs []string
	for _, listen := range portal.Entities("listen") {
		ip := listen.Str("ip")
		if ip == "0.0.0.0" || ip == "::" {
			return nil, nil, ErrMisconfigured(
				"Using %s as listening interface on the portal is not supported", ip)
		}
		discoveryIPs = append(discoveryIPs, ip)
	}
	if len(discoveryIPs) == 0 {
		return nil, nil, ErrMisconfigured("Portal %s has no listen addresses", s.cfg.ISCSI.PortalComment)
	}

	return portal, discoveryIPs, nil
}

// discoveryIPs returns the portal's listen addresses without the full
// publish validation, for target creation at provisioning time.
func (s *Service) discoveryIPs(ctx context.Context) ([]string, error) {
	portal, err := s.backend.FindOne(ctx, "iscsi/portal", &backend.Lookup{
		Field: "comment", Value: s.cfg.ISCSI.PortalComment,
	})
	if err != nil {
		return nil, err
	}
	if portal == nil {
		return nil, ErrMisconfigured("No iSCSI portal with comment %s found", s.cfg.ISCSI.PortalComment)
	}

	var ips []string
	for _, listen := range portal.Entities("listen") {
		ips = append(ips, listen.Str("ip"))
	}
	return ips, nil
}

// basename returns the appliance's iSCSI basename after validating it
// against the accepted set.
func (s *Service) basename(ctx context.Context) (string, error) {
	global, err := s.backend.FindOne(ctx, "iscsi/global", nil)
	if err != nil {
		return "", err
	}

	basename := global.Str("basename")
	for _, accepted := range s.cfg.ISCSI.AcceptedBasenames {
		if basename == accepted {
			return basename, nil
		}
	}
	return "", ErrMisconfigured("%s is not a valid basename, use %s",
		basename, strings.Join(s.cfg.ISCSI.AcceptedBasenames, " or "))
}

// Publish attaches a host to a volume: it ensures the target triple,
// merges the host's IQNs into the target initiator group, and binds the
// portal (with CHAP when configured) to the target. Serialized per
// access name, so concurrent publishes to one volume cannot tear the
// IQN set while different volumes proceed in parallel.
func (s *Service) Publish(ctx context.Context, volumeID string, req *PublishRequest) (*PublishResult, error) {
	accessName := backend.VolumeIDToName(volumeID)

	unlock := s.locks.Lock("target/" + accessName)
	defer unlock()

	basename, err := s.basename(ctx)
	if err != nil {
		return nil, err
	}

	portal, discoveryIPs, err := s.publishPortal(ctx)
	if err != nil {
		return nil, err
	}

	dataset, err := s.backend.FindOne(ctx, "pool/dataset", &backend.Lookup{
		Field: "name", Value: backend.IDToDataset(volumeID),
	})
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, ErrNotFound("Volume with id %s not found", volumeID)
	}

	triple, err := s.getTarget(ctx, accessName)
	if err != nil {
		return nil, err
	}
	if triple == nil {
		if triple, err = s.createTarget(ctx, dataset, req.Config); err != nil {
			return nil, err
		}
	}

	host, err := s.backend.FindOne(ctx, "iscsi/initiator", &backend.Lookup{
		Field: "comment", Value: req.HostUUID,
	})
	if err != nil {
		return nil, err
	}
	if host == nil {
		return nil, NewError("Exception", 500, "Host %s is not registered", req.HostUUID)
	}

	initiator, err := s.applyTargetInitiator(ctx, accessName)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{
		"initiators": mergeSets(initiator.Strings("initiators"), host.Strings("initiators")),
	}

	version, err := s.backend.Version(ctx)
	if err != nil {
		return nil, err
	}
	if version.UsesAuthNetwork() {
		hosts, err := cidrsToHosts(host.Strings("auth_network"))
		if err != nil {
			return nil, err
		}
		merged["auth_network"] = mergeSets(hosts, initiator.Strings("auth_network"))
	}

	resp, err := s.backend.Put(ctx, "iscsi/initiator/id/"+initiator.ID(), merged)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, ErrBackend(resp)
	}
	if initiator, err = resp.Entity(); err != nil {
		return nil, err
	}

	portalGroup := map[string]any{
		"portal":    portal["id"],
		"initiator": initiator["id"],
	}

	var chapUser, chapPassword string
	auth, err := s.backend.FindOne(ctx, "iscsi/auth", &backend.Lookup{
		Field: "tag", Value: s.cfg.ISCSI.ChapTag,
	})
	if err != nil {
		return nil, err
	}
	if auth != nil {
		portalGroup["auth"] = s.cfg.ISCSI.ChapTag
		portalGroup["authmethod"] = "CHAP"
		chapUser = auth.Str("user")
		chapPassword = auth.Str("secret")
	}

	resp, err = s.backend.Put(ctx, "iscsi/target/id/"+triple.target.ID(), map[string]any{
		"name":   accessName,
		"groups": []any{portalGroup},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, ErrBackend(resp)
	}

	s.logger.Info("Volume published", zap.String("id", volumeID))

	return &PublishResult{
		DiscoveryIPs:   discoveryIPs,
		AccessProtocol: "iscsi",
		LunID:          0,
		SerialNumber:   strings.TrimPrefix(triple.extent.Str("naa"), "0x"),
		ChapUser:       chapUser,
		ChapPassword:   chapPassword,
		TargetNames:    []string{basename + ":" + accessName},
	}, nil
}

// Unpublish detaches a host from a volume: the host's IQNs leave the
// target initiator group, and the last departure removes the group —
// plus, on LEGACY, the residual target composition the appliance does
// not clean up itself.
func (s *Service) Unpublish(ctx context.Context, volumeID string, req *PublishRequest) error {
	accessName := backend.VolumeIDToName(volumeID)

	unlock := s.locks.Lock("target/" + accessName)
	defer unlock()

	target, err := s.backend.FindOne(ctx, "iscsi/target", &backend.Lookup{
		Field: "name", Value: accessName,
	})
	if err != nil {
		return err
	}

	host, err := s.backend.FindOne(ctx, "iscsi/initiator", &backend.Lookup{
		Field: "comment", Value: req.HostUUID,
	})
	if err != nil {
		return err
	}

	initiator, err := s.backend.FindOne(ctx, "iscsi/initiator", &backend.Lookup{
		Field: "comment", Value: accessName,
	})
	if err != nil {
		return err
	}
	if initiator == nil {
		// Nothing is published; unpublish is idempotent.
		s.logger.Info("Volume already unpublished", zap.String("id", volumeID))
		return nil
	}

	current := initiator.Strings("initiators")
	preserved := current
	if host != nil {
		preserved = subtractSet(current, host.Strings("initiators"))
	}

	if len(preserved) > 0 {
		if sameSet(current, preserved) {
			s.logger.Info("Host was not publishing volume",
				zap.String("id", volumeID), zap.String("host_uuid", req.HostUUID))
			return nil
		}

		payload := map[string]any{"initiators": preserved}

		version, err := s.backend.Version(ctx)
		if err != nil {
			return err
		}
		if version.UsesAuthNetwork() && host != nil {
			hosts, err := cidrsToHosts(host.Strings("auth_network"))
			if err != nil {
				return err
			}
			payload["auth_network"] = subtractSet(initiator.Strings("auth_network"), hosts)
		}

		resp, err := s.backend.Put(ctx, "iscsi/initiator/id/"+initiator.ID(), payload)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return ErrBackend(resp)
		}

		s.logger.Info("Volume unpublished", zap.String("id", volumeID),
			zap.Strings("initiators_left", preserved))
		return nil
	}

	// Last publisher left; drop the target initiator group.
	if err := s.backend.Delete(ctx, "iscsi/initiator/id/"+initiator.ID(), ""); err != nil {
		return err
	}

	version, err := s.backend.Version(ctx)
	if err != nil {
		return err
	}
	if version == backend.VersionLEGACY {
		if err := s.removeLegacyResiduals(ctx, accessName, target); err != nil {
			return err
		}
	}

	s.logger.Info("Volume unpublished", zap.String("id", volumeID))
	return nil
}

// removeLegacyResiduals deletes the target composition FreeNAS leaves
// behind once no initiator references it.
func (s *Service) removeLegacyResiduals(ctx context.Context, accessName string, target backend.Raw) error {
	if target != nil {
		gone := func(ctx context.Context) (bool, error) {
			remaining, err := s.backend.FindOne(ctx, "iscsi/target", &backend.Lookup{
				Field: "name", Value: accessName,
			})
			return remaining == nil, err
		}
		if err := s.deleteWithForce(ctx, "iscsi/target", target.ID(), gone, "true"); err != nil {
			return err
		}

		mapping, err := s.backend.FindOne(ctx, "iscsi/targetextent", &backend.Lookup{
			Field: "target", Value: target["id"],
		})
		if err != nil {
			return err
		}
		if mapping != nil {
			gone := func(ctx context.Context) (bool, error) {
				remaining, err := s.backend.FindOne(ctx, "iscsi/targetextent", &backend.Lookup{
					Field: "target", Value: target["id"],
				})
				return remaining == nil, err
			}
			if err := s.deleteWithForce(ctx, "iscsi/targetextent", mapping.ID(), gone, "true"); err != nil {
				return err
			}
		}
	}

	extent, err := s.backend.FindOne(ctx, "iscsi/extent", &backend.Lookup{
		Field: "name", Value: accessName,
	})
	if err != nil {
		return err
	}
	if extent != nil {
		gone := func(ctx context.Context) (bool, error) {
			remaining, err := s.backend.FindOne(ctx, "iscsi/extent", &backend.Lookup{
				Field: "name", Value: accessName,
			})
			return remaining == nil, err
		}
		if err := s.deleteWithForce(ctx, "iscsi/extent", extent.ID(), gone,
			`{"force": true, "remove": true}`); err != nil {
			return err
		}
	}

	return nil
}

// deleteWithForce deletes an iSCSI resource, polling until the lookup
// reports it gone. When the budget drains a final forced delete is
// issued: the appliance rejects deletion while an initiator is still
// connected, and the force call starts its async teardown.
func (s *Service) deleteWithForce(ctx context.Context, resource, id string, gone func(ctx context.Context) (bool, error), forceBody string) error {
	uri := resource + "/id/" + id

	if err := s.backend.Delete(ctx, uri, ""); err != nil {
		return err
	}

	removed, err := backend.Poll(ctx, s.backend.Retries(), s.backend.Delay(),
		func(ctx context.Context) (bool, error) {
			done, err := gone(ctx)
			if err != nil || done {
				return done, err
			}
			s.logger.Debug("Deletion retried", zap.String("uri", uri))
			return false, s.backend.Delete(ctx, uri, "")
		})
	if err != nil {
		return err
	}

	if !removed {
		s.backend.RetryExhausted(resource)
		s.logger.Info("Forcing deletion", zap.String("uri", uri))
		return s.backend.Delete(ctx, uri, forceBody)
	}
	return nil
}
