package csp

import (
	"context"

	"go.uber.org/zap"

	"github.com/hpe-storage/truenas-csp/internal/backend"
)

// applyAuths reconciles the CHAP credential record for the configured
// tag: created when absent, updated when the credentials changed.
func (s *Service) applyAuths(ctx context.Context, chapUser, chapPassword string) error {
	auth, err := s.backend.FindOne(ctx, "iscsi/auth", &backend.Lookup{
		Field: "tag",
		Value: s.cfg.ISCSI.ChapTag,
	})
	if err != nil {
		return err
	}

	if auth != nil {
		s.logger.Info("CHAP found", zap.Int("tag", s.cfg.ISCSI.ChapTag))

		if auth.Str("user") != chapUser || auth.Str("secret") != chapPassword {
			resp, err := s.backend.Put(ctx, "iscsi/auth/id/"+auth.ID(), map[string]any{
				"user":   chapUser,
				"secret": chapPassword,
			})
			if err != nil {
				return err
			}
			if !resp.OK() {
				return ErrBackend(resp)
			}
			s.logger.Info("CHAP updated", zap.Int("tag", s.cfg.ISCSI.ChapTag))
		}
		return nil
	}

	resp, err := s.backend.Post(ctx, "iscsi/auth", map[string]any{
		"tag":    s.cfg.ISCSI.ChapTag,
		"user":   chapUser,
		"secret": chapPassword,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return ErrBackend(resp)
	}
	s.logger.Info("CHAP created", zap.Int("tag", s.cfg.ISCSI.ChapTag))
	return nil
}

// ApplyHost creates or updates the host initiator group keyed by the
// host UUID in the group comment, reconciling CHAP credentials first.
func (s *Service) ApplyHost(ctx context.Context, req *HostRequest) (*Host, error) {
	unlock := s.locks.Lock("host/" + req.UUID)
	defer unlock()

	if req.ChapUser != "" && req.ChapPassword != "" {
		if err := s.applyAuths(ctx, req.ChapUser, req.ChapPassword); err != nil {
			return nil, err
		}
	}

	version, err := s.backend.Version(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"comment":    req.UUID,
		"initiators": req.IQNs,
	}

	if version.UsesAuthNetwork() {
		hosts, err := cidrsToHosts(req.Networks)
		if err != nil {
			return nil, ErrBadRequest("%s", err)
		}
		payload["auth_network"] = hosts
	}

	current, err := s.backend.FindOne(ctx, "iscsi/initiator", &backend.Lookup{
		Field: "comment",
		Value: req.UUID,
	})
	if err != nil {
		return nil, err
	}

	var resp *backend.Response
	if current != nil {
		resp, err = s.backend.Put(ctx, "iscsi/initiator/id/"+current.ID(), payload)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Host updated", zap.String("uuid", req.UUID))
	} else {
		resp, err = s.backend.Post(ctx, "iscsi/initiator", payload)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Host created", zap.String("uuid", req.UUID))
	}
	if !resp.OK() {
		return nil, ErrBackend(resp)
	}

	entity, err := resp.Entity()
	if err != nil {
		return nil, err
	}

	return &Host{
		ID:       entity.ID(),
		Name:     entity.Str("comment"),
		UUID:     entity.Str("comment"),
		IQNs:     entity.Strings("initiators"),
		Networks: req.Networks,
		WWPNs:    []string{},
	}, nil
}

// DeleteHost removes the initiator group whose comment equals hostID
// and returns the backend status for passthrough.
func (s *Service) DeleteHost(ctx context.Context, hostID string) (int, error) {
	unlock := s.locks.Lock("host/" + hostID)
	defer unlock()

	initiator, err := s.backend.FindOne(ctx, "iscsi/initiator", &backend.Lookup{
		Field: "comment",
		Value: hostID,
	})
	if err != nil {
		return 0, err
	}
	if initiator == nil {
		s.logger.Info("Host not found", zap.String("host_id", hostID))
		return 0, ErrNotFound("Host with id %s not found", hostID)
	}

	if err := s.backend.Delete(ctx, "iscsi/initiator/id/"+initiator.ID(), ""); err != nil {
		return 0, err
	}

	s.logger.Info("Host deleted", zap.String("uuid", initiator.Str("comment")))
	return s.backend.Last.Status, nil
}

// applyTargetInitiator loads the target-side initiator group named by
// the access name, creating an empty one when absent.
func (s *Service) applyTargetInitiator(ctx context.Context, accessName string) (backend.Raw, error) {
	current, err := s.backend.FindOne(ctx, "iscsi/initiator", &backend.Lookup{
		Field: "comment",
		Value: accessName,
	})
	if err != nil {
		return nil, err
	}
	if current != nil {
		return current, nil
	}

	resp, err := s.backend.Post(ctx, "iscsi/initiator", map[string]any{
		"comment":    accessName,
		"initiators": []string{},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, ErrBackend(resp)
	}
	s.logger.Info("Initiator created", zap.String("name", accessName))
	return resp.Entity()
}
