package csp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"sort"
	"strconv"

	"github.com/hpe-storage/truenas-csp/internal/backend"
	"github.com/hpe-storage/truenas-csp/internal/config"
	"github.com/hpe-storage/truenas-csp/pkg/logging"
)

const extentComment = "Managed by HPE CSI Driver for Kubernetes"

// Service executes CSP operations against one appliance on behalf of
// one request. The backend client is request-scoped; the lock table is
// process-wide and shared across all services.
type Service struct {
	backend *backend.Client
	cfg     *config.Config
	logger  *logging.Logger
	locks   *LockTable
}

// NewService creates a request-scoped CSP service.
func NewService(client *backend.Client, cfg *config.Config, logger *logging.Logger, locks *LockTable) *Service {
	return &Service{
		backend: client,
		cfg:     cfg,
		logger:  logger,
		locks:   locks,
	}
}

// Backend exposes the request's backend client.
func (s *Service) Backend() *backend.Client {
	return s.backend
}

// initiatorPublished reports whether the dataset has an initiator group
// named after its leaf with at least one IQN. That is the definition of
// a published volume.
func (s *Service) initiatorPublished(ctx context.Context, dataset string) (bool, error) {
	initiator, err := s.backend.FindOne(ctx, "iscsi/initiator", &backend.Lookup{
		Field: "comment",
		Value: backend.LeafName(dataset),
	})
	if err != nil {
		return false, err
	}
	return initiator != nil && len(initiator.Strings("initiators")) > 0, nil
}

// datasetToVolume shapes a raw dataset into the CSP volume entity.
func (s *Service) datasetToVolume(ctx context.Context, dataset backend.Raw) (*Volume, error) {
	published, err := s.initiatorPublished(ctx, dataset.ID())
	if err != nil {
		return nil, err
	}

	size, _ := strconv.ParseInt(dataset.Prop("volsize", "rawvalue"), 10, 64)

	return &Volume{
		ID:             backend.DatasetToID(dataset.ID()),
		Name:           backend.LeafName(dataset.ID()),
		Size:           size,
		Description:    dataset.Prop("comments", "value"),
		BaseSnapshotID: backend.DatasetToID(dataset.Prop("origin", "value")),
		VolumeGroupID:  "",
		Published:      published,
		Config: VolumeConfig{
			Compression:   dataset.Prop("compression", "value"),
			Deduplication: dataset.Prop("deduplication", "value"),
			Sync:          dataset.Prop("sync", "value"),
			Volblocksize:  dataset.Prop("volblocksize", "value"),
			// No backing concept on TrueNAS; stable contract value.
			TargetScope: "volume",
		},
	}, nil
}

// snapshotToSnapshot shapes a raw ZFS snapshot into the CSP entity.
func snapshotToSnapshot(snapshot backend.Raw) *Snapshot {
	creation := snapshot.Map("properties").PropInt("creation", "rawvalue")

	return &Snapshot{
		ID:           backend.DatasetToID(snapshot.ID()),
		Name:         snapshot.Str("snapshot_name"),
		Description:  fmt.Sprintf("Snapshot of %s", backend.LeafName(snapshot.Str("dataset"))),
		VolumeID:     backend.DatasetToID(snapshot.Str("dataset")),
		VolumeName:   backend.LeafName(snapshot.Str("dataset")),
		CreationTime: creation,
		ReadyToUse:   true,
		Config:       map[string]any{},
	}
}

// cidrsToHosts reduces CIDR entries to their host address, e.g.
// "10.0.0.5/24" -> "10.0.0.5". Bare addresses pass through.
func cidrsToHosts(cidrs []string) ([]string, error) {
	hosts := make([]string, 0, len(cidrs))
	for _, cidr := range cidrs {
		if prefix, err := netip.ParsePrefix(cidr); err == nil {
			hosts = append(hosts, prefix.Addr().String())
			continue
		}
		addr, err := netip.ParseAddr(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", cidr, err)
		}
		hosts = append(hosts, addr.String())
	}
	return hosts, nil
}

// ipaddrsToNetworks resolves each address to its enclosing network in
// prefixlen form by scanning the appliance's interface aliases for the
// matching address and netmask.
func (s *Service) ipaddrsToNetworks(ctx context.Context, ipaddrs []string) ([]string, error) {
	interfaces, err := s.backend.FindAll(ctx, "interface", nil)
	if err != nil {
		return nil, err
	}

	var networks []string
	for _, ip := range ipaddrs {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		for _, iface := range interfaces {
			for _, alias := range iface.Entities("aliases") {
				if alias.Str("address") != ip {
					continue
				}
				bits, ok := aliasPrefixLen(alias)
				if !ok {
					continue
				}
				prefix := netip.PrefixFrom(addr, bits).Masked()
				networks = append(networks, prefix.String())
			}
		}
	}
	return networks, nil
}

// aliasPrefixLen extracts the alias netmask as a prefix length. SCALE
// reports an integer prefix, older appliances a dotted mask.
func aliasPrefixLen(alias backend.Raw) (int, bool) {
	switch val := alias["netmask"].(type) {
	case float64:
		return int(val), true
	case string:
		if bits, err := strconv.Atoi(val); err == nil {
			return bits, true
		}
		if mask := net.ParseIP(val); mask != nil {
			if v4 := mask.To4(); v4 != nil {
				ones, _ := net.IPMask(v4).Size()
				return ones, true
			}
		}
	}
	return 0, false
}

var authNetworksSeparator = regexp.MustCompile(`\s*,\s*`)

// validateAuthNetworks parses a user-supplied CSV of CIDRs, rejecting
// anything that is not a valid network.
func validateAuthNetworks(networks string) ([]string, error) {
	var res []string
	for _, cidr := range authNetworksSeparator.Split(networks, -1) {
		if cidr == "" {
			continue
		}
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return nil, fmt.Errorf("invalid auth network %q: %w", cidr, err)
		}
		res = append(res, cidr)
	}
	return res, nil
}

// mergeSets returns the sorted union of two string sets.
func mergeSets(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		seen[s] = struct{}{}
	}
	merged := make([]string, 0, len(seen))
	for s := range seen {
		merged = append(merged, s)
	}
	sort.Strings(merged)
	return merged
}

// subtractSet returns the sorted members of a not present in b.
func subtractSet(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	var left []string
	for _, s := range a {
		if _, gone := drop[s]; !gone {
			left = append(left, s)
		}
	}
	sort.Strings(left)
	return left
}

// sameSet reports whether two slices hold the same set of strings.
func sameSet(a, b []string) bool {
	if len(mergeSets(a, nil)) != len(mergeSets(b, nil)) {
		return false
	}
	return len(subtractSet(a, b)) == 0 && len(subtractSet(b, a)) == 0
}
