package backend

import (
	"context"
	"strings"
)

// Version identifies the backend appliance variant. Several iSCSI
// behaviors differ between them: SCALE carries auth_networks on the
// target and supports snapshot holds, CORE and LEGACY carry
// auth_network host lists on initiator groups.
type Version int

const (
	VersionUnknown Version = iota
	VersionSCALE
	VersionCORE
	VersionLEGACY
)

func (v Version) String() string {
	switch v {
	case VersionSCALE:
		return "SCALE"
	case VersionCORE:
		return "CORE"
	case VersionLEGACY:
		return "LEGACY"
	}
	return "unknown"
}

// UsesAuthNetwork reports whether initiator groups carry the
// auth_network host list on this variant.
func (v Version) UsesAuthNetwork() bool {
	return v == VersionCORE || v == VersionLEGACY
}

// Version probes system/version and classifies the appliance. A
// recognized variant is cached for the lifetime of the client, which
// is a single CSP request; an unknown result is probed again.
func (c *Client) Version(ctx context.Context) (Version, error) {
	if c.version != VersionUnknown {
		return c.version, nil
	}

	resp, err := c.Get(ctx, "system/version", nil)
	if err != nil {
		return VersionUnknown, err
	}

	var version string
	if err := resp.Decode(&version); err != nil {
		return VersionUnknown, err
	}

	switch {
	case strings.Contains(version, "TrueNAS-SCALE"):
		c.version = VersionSCALE
	case strings.Contains(version, "TrueNAS"):
		c.version = VersionCORE
	case strings.Contains(version, "FreeNAS"):
		c.version = VersionLEGACY
	}

	return c.version, nil
}
