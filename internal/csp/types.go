package csp

import (
	"fmt"
	"net/http"

	"github.com/hpe-storage/truenas-csp/internal/backend"
)

// Volume is the CSP wire representation of a zvol dataset.
type Volume struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Size           int64        `json:"size"`
	Description    string       `json:"description"`
	BaseSnapshotID string       `json:"base_snapshot_id"`
	VolumeGroupID  string       `json:"volume_group_id"`
	Published      bool         `json:"published"`
	Config         VolumeConfig `json:"config"`
}

// VolumeConfig carries the mutable dataset properties plus the
// target_scope contract field.
type VolumeConfig struct {
	Compression   string `json:"compression"`
	Deduplication string `json:"deduplication"`
	Sync          string `json:"sync"`
	Volblocksize  string `json:"volblocksize"`
	TargetScope   string `json:"target_scope"`
}

// Snapshot is the CSP wire representation of a ZFS snapshot.
type Snapshot struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	VolumeID     string         `json:"volume_id"`
	VolumeName   string         `json:"volume_name"`
	CreationTime int64          `json:"creation_time"`
	ReadyToUse   bool           `json:"ready_to_use"`
	Config       map[string]any `json:"config"`
}

// Host is the CSP wire representation of a host initiator group.
type Host struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	UUID         string   `json:"uuid"`
	IQNs         []string `json:"iqns"`
	Networks     []string `json:"networks"`
	ChapUser     string   `json:"chap_user,omitempty"`
	ChapPassword string   `json:"chap_password,omitempty"`
	WWPNs        []string `json:"wwpns"`
}

// HostRequest is the Hosts POST body.
type HostRequest struct {
	Name         string   `json:"name"`
	UUID         string   `json:"uuid"`
	IQNs         []string `json:"iqns"`
	Networks     []string `json:"networks"`
	ChapUser     string   `json:"chap_user"`
	ChapPassword string   `json:"chap_password"`
}

// VolumeCreateRequest is the Volumes POST body.
type VolumeCreateRequest struct {
	Name           string            `json:"name"`
	Size           int64             `json:"size"`
	Description    string            `json:"description"`
	Clone          bool              `json:"clone"`
	BaseSnapshotID string            `json:"base_snapshot_id"`
	Config         map[string]string `json:"config"`
}

// VolumeUpdateRequest is the Volume PUT body.
type VolumeUpdateRequest struct {
	Size        int64             `json:"size"`
	Description string            `json:"description"`
	Config      map[string]string `json:"config"`
}

// SnapshotCreateRequest is the Snapshots POST body.
type SnapshotCreateRequest struct {
	Name        string            `json:"name"`
	VolumeID    string            `json:"volume_id"`
	Description string            `json:"description"`
	Config      map[string]string `json:"config"`
}

// PublishRequest is the publish/unpublish action body.
type PublishRequest struct {
	HostUUID string            `json:"host_uuid"`
	Config   map[string]string `json:"config"`
}

// PublishResult is returned to the CSI driver after a publish.
type PublishResult struct {
	DiscoveryIPs   []string `json:"discovery_ips"`
	AccessProtocol string   `json:"access_protocol"`
	LunID          int      `json:"lun_id"`
	SerialNumber   string   `json:"serial_number"`
	ChapUser       string   `json:"chap_user"`
	ChapPassword   string   `json:"chap_password"`
	TargetNames    []string `json:"target_names"`
}

// Error is a CSP-classified failure carrying the HTTP status and the
// error code surfaced in the response body.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a classified CSP error.
func NewError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound creates a Not found error.
func ErrNotFound(format string, args ...any) *Error {
	return NewError("Not found", http.StatusNotFound, format, args...)
}

// ErrBadRequest creates a Bad Request error.
func ErrBadRequest(format string, args ...any) *Error {
	return NewError("Bad Request", http.StatusBadRequest, format, args...)
}

// ErrConflict creates a Conflict error.
func ErrConflict(format string, args ...any) *Error {
	return NewError("Conflict", http.StatusConflict, format, args...)
}

// ErrMisconfigured creates a Misconfigured error.
func ErrMisconfigured(format string, args ...any) *Error {
	return NewError("Misconfigured", http.StatusBadRequest, format, args...)
}

// ErrUnconfigured creates an Unconfigured error. The appliance is
// reachable but the expected iSCSI plumbing is absent, so the lookup
// target is reported as missing.
func ErrUnconfigured(format string, args ...any) *Error {
	return NewError("Unconfigured", http.StatusNotFound, format, args...)
}

// ErrBackend wraps an unexpected appliance response.
func ErrBackend(resp *backend.Response) *Error {
	return NewError("Bad Request", http.StatusInternalServerError,
		"TrueNAS API returned: %s", string(resp.Body))
}
