package backend

import "strings"

const (
	volumeDivider  = "_"
	datasetDivider = "/"
	uriSlash       = "%2f"
)

// VolumeIDToName returns the leaf name of a CSP volume or snapshot id,
// e.g. "tank_a_pvc-1" -> "pvc-1".
func VolumeIDToName(id string) string {
	parts := strings.Split(id, volumeDivider)
	return parts[len(parts)-1]
}

// LeafName returns the leaf of a dataset path, e.g. "tank/a/pvc-1" ->
// "pvc-1". The leaf doubles as the iSCSI access name.
func LeafName(dataset string) string {
	parts := strings.Split(dataset, datasetDivider)
	return parts[len(parts)-1]
}

// IDToDataset translates a CSP identifier into its ZFS path,
// e.g. "tank_pvc-1" -> "tank/pvc-1".
func IDToDataset(id string) string {
	return strings.ReplaceAll(id, volumeDivider, datasetDivider)
}

// DatasetToID translates a ZFS path into its CSP identifier,
// e.g. "tank/pvc-1@snap" -> "tank_pvc-1@snap".
func DatasetToID(dataset string) string {
	return strings.ReplaceAll(dataset, datasetDivider, volumeDivider)
}

// URIForID composes an id-addressed resource URI. Only zfs/snapshot and
// pool/dataset carry slash-bearing ids that must be percent-encoded;
// all other resources take their id verbatim.
func URIForID(resource, id string) string {
	if resource == "zfs/snapshot" || resource == "pool/dataset" {
		id = strings.ReplaceAll(id, datasetDivider, uriSlash)
	}
	return resource + "/id/" + id
}
