package csp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hpe-storage/truenas-csp/internal/backend"
	"github.com/hpe-storage/truenas-csp/internal/config"
	"github.com/hpe-storage/truenas-csp/pkg/logging"
)

// fakeAppliance is a stateful in-memory TrueNAS for service tests. It
// implements the subset of the v2.0 REST surface the adapter drives,
// including query-filters, percent-encoded ids and delayed destroys.
type fakeAppliance struct {
	mu sync.Mutex

	version  string
	basename string

	datasets  map[string]map[string]any
	snapshots map[string]map[string]any

	targets       []map[string]any
	extents       []map[string]any
	targetextents []map[string]any
	initiators    []map[string]any
	auths         []map[string]any
	portals       []map[string]any
	interfaces    []map[string]any

	nextID int

	// delayDeletes[path] = N keeps a dataset or snapshot visible until
	// N+1 DELETEs arrived, mimicking queued destroys
	delayDeletes map[string]int
	deleteCounts map[string]int

	server *httptest.Server
}

func newFakeAppliance(version string) *fakeAppliance {
	f := &fakeAppliance{
		version:      version,
		basename:     "iqn.2011-08.org.truenas.ctl",
		datasets:     map[string]map[string]any{},
		snapshots:    map[string]map[string]any{},
		nextID:       1,
		delayDeletes: map[string]int{},
		deleteCounts: map[string]int{},
	}

	f.portals = []map[string]any{{
		"id":      f.id(),
		"comment": "hpe-csi",
		"listen":  []any{map[string]any{"ip": "10.0.0.10", "port": 3260}},
	}}
	f.interfaces = []map[string]any{{
		"name": "em0",
		"aliases": []any{
			map[string]any{"address": "10.0.0.10", "netmask": 24},
		},
	}}

	f.server = httptest.NewTLSServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeAppliance) id() int {
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeAppliance) host() string {
	return strings.TrimPrefix(f.server.URL, "https://")
}

func (f *fakeAppliance) close() {
	f.server.Close()
}

func (f *fakeAppliance) addDataset(path string) map[string]any {
	ds := map[string]any{
		"id":            path,
		"name":          path,
		"type":          "VOLUME",
		"origin":        map[string]any{"value": ""},
		"comments":      map[string]any{"value": ""},
		"volsize":       map[string]any{"rawvalue": "1073741824", "value": "1G"},
		"compression":   map[string]any{"value": "LZ4"},
		"deduplication": map[string]any{"value": "OFF"},
		"sync":          map[string]any{"value": "STANDARD"},
		"volblocksize":  map[string]any{"value": "8K"},
	}
	f.datasets[path] = ds
	return ds
}

func (f *fakeAppliance) addSnapshot(dataset, name string) map[string]any {
	full := dataset + "@" + name
	snap := map[string]any{
		"id":            full,
		"name":          full,
		"snapshot_name": name,
		"dataset":       dataset,
		"properties": map[string]any{
			"creation":  map[string]any{"rawvalue": "1700000000"},
			"numclones": map[string]any{"value": "0"},
		},
		"holds": map[string]any{},
	}
	f.snapshots[full] = snap
	return snap
}

type filter struct {
	field, op string
	value     any
}

func parseFilters(r *http.Request) []filter {
	var body struct {
		Filters [][]any `json:"query-filters"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil
	}
	var out []filter
	for _, raw := range body.Filters {
		if len(raw) == 3 {
			out = append(out, filter{
				field: fmt.Sprint(raw[0]),
				op:    fmt.Sprint(raw[1]),
				value: raw[2],
			})
		}
	}
	return out
}

func resolveField(entity map[string]any, field string) any {
	parts := strings.SplitN(field, ".", 2)
	value := entity[parts[0]]
	if len(parts) == 2 {
		if nested, ok := value.(map[string]any); ok {
			return nested[parts[1]]
		}
		return nil
	}
	return value
}

func renderValue(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func matchesFilters(entity map[string]any, filters []filter) bool {
	for _, flt := range filters {
		got := renderValue(resolveField(entity, flt.field))
		want := renderValue(flt.value)
		switch flt.op {
		case "^":
			if !strings.HasPrefix(got, want) {
				return false
			}
		default:
			if got != want {
				return false
			}
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (f *fakeAppliance) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/api/v2.0/")

	switch {
	case path == "core/ping":
		writeJSON(w, http.StatusOK, "pong")
	case path == "system/version":
		writeJSON(w, http.StatusOK, f.version)
	case path == "iscsi/global":
		writeJSON(w, http.StatusOK, map[string]any{"basename": f.basename})
	case path == "interface":
		writeJSON(w, http.StatusOK, f.interfaces)
	case path == "iscsi/portal":
		f.collection(w, r, &f.portals)
	case path == "iscsi/target":
		f.collection(w, r, &f.targets)
	case path == "iscsi/extent":
		f.collection(w, r, &f.extents)
	case path == "iscsi/targetextent":
		f.collection(w, r, &f.targetextents)
	case path == "iscsi/initiator":
		f.collection(w, r, &f.initiators)
	case path == "iscsi/auth":
		f.collection(w, r, &f.auths)
	case strings.HasPrefix(path, "iscsi/"):
		f.collectionByID(w, r, path)
	case path == "pool/dataset":
		f.datasetCollection(w, r)
	case strings.HasPrefix(path, "pool/dataset/id/"):
		f.byID(w, r, f.datasets, strings.TrimPrefix(path, "pool/dataset/id/"))
	case path == "zfs/snapshot":
		f.snapshotCollection(w, r)
	case path == "zfs/snapshot/clone":
		f.snapshotClone(w, r)
	case path == "zfs/snapshot/hold":
		f.snapshotHold(w, r, true)
	case path == "zfs/snapshot/release":
		f.snapshotHold(w, r, false)
	case strings.HasPrefix(path, "zfs/snapshot/id/"):
		f.byID(w, r, f.snapshots, strings.TrimPrefix(path, "zfs/snapshot/id/"))
	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "no such resource " + path})
	}
}

func (f *fakeAppliance) collection(w http.ResponseWriter, r *http.Request, items *[]map[string]any) {
	switch r.Method {
	case http.MethodGet:
		filters := parseFilters(r)
		results := []map[string]any{}
		for _, item := range *items {
			if matchesFilters(item, filters) {
				results = append(results, item)
			}
		}
		writeJSON(w, http.StatusOK, results)
	case http.MethodPost:
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		body["id"] = f.id()
		if items == &f.extents {
			body["naa"] = fmt.Sprintf("0x6589cfc%09d", body["id"])
		}
		*items = append(*items, body)
		writeJSON(w, http.StatusOK, body)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, nil)
	}
}

// collectionByID handles iscsi/<resource>/id/<n>
func (f *fakeAppliance) collectionByID(w http.ResponseWriter, r *http.Request, path string) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[2] != "id" {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}

	var items *[]map[string]any
	switch parts[1] {
	case "target":
		items = &f.targets
	case "extent":
		items = &f.extents
	case "targetextent":
		items = &f.targetextents
	case "initiator":
		items = &f.initiators
	case "auth":
		items = &f.auths
	case "portal":
		items = &f.portals
	default:
		writeJSON(w, http.StatusNotFound, nil)
		return
	}

	for i, item := range *items {
		if renderValue(item["id"]) != parts[3] {
			continue
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, item)
		case http.MethodPut:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			for k, v := range body {
				item[k] = v
			}
			writeJSON(w, http.StatusOK, item)
		case http.MethodDelete:
			*items = append((*items)[:i], (*items)[i+1:]...)
			writeJSON(w, http.StatusOK, true)
		}
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]any{"message": "not found"})
}

func (f *fakeAppliance) datasetCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filters := parseFilters(r)
		results := []map[string]any{}
		for _, ds := range f.datasets {
			if matchesFilters(ds, filters) {
				results = append(results, ds)
			}
		}
		writeJSON(w, http.StatusOK, results)
	case http.MethodPost:
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		name := fmt.Sprint(body["name"])
		ds := f.addDataset(name)
		if volsize, ok := body["volsize"]; ok {
			ds["volsize"] = map[string]any{"rawvalue": fmt.Sprint(volsize)}
		}
		if comments, ok := body["comments"]; ok {
			ds["comments"] = map[string]any{"value": comments}
		}
		for _, key := range []string{"compression", "deduplication", "sync", "volblocksize"} {
			if v, ok := body[key]; ok {
				ds[key] = map[string]any{"value": v}
			}
		}
		writeJSON(w, http.StatusOK, ds)
	}
}

func (f *fakeAppliance) snapshotCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filters := parseFilters(r)
		results := []map[string]any{}
		for _, snap := range f.snapshots {
			if matchesFilters(snap, filters) {
				results = append(results, snap)
			}
		}
		writeJSON(w, http.StatusOK, results)
	case http.MethodPost:
		var body struct {
			Name    string `json:"name"`
			Dataset string `json:"dataset"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := f.datasets[body.Dataset]; !ok {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "dataset not found"})
			return
		}
		writeJSON(w, http.StatusOK, f.addSnapshot(body.Dataset, body.Name))
	}
}

func (f *fakeAppliance) snapshotClone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Snapshot   string `json:"snapshot"`
		DatasetDst string `json:"dataset_dst"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	snap, ok := f.snapshots[body.Snapshot]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "snapshot not found"})
		return
	}

	ds := f.addDataset(body.DatasetDst)
	ds["origin"] = map[string]any{"value": body.Snapshot}

	props := snap["properties"].(map[string]any)
	clones, _ := strconv.Atoi(fmt.Sprint(props["numclones"].(map[string]any)["value"]))
	props["numclones"] = map[string]any{"value": strconv.Itoa(clones + 1)}

	writeJSON(w, http.StatusOK, true)
}

func (f *fakeAppliance) snapshotHold(w http.ResponseWriter, r *http.Request, hold bool) {
	var body struct {
		ID string `json:"id"`
	}
	json.NewDecoder(r.Body).Decode(&body)

	snap, ok := f.snapshots[body.ID]
	if !ok {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"message": "snapshot not found"})
		return
	}
	if hold {
		snap["holds"] = map[string]any{"truenas-csp": true}
	} else {
		snap["holds"] = map[string]any{}
	}
	writeJSON(w, http.StatusOK, true)
}

// byID serves id-addressed datasets and snapshots. DELETE may be
// configured to lag behind acknowledgement via delayDeletes.
func (f *fakeAppliance) byID(w http.ResponseWriter, r *http.Request, items map[string]map[string]any, id string) {
	item, ok := items[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "not found"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, item)
	case http.MethodPut:
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if volsize, ok := body["volsize"]; ok {
			item["volsize"] = map[string]any{"rawvalue": renderValue(volsize)}
		}
		if comments, ok := body["comments"]; ok {
			item["comments"] = map[string]any{"value": comments}
		}
		for _, key := range []string{"compression", "deduplication", "sync", "volblocksize"} {
			if v, ok := body[key]; ok {
				item[key] = map[string]any{"value": v}
			}
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodDelete:
		f.deleteCounts[id]++
		if f.deleteCounts[id] > f.delayDeletes[id] {
			delete(items, id)
		}
		writeJSON(w, http.StatusOK, true)
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Listen:         ":0",
			RequestTimeout: 30 * time.Second,
		},
		Backend: config.BackendConfig{
			InsecureTLS: true,
			Timeout:     5 * time.Second,
			Retries:     15,
			Delay:       time.Millisecond,
		},
		ISCSI: config.ISCSIConfig{
			ChapTag:       4730274,
			PortalComment: "hpe-csi",
			AcceptedBasenames: []string{
				"iqn.2011-08.org.truenas.ctl",
				"iqn.2005-10.org.freenas.ctl",
			},
			CloneFromPVCPrefix: "snap-for-clone-",
		},
		Dataset: config.DatasetConfig{
			Root:          "tank",
			Deduplication: "OFF",
			Compression:   "LZ4",
			Sync:          "STANDARD",
			Sparse:        "true",
			Volblocksize:  "8K",
			Description:   "Dataset created by HPE CSI Driver for Kubernetes as {pv} in {namespace} from {pvc}",
		},
	}
}

func newTestService(t *testing.T, fake *fakeAppliance) *Service {
	t.Helper()

	logger, err := logging.NewLogger(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}

	cfg := testConfig()
	client := backend.NewClient(fake.host(), "1-"+strings.Repeat("a", 64), &cfg.Backend, logger, nil)
	return NewService(client, cfg, logger, NewLockTable(nil))
}
