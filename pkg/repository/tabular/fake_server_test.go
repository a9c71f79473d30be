package tabular

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/lexgate/pkg/config"
	"github.com/spf13/cast"
)

const testToken = "secret-token"

// fakeTabular emulates the rows API: user field names, paging, equal and
// link_row_has filters, batch endpoints. Number cells are returned as strings
// and link cells as [{id, value}] arrays, like the real service.
type fakeTabular struct {
	mu       sync.Mutex
	nextID   map[int64]int64
	tables   map[int64]map[int64]row
	links    map[int64]map[string]bool
	requests []string
	server   *httptest.Server
}

func newFakeTabular(t *testing.T, tables config.TableIDs) *fakeTabular {
	f := &fakeTabular{
		nextID: map[int64]int64{},
		tables: map[int64]map[int64]row{},
		links: map[int64]map[string]bool{
			tables.Permissions:      {fieldMenu: true},
			tables.RolePermissions:  {fieldRole: true, fieldPermission: true},
			tables.UserRoles:        {fieldUser: true, fieldRole: true},
			tables.FeatureOverrides: {fieldUser: true},
		},
	}

	r := mux.NewRouter()
	base := "/api/database/rows/table/{table:[0-9]+}/"
	r.HandleFunc(base+"batch/", f.batchCreate).Methods(http.MethodPost)
	r.HandleFunc(base+"batch-delete/", f.batchDelete).Methods(http.MethodPost)
	r.HandleFunc(base+"{id:[0-9]+}/", f.getRow).Methods(http.MethodGet)
	r.HandleFunc(base+"{id:[0-9]+}/", f.updateRow).Methods(http.MethodPatch)
	r.HandleFunc(base+"{id:[0-9]+}/", f.deleteRow).Methods(http.MethodDelete)
	r.HandleFunc(base, f.listRows).Methods(http.MethodGet)
	r.HandleFunc(base, f.createRow).Methods(http.MethodPost)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, req.Method+" "+req.URL.Path)
		f.mu.Unlock()
		if req.Header.Get("Authorization") != "Token "+testToken {
			writeJSON(w, http.StatusUnauthorized, apiError{Error: "ERROR_INVALID_TOKEN"})
			return
		}
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, apiError{Error: errRowDoesNotExist})
}

func vars(r *http.Request) (table, id int64) {
	v := mux.Vars(r)
	table, _ = strconv.ParseInt(v["table"], 10, 64)
	id, _ = strconv.ParseInt(v["id"], 10, 64)
	return table, id
}

// store applies fields to a row the way the service stores cells
func (f *fakeTabular) store(table int64, dst, fields row) {
	for k, v := range fields {
		switch {
		case f.links[table][k]:
			cells := []interface{}{}
			for _, id := range linkIDs(v) {
				cells = append(cells, map[string]interface{}{"id": id, "value": strconv.FormatInt(id, 10)})
			}
			dst[k] = cells
		default:
			if n, ok := v.(float64); ok {
				dst[k] = strconv.FormatFloat(n, 'f', -1, 64)
				continue
			}
			dst[k] = v
		}
	}
}

func (f *fakeTabular) insert(table int64, fields row) row {
	if f.tables[table] == nil {
		f.tables[table] = map[int64]row{}
	}
	f.nextID[table]++
	id := f.nextID[table]
	r := row{fieldID: id, "order": "1.00000000000000000000"}
	f.store(table, r, fields)
	f.tables[table][id] = r
	return r
}

// seed inserts rows directly, bypassing HTTP
func (f *fakeTabular) seed(table int64, fields row) row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(table, fields)
}

func (f *fakeTabular) countRequests(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func matches(r row, key string, value string) bool {
	expr := strings.TrimPrefix(key, "filter__")
	idx := strings.LastIndex(expr, "__")
	if idx < 0 {
		return true
	}
	field, kind := expr[:idx], expr[idx+2:]
	switch kind {
	case "equal":
		return cast.ToString(r[field]) == value
	case "link_row_has":
		want := cast.ToInt64(value)
		for _, id := range linkIDs(r[field]) {
			if id == want {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (f *fakeTabular) listRows(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table, _ := vars(r)
	q := r.URL.Query()

	var ids []int64
	for id, rw := range f.tables[table] {
		ok := true
		for key, values := range q {
			if strings.HasPrefix(key, "filter__") && !matches(rw, key, values[0]) {
				ok = false
				break
			}
		}
		if ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	size := cast.ToInt(q.Get("size"))
	if size <= 0 {
		size = 100
	}
	page := cast.ToInt(q.Get("page"))
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * size
	if start > len(ids) {
		start = len(ids)
	}
	end := start + size
	if end > len(ids) {
		end = len(ids)
	}

	results := make([]row, 0, end-start)
	for _, id := range ids[start:end] {
		results = append(results, f.tables[table][id])
	}
	var next *string
	if end < len(ids) {
		n := f.server.URL + r.URL.Path + "?page=" + strconv.Itoa(page+1)
		next = &n
	}
	writeJSON(w, http.StatusOK, listResponse{Count: len(ids), Next: next, Results: results})
}

func (f *fakeTabular) getRow(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table, id := vars(r)
	rw, ok := f.tables[table][id]
	if !ok {
		notFound(w)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (f *fakeTabular) createRow(w http.ResponseWriter, r *http.Request) {
	var fields row
	if err := decodeBody(r, &fields); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "ERROR_REQUEST_BODY_VALIDATION"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	table, _ := vars(r)
	writeJSON(w, http.StatusOK, f.insert(table, fields))
}

func (f *fakeTabular) updateRow(w http.ResponseWriter, r *http.Request) {
	var fields row
	if err := decodeBody(r, &fields); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "ERROR_REQUEST_BODY_VALIDATION"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	table, id := vars(r)
	rw, ok := f.tables[table][id]
	if !ok {
		notFound(w)
		return
	}
	f.store(table, rw, fields)
	writeJSON(w, http.StatusOK, rw)
}

func (f *fakeTabular) deleteRow(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	table, id := vars(r)
	if _, ok := f.tables[table][id]; !ok {
		notFound(w)
		return
	}
	delete(f.tables[table], id)
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeTabular) batchCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []row `json:"items"`
	}
	if err := decodeBody(r, &body); err != nil || len(body.Items) > batchSize {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "ERROR_REQUEST_BODY_VALIDATION"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	table, _ := vars(r)
	out := batchResponse{Items: make([]row, 0, len(body.Items))}
	for _, item := range body.Items {
		out.Items = append(out.Items, f.insert(table, item))
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeTabular) batchDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items []int64 `json:"items"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "ERROR_REQUEST_BODY_VALIDATION"})
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	table, _ := vars(r)
	for _, id := range body.Items {
		if _, ok := f.tables[table][id]; !ok {
			notFound(w)
			return
		}
	}
	for _, id := range body.Items {
		delete(f.tables[table], id)
	}
	w.WriteHeader(http.StatusNoContent)
}
