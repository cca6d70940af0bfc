package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	perrors "github.com/silverpine/rollcall/internal/platform/errors"
	"github.com/silverpine/rollcall/internal/services/roster/reconcile"
	"github.com/silverpine/rollcall/internal/services/roster/syncer"
)

type fakeSyncs struct {
	req    syncer.Request
	result *syncer.Result
	err    error
}

func (f *fakeSyncs) Sync(ctx context.Context, req syncer.Request) (*syncer.Result, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &syncer.Result{MemberID: req.MemberID}, nil
}

type fakeEngine struct {
	changes []reconcile.Change
	err     error
}

func (f *fakeEngine) ReconcileRank(ctx context.Context, memberID string) ([]reconcile.Change, error) {
	return f.changes, f.err
}

func (f *fakeEngine) ReconcileTeam(ctx context.Context, memberID string) ([]reconcile.Change, error) {
	return f.changes, f.err
}

type fakeCallsign struct {
	callsign string
	err      error
}

func (f *fakeCallsign) Regenerate(ctx context.Context, memberID string) (string, error) {
	return f.callsign, f.err
}

type fakeCaches struct {
	invalidated []string
}

func (f *fakeCaches) InvalidateDepartment(departmentID string) {
	f.invalidated = append(f.invalidated, departmentID)
}

type testAPI struct {
	syncs    *fakeSyncs
	engine   *fakeEngine
	callsign *fakeCallsign
	caches   *fakeCaches
	mux      *http.ServeMux
}

func newTestAPI(t *testing.T, serviceKey string) *testAPI {
	t.Helper()
	api := &testAPI{
		syncs:    &fakeSyncs{},
		engine:   &fakeEngine{},
		callsign: &fakeCallsign{callsign: "OPD-142"},
		caches:   &fakeCaches{},
		mux:      http.NewServeMux(),
	}
	server := NewServer(serviceKey, api.syncs, api.engine, api.callsign, api.caches)
	server.RegisterRoutes(api.mux)
	return api
}

func (a *testAPI) do(t *testing.T, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-Service-Key", key)
	}
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func TestSyncRequiresServiceKey(t *testing.T) {
	api := newTestAPI(t, "secret")
	rec := api.do(t, http.MethodPost, "/members/mem-1/sync", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSyncParsesMutations(t *testing.T) {
	api := newTestAPI(t, "secret")
	body := `{"mutations":[{"action":"add","roleType":"rank","roleId":"role-1","serverId":"srv-1"}]}`
	rec := api.do(t, http.MethodPost, "/members/mem-1/sync", "secret", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if api.syncs.req.MemberID != "mem-1" {
		t.Errorf("MemberID = %q", api.syncs.req.MemberID)
	}
	if len(api.syncs.req.Mutations) != 1 {
		t.Fatalf("mutations = %+v", api.syncs.req.Mutations)
	}
	mutation := api.syncs.req.Mutations[0]
	if mutation.RoleType != syncer.RoleTypeRank || mutation.RoleID != "role-1" || mutation.ServerID != "srv-1" {
		t.Errorf("mutation = %+v", mutation)
	}
}

func TestSyncRejectsUnknownAction(t *testing.T) {
	api := newTestAPI(t, "secret")
	body := `{"mutations":[{"action":"toggle","roleType":"rank","roleId":"role-1"}]}`
	rec := api.do(t, http.MethodPost, "/members/mem-1/sync", "secret", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestSyncEmptyBodyIsBareSync(t *testing.T) {
	api := newTestAPI(t, "secret")
	rec := api.do(t, http.MethodPost, "/members/mem-1/sync", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(api.syncs.req.Mutations) != 0 {
		t.Errorf("mutations = %+v, want none", api.syncs.req.Mutations)
	}
}

func TestSyncMapsDomainErrors(t *testing.T) {
	api := newTestAPI(t, "secret")
	api.syncs.err = perrors.New(perrors.CodeIDNumbersExhausted, "pool exhausted")

	rec := api.do(t, http.MethodPost, "/members/mem-1/sync", "secret", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["code"] != string(perrors.CodeIDNumbersExhausted) {
		t.Errorf("code = %q", payload["code"])
	}
}

func TestCallsignEndpoint(t *testing.T) {
	api := newTestAPI(t, "secret")
	rec := api.do(t, http.MethodPost, "/members/mem-1/callsign", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["callsign"] != "OPD-142" {
		t.Errorf("callsign = %q", payload["callsign"])
	}
}

func TestReconcileRankEndpoint(t *testing.T) {
	api := newTestAPI(t, "secret")
	api.engine.changes = []reconcile.Change{{
		MemberID: "mem-1", DepartmentID: "dept-1", Field: reconcile.FieldRank, Old: "", New: "rank-officer",
	}}

	rec := api.do(t, http.MethodPost, "/members/mem-1/reconcile/rank", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Changes []changeBody `json:"changes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload.Changes) != 1 || payload.Changes[0].New != "rank-officer" {
		t.Errorf("changes = %+v", payload.Changes)
	}
}

func TestReconcileUnavailableMapsTo503(t *testing.T) {
	api := newTestAPI(t, "secret")
	api.engine.err = perrors.New(perrors.CodeRoleMapUnavailable, "directory down")

	rec := api.do(t, http.MethodPost, "/members/mem-1/reconcile/team", "secret", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestInvalidateRoleMapEndpoint(t *testing.T) {
	api := newTestAPI(t, "secret")
	rec := api.do(t, http.MethodPost, "/departments/dept-1/rolemap/invalidate", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(api.caches.invalidated) != 1 || api.caches.invalidated[0] != "dept-1" {
		t.Errorf("invalidated = %v", api.caches.invalidated)
	}
}

func TestUpEndpointSkipsAuth(t *testing.T) {
	api := newTestAPI(t, "secret")
	rec := api.do(t, http.MethodGet, "/up", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}
