// Package http exposes the roster sync operations as a JSON API for the
// dashboard backend. Callers authenticate with the shared service key.
package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	perrors "github.com/silverpine/rollcall/internal/platform/errors"
	"github.com/silverpine/rollcall/internal/services/roster/directory"
	"github.com/silverpine/rollcall/internal/services/roster/reconcile"
	"github.com/silverpine/rollcall/internal/services/roster/syncer"
)

// serviceKeyHeader authenticates dashboard-to-roster calls.
const serviceKeyHeader = "X-Service-Key"

// SyncRunner runs member syncs.
type SyncRunner interface {
	Sync(ctx context.Context, req syncer.Request) (*syncer.Result, error)
}

// Reconciler recomputes member assignments from directory truth.
type Reconciler interface {
	ReconcileRank(ctx context.Context, memberID string) ([]reconcile.Change, error)
	ReconcileTeam(ctx context.Context, memberID string) ([]reconcile.Change, error)
}

// CallsignUpdater regenerates member callsigns.
type CallsignUpdater interface {
	Regenerate(ctx context.Context, memberID string) (string, error)
}

// CacheInvalidator drops cached department role maps.
type CacheInvalidator interface {
	InvalidateDepartment(departmentID string)
}

// Server handles the roster JSON API.
type Server struct {
	serviceKey string
	syncs      SyncRunner
	engine     Reconciler
	callsign   CallsignUpdater
	caches     CacheInvalidator
}

// NewServer builds the API server. An empty service key disables
// authentication, which is only acceptable in tests.
func NewServer(serviceKey string, syncs SyncRunner, engine Reconciler, callsign CallsignUpdater, caches CacheInvalidator) *Server {
	return &Server{
		serviceKey: serviceKey,
		syncs:      syncs,
		engine:     engine,
		callsign:   callsign,
		caches:     caches,
	}
}

// RegisterRoutes mounts the roster API on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /members/{memberID}/sync", s.authenticated(s.handleSync))
	mux.HandleFunc("POST /members/{memberID}/callsign", s.authenticated(s.handleCallsign))
	mux.HandleFunc("POST /members/{memberID}/reconcile/rank", s.authenticated(s.handleReconcileRank))
	mux.HandleFunc("POST /members/{memberID}/reconcile/team", s.authenticated(s.handleReconcileTeam))
	mux.HandleFunc("POST /departments/{departmentID}/rolemap/invalidate", s.authenticated(s.handleInvalidateRoleMap))
	mux.HandleFunc("GET /up", s.handleUp)
}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.serviceKey != "" && r.Header.Get(serviceKeyHeader) != s.serviceKey {
			writeError(w, http.StatusUnauthorized, "invalid service key")
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusForCode maps domain error codes to HTTP statuses.
func statusForCode(code perrors.Code) int {
	switch code {
	case perrors.CodeMemberNotFound, perrors.CodeDepartmentNotFound:
		return http.StatusNotFound
	case perrors.CodeDirectoryBadRequest:
		return http.StatusBadRequest
	case perrors.CodeDirectoryUnauthorized:
		return http.StatusBadGateway
	case perrors.CodeIDNumbersExhausted:
		return http.StatusConflict
	case perrors.CodeDirectoryCooldown, perrors.CodeDirectoryUnavailable, perrors.CodeDirectoryTimeout, perrors.CodeRoleMapUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	code := perrors.CodeOf(err)
	writeJSON(w, statusForCode(code), map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
}

type syncRequestBody struct {
	Mutations []struct {
		Action   string `json:"action"`
		RoleType string `json:"roleType"`
		RoleID   string `json:"roleId"`
		ServerID string `json:"serverId"`
	} `json:"mutations"`
}

type mutationOutcomeBody struct {
	Action   string `json:"action"`
	RoleType string `json:"roleType"`
	RoleID   string `json:"roleId"`
	Error    string `json:"error,omitempty"`
}

type syncResponseBody struct {
	SyncID   string                `json:"syncId,omitempty"`
	MemberID string                `json:"memberId"`
	Success  bool                  `json:"success"`
	Skipped  bool                  `json:"skipped"`
	Message  string                `json:"message,omitempty"`
	Outcomes []mutationOutcomeBody `json:"outcomes,omitempty"`
	Changes  []changeBody          `json:"changes,omitempty"`
	Callsign string                `json:"callsign,omitempty"`
}

type changeBody struct {
	DepartmentID string `json:"departmentId"`
	Field        string `json:"field"`
	Old          string `json:"old"`
	New          string `json:"new"`
}

func changeBodies(changes []reconcile.Change) []changeBody {
	out := make([]changeBody, 0, len(changes))
	for _, change := range changes {
		out = append(out, changeBody{
			DepartmentID: change.DepartmentID,
			Field:        change.Field,
			Old:          change.Old,
			New:          change.New,
		})
	}
	return out
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	memberID := strings.TrimSpace(r.PathValue("memberID"))
	if memberID == "" {
		writeError(w, http.StatusBadRequest, "member id is required")
		return
	}

	var body syncRequestBody
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	req := syncer.Request{MemberID: memberID}
	for _, m := range body.Mutations {
		action := directory.Action(m.Action)
		if action != directory.ActionAdd && action != directory.ActionRemove {
			writeError(w, http.StatusBadRequest, "unknown mutation action: "+m.Action)
			return
		}
		roleType := syncer.RoleType(m.RoleType)
		if roleType != syncer.RoleTypeRank && roleType != syncer.RoleTypeTeam {
			writeError(w, http.StatusBadRequest, "unknown role type: "+m.RoleType)
			return
		}
		if strings.TrimSpace(m.RoleID) == "" {
			writeError(w, http.StatusBadRequest, "mutation role id is required")
			return
		}
		req.Mutations = append(req.Mutations, syncer.Mutation{
			Action:   action,
			RoleType: roleType,
			RoleID:   m.RoleID,
			ServerID: m.ServerID,
		})
	}

	result, err := s.syncs.Sync(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := syncResponseBody{
		SyncID:   result.SyncID,
		MemberID: result.MemberID,
		Success:  result.Success(),
		Skipped:  result.Skipped,
		Message:  result.Message,
		Changes:  changeBodies(result.Changes),
		Callsign: result.Callsign,
	}
	for _, outcome := range result.Outcomes {
		body := mutationOutcomeBody{
			Action:   string(outcome.Mutation.Action),
			RoleType: string(outcome.Mutation.RoleType),
			RoleID:   outcome.Mutation.RoleID,
		}
		if outcome.Err != nil {
			body.Error = outcome.Err.Error()
		}
		resp.Outcomes = append(resp.Outcomes, body)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCallsign(w http.ResponseWriter, r *http.Request) {
	memberID := strings.TrimSpace(r.PathValue("memberID"))
	if memberID == "" {
		writeError(w, http.StatusBadRequest, "member id is required")
		return
	}
	callsign, err := s.callsign.Regenerate(r.Context(), memberID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"memberId": memberID,
		"callsign": callsign,
	})
}

func (s *Server) handleReconcileRank(w http.ResponseWriter, r *http.Request) {
	s.handleReconcile(w, r, s.engine.ReconcileRank)
}

func (s *Server) handleReconcileTeam(w http.ResponseWriter, r *http.Request) {
	s.handleReconcile(w, r, s.engine.ReconcileTeam)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, run func(context.Context, string) ([]reconcile.Change, error)) {
	memberID := strings.TrimSpace(r.PathValue("memberID"))
	if memberID == "" {
		writeError(w, http.StatusBadRequest, "member id is required")
		return
	}
	changes, err := run(r.Context(), memberID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"memberId": memberID,
		"changes":  changeBodies(changes),
	})
}

func (s *Server) handleInvalidateRoleMap(w http.ResponseWriter, r *http.Request) {
	departmentID := strings.TrimSpace(r.PathValue("departmentID"))
	if departmentID == "" {
		writeError(w, http.StatusBadRequest, "department id is required")
		return
	}
	s.caches.InvalidateDepartment(departmentID)
	writeJSON(w, http.StatusOK, map[string]string{"departmentId": departmentID, "status": "invalidated"})
}

func (s *Server) handleUp(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
