package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quorum.app/internal/audit"
	"quorum.app/internal/auth"
	"quorum.app/internal/authz"
)

type activeWorkspace struct {
	Workspace auth.Workspace `json:"workspace"`
	Role      auth.Role      `json:"role"`
}

type meResponse struct {
	authz.Profile
	Active *activeWorkspace `json:"active_workspace,omitempty"`
}

func (a *API) me(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	profile, err := a.deps.Workspaces.Profile(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	resp := meResponse{Profile: profile}
	res, err := a.deps.Guard.Resolver().ActiveWorkspace(r.Context(), id, auth.WorkspaceRefFromContext(r.Context()))
	switch {
	case err == nil:
		resp.Active = &activeWorkspace{Workspace: res.Workspace, Role: res.Role}
	case !errors.Is(err, auth.ErrDenied):
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type defaultWorkspaceRequest struct {
	Workspace string `json:"workspace"`
}

func (a *API) setDefaultWorkspace(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req defaultWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.deps.Workspaces.SetDefaultWorkspace(r.Context(), id, strings.TrimSpace(req.Workspace)); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type decisionRequest struct {
	Workspace  string `json:"workspace"`
	Operation  string `json:"operation"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Detail     string `json:"detail"`
}

type decisionResponse struct {
	Allowed   bool            `json:"allowed"`
	Workspace *auth.Workspace `json:"workspace,omitempty"`
	Role      auth.Role       `json:"role,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// decide answers a permission question for an external collaborator that
// performs the operation itself. Admitted decisions are audited.
func (a *API) decide(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	op, err := auth.ParseOperation(req.Operation)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if strings.TrimSpace(req.EntityType) == "" {
		writeError(w, r, http.StatusBadRequest, "entity_type is required")
		return
	}
	ref := strings.TrimSpace(req.Workspace)
	if ref == "" {
		active, err := a.deps.Guard.Resolver().ActiveWorkspace(r.Context(), id, auth.WorkspaceRefFromContext(r.Context()))
		if err != nil {
			a.deny(w, r, err)
			return
		}
		ref = active.Workspace.ID
	}
	res, err := a.deps.Guard.Do(r.Context(), id, authz.Action{
		Workspace:  ref,
		Operation:  op,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Detail:     req.Detail,
	}, func(context.Context, auth.Resolution) (string, error) { return "", nil })
	if err != nil {
		a.deny(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Allowed: true, Workspace: &res.Workspace, Role: res.Role})
}

func (a *API) deny(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrDenied):
		writeJSON(w, http.StatusForbidden, decisionResponse{Reason: "forbidden"})
	case errors.Is(err, auth.ErrWorkspaceArchived):
		writeJSON(w, http.StatusForbidden, decisionResponse{Reason: "workspace is archived"})
	default:
		a.handleError(w, r, err)
	}
}

func (a *API) listWorkspaces(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	list, err := a.deps.Workspaces.ListWorkspaces(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": nonNil(list)})
}

func (a *API) createWorkspace(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req authz.CreateWorkspaceInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ws, err := a.deps.Workspaces.CreateWorkspace(r.Context(), id, req)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/workspaces/%s", ws.Slug))
	writeJSON(w, http.StatusCreated, ws)
}

func (a *API) archiveWorkspace(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	ws, err := a.deps.Workspaces.ArchiveWorkspace(r.Context(), id, r.PathValue("slug"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

type memberRequest struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

func (a *API) listMembers(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	members, err := a.deps.Workspaces.ListMembers(r.Context(), id, r.PathValue("slug"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": nonNil(members)})
}

func (a *API) addMember(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	m, err := a.deps.Workspaces.AddMember(r.Context(), id, r.PathValue("slug"), req.Email, role)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) updateMember(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	m, err := a.deps.Workspaces.UpdateMemberRole(r.Context(), id, r.PathValue("slug"), r.PathValue("email"), role)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) removeMember(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := a.deps.Workspaces.RemoveMember(r.Context(), id, r.PathValue("slug"), r.PathValue("email")); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) workspaceAudit(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	q := r.URL.Query()
	var f audit.Filter
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		f.Before = t
	}
	events, err := a.deps.Workspaces.AuditLog(r.Context(), id, r.PathValue("slug"), f)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	users, err := a.deps.Workspaces.ListUsers(r.Context(), id)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": nonNil(users)})
}

type orgAdminRequest struct {
	OrgAdmin bool `json:"org_admin"`
}

func (a *API) setOrgAdmin(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req orgAdminRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	u, err := a.deps.Workspaces.SetOrgAdmin(r.Context(), id, r.PathValue("email"), req.OrgAdmin)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) listTokens(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	all := r.URL.Query().Get("all") == "true"
	tokens, err := a.deps.Tokens.List(r.Context(), id, all)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": nonNil(tokens)})
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	var req authz.IssueInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issued, err := a.deps.Tokens.Issue(r.Context(), id, req)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Location", fmt.Sprintf("/v1/tokens/%s", issued.Metadata.ID))
	writeJSON(w, http.StatusCreated, issued)
}

func (a *API) revokeToken(w http.ResponseWriter, r *http.Request, id auth.Identity) {
	if err := a.deps.Tokens.Revoke(r.Context(), id, r.PathValue("id")); err != nil {
		a.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// nonNil keeps empty lists as [] in JSON.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
