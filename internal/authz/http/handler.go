// Package authzhttp exposes the kernel's admin and check endpoints.
// Administrative mutations run through the operation executor so they get
// their own audit trail.
package authzhttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/bastion-sec/bastion/internal/authz"
	"github.com/bastion-sec/bastion/internal/operation"
	"github.com/bastion-sec/bastion/internal/platform/db"
	"github.com/bastion-sec/bastion/internal/platform/httpx"
	"github.com/bastion-sec/bastion/internal/session"
	"github.com/bastion-sec/bastion/internal/shared"
)

// Administrative permissions enforced on the kernel's own surface.
const (
	PermPermissionsManage = "authz.permissions.manage"
	PermRolesManage       = "authz.roles.manage"
	PermGrantsManage      = "authz.grants.manage"
	PermAccessCheck       = "authz.access.check"
)

// SessionHeader carries the session id on API requests.
const SessionHeader = "X-Session-ID"

// PrincipalDirectory resolves a principal id to its role bindings and
// attributes. The check endpoint needs it to answer posed questions about
// principals other than the caller; the second return is false for unknown
// or deactivated principals.
type PrincipalDirectory interface {
	LoadPrincipal(ctx context.Context, id string) (authz.Principal, bool, error)
}

// Handler wires the kernel to HTTP.
type Handler struct {
	engine      *authz.Engine
	catalog     *authz.Catalog
	registry    *authz.Registry
	repo        *authz.Repository
	executor    *operation.Executor
	sessions    *session.Store
	credentials *session.Credentials
	principals  PrincipalDirectory
	validate    *validator.Validate
	logger      *slog.Logger
	environment string
}

// HandlerConfig collects the handler's collaborators.
type HandlerConfig struct {
	Engine      *authz.Engine
	Catalog     *authz.Catalog
	Registry    *authz.Registry
	Repo        *authz.Repository
	Executor    *operation.Executor
	Sessions    *session.Store
	Credentials *session.Credentials
	Principals  PrincipalDirectory
	Logger      *slog.Logger
	Environment string
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		engine:      cfg.Engine,
		catalog:     cfg.Catalog,
		registry:    cfg.Registry,
		repo:        cfg.Repo,
		executor:    cfg.Executor,
		sessions:    cfg.Sessions,
		credentials: cfg.Credentials,
		principals:  cfg.Principals,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      cfg.Logger,
		environment: cfg.Environment,
	}
}

func (h *Handler) operationContext(r *http.Request, action, resource string, payload any) operation.Context {
	return operation.Context{
		SessionID:   r.Header.Get(SessionHeader),
		Action:      action,
		Resource:    resource,
		IP:          clientIP(r),
		Environment: h.environment,
		Payload:     payload,
	}
}

type loginRequest struct {
	PrincipalID string `json:"principal_id" validate:"required"`
	Secret      string `json:"secret" validate:"required"`
}

// Login authenticates credentials and opens a session.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	principal, err := h.credentials.Authenticate(r.Context(), req.PrincipalID, req.Secret)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := h.sessions.Create(r.Context(), principal, clientIP(r), r.UserAgent())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

// Logout revokes the caller's session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if id == "" {
		httpx.RespondError(w, shared.Validation("session header required", nil))
		return
	}
	if err := h.sessions.Revoke(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerPermissionRequest struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	Implies     []string `json:"implies"`
}

// RegisterPermission inserts a permission, write-through to the store.
func (h *Handler) RegisterPermission(w http.ResponseWriter, r *http.Request) {
	var req registerPermissionRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := operation.Execute(r.Context(), h.executor,
		h.operationContext(r, PermPermissionsManage, "permission:"+req.Name, req),
		func(ctx context.Context, tx db.Tx) (authz.Permission, error) {
			perm, err := h.catalog.Register(req.Name, req.Description, req.Implies...)
			if err != nil {
				return authz.Permission{}, err
			}
			if err := h.repo.SavePermission(ctx, tx, perm); err != nil {
				return authz.Permission{}, err
			}
			return perm, nil
		}, nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, permissionView(res.Value))
}

type registerRoleRequest struct {
	Name        string  `json:"name" validate:"required"`
	Description string  `json:"description"`
	Inherits    []int64 `json:"inherits"`
}

// RegisterRole inserts a role into the inheritance DAG.
func (h *Handler) RegisterRole(w http.ResponseWriter, r *http.Request) {
	var req registerRoleRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := operation.Execute(r.Context(), h.executor,
		h.operationContext(r, PermRolesManage, "role:"+req.Name, req),
		func(ctx context.Context, tx db.Tx) (authz.Role, error) {
			role, err := h.registry.RegisterRole(req.Name, req.Description, req.Inherits...)
			if err != nil {
				return authz.Role{}, err
			}
			if err := h.repo.SaveRole(ctx, tx, role); err != nil {
				return authz.Role{}, err
			}
			return role, nil
		}, nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, roleView(res.Value))
}

type grantRequest struct {
	RoleID      int64              `json:"role_id"`
	PrincipalID string             `json:"principal_id"`
	Permission  string             `json:"permission" validate:"required"`
	Constraints []authz.Constraint `json:"constraints"`
	ValidFrom   *time.Time         `json:"valid_from"`
	ValidUntil  *time.Time         `json:"valid_until"`
}

func (req grantRequest) target() authz.GrantTarget {
	return authz.GrantTarget{RoleID: req.RoleID, PrincipalID: req.PrincipalID}
}

func (req grantRequest) validity() *authz.Validity {
	if req.ValidFrom == nil && req.ValidUntil == nil {
		return nil
	}
	v := &authz.Validity{}
	if req.ValidFrom != nil {
		v.From = *req.ValidFrom
	}
	if req.ValidUntil != nil {
		v.Until = *req.ValidUntil
	}
	return v
}

// CreateGrant attaches a permission to a role or principal.
func (h *Handler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := operation.Execute(r.Context(), h.executor,
		h.operationContext(r, PermGrantsManage, "grant:"+req.Permission, req),
		func(ctx context.Context, tx db.Tx) (authz.Grant, error) {
			grant, err := h.registry.Grant(ctx, req.target(), req.Permission, req.Constraints, req.validity())
			if err != nil {
				return authz.Grant{}, err
			}
			if err := h.repo.SaveGrant(ctx, tx, grant); err != nil {
				return authz.Grant{}, err
			}
			return grant, nil
		}, nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grantView(res.Value))
}

// RevokeGrant removes a grant.
func (h *Handler) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	_, err := operation.Execute(r.Context(), h.executor,
		h.operationContext(r, PermGrantsManage, "grant:"+req.Permission, req),
		func(ctx context.Context, tx db.Tx) (struct{}, error) {
			if err := h.registry.Revoke(ctx, req.target(), req.Permission); err != nil {
				return struct{}{}, err
			}
			if err := h.repo.DeleteGrant(ctx, tx, req.target(), req.Permission); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, nil
		}, nil)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkRequest struct {
	PrincipalID   string            `json:"principal_id" validate:"required"`
	Action        string            `json:"action" validate:"required"`
	Resource      string            `json:"resource"`
	ResourceAttrs map[string]string `json:"resource_attrs"`
	IP            string            `json:"ip"`
	Environment   string            `json:"environment"`
	At            *time.Time        `json:"at"`
}

type decisionView struct {
	DecisionID string `json:"decision_id"`
	Effect     string `json:"effect"`
	Reason     string `json:"reason"`
	GrantID    int64  `json:"grant_id,omitempty"`
}

// CheckAccess answers a posed authorization question for a hypothetical
// request. The caller must hold the check permission. The posed principal's
// role bindings and attributes are resolved through the principal directory
// so role-granted permissions answer the same as they would on a live
// request; an unknown principal is posed bare and denies with "no grant".
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	caller, err := h.requirePermission(r, PermAccessCheck)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req checkRequest
	if err := h.decode(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	posed := authz.Request{
		Principal:     authz.Principal{ID: req.PrincipalID},
		Action:        req.Action,
		Resource:      req.Resource,
		ResourceAttrs: req.ResourceAttrs,
		IP:            req.IP,
		Environment:   req.Environment,
	}
	if req.At != nil {
		posed.At = *req.At
	}
	switch {
	case req.PrincipalID == caller.ID:
		posed.Principal = caller
	case h.principals != nil:
		p, ok, err := h.principals.LoadPrincipal(r.Context(), req.PrincipalID)
		if err != nil {
			httpx.RespondError(w, shared.Transient("principal lookup failed", err))
			return
		}
		if ok {
			posed.Principal = p
		}
	}
	d := h.engine.CheckAccess(r.Context(), posed)
	httpx.JSON(w, http.StatusOK, decisionView{
		DecisionID: d.ID,
		Effect:     string(d.Effect),
		Reason:     d.Reason,
		GrantID:    d.GrantID,
	})
}

// ListRoles returns the role DAG.
func (h *Handler) ListRoles(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requirePermission(r, PermRolesManage); err != nil {
		httpx.RespondError(w, err)
		return
	}
	roles := h.registry.Roles()
	out := make([]map[string]any, 0, len(roles))
	for _, role := range roles {
		out = append(out, roleView(role))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// ListPermissions returns the catalog.
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requirePermission(r, PermPermissionsManage); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perms := h.catalog.List()
	out := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionView(p))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// ListGrants returns all grants.
func (h *Handler) ListGrants(w http.ResponseWriter, r *http.Request) {
	if _, err := h.requirePermission(r, PermGrantsManage); err != nil {
		httpx.RespondError(w, err)
		return
	}
	grants := h.registry.Grants()
	out := make([]map[string]any, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantView(g))
	}
	httpx.JSON(w, http.StatusOK, out)
}

// requirePermission validates the caller's session and checks the given
// permission through the engine.
func (h *Handler) requirePermission(r *http.Request, perm string) (authz.Principal, error) {
	principal, err := h.sessions.Validate(r.Context(), r.Header.Get(SessionHeader))
	if err != nil {
		return authz.Principal{}, err
	}
	d := h.engine.CheckAccess(r.Context(), authz.Request{
		Principal:   principal,
		Action:      perm,
		IP:          clientIP(r),
		Environment: h.environment,
	})
	if !d.Permitted() {
		return authz.Principal{}, shared.Authorization(d.Reason)
	}
	return principal, nil
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return shared.Validation("malformed request body", nil)
	}
	if err := h.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return shared.Validation("request shape invalid", fields)
		}
		return shared.Validation("request shape invalid", nil)
	}
	return nil
}

func permissionView(p authz.Permission) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"implies":     p.Implies,
	}
}

func roleView(role authz.Role) map[string]any {
	return map[string]any{
		"id":          role.ID,
		"name":        role.Name,
		"description": role.Description,
		"inherits":    role.Inherits,
	}
}

func grantView(g authz.Grant) map[string]any {
	view := map[string]any{
		"id":         g.ID,
		"permission": g.Permission,
	}
	if g.Target.IsRole() {
		view["role_id"] = g.Target.RoleID
	} else {
		view["principal_id"] = g.Target.PrincipalID
	}
	if len(g.Constraints) > 0 {
		view["constraints"] = g.Constraints
	}
	if g.Validity != nil {
		if !g.Validity.From.IsZero() {
			view["valid_from"] = g.Validity.From
		}
		if !g.Validity.Until.IsZero() {
			view["valid_until"] = g.Validity.Until
		}
	}
	return view
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
