package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/casewyze/identity/pkg/audit"
	"github.com/casewyze/identity/pkg/identity"
	"github.com/casewyze/identity/pkg/observability"
	"github.com/casewyze/identity/pkg/orgs"
	"github.com/casewyze/identity/pkg/rolemap"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
	maxBodySize     = 1 << 20
)

// Handler serves the organization-scoped SCIM v2 Users resource
type Handler struct {
	orgs       *orgs.Store
	roles      *rolemap.Store
	reconciler *identity.Reconciler
	provlog    *audit.ProvisioningStore
	audit      audit.Logger
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewHandler creates the SCIM handler
func NewHandler(
	orgStore *orgs.Store,
	roleStore *rolemap.Store,
	reconciler *identity.Reconciler,
	provlog *audit.ProvisioningStore,
	auditLogger audit.Logger,
	metrics *observability.Metrics,
	logger *observability.Logger,
) *Handler {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handler{
		orgs:       orgStore,
		roles:      roleStore,
		reconciler: reconciler,
		provlog:    provlog,
		audit:      auditLogger,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterRoutes mounts the SCIM resource on the router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	sub := router.PathPrefix("/scim/v2/{orgID}").Subrouter()
	sub.Use(h.authenticate)
	sub.Use(h.recordMetrics)

	sub.HandleFunc("/Users", h.ListUsers).Methods(http.MethodGet)
	sub.HandleFunc("/Users", h.CreateUser).Methods(http.MethodPost)
	sub.HandleFunc("/Users/{userID}", h.GetUser).Methods(http.MethodGet)
	sub.HandleFunc("/Users/{userID}", h.PatchUser).Methods(http.MethodPatch)
	sub.HandleFunc("/Users/{userID}", h.DeleteUser).Methods(http.MethodDelete)
}

// statusRecorder captures the response code for the request counter
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *Handler) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.metrics.SCIMRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, NewError(status, detail))
}

// userLocation builds the resource URL path for a member
func userLocation(orgID, userID uuid.UUID) string {
	return fmt.Sprintf("/scim/v2/%s/Users/%s", orgID, userID)
}

// ListUsers handles GET /Users with startIndex/count pagination and an
// optional `userName eq "..."` equality filter
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromContext(ctx)

	startIndex := 1
	if raw := r.URL.Query().Get("startIndex"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			startIndex = v
		}
	}
	count := defaultPageSize
	if raw := r.URL.Query().Get("count"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			count = v
		}
	}
	if count > maxPageSize {
		count = maxPageSize
	}

	emailFilter, err := parseUserNameFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// SCIM startIndex is 1-based
	members, total, err := h.orgs.ListMembers(ctx, org.ID, emailFilter, startIndex-1, count)
	if err != nil {
		observability.FromContext(ctx).WithError(err).Error("failed to list members")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resources := make([]*User, 0, len(members))
	for _, member := range members {
		resources = append(resources, memberToUser(member, userLocation(org.ID, member.UserID)))
	}

	writeJSON(w, http.StatusOK, &ListResponse{
		Schemas:      []string{SchemaListResponse},
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(resources),
		Resources:    resources,
	})
}

// parseUserNameFilter supports exactly the `userName eq "value"` form.
// Anything else is rejected rather than silently ignored.
func parseUserNameFilter(filter string) (string, error) {
	if filter == "" {
		return "", nil
	}
	rest, ok := strings.CutPrefix(strings.TrimSpace(filter), "userName eq ")
	if !ok {
		return "", fmt.Errorf("unsupported filter; only userName equality is supported")
	}
	value := strings.TrimSpace(rest)
	if len(value) < 2 || value[0] != '"' || value[len(value)-1] != '"' {
		return "", fmt.Errorf("filter value must be a quoted string")
	}
	return strings.ToLower(value[1 : len(value)-1]), nil
}

// GetUser handles GET /Users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromContext(ctx)

	userID, err := uuid.Parse(mux.Vars(r)["userID"])
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	member, err := h.orgs.GetMember(ctx, org.ID, userID)
	if err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		observability.FromContext(ctx).WithError(err).Error("failed to get member")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, memberToUser(member, userLocation(org.ID, userID)))
}

// CreateUser handles POST /Users: find-or-create the account, add it to the
// organization with a mapped role, 409 when already a member
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromContext(ctx)
	logger := observability.FromContext(ctx)

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	req := &createUserRequest{}
	if err := json.Unmarshal(payload, req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed SCIM user payload")
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.email()))
	if email == "" {
		h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionCreate, "", false, "missing userName/email", payload)
		writeError(w, http.StatusBadRequest, "userName or emails is required")
		return
	}

	// Existing membership is a conflict, not an upsert
	if existing, err := h.reconciler.GetUserByEmail(ctx, email); err == nil {
		if _, err := h.orgs.GetMembership(ctx, org.ID, existing.ID); err == nil {
			h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionCreate, email, false, "already a member", payload)
			h.auditSCIM(ctx, org, audit.EventTypeSCIMCreate, audit.EventStatusFailure, email, &existing.ID, "already a member")
			writeError(w, http.StatusConflict, "user is already a member of this organization")
			return
		}
	}

	role, err := h.resolveRole(ctx, org.ID, req.groupNames())
	if err != nil {
		logger.WithError(err).Error("failed to resolve role")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	result, err := h.reconciler.Reconcile(ctx, org.ID, email, req.displayName(), role, req.groupNames())
	if err != nil {
		h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionCreate, email, false, err.Error(), payload)
		h.auditSCIM(ctx, org, audit.EventTypeSCIMCreate, audit.EventStatusFailure, email, nil, err.Error())
		logger.WithError(err).Error("SCIM user creation failed")
		writeError(w, http.StatusInternalServerError, "failed to provision user")
		return
	}

	h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionCreate, email, true, "", payload)
	h.auditSCIM(ctx, org, audit.EventTypeSCIMCreate, audit.EventStatusSuccess, email, &result.UserID, "")

	member, err := h.orgs.GetMember(ctx, org.ID, result.UserID)
	if err != nil {
		logger.WithError(err).Error("failed to read back created member")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	location := userLocation(org.ID, result.UserID)
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusCreated, memberToUser(member, location))
}

// resolveRole maps SCIM group display names through the organization's
// mapping rules, defaulting from the SSO config when one exists
func (h *Handler) resolveRole(ctx context.Context, orgID uuid.UUID, groups []string) (orgs.Role, error) {
	var defaultRole orgs.Role
	cfg, err := h.orgs.GetSSOConfig(ctx, orgID)
	switch {
	case err == nil:
		defaultRole = cfg.DefaultRole
	case errors.Is(err, orgs.ErrNotFound):
		// SCIM without SSO is valid; the fallback role applies
	default:
		return "", err
	}
	return h.roles.Determine(ctx, orgID, defaultRole, groups)
}

// PatchUser handles PATCH /Users/{id}. The only fully supported mutation is
// deactivation (active=false → membership removal); active=true is accepted
// and logged but membership is only recreated through a fresh create.
func (h *Handler) PatchUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromContext(ctx)
	logger := observability.FromContext(ctx)

	userID, err := uuid.Parse(mux.Vars(r)["userID"])
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	req := &PatchRequest{}
	if err := json.Unmarshal(payload, req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed PatchOp payload")
		return
	}

	member, err := h.orgs.GetMember(ctx, org.ID, userID)
	if err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		logger.WithError(err).Error("failed to get member")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	deactivate := false
	reactivate := false
	for _, op := range req.Operations {
		active, ok := op.activeValue()
		if !ok {
			continue
		}
		if active {
			reactivate = true
		} else {
			deactivate = true
		}
	}

	if deactivate {
		if err := h.orgs.RemoveMember(ctx, org.ID, userID); err != nil && !errors.Is(err, orgs.ErrNotFound) {
			h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionDeactivate, member.Email, false, err.Error(), payload)
			logger.WithError(err).Error("failed to remove member")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if err := h.orgs.DeleteRoleAssignment(ctx, org.ID, userID); err != nil {
			logger.WithError(err).Warn("failed to delete role assignment")
		}
		h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionDeactivate, member.Email, true, "", payload)
		h.auditSCIM(ctx, org, audit.EventTypeSCIMDeactivate, audit.EventStatusSuccess, member.Email, &userID, "")

		user := memberToUser(member, userLocation(org.ID, userID))
		user.Active = false
		writeJSON(w, http.StatusOK, user)
		return
	}

	if reactivate {
		// Reactivation is intentionally not a membership mutation; the IdP
		// re-provisions through POST or a fresh SSO login.
		h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionReactivate, member.Email, true, "", payload)
		h.auditSCIM(ctx, org, audit.EventTypeSCIMUpdate, audit.EventStatusSuccess, member.Email, &userID, "reactivate acknowledged, no-op")
		logger.WithField("user_id", userID.String()).Info("SCIM reactivate acknowledged without membership change")
	}

	writeJSON(w, http.StatusOK, memberToUser(member, userLocation(org.ID, userID)))
}

// activeValue extracts an `active` boolean from a patch operation, handling
// both `path: "active", value: false` and a pathless value object
func (op PatchOperation) activeValue() (bool, bool) {
	if len(op.Value) == 0 {
		return false, false
	}

	if strings.EqualFold(strings.TrimSpace(op.Path), "active") {
		return parseBoolValue(op.Value)
	}
	if op.Path == "" {
		obj := map[string]json.RawMessage{}
		if err := json.Unmarshal(op.Value, &obj); err != nil {
			return false, false
		}
		if raw, ok := obj["active"]; ok {
			return parseBoolValue(raw)
		}
	}
	return false, false
}

// parseBoolValue accepts both JSON booleans and their string spellings,
// which real IdPs send interchangeably
func parseBoolValue(raw json.RawMessage) (bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(s) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// DeleteUser handles DELETE /Users/{id}: removes the organization
// membership, never the account
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	org := orgFromContext(ctx)
	logger := observability.FromContext(ctx)

	userID, err := uuid.Parse(mux.Vars(r)["userID"])
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	member, err := h.orgs.GetMember(ctx, org.ID, userID)
	if err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		logger.WithError(err).Error("failed to get member")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.orgs.RemoveMember(ctx, org.ID, userID); err != nil && !errors.Is(err, orgs.ErrNotFound) {
		h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionDelete, member.Email, false, err.Error(), nil)
		logger.WithError(err).Error("failed to remove member")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.orgs.DeleteRoleAssignment(ctx, org.ID, userID); err != nil {
		logger.WithError(err).Warn("failed to delete role assignment")
	}

	h.recordProvisioning(ctx, org.ID, audit.ProvisioningActionDelete, member.Email, true, "", nil)
	h.auditSCIM(ctx, org, audit.EventTypeSCIMDelete, audit.EventStatusSuccess, member.Email, &userID, "")

	w.WriteHeader(http.StatusNoContent)
}

// recordProvisioning appends one provisioning log entry, raw payload included
func (h *Handler) recordProvisioning(ctx context.Context, orgID uuid.UUID, action audit.ProvisioningAction, email string, success bool, errMsg string, payload []byte) {
	entry := &audit.ProvisioningLogEntry{
		OrgID:        orgID,
		Action:       action,
		UserEmail:    email,
		Success:      success,
		ErrorMessage: errMsg,
		Payload:      payload,
	}
	if err := h.provlog.Record(ctx, entry); err != nil {
		h.logger.WithError(err).Warn("failed to record provisioning log entry")
	}
}

func (h *Handler) auditSCIM(ctx context.Context, org *orgs.Organization, eventType audit.EventType, status audit.EventStatus, email string, userID *uuid.UUID, errMsg string) {
	event := audit.NewEvent(eventType, status, &org.ID, email)
	event.UserID = userID
	event.ErrorMessage = errMsg
	if err := h.audit.Log(ctx, event); err != nil {
		h.logger.WithError(err).Warn("failed to write audit event")
	}
}
