package scim

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/casewyze/identity/pkg/audit"
	"github.com/casewyze/identity/pkg/observability"
	"github.com/casewyze/identity/pkg/orgs"
)

type orgContextKey struct{}

// orgFromContext returns the organization resolved by the auth middleware
func orgFromContext(ctx context.Context) *orgs.Organization {
	org, _ := ctx.Value(orgContextKey{}).(*orgs.Organization)
	return org
}

// authenticate validates the per-organization bearer token and the
// organization's active flag before any SCIM handler runs. Token comparison
// is constant-time.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := observability.FromContext(ctx)

		orgID, err := uuid.Parse(mux.Vars(r)["orgID"])
		if err != nil {
			writeError(w, http.StatusNotFound, "organization not found")
			return
		}

		org, err := h.orgs.GetOrganization(ctx, orgID)
		if err != nil {
			// 404 and 401 both end the request; an unknown org is not
			// distinguishable from a bad token by design, but the path
			// itself names the org so 404 is the honest answer.
			writeError(w, http.StatusNotFound, "organization not found")
			return
		}

		token := bearerToken(r)
		if org.SCIMToken == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(org.SCIMToken)) != 1 {
			h.auditDenied(ctx, org, "invalid or missing bearer token")
			logger.WithField("org_id", orgID.String()).Warn("SCIM request with invalid bearer token")
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		if !org.IsActive {
			h.auditDenied(ctx, org, "organization is inactive")
			writeError(w, http.StatusForbidden, "organization is inactive")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, orgContextKey{}, org)))
	})
}

func (h *Handler) auditDenied(ctx context.Context, org *orgs.Organization, reason string) {
	event := audit.NewEvent(audit.EventTypeSCIMDenied, audit.EventStatusDenied, &org.ID, "")
	event.Message = reason
	if err := h.audit.Log(ctx, event); err != nil {
		h.logger.WithError(err).Warn("failed to write audit event")
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
