package sso

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/casewyze/identity/pkg/audit"
	"github.com/casewyze/identity/pkg/httputil"
	"github.com/casewyze/identity/pkg/identity"
	"github.com/casewyze/identity/pkg/observability"
	"github.com/casewyze/identity/pkg/orgs"
	"github.com/casewyze/identity/pkg/rolemap"
)

// HandlerConfig holds the externally visible settings of the federation flow
type HandlerConfig struct {
	// BaseURL is this service's external URL, no trailing slash
	BaseURL string

	// StateTTL is the transport-state staleness window
	StateTTL time.Duration

	// DefaultRedirect is the post-login target when none was requested
	DefaultRedirect string
}

// Handler serves the federation flow endpoints
type Handler struct {
	cfg        HandlerConfig
	orgs       *orgs.Store
	roles      *rolemap.Store
	oidc       *OIDCAdapter
	saml       *SAMLAdapter
	reconciler *identity.Reconciler
	links      *identity.MagicLinkStore
	replay     ReplayGuard
	audit      audit.Logger
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewHandler creates the federation flow handler
func NewHandler(
	cfg HandlerConfig,
	orgStore *orgs.Store,
	roleStore *rolemap.Store,
	oidcAdapter *OIDCAdapter,
	samlAdapter *SAMLAdapter,
	reconciler *identity.Reconciler,
	links *identity.MagicLinkStore,
	replay ReplayGuard,
	auditLogger audit.Logger,
	metrics *observability.Metrics,
	logger *observability.Logger,
) *Handler {
	if replay == nil {
		replay = NopReplayGuard{}
	}
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Handler{
		cfg:        cfg,
		orgs:       orgStore,
		roles:      roleStore,
		oidc:       oidcAdapter,
		saml:       samlAdapter,
		reconciler: reconciler,
		links:      links,
		replay:     replay,
		audit:      auditLogger,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterRoutes mounts the federation endpoints on the router
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/sso/initiate", h.Initiate).Methods(http.MethodGet)
	router.HandleFunc("/sso/callback", h.CallbackOIDC).Methods(http.MethodGet)
	router.HandleFunc("/sso/callback", h.CallbackSAML).Methods(http.MethodPost)
	router.HandleFunc("/sso/metadata", h.Metadata).Methods(http.MethodGet)
	router.HandleFunc("/sso/complete", h.Complete).Methods(http.MethodGet)
}

func (h *Handler) callbackURL() string {
	return h.cfg.BaseURL + "/sso/callback"
}

// Initiate handles GET /sso/initiate?org_id=&redirect_url=
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	orgID, err := uuid.Parse(r.URL.Query().Get("org_id"))
	if err != nil {
		httputil.WriteText(w, http.StatusBadRequest, "invalid org_id")
		return
	}

	redirect := r.URL.Query().Get("redirect_url")
	if redirect == "" {
		redirect = h.cfg.DefaultRedirect
	}

	cfg, err := h.orgs.GetSSOConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			httputil.WriteText(w, http.StatusNotFound, "SSO is not configured for this organization")
			return
		}
		logger.WithError(err).Error("failed to load SSO config")
		httputil.WriteText(w, http.StatusInternalServerError, "internal error")
		return
	}

	state := &TransportState{
		OrgID:       orgID,
		RedirectURL: redirect,
		CreatedAt:   time.Now().UTC(),
	}

	var location string
	switch cfg.Provider {
	case orgs.ProviderOIDC:
		location, err = h.initiateOIDC(ctx, cfg, state)
	case orgs.ProviderSAML:
		location, err = h.initiateSAML(cfg, state)
	default:
		err = fmt.Errorf("unknown provider type %q", cfg.Provider)
	}
	if err != nil {
		logger.WithError(err).WithField("org_id", orgID.String()).Error("failed to initiate SSO login")
		httputil.WriteText(w, http.StatusInternalServerError, "failed to initiate login")
		return
	}

	h.metrics.LoginInitiations.WithLabelValues(string(cfg.Provider)).Inc()
	logger.WithFields(map[string]interface{}{
		"org_id":   orgID.String(),
		"provider": string(cfg.Provider),
	}).Info("SSO login initiated")

	http.Redirect(w, r, location, http.StatusFound)
}

func (h *Handler) initiateOIDC(ctx context.Context, cfg *orgs.SSOConfig, state *TransportState) (string, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	nonce, err := GenerateNonce()
	if err != nil {
		return "", err
	}

	state.PKCEVerifier = pkce.Verifier
	state.Nonce = nonce

	encoded, err := EncodeState(state)
	if err != nil {
		return "", err
	}

	return h.oidc.BuildAuthorizationURL(ctx, cfg, h.callbackURL(), encoded, pkce, nonce), nil
}

func (h *Handler) initiateSAML(cfg *orgs.SSOConfig, state *TransportState) (string, error) {
	requestID, err := GenerateRequestID()
	if err != nil {
		return "", err
	}
	state.SAMLRequestID = requestID

	encoded, err := EncodeState(state)
	if err != nil {
		return "", err
	}

	authnRequest, err := h.saml.BuildAuthnRequest(h.cfg.BaseURL, h.callbackURL(), requestID)
	if err != nil {
		return "", err
	}

	return h.saml.LoginURL(cfg, authnRequest, encoded)
}

// CallbackOIDC handles GET /sso/callback?code=&state=
func (h *Handler) CallbackOIDC(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	ctx := r.Context()

	state, cfg, ok := h.consumeState(w, r, r.URL.Query().Get("state"))
	if !ok {
		h.observeCallback(string(orgs.ProviderOIDC), "rejected", started)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		httputil.WriteText(w, http.StatusBadRequest, "missing authorization code")
		h.observeCallback(string(orgs.ProviderOIDC), "rejected", started)
		return
	}

	ident, err := h.oidc.HandleCallback(ctx, cfg, h.callbackURL(), code, state)
	if err != nil {
		h.failCallback(w, r, cfg, state, err)
		h.observeCallback(string(orgs.ProviderOIDC), "failed", started)
		return
	}

	if h.completeLogin(w, r, cfg, state, ident) {
		h.observeCallback(string(orgs.ProviderOIDC), "success", started)
	} else {
		h.observeCallback(string(orgs.ProviderOIDC), "failed", started)
	}
}

// CallbackSAML handles POST /sso/callback with SAMLResponse and RelayState
// form fields (the assertion consumer service)
func (h *Handler) CallbackSAML(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if err := r.ParseForm(); err != nil {
		httputil.WriteText(w, http.StatusBadRequest, "malformed form body")
		h.observeCallback(string(orgs.ProviderSAML), "rejected", started)
		return
	}

	state, cfg, ok := h.consumeState(w, r, r.PostFormValue("RelayState"))
	if !ok {
		h.observeCallback(string(orgs.ProviderSAML), "rejected", started)
		return
	}

	rawResponse := r.PostFormValue("SAMLResponse")
	if rawResponse == "" {
		httputil.WriteText(w, http.StatusBadRequest, "missing SAMLResponse")
		h.observeCallback(string(orgs.ProviderSAML), "rejected", started)
		return
	}

	ident, err := h.saml.ParseResponse(cfg, rawResponse, h.callbackURL())
	if err != nil {
		h.failCallback(w, r, cfg, state, err)
		h.observeCallback(string(orgs.ProviderSAML), "failed", started)
		return
	}

	if h.completeLogin(w, r, cfg, state, ident) {
		h.observeCallback(string(orgs.ProviderSAML), "success", started)
	} else {
		h.observeCallback(string(orgs.ProviderSAML), "failed", started)
	}
}

// consumeState decodes, age-checks, and single-use-consumes the round-tripped
// state, then loads the organization's SSO config. On failure it writes the
// response itself and returns ok=false.
func (h *Handler) consumeState(w http.ResponseWriter, r *http.Request, encoded string) (*TransportState, *orgs.SSOConfig, bool) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	state, err := DecodeState(encoded, h.cfg.StateTTL)
	if err != nil {
		logger.WithError(err).Warn("rejected SSO callback state")
		httputil.WriteText(w, statusForError(err), "invalid or expired login state")
		return nil, nil, false
	}

	if err := h.replay.Consume(ctx, encoded); err != nil {
		if errors.Is(err, ErrStateReplayed) {
			logger.WithField("org_id", state.OrgID.String()).Warn("rejected replayed SSO state")
			httputil.WriteText(w, http.StatusBadRequest, "login state already used")
			return nil, nil, false
		}
		// Guard outage: fall through on the staleness window alone rather
		// than failing every login.
		logger.WithError(err).Error("replay guard check failed")
	}

	cfg, err := h.orgs.GetSSOConfig(ctx, state.OrgID)
	if err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			httputil.WriteText(w, http.StatusNotFound, "SSO is not configured for this organization")
			return nil, nil, false
		}
		logger.WithError(err).Error("failed to load SSO config")
		httputil.WriteText(w, http.StatusInternalServerError, "internal error")
		return nil, nil, false
	}

	return state, cfg, true
}

// completeLogin runs role resolution, reconciliation, and the final redirect.
// Returns false when the login could not be completed.
func (h *Handler) completeLogin(w http.ResponseWriter, r *http.Request, cfg *orgs.SSOConfig, state *TransportState, ident *ExternalIdentity) bool {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	role, err := h.roles.Determine(ctx, state.OrgID, cfg.DefaultRole, ident.Groups)
	if err != nil {
		logger.WithError(err).Error("failed to resolve role")
		httputil.WriteText(w, http.StatusInternalServerError, "internal error")
		return false
	}

	result, err := h.reconciler.Reconcile(ctx, state.OrgID, ident.Email, ident.DisplayName, role, ident.Groups)
	if err != nil {
		h.failCallback(w, r, cfg, state, err)
		return false
	}
	h.metrics.ReconcileResults.WithLabelValues(reconcileOutcome(result)).Inc()

	h.auditLogin(ctx, cfg, state, ident.Email, &result.UserID, nil)

	redirect := state.RedirectURL
	if redirect == "" {
		redirect = h.cfg.DefaultRedirect
	}

	link, err := h.links.Issue(ctx, result.UserID, state.OrgID, redirect)
	if err != nil {
		// Availability over rigor: hand the browser back to the app with a
		// success marker instead of failing a login that already verified.
		logger.WithError(err).Error("magic link issuance failed, using fallback redirect")
		fallback := redirect
		if u, perr := url.Parse(redirect); perr == nil {
			q := u.Query()
			q.Set("sso_success", "true")
			q.Set("email", ident.Email)
			u.RawQuery = q.Encode()
			fallback = u.String()
		}
		http.Redirect(w, r, fallback, http.StatusFound)
		return true
	}

	logger.WithFields(map[string]interface{}{
		"org_id":   state.OrgID.String(),
		"user_id":  result.UserID.String(),
		"new_user": result.IsNewUser,
		"role":     string(role),
	}).Info("SSO login completed")

	http.Redirect(w, r, h.cfg.BaseURL+"/sso/complete?token="+url.QueryEscape(link.Token), http.StatusFound)
	return true
}

// failCallback writes the error response for a failed callback and records
// the failure in the audit trail
func (h *Handler) failCallback(w http.ResponseWriter, r *http.Request, cfg *orgs.SSOConfig, state *TransportState, err error) {
	logger := observability.FromContext(r.Context())
	logger.WithError(err).WithField("org_id", state.OrgID.String()).Warn("SSO callback failed")

	h.auditLogin(r.Context(), cfg, state, "", nil, err)
	httputil.WriteText(w, statusForError(err), "login failed: "+publicMessage(err))
}

func (h *Handler) auditLogin(ctx context.Context, cfg *orgs.SSOConfig, state *TransportState, email string, userID *uuid.UUID, failure error) {
	eventType := audit.EventTypeSSOLogin
	status := audit.EventStatusSuccess
	if failure != nil {
		eventType = audit.EventTypeSSOLoginFailed
		status = audit.EventStatusFailure
	}

	event := audit.NewEvent(eventType, status, &state.OrgID, email)
	event.UserID = userID
	event.Metadata["provider"] = string(cfg.Provider)
	if failure != nil {
		event.ErrorMessage = failure.Error()
	}

	if err := h.audit.Log(ctx, event); err != nil {
		h.logger.WithError(err).Warn("failed to write audit event")
	}
}

// Complete handles GET /sso/complete?token= by redeeming the magic link and
// bouncing the browser to its original destination
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.FromContext(ctx)

	token := r.URL.Query().Get("token")
	if token == "" {
		httputil.WriteText(w, http.StatusBadRequest, "missing token")
		return
	}

	link, err := h.links.Redeem(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrTokenNotFound):
			httputil.WriteText(w, http.StatusNotFound, "unknown login link")
		case errors.Is(err, identity.ErrTokenExpired), errors.Is(err, identity.ErrTokenConsumed):
			httputil.WriteText(w, http.StatusUnauthorized, "login link is no longer valid")
		default:
			logger.WithError(err).Error("failed to redeem login token")
			httputil.WriteText(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	event := audit.NewEvent(audit.EventTypeMagicLink, audit.EventStatusSuccess, &link.OrgID, "")
	event.UserID = &link.UserID
	if err := h.audit.Log(ctx, event); err != nil {
		logger.WithError(err).Warn("failed to write audit event")
	}

	redirect := link.RedirectURL
	if redirect == "" {
		redirect = h.cfg.DefaultRedirect
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// Metadata handles GET /sso/metadata?org_id=&format=saml|oidc|info, serving
// the values an IdP administrator needs to configure the other side
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orgID, err := uuid.Parse(r.URL.Query().Get("org_id"))
	if err != nil {
		httputil.WriteBadRequest(w, "invalid org_id")
		return
	}

	if _, err := h.orgs.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			httputil.WriteNotFoundError(w, "organization not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	switch r.URL.Query().Get("format") {
	case "saml":
		h.writeSAMLMetadata(w, orgID)
	case "oidc":
		httputil.WriteSuccess(w, map[string]interface{}{
			"redirect_uri":                h.callbackURL(),
			"response_type":               "code",
			"grant_type":                  "authorization_code",
			"scopes":                      []string{"openid", "email", "profile"},
			"code_challenge_method":       "S256",
			"initiate_login_uri":          fmt.Sprintf("%s/sso/initiate?org_id=%s", h.cfg.BaseURL, orgID),
			"token_endpoint_auth_methods": []string{"client_secret_post", "none"},
		})
	case "info", "":
		httputil.WriteSuccess(w, map[string]interface{}{
			"organization_id": orgID.String(),
			"entity_id":       h.cfg.BaseURL,
			"acs_url":         h.callbackURL(),
			"redirect_uri":    h.callbackURL(),
			"login_url":       fmt.Sprintf("%s/sso/initiate?org_id=%s", h.cfg.BaseURL, orgID),
			"name_id_format":  "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress",
		})
	default:
		httputil.WriteBadRequest(w, "format must be saml, oidc, or info")
	}
}

// spMetadata is the minimal SP EntityDescriptor for IdP-side configuration
type spMetadata struct {
	XMLName  xml.Name `xml:"urn:oasis:names:tc:SAML:2.0:metadata EntityDescriptor"`
	EntityID string   `xml:"entityID,attr"`
	SPSSO    struct {
		ProtocolSupport string `xml:"protocolSupportEnumeration,attr"`
		NameIDFormat    string `xml:"NameIDFormat"`
		ACS             struct {
			Binding  string `xml:"Binding,attr"`
			Location string `xml:"Location,attr"`
			Index    int    `xml:"index,attr"`
		} `xml:"AssertionConsumerService"`
	} `xml:"SPSSODescriptor"`
}

func (h *Handler) writeSAMLMetadata(w http.ResponseWriter, orgID uuid.UUID) {
	md := spMetadata{EntityID: h.cfg.BaseURL}
	md.SPSSO.ProtocolSupport = "urn:oasis:names:tc:SAML:2.0:protocol"
	md.SPSSO.NameIDFormat = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	md.SPSSO.ACS.Binding = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	md.SPSSO.ACS.Location = h.callbackURL()
	md.SPSSO.ACS.Index = 0

	data, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(xml.Header))
	w.Write(data)
}

func (h *Handler) observeCallback(provider, result string, started time.Time) {
	h.metrics.CallbackResults.WithLabelValues(provider, result).Inc()
	h.metrics.CallbackDuration.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

// statusForError maps flow errors onto HTTP statuses
func statusForError(err error) int {
	switch {
	case errors.Is(err, ErrConfigurationMissing):
		return http.StatusNotFound
	case errors.Is(err, ErrStateMalformed),
		errors.Is(err, ErrStateExpired),
		errors.Is(err, ErrStateReplayed),
		errors.Is(err, ErrMissingEmail):
		return http.StatusBadRequest
	case errors.Is(err, ErrTokenExchangeFailed),
		errors.Is(err, ErrSAMLParseFailed),
		errors.Is(err, ErrNonceMismatch):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps internal error detail out of browser-facing bodies
func publicMessage(err error) string {
	switch {
	case errors.Is(err, ErrStateMalformed), errors.Is(err, ErrStateExpired):
		return "invalid or expired login state"
	case errors.Is(err, ErrStateReplayed):
		return "login state already used"
	case errors.Is(err, ErrTokenExchangeFailed):
		return "identity provider rejected the login"
	case errors.Is(err, ErrNonceMismatch):
		return "identity token could not be validated"
	case errors.Is(err, ErrSAMLParseFailed):
		return "identity provider response could not be validated"
	case errors.Is(err, ErrMissingEmail):
		return "identity provider did not supply an email address"
	case errors.Is(err, identity.ErrUserCreationFailed):
		return "account provisioning failed"
	default:
		return "internal error"
	}
}

func reconcileOutcome(result *identity.Result) string {
	switch {
	case result.IsNewUser:
		return "created"
	case result.RoleChanged:
		return "role_updated"
	default:
		return "unchanged"
	}
}
