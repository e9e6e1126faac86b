package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/keywarden/keywarden/pkg/config"
	"github.com/keywarden/keywarden/pkg/handoff"
	"github.com/keywarden/keywarden/pkg/httputil"
	"github.com/keywarden/keywarden/pkg/jwks"
	"github.com/keywarden/keywarden/pkg/observability"
	"github.com/keywarden/keywarden/pkg/settings"
	"github.com/keywarden/keywarden/pkg/ssokey"
	"github.com/keywarden/keywarden/pkg/ssostate"
)

// genericFlowMessage is the only detail a 400-class federation failure
// carries. Responses never say why an email, token or binding failed.
const genericFlowMessage = "single sign-on failed"

// Handler is the HTTP surface of the federation service. Authentication is
// delegated to the fronting gateway, which injects the caller's identity
// as X-Auth-User-Id, X-Auth-Username and X-Auth-Role headers.
type Handler struct {
	cfg       *config.Config
	toggles   func() config.SecurityToggles
	settings  *settings.Store
	states    *ssostate.Store
	handoffs  handoff.Store
	keys      *ssokey.Store
	users     Directory
	registrar Registrar
	verifier  *jwks.Client

	// httpClient handles all outbound identity provider traffic
	httpClient  *http.Client
	logger      *observability.Logger
	metrics     *observability.Metrics
	providerLog *logrus.Entry

	// newAdapter is swapped out in tests
	newAdapter func(ctx context.Context, s *settings.Settings, deps AdapterDeps) (Adapter, error)
}

// HandlerDeps carries everything a Handler needs
type HandlerDeps struct {
	Config     *config.Config
	Toggles    func() config.SecurityToggles
	Settings   *settings.Store
	States     *ssostate.Store
	Handoffs   handoff.Store
	Keys       *ssokey.Store
	Users      Directory
	Registrar  Registrar
	Verifier   *jwks.Client
	HTTPClient *http.Client
	Logger     *observability.Logger
	Metrics    *observability.Metrics
}

// NewHandler builds the federation HTTP handler
func NewHandler(deps HandlerDeps) *Handler {
	toggles := deps.Toggles
	if toggles == nil {
		toggles = func() config.SecurityToggles {
			return config.SecurityToggles{
				CheckClientIP:  deps.Config.SSO.CheckClientIP,
				CheckUserAgent: deps.Config.SSO.CheckUserAgent,
			}
		}
	}
	return &Handler{
		cfg:         deps.Config,
		toggles:     toggles,
		settings:    deps.Settings,
		states:      deps.States,
		handoffs:    deps.Handoffs,
		keys:        deps.Keys,
		users:       deps.Users,
		registrar:   deps.Registrar,
		verifier:    deps.Verifier,
		httpClient:  deps.HTTPClient,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		providerLog: logrus.WithField("component", "federation"),
		newAdapter:  NewAdapter,
	}
}

// Register wires all federation routes onto the router
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/sso/login/start", h.StartLogin).Methods(http.MethodPost)
	r.HandleFunc("/sso/login/callback", h.LoginCallback).Methods(http.MethodGet)
	r.HandleFunc("/sso/recover/start", h.StartRecover).Methods(http.MethodPost)
	r.HandleFunc("/sso/recover/callback", h.RecoverCallback).Methods(http.MethodGet)
	r.HandleFunc("/sso/keys", h.GetKey).Methods(http.MethodPost)

	r.HandleFunc("/sso/settings", h.CreateDraft).Methods(http.MethodPost)
	r.HandleFunc("/sso/settings", h.ListSettings).Methods(http.MethodGet)
	r.HandleFunc("/sso/settings/dry-run/callback", h.DryRunCallback).Methods(http.MethodGet)
	r.HandleFunc("/sso/settings/{id}", h.GetSettings).Methods(http.MethodGet)
	r.HandleFunc("/sso/settings/{id}/dry-run/start", h.StartDryRun).Methods(http.MethodPost)
	r.HandleFunc("/sso/settings/{id}/activate", h.ActivateSettings).Methods(http.MethodPost)
}

type authUser struct {
	ID       string
	Username string
	Admin    bool
}

func callerIdentity(r *http.Request) *authUser {
	id := r.Header.Get("X-Auth-User-Id")
	if id == "" {
		return nil
	}
	return &authUser{
		ID:       id,
		Username: r.Header.Get("X-Auth-Username"),
		Admin:    strings.EqualFold(r.Header.Get("X-Auth-Role"), "admin"),
	}
}

func clientContext(r *http.Request) ClientContext {
	ip := r.Header.Get("X-Forwarded-For")
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = strings.TrimSpace(ip[:i])
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	return ClientContext{IP: ip, UserAgent: r.UserAgent()}
}

// orchestrator assembles the per-request orchestrator for one resolved
// configuration and callback route
func (h *Handler) orchestrator(ctx context.Context, s *settings.Settings, callbackPath string) (*Orchestrator, error) {
	adapter, err := h.newAdapter(ctx, s, AdapterDeps{
		Verifier:    h.verifier,
		HTTPClient:  h.httpClient,
		RedirectURL: h.cfg.Server.BaseURL + callbackPath,
		Logger:      h.providerLog,
	})
	if err != nil {
		return nil, err
	}
	return NewOrchestrator(s, adapter, h.states, h.handoffs, h.users, h.registrar, OrchestratorConfig{
		CookieName: h.cfg.SSO.CookieName,
		CookiePath: h.cfg.SSO.CookiePath,
	}, h.logger, h.metrics), nil
}

// StartLogin begins an end-user login against the active configuration
func (h *Handler) StartLogin(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	if caller == nil {
		httputil.WriteForbidden(w, "authentication required")
		return
	}
	h.startFlow(w, r, ssostate.TypeLogin, caller.ID, caller.Username, "")
}

// StartRecover begins an account recovery flow; the user is unknown until
// the provider reports an email
func (h *Handler) StartRecover(w http.ResponseWriter, r *http.Request) {
	h.startFlow(w, r, ssostate.TypeRecover, "", "", "")
}

// StartDryRun begins an admin dry run against a draft configuration
func (h *Handler) StartDryRun(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	if caller == nil || !caller.Admin {
		httputil.WriteForbidden(w, "administrator access required")
		return
	}
	h.startFlow(w, r, ssostate.TypeSetSettings, caller.ID, caller.Username, mux.Vars(r)["id"])
}

func (h *Handler) startFlow(w http.ResponseWriter, r *http.Request, typ ssostate.Type, userID, username, draftID string) {
	ctx := r.Context()

	var record *settings.Settings
	var err error
	if typ == ssostate.TypeSetSettings {
		record, err = h.settings.GetDraftByIDOrFail(ctx, draftID, true)
	} else {
		record, err = h.settings.GetActiveOrFail(ctx, true)
	}
	if err != nil {
		h.writeFlowError(w, r, typ, "stage1", "", err)
		return
	}

	orch, err := h.orchestrator(ctx, record, h.callbackPath(typ))
	if err != nil {
		h.writeFlowError(w, r, typ, "stage1", string(record.Provider), err)
		return
	}
	res, err := orch.Stage1(ctx, typ, userID, username, clientContext(r))
	if err != nil {
		h.writeFlowError(w, r, typ, "stage1", string(record.Provider), err)
		return
	}

	h.metrics.StageOutcomesTotal.WithLabelValues(string(record.Provider), "stage1", string(typ), "success").Inc()
	http.SetCookie(w, res.Cookie)
	httputil.WriteSuccess(w, map[string]string{"url": res.AuthorizationURL})
}

func (h *Handler) callbackPath(typ ssostate.Type) string {
	switch typ {
	case ssostate.TypeSetSettings:
		return "/sso/settings/dry-run/callback"
	case ssostate.TypeRecover:
		return "/sso/recover/callback"
	default:
		return "/sso/login/callback"
	}
}

// LoginCallback completes an end-user login round-trip
func (h *Handler) LoginCallback(w http.ResponseWriter, r *http.Request) {
	h.callback(w, r, ssostate.TypeLogin, "/sso/login/success")
}

// DryRunCallback completes an admin dry run round-trip
func (h *Handler) DryRunCallback(w http.ResponseWriter, r *http.Request) {
	h.callback(w, r, ssostate.TypeSetSettings, "/sso/settings/dry-run/success")
}

// RecoverCallback completes an account recovery round-trip
func (h *Handler) RecoverCallback(w http.ResponseWriter, r *http.Request) {
	h.callback(w, r, ssostate.TypeRecover, "/sso/recover/continue")
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request, typ ssostate.Type, successPath string) {
	ctx := r.Context()
	q := r.URL.Query()

	// a provider-reported error ends the flow before any lookup; the raw
	// description stays in the server log
	if errCode := q.Get("error"); errCode != "" {
		h.providerLog.WithFields(logrus.Fields{
			"error_code":        errCode,
			"error_description": q.Get("error_description"),
			"flow":              string(typ),
		}).Error("identity provider returned an authorization error")
		h.metrics.IdPErrorsTotal.WithLabelValues("callback", errCode).Inc()
		h.writeFlowError(w, r, typ, "stage2", "", &FederationError{Code: errCode, Description: q.Get("error_description")})
		return
	}

	stateFromURL := q.Get("state")
	cookie, err := r.Cookie(h.cfg.SSO.CookieName)
	if err != nil || cookie.Value == "" || stateFromURL != cookie.Value {
		h.writeFlowError(w, r, typ, "stage2", "", ErrCsrf)
		return
	}

	record, err := h.resolveCallbackSettings(ctx, typ, cookie.Value)
	if err != nil {
		h.writeFlowError(w, r, typ, "stage2", "", err)
		return
	}
	orch, err := h.orchestrator(ctx, record, h.callbackPath(typ))
	if err != nil {
		h.writeFlowError(w, r, typ, "stage2", string(record.Provider), err)
		return
	}

	res, err := orch.Stage2(ctx, typ, stateFromURL, cookie.Value, q.Get("code"), clientContext(r), h.toggles())
	h.expireStateCookie(w)
	if err != nil {
		h.writeFlowError(w, r, typ, "stage2", string(record.Provider), err)
		return
	}
	h.metrics.StageOutcomesTotal.WithLabelValues(string(record.Provider), "stage2", string(typ), "success").Inc()

	if res.RegistrationURL != "" {
		http.Redirect(w, r, res.RegistrationURL, http.StatusFound)
		return
	}
	h.metrics.HandoffIssuedTotal.WithLabelValues(string(res.Token.Type)).Inc()
	redirect := h.cfg.Server.BaseURL + successPath + "?token=" + url.QueryEscape(res.Token.Value)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// resolveCallbackSettings finds the configuration a callback belongs to.
// Real logins and recovery use the active record; a dry run follows the
// draft id bound to the state row. The peek is read-only; the row is
// consumed inside stage 2.
func (h *Handler) resolveCallbackSettings(ctx context.Context, typ ssostate.Type, stateValue string) (*settings.Settings, error) {
	if typ != ssostate.TypeSetSettings {
		return h.settings.GetActiveOrFail(ctx, true)
	}
	st, err := h.states.GetActiveOrFail(ctx, stateValue, typ)
	if err != nil {
		if errors.Is(err, ssostate.ErrNotFound) {
			return nil, ErrExpiredOrUnknownState
		}
		return nil, err
	}
	return h.settings.GetByID(ctx, st.SettingsID)
}

func (h *Handler) expireStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.SSO.CookieName,
		Value:    "",
		Path:     h.cfg.SSO.CookiePath,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
	})
}

type getKeyRequest struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// GetKey releases a user's server-side key against a get-key handoff token
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req getKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.UserID == "" {
		httputil.WriteBadRequest(w, genericFlowMessage)
		return
	}

	cc := clientContext(r)
	toggles := h.toggles()
	tok, err := AssertAndConsumeHandoff(ctx, h.handoffs, req.Token, handoff.TypeGetKey, req.UserID, cc, toggles)
	if err != nil {
		h.metrics.HandoffUsedTotal.WithLabelValues(string(handoff.TypeGetKey), "failure").Inc()
		h.logger.WithError(err).WithField("type", string(handoff.TypeGetKey)).Info("handoff token rejected")
		httputil.WriteBadRequest(w, genericFlowMessage)
		return
	}
	h.metrics.HandoffUsedTotal.WithLabelValues(string(handoff.TypeGetKey), "success").Inc()

	key, err := h.keys.GetForUser(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, ssokey.ErrNotFound) {
			httputil.WriteBadRequest(w, genericFlowMessage)
			return
		}
		h.logger.WithError(err).Error("sso key lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"data": key.Data})
}

type createDraftRequest struct {
	Provider settings.Provider `json:"provider"`
	Data     draftData         `json:"data"`
}

type draftData struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TenantID     string `json:"tenant_id"`
	IssuerURL    string `json:"issuer_url"`
	EmailClaim   string `json:"email_claim"`
	Prompt       string `json:"prompt"`
}

// CreateDraft stores a new draft provider configuration
func (h *Handler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	if caller == nil || !caller.Admin {
		httputil.WriteForbidden(w, "administrator access required")
		return
	}

	var req createDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	record, err := h.settings.CreateDraft(r.Context(), req.Provider, &settings.Data{
		ClientID:     req.Data.ClientID,
		ClientSecret: req.Data.ClientSecret,
		TenantID:     req.Data.TenantID,
		IssuerURL:    req.Data.IssuerURL,
		EmailClaim:   req.Data.EmailClaim,
		Prompt:       settings.PromptMode(req.Data.Prompt),
	}, caller.ID)
	if err != nil {
		if errors.Is(err, settings.ErrInvalidProvider) {
			httputil.WriteBadRequest(w, "unsupported provider")
			return
		}
		h.logger.WithError(err).Error("draft creation failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteCreated(w, record)
}

// ListSettings returns all configurations, secrets stripped
func (h *Handler) ListSettings(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	if caller == nil || !caller.Admin {
		httputil.WriteForbidden(w, "administrator access required")
		return
	}
	records, err := h.settings.List(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("settings listing failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, records)
}

// GetSettings returns one configuration, secret stripped
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	if caller == nil || !caller.Admin {
		httputil.WriteForbidden(w, "administrator access required")
		return
	}
	record, err := h.settings.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			httputil.WriteNotFound(w, "settings not found")
			return
		}
		h.logger.WithError(err).Error("settings lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	if record.Data != nil {
		record.Data.ClientSecret = ""
	}
	httputil.WriteSuccess(w, record)
}

type activateRequest struct {
	Token string `json:"token"`
}

// ActivateSettings promotes a draft after a successful dry run, gated on
// the activate-settings handoff token the dry run produced
func (h *Handler) ActivateSettings(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	if caller == nil || !caller.Admin {
		httputil.WriteForbidden(w, "administrator access required")
		return
	}
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		httputil.WriteBadRequest(w, genericFlowMessage)
		return
	}

	tok, err := AssertAndConsumeHandoff(ctx, h.handoffs, req.Token, handoff.TypeActivateSettings, caller.ID, clientContext(r), h.toggles())
	if err != nil {
		h.metrics.HandoffUsedTotal.WithLabelValues(string(handoff.TypeActivateSettings), "failure").Inc()
		h.logger.WithError(err).WithField("type", string(handoff.TypeActivateSettings)).Info("handoff token rejected")
		httputil.WriteBadRequest(w, genericFlowMessage)
		return
	}
	h.metrics.HandoffUsedTotal.WithLabelValues(string(handoff.TypeActivateSettings), "success").Inc()

	// the token must have come from a dry run of this very draft
	if tok.Data.SettingsID != id {
		httputil.WriteBadRequest(w, genericFlowMessage)
		return
	}
	if err := h.settings.Activate(ctx, id, caller.ID); err != nil {
		if errors.Is(err, settings.ErrNotFound) || errors.Is(err, settings.ErrNotDraft) {
			httputil.WriteBadRequest(w, genericFlowMessage)
			return
		}
		h.logger.WithError(err).Error("settings activation failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"id": id, "status": string(settings.StatusActive)})
}

// AssertAndConsumeHandoff adapts the handler's client context and toggles
// to the handoff store's assertion
func AssertAndConsumeHandoff(ctx context.Context, store handoff.Store, value string, typ handoff.Type,
	userID string, cc ClientContext, toggles config.SecurityToggles) (*handoff.Token, error) {
	return handoff.AssertAndConsume(ctx, store, value, typ, userID, handoff.RequestContext{
		IP:             cc.IP,
		UserAgent:      cc.UserAgent,
		CheckIP:        toggles.CheckClientIP,
		CheckUserAgent: toggles.CheckUserAgent,
	})
}

// writeFlowError maps the error taxonomy to the wire. Everything the
// protocol can reject is a 400 with one generic message; only a store or
// provider infrastructure failure is a 500. Details go to the log.
func (h *Handler) writeFlowError(w http.ResponseWriter, r *http.Request, typ ssostate.Type, stage, provider string, err error) {
	if provider == "" {
		provider = "unknown"
	}
	h.metrics.StageOutcomesTotal.WithLabelValues(provider, stage, string(typ), "failure").Inc()
	if errors.Is(err, ErrExpiredOrUnknownState) {
		h.metrics.ReplayRejectedTotal.Inc()
	}

	log := h.logger.WithError(err).WithFields(map[string]interface{}{
		"flow":  string(typ),
		"stage": stage,
	})

	var fedErr *FederationError
	switch {
	case errors.Is(err, ErrCsrf),
		errors.Is(err, ErrExpiredOrUnknownState),
		errors.Is(err, ErrResourceOwnerMismatch),
		errors.Is(err, jwks.ErrInvalidToken),
		errors.As(err, &fedErr),
		errors.Is(err, settings.ErrNotFound),
		errors.Is(err, settings.ErrNotActive),
		errors.Is(err, settings.ErrNotDraft):
		log.Info("federation flow rejected")
		httputil.WriteBadRequest(w, genericFlowMessage)
	default:
		log.Error("federation flow failed")
		httputil.WriteInternalError(w)
	}
}
