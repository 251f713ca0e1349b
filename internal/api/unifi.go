package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"grimm.is/loginsight/internal/unifi"
)

func (s *Server) pollStatus() *unifi.PollStatus {
	if s.poller == nil {
		return &unifi.PollStatus{}
	}
	st := s.poller.Status()
	return &st
}

func (s *Server) handleGetUniFiSettings(w http.ResponseWriter, r *http.Request) {
	if s.uc == nil {
		WriteError(w, http.StatusServiceUnavailable, "controller integration not available")
		return
	}
	WriteJSON(w, http.StatusOK, s.uc.SettingsInfo(r.Context(), s.pollStatus()))
}

// uniFiSettingsRequest uses pointers so omitted fields leave stored values
// untouched. An explicit empty api_key clears the stored key.
type uniFiSettingsRequest struct {
	Enabled      *bool            `json:"enabled"`
	Host         *string          `json:"host"`
	APIKey       *string          `json:"api_key"`
	Site         *string          `json:"site"`
	VerifySSL    *bool            `json:"verify_ssl"`
	PollInterval *int             `json:"poll_interval"`
	Features     *map[string]bool `json:"features"`
}

func (s *Server) handlePutUniFiSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.uc == nil {
		WriteError(w, http.StatusServiceUnavailable, "controller integration not available")
		return
	}

	var req uniFiSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PollInterval != nil && (*req.PollInterval < 60 || *req.PollInterval > 86400) {
		WriteError(w, http.StatusBadRequest, "poll_interval must be between 60 and 86400 seconds")
		return
	}

	if req.Enabled != nil {
		s.st.SetConfig(ctx, "unifi_enabled", *req.Enabled)
	}
	if req.Host != nil {
		s.st.SetConfig(ctx, "unifi_host", *req.Host)
	}
	if req.Site != nil {
		s.st.SetConfig(ctx, "unifi_site", *req.Site)
	}
	if req.VerifySSL != nil {
		s.st.SetConfig(ctx, "unifi_verify_ssl", *req.VerifySSL)
	}
	if req.PollInterval != nil {
		s.st.SetConfig(ctx, "unifi_poll_interval", *req.PollInterval)
	}
	if req.Features != nil {
		s.st.SetConfig(ctx, "unifi_features", *req.Features)
	}
	if req.APIKey != nil {
		if *req.APIKey == "" {
			s.st.DeleteConfig(ctx, "unifi_api_key")
		} else {
			enc, err := s.st.EncryptAPIKey(*req.APIKey)
			if err != nil {
				s.log.Error("encrypting API key", "error", err)
				WriteError(w, http.StatusInternalServerError, "failed to store API key")
				return
			}
			s.st.SetConfig(ctx, "unifi_api_key", enc)
		}
	}

	s.uc.Reload(ctx)
	if s.poller != nil {
		s.poller.Kick()
	}

	WriteJSON(w, http.StatusOK, s.uc.SettingsInfo(ctx, s.pollStatus()))
}

type uniFiTestRequest struct {
	Host           string `json:"host"`
	APIKey         string `json:"api_key"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Site           string `json:"site"`
	ControllerType string `json:"controller_type"`
	VerifySSL      *bool  `json:"verify_ssl"`
}

func (s *Server) handleUniFiTest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.uc == nil {
		WriteError(w, http.StatusServiceUnavailable, "controller integration not available")
		return
	}

	var req uniFiTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Host == "" {
		WriteError(w, http.StatusBadRequest, "host is required")
		return
	}
	if req.ControllerType == "" {
		req.ControllerType = s.st.ConfigString(ctx, "unifi_controller_type", "modern")
	}

	if req.ControllerType == "legacy" {
		// Re-testing a stored connection without retyping credentials.
		if req.Username == "" {
			req.Username = s.st.ConfigString(ctx, "unifi_username", "")
		}
		if req.Password == "" {
			if enc := s.st.ConfigString(ctx, "unifi_password", ""); enc != "" {
				req.Password = s.st.DecryptAPIKey(enc)
			}
		}
		if req.Username == "" || req.Password == "" {
			WriteError(w, http.StatusBadRequest, "username and password are required")
			return
		}
	} else {
		if req.APIKey == "" {
			if enc := s.st.ConfigString(ctx, "unifi_api_key", ""); enc != "" {
				req.APIKey = s.st.DecryptAPIKey(enc)
			}
		}
		if req.APIKey == "" {
			WriteError(w, http.StatusBadRequest, "api_key is required")
			return
		}
	}
	verify := true
	if req.VerifySSL != nil {
		verify = *req.VerifySSL
	}

	result := s.uc.TestConnection(ctx, unifi.TestParams{
		Host:           req.Host,
		APIKey:         req.APIKey,
		Username:       req.Username,
		Password:       req.Password,
		Site:           req.Site,
		ControllerType: req.ControllerType,
		VerifySSL:      verify,
	})
	if result.Success {
		// A working connection is worth persisting right away.
		s.st.SetConfig(ctx, "unifi_host", req.Host)
		if req.Site != "" {
			s.st.SetConfig(ctx, "unifi_site", req.Site)
		}
		s.st.SetConfig(ctx, "unifi_verify_ssl", verify)
		s.st.SetConfig(ctx, "unifi_controller_type", req.ControllerType)
		if req.ControllerType == "legacy" {
			s.st.SetConfig(ctx, "unifi_username", req.Username)
			if enc, err := s.st.EncryptAPIKey(req.Password); err == nil {
				s.st.SetConfig(ctx, "unifi_password", enc)
			}
		} else if enc, err := s.st.EncryptAPIKey(req.APIKey); err == nil {
			s.st.SetConfig(ctx, "unifi_api_key", enc)
		}
		s.st.SetConfig(ctx, "unifi_controller_name", result.ControllerName)
		s.st.SetConfig(ctx, "unifi_controller_version", result.Version)
		s.st.SetConfig(ctx, "unifi_enabled", true)

		s.uc.Reload(ctx)
		if s.poller != nil {
			s.poller.Kick()
		}
	}

	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleDismissUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := s.st.SetConfig(r.Context(), "unifi_upgrade_dismissed", true); err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to save")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleUniFiNetworkConfig(w http.ResponseWriter, r *http.Request) {
	if s.uc == nil || !s.uc.Enabled() {
		WriteError(w, http.StatusBadRequest, "controller integration is disabled")
		return
	}
	cfg, err := s.uc.GetNetworkConfig(r.Context())
	if err != nil {
		s.log.Warn("fetching network config", "error", err)
		s.controllerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, cfg)
}

// controllerError maps a controller failure onto the API response: auth
// problems and validation errors pass through, everything else is a 502.
func (s *Server) controllerError(w http.ResponseWriter, err error) {
	var httpErr *unifi.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			WriteError(w, http.StatusForbidden, "controller rejected the API key", httpErr.Body)
			return
		case http.StatusNotFound:
			WriteError(w, http.StatusNotFound, "not found on controller", httpErr.Body)
			return
		case http.StatusUnprocessableEntity:
			WriteError(w, http.StatusUnprocessableEntity, "controller rejected the change", httpErr.Body)
			return
		}
	}
	WriteError(w, http.StatusBadGateway, "controller request failed")
}

// legacyController reports whether the configured controller lacks the
// integration API the firewall surface needs.
func (s *Server) legacyController(r *http.Request) bool {
	return s.st.ConfigString(r.Context(), "unifi_controller_type", "modern") == "legacy"
}

func (s *Server) handleFirewallPolicies(w http.ResponseWriter, r *http.Request) {
	if s.uc == nil || !s.uc.Enabled() {
		WriteError(w, http.StatusBadRequest, "controller integration is disabled")
		return
	}
	if s.legacyController(r) {
		WriteError(w, http.StatusBadRequest, "firewall management requires a modern controller")
		return
	}

	data, err := s.uc.GetFirewallData(r.Context())
	if err != nil {
		s.log.Warn("fetching firewall policies", "error", err)
		s.controllerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, data)
}

type patchPolicyRequest struct {
	LoggingEnabled *bool  `json:"loggingEnabled"`
	Origin         string `json:"origin"`
}

func (s *Server) handlePatchFirewallPolicy(w http.ResponseWriter, r *http.Request) {
	if s.uc == nil || !s.uc.Enabled() {
		WriteError(w, http.StatusBadRequest, "controller integration is disabled")
		return
	}
	if s.legacyController(r) {
		WriteError(w, http.StatusBadRequest, "firewall management requires a modern controller")
		return
	}

	var req patchPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LoggingEnabled == nil {
		WriteError(w, http.StatusBadRequest, "loggingEnabled is required")
		return
	}
	// Auto-generated policies are managed by the controller; flipping their
	// logging flag silently reverts.
	if req.Origin == "DERIVED" {
		WriteError(w, http.StatusBadRequest, "derived policies cannot be modified")
		return
	}

	result, err := s.uc.PatchPolicyLogging(r.Context(), r.PathValue("id"), *req.LoggingEnabled)
	if err != nil {
		s.log.Warn("patching firewall policy", "id", r.PathValue("id"), "error", err)
		s.controllerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleBulkLogging(w http.ResponseWriter, r *http.Request) {
	if s.uc == nil || !s.uc.Enabled() {
		WriteError(w, http.StatusBadRequest, "controller integration is disabled")
		return
	}
	if s.legacyController(r) {
		WriteError(w, http.StatusBadRequest, "firewall management requires a modern controller")
		return
	}

	var req struct {
		Updates []unifi.LoggingUpdate `json:"updates"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Updates) == 0 {
		WriteError(w, http.StatusBadRequest, "no updates provided")
		return
	}

	result, err := s.uc.BulkPatchLogging(r.Context(), req.Updates)
	if err != nil && result == nil {
		s.controllerError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleUniFiClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.st.ListClients(r.Context())
	if err != nil {
		s.log.Error("listing cached clients", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to list clients")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"clients": clients, "count": len(clients)})
}

func (s *Server) handleUniFiDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.st.ListDevices(r.Context())
	if err != nil {
		s.log.Error("listing cached devices", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

func (s *Server) handleUniFiStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"enabled": s.uc != nil && s.uc.Enabled(),
	}
	if s.uc != nil {
		resp["host"] = s.uc.Host()
	}
	resp["status"] = s.pollStatus()
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBackfillDeviceNames(w http.ResponseWriter, r *http.Request) {
	patched, err := s.st.BackfillDeviceNames(r.Context())
	if err != nil {
		s.log.Error("device name backfill", "error", err)
		WriteError(w, http.StatusInternalServerError, "backfill failed")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"logs_patched": patched})
}
