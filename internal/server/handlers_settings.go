package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashita-ai/threadbox/internal/ctxutil"
	"github.com/ashita-ai/threadbox/internal/model"
	"github.com/ashita-ai/threadbox/internal/service/models"
	"github.com/ashita-ai/threadbox/internal/storage"
)

// HandleGetCompletionSettings handles GET /v1/settings/completion.
func (h *Handlers) HandleGetCompletionSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.completionSettings(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to load completion settings", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.CompletionSettingsView{
		APIEndpoint: s.APIEndpoint,
		APIModel:    s.APIModel,
		APIKeySet:   s.APIKey != "",
	})
}

// HandlePutCompletionSettings handles PUT /v1/settings/completion.
func (h *Handlers) HandlePutCompletionSettings(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateCompletionSettingsRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	req.APIEndpoint = strings.TrimSpace(req.APIEndpoint)
	req.APIKey = strings.TrimSpace(req.APIKey)
	if req.APIEndpoint == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_endpoint and api_key are required")
		return
	}
	if err := validateEndpoint(req.APIEndpoint); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	sealed, err := h.secrets.Seal(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to seal api key", err)
		return
	}
	values := map[string]string{
		model.SettingCompletionEndpoint: req.APIEndpoint,
		model.SettingCompletionAPIKey:   sealed,
	}
	if m := strings.TrimSpace(req.APIModel); m != "" {
		values[model.SettingCompletionModel] = m
	}
	if err := h.store.PutSettings(r.Context(), values); err != nil {
		h.writeInternalError(w, r, "failed to save completion settings", err)
		return
	}
	h.logger.Info("completion settings updated",
		"endpoint", req.APIEndpoint,
		"sealed", h.secrets.Enabled())

	h.HandleGetCompletionSettings(w, r)
}

// HandleListModels handles GET /v1/settings/completion/models.
func (h *Handlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	s, err := h.completionSettings(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to load completion settings", err)
		return
	}

	ids, err := h.models.ListModels(r.Context(), s)
	if err != nil {
		if errors.Is(err, models.ErrNotConfigured) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Warn("model listing failed",
			"error", err,
			"endpoint", s.APIEndpoint,
			"request_id", ctxutil.RequestID(r.Context()))
		writeError(w, r, http.StatusBadGateway, model.ErrCodeBadGateway, "completion API request failed")
		return
	}
	writeJSON(w, r, http.StatusOK, model.ModelsResponse{Models: ids})
}

// completionSettings reads the stored settings rows and fills the gaps from
// config defaults.
func (h *Handlers) completionSettings(ctx context.Context) (model.CompletionSettings, error) {
	var s model.CompletionSettings
	for key, dst := range map[string]*string{
		model.SettingCompletionEndpoint: &s.APIEndpoint,
		model.SettingCompletionAPIKey:   &s.APIKey,
		model.SettingCompletionModel:    &s.APIModel,
	} {
		v, err := h.store.GetSetting(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return model.CompletionSettings{}, err
		}
		*dst = v
	}
	if s.APIKey != "" {
		key, err := h.secrets.Open(s.APIKey)
		if err != nil {
			return model.CompletionSettings{}, fmt.Errorf("open api key: %w", err)
		}
		s.APIKey = key
	}
	return s.WithFallback(h.completionDefaults), nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("api_endpoint must be an absolute http(s) URL")
	}
	return nil
}
