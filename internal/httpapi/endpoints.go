package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/pkgd/api"
	"pkt.systems/pkgd/internal/peercred"
)

func (h *Handler) submitted(w http.ResponseWriter, id string, err error) error {
	if err != nil {
		return convertServiceError(err)
	}
	h.writeJSON(w, http.StatusAccepted, api.SubmitResponse{ID: id})
	return nil
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) error {
	id, err := h.svc.Refresh(r.Context(), peercred.FromContext(r.Context()))
	return h.submitted(w, id, err)
}

func (h *Handler) handleInstall(w http.ResponseWriter, r *http.Request) error {
	var req api.InstallRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	id, err := h.svc.InstallPackage(r.Context(), peercred.FromContext(r.Context()), req.Package)
	return h.submitted(w, id, err)
}

func (h *Handler) handleInstallMany(w http.ResponseWriter, r *http.Request) error {
	var req api.InstallManyRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	id, err := h.svc.InstallPackages(r.Context(), peercred.FromContext(r.Context()), req.Packages)
	return h.submitted(w, id, err)
}

func (h *Handler) handleRemove(w http.ResponseWriter, r *http.Request) error {
	var req api.RemoveRequest
	if err := decodeJSONBody(r.Body, &req); err != nil {
		return err
	}
	id, err := h.svc.RemovePackage(r.Context(), peercred.FromContext(r.Context()), req.Package)
	return h.submitted(w, id, err)
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) error {
	id, err := h.svc.SystemUpgrade(r.Context(), peercred.FromContext(r.Context()))
	return h.submitted(w, id, err)
}

func (h *Handler) handleUpdates(w http.ResponseWriter, r *http.Request) error {
	updates, err := h.svc.CheckUpdates(r.Context(), peercred.FromContext(r.Context()))
	if err != nil {
		return convertServiceError(err)
	}
	resp := api.UpdatesResponse{Updates: make([]api.Update, 0, len(updates))}
	for _, u := range updates {
		resp.Updates = append(resp.Updates, api.Update{Name: u.Name, Current: u.Current, Available: u.Available})
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	ready := h.svc.IsBackendReady(r.Context(), peercred.FromContext(r.Context()))
	h.writeJSON(w, http.StatusOK, api.ReadyResponse{Ready: ready})
	return nil
}

func packageParam(r *http.Request) (string, error) {
	name := strings.TrimSpace(r.URL.Query().Get("package"))
	if name == "" {
		return "", invalid("package query parameter required")
	}
	return name, nil
}

func (h *Handler) handleInstalled(w http.ResponseWriter, r *http.Request) error {
	name, err := packageParam(r)
	if err != nil {
		return err
	}
	ok, err := h.svc.IsPackageInstalled(r.Context(), peercred.FromContext(r.Context()), name)
	if err != nil {
		return convertServiceError(err)
	}
	h.writeJSON(w, http.StatusOK, api.InstalledResponse{Package: name, Installed: ok})
	return nil
}

func (h *Handler) handleExists(w http.ResponseWriter, r *http.Request) error {
	name, err := packageParam(r)
	if err != nil {
		return err
	}
	ok, err := h.svc.PackageExists(r.Context(), peercred.FromContext(r.Context()), name)
	if err != nil {
		return convertServiceError(err)
	}
	h.writeJSON(w, http.StatusOK, api.ExistsResponse{Package: name, Exists: ok})
	return nil
}

func (h *Handler) handleExit(w http.ResponseWriter, r *http.Request) error {
	if err := h.svc.Exit(r.Context(), peercred.FromContext(r.Context())); err != nil {
		return convertServiceError(err)
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}
