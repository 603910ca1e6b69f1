package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/conversa/internal/descriptor"
)

func handleListAPIs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeSystem := true
		if raw := r.URL.Query().Get("include_system"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				httpError(w, http.StatusBadRequest, "include_system must be a boolean")
				return
			}
			includeSystem = v
		}

		list := deps.Registry.List(includeSystem)
		out := make([]descriptor.Descriptor, len(list))
		for i, d := range list {
			out[i] = d.Redacted()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetAPI(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Registry.Get(chi.URLParam(r, "apiID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d.Redacted())
	}
}

func handleRegisterAPI(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var draft descriptor.Draft
		if !decodeBody(w, r, &draft) {
			return
		}
		d, err := deps.Registry.Register(draft)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, d.Redacted())
	}
}

func handleUpdateAPI(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "apiID")
		var draft descriptor.Draft
		if !decodeBody(w, r, &draft) {
			return
		}
		d, err := deps.Registry.Update(id, draft)
		if err != nil {
			writeError(w, r, err)
			return
		}
		deps.Invalidate(id)
		writeJSON(w, http.StatusOK, d.Redacted())
	}
}

func handleDeleteAPI(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "apiID")
		d, err := deps.Registry.Get(id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := deps.Registry.Delete(id); err != nil {
			writeError(w, r, err)
			return
		}
		deps.Invalidate(id)
		writeJSON(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("API '%s' deleted successfully", d.Name),
		})
	}
}

type testRequest struct {
	Params map[string]any `json:"test_params"`
}

func handleTestAPI(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req testRequest
		if r.ContentLength != 0 && !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Dispatcher.Test(r.Context(), chi.URLParam(r, "apiID"), stringParams(req.Params))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// stringParams accepts JSON scalars of any type as parameter values.
func stringParams(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch v := v.(type) {
		case nil:
		case string:
			out[k] = v
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
