package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/epubfeed/internal/ingest"
	"github.com/kalambet/epubfeed/internal/reqid"
	"github.com/kalambet/epubfeed/internal/storage"
)

const maxSubmitBody = 64 << 10

type submitBody struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body submitBody
		dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
		if err := dec.Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, errValidation, "invalid JSON body: %v", err)
			return
		}

		// A client disconnect must not leave a half-written e-book or feed.
		ctx := context.WithoutCancel(r.Context())
		res, err := deps.Submitter.Submit(ctx, ingest.SubmitRequest{URL: body.URL, Title: body.Title})
		if err != nil {
			code, errType := errorType(err)
			if code >= http.StatusInternalServerError {
				deps.Logger.Error("submission failed", "id", res.ID, "error", err)
			}
			writeJSON(w, code, errorBody{
				Error:  errorDetail{Message: err.Error(), Type: errType},
				ID:     res.ID,
				Status: res.Status,
			})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleEpub(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "file")
		id, ok := strings.CutSuffix(name, ".epub")
		if !ok || !reqid.Valid(id) {
			httpError(w, http.StatusNotFound, errNotFound, "e-book not found")
			return
		}
		f, err := os.Open(filepath.Join(deps.EpubDir, name))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				deps.Logger.Error("opening e-book", "file", name, "error", err)
			}
			httpError(w, http.StatusNotFound, errNotFound, "e-book not found")
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			httpError(w, http.StatusNotFound, errNotFound, "e-book not found")
			return
		}
		w.Header().Set("Content-Type", epubContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func handleListRequests(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 200)
		offset := parseIntParam(r, "offset", 0, 0)

		recs, err := deps.Requests.ListRequests(limit, offset)
		if err != nil {
			deps.Logger.Error("listing requests", "error", err)
			httpError(w, http.StatusInternalServerError, errStorage, "failed to list requests")
			return
		}
		views := make([]RequestView, len(recs))
		for i, rec := range recs {
			views[i] = newRequestView(rec, deps.PublicURL)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetRequest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := deps.Requests.GetRequest(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, errNotFound, "request %q not found", id)
			return
		}
		if err != nil {
			deps.Logger.Error("reading request", "id", id, "error", err)
			httpError(w, http.StatusInternalServerError, errStorage, "failed to read request")
			return
		}
		writeJSON(w, http.StatusOK, newRequestView(rec, deps.PublicURL))
	}
}

// parseIntParam reads a non-negative integer query parameter. max <= 0 means
// unbounded.
func parseIntParam(r *http.Request, key string, def, max int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}
