package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/newtron-network/newtcheck/pkg/model"
	"github.com/newtron-network/newtcheck/pkg/store"
	"github.com/newtron-network/newtcheck/pkg/util"
	"github.com/newtron-network/newtcheck/pkg/verify"
	"github.com/newtron-network/newtcheck/pkg/version"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// RootResponse is the API response for GET /
type RootResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) rootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, RootResponse{Message: Name, Version: version.Version})
	}
}

func (s *Server) precheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verify.PrecheckRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := s.svc.StartPrecheck(r.Context(), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func (s *Server) postcheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req verify.PostcheckRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := s.svc.StartPostcheck(r.Context(), r.PathValue("batch_id"), req)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.svc.GetBatchStatus(r.Context(), r.PathValue("batch_id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) diffHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.svc.GetBatchDiff(r.Context(), r.PathValue("batch_id"))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) outputsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := verify.OutputFilter{
			DeviceAddress: q.Get("device_ip"),
			Command:       q.Get("command"),
		}
		view, err := s.svc.GetBatchOutputs(r.Context(), r.PathValue("batch_id"), f)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func (s *Server) listChecksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseCheckFilter(r)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		page, err := s.svc.ListChecks(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	}
}

func (s *Server) searchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username := strings.TrimSpace(r.URL.Query().Get("username"))
		if username == "" {
			writeServiceError(w, r, util.NewValidationError("username is required"))
			return
		}
		res, err := s.svc.SearchBatches(r.Context(), username)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// parseCheckFilter reads the /checks query. Out-of-range paging is rejected
// rather than clamped.
func parseCheckFilter(r *http.Request) (store.CheckFilter, error) {
	q := r.URL.Query()
	v := &util.ValidationBuilder{}
	f := store.CheckFilter{
		DeviceAddress: q.Get("device_ip"),
		Page:          1,
		Limit:         store.DefaultCheckLimit,
	}

	if s := q.Get("status"); s != "" {
		switch st := model.CheckStatus(s); st {
		case model.CheckInProgress, model.CheckCompleted, model.CheckFailed:
			f.Status = st
		default:
			v.AddErrorf("invalid status: %s", s)
		}
	}
	if s := q.Get("check_type"); s != "" {
		switch ct := model.CheckType(s); ct {
		case model.TypePreCheck, model.TypePostCheck:
			f.Type = ct
		default:
			v.AddErrorf("invalid check_type: %s", s)
		}
	}
	if s := q.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			v.AddErrorf("page must be an integer greater than 0")
		}
		f.Page = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > store.MaxCheckLimit {
			v.AddErrorf("limit must be between 1 and %d", store.MaxCheckLimit)
		}
		f.Limit = n
	}
	if s := q.Get("start_date"); s != "" {
		t, err := parseDate(s, false)
		if err != nil {
			v.AddErrorf("invalid start_date: %s", s)
		}
		f.Start = t
	}
	if s := q.Get("end_date"); s != "" {
		t, err := parseDate(s, true)
		if err != nil {
			v.AddErrorf("invalid end_date: %s", s)
		}
		f.End = t
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		v.AddErrorf("end_date is before start_date")
	}
	if err := v.Build(); err != nil {
		return store.CheckFilter{}, err
	}
	return f, nil
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}
