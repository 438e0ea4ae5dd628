package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/amphorastore/amphora/pkg/backend"
	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/types"
)

// writeUserMeta emits domain attributes as X-<scope>-Meta-<key> headers.
func writeUserMeta(w http.ResponseWriter, scope string, user map[string]string) {
	for k, v := range user {
		w.Header().Set("X-"+scope+"-Meta-"+k, v)
	}
}

// writePolicy emits policy entries as X-<scope>-Policy-<key> headers.
func writePolicy(w http.ResponseWriter, scope string, p types.Policy) {
	for k, v := range p {
		w.Header().Set("X-"+scope+"-Policy-"+k, v)
	}
}

// hasConditional reports whether the request carries any conditional
// header worth resolving before a listing.
func hasConditional(r *http.Request) bool {
	return r.Header.Get("If-Modified-Since") != "" ||
		r.Header.Get("If-Unmodified-Since") != ""
}

// handlePublic serves a published object anonymously. The token is the
// capability; permission checks run as the owning account.
func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	path, err := s.backend.GetPublic(token)
	if err != nil {
		writeError(w, err)
		return
	}
	account, container, name, err := splitObjectPath(path)
	if err != nil {
		writeError(w, err)
		return
	}
	s.serveObject(w, r, account, account, container, name, 0)
}

func (s *Server) handleAccountHead(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account := mux.Vars(r)["account"]
	meta, err := s.backend.GetAccountMeta(user, account,
		r.URL.Query().Get("domain"), queryInt(r, "until"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Account-Object-Count", strconv.FormatInt(meta.Count, 10))
	w.Header().Set("X-Account-Bytes-Used", strconv.FormatInt(meta.Bytes, 10))
	w.Header().Set("X-Account-Last-Modified", strconv.FormatInt(meta.Modified, 10))
	if meta.Until > 0 {
		w.Header().Set("X-Account-Until-Timestamp", strconv.FormatInt(meta.Until, 10))
	}
	writeUserMeta(w, "Account", meta.User)
	if user == account {
		policy, err := s.backend.GetAccountPolicy(user, account)
		if err != nil {
			writeError(w, err)
			return
		}
		writePolicy(w, "Account", policy)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account := mux.Vars(r)["account"]
	q := r.URL.Query()
	if hasConditional(r) {
		meta, err := s.backend.GetAccountMeta(user, account, "", 0)
		if err != nil {
			writeError(w, err)
			return
		}
		if checkConditional(w, r, "", time.Unix(0, meta.Modified)) {
			return
		}
	}
	containers, err := s.backend.ListContainers(user, account, q.Get("marker"),
		q.Get("prefix"), int(queryInt(r, "limit")), queryInt(r, "until"),
		q.Get("show_only_shared") == "true")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"containers": containers})
}

type accountUpdate struct {
	Meta    map[string]string   `json:"meta,omitempty"`
	Groups  types.AccountGroups `json:"groups,omitempty"`
	Policy  types.Policy        `json:"policy,omitempty"`
	Domain  string              `json:"domain,omitempty"`
	Replace bool                `json:"replace,omitempty"`
}

func (s *Server) handleAccountPost(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account := mux.Vars(r)["account"]
	var req accountUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Wrap(faults.BadRequest, err, "malformed request body"))
		return
	}
	if req.Meta != nil {
		if err := s.backend.UpdateAccountMeta(user, account, req.Domain,
			req.Meta, req.Replace); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Groups != nil {
		if err := s.backend.UpdateAccountGroups(user, account,
			req.Groups, req.Replace); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Policy != nil {
		if err := s.backend.UpdateAccountPolicy(user, account,
			req.Policy, req.Replace); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account := mux.Vars(r)["account"]
	if err := s.backend.DeleteAccount(user, account); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContainerHead(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	vars := mux.Vars(r)
	meta, err := s.backend.GetContainerMeta(user, vars["account"], vars["container"],
		r.URL.Query().Get("domain"), queryInt(r, "until"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("X-Container-Object-Count", strconv.FormatInt(meta.Count, 10))
	w.Header().Set("X-Container-Bytes-Used", strconv.FormatInt(meta.Bytes, 10))
	w.Header().Set("X-Container-Last-Modified", strconv.FormatInt(meta.Modified, 10))
	if meta.Until > 0 {
		w.Header().Set("X-Container-Until-Timestamp", strconv.FormatInt(meta.Until, 10))
	}
	writeUserMeta(w, "Container", meta.User)
	if user == vars["account"] {
		policy, err := s.backend.GetContainerPolicy(user, vars["account"], vars["container"])
		if err != nil {
			writeError(w, err)
			return
		}
		writePolicy(w, "Container", policy)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContainerGet(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	vars := mux.Vars(r)
	q := r.URL.Query()
	if hasConditional(r) {
		meta, err := s.backend.GetContainerMeta(user, vars["account"],
			vars["container"], "", 0)
		if err != nil {
			writeError(w, err)
			return
		}
		if checkConditional(w, r, "", time.Unix(0, meta.Modified)) {
			return
		}
	}

	opts := backend.ListObjectsOptions{
		Prefix:    q.Get("prefix"),
		Delimiter: q.Get("delimiter"),
		Marker:    q.Get("marker"),
		Limit:     int(queryInt(r, "limit")),
		Until:     queryInt(r, "until"),
		Domain:    q.Get("domain"),
		Shared:    q.Get("show_only_shared") == "true",
		Public:    q.Get("public") == "true",
		AllProps:  q.Get("format") == "json",
	}
	if p := q.Get("path"); p != "" {
		// path lists one directory level: the prefix with a forced
		// slash delimiter
		opts.Prefix = strings.TrimSuffix(p, "/") + "/"
		opts.Delimiter = "/"
	}
	if meta := q.Get("meta"); meta != "" {
		opts.Filters = strings.Split(meta, ",")
	}
	entries, prefixes, err := s.backend.ListObjects(user,
		vars["account"], vars["container"], opts)
	if err != nil {
		writeError(w, err)
		return
	}

	base := vars["account"] + "/" + vars["container"] + "/"
	objects := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		row := map[string]interface{}{"name": strings.TrimPrefix(e.Path, base)}
		if e.Version != nil {
			row["bytes"] = e.Version.Size
			row["hash"] = e.Version.Hash
			row["content_type"] = e.Version.Type
			row["last_modified"] = e.Version.MTime
			row["version"] = e.Version.Serial
		}
		objects = append(objects, row)
	}
	subdirs := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		subdirs = append(subdirs, strings.TrimPrefix(p, base))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"objects":  objects,
		"prefixes": subdirs,
	})
}

type containerUpdate struct {
	Meta    map[string]string `json:"meta,omitempty"`
	Policy  types.Policy      `json:"policy,omitempty"`
	Domain  string            `json:"domain,omitempty"`
	Replace bool              `json:"replace,omitempty"`
}

func (s *Server) handleContainerPut(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	vars := mux.Vars(r)
	var req containerUpdate
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, faults.Wrap(faults.BadRequest, err, "malformed request body"))
			return
		}
	}
	if err := s.backend.PutContainer(user, vars["account"], vars["container"],
		req.Policy); err != nil {
		writeError(w, err)
		return
	}
	if req.Meta != nil {
		if err := s.backend.UpdateContainerMeta(user, vars["account"],
			vars["container"], req.Domain, req.Meta, false); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleContainerPost(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	vars := mux.Vars(r)
	var req containerUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Wrap(faults.BadRequest, err, "malformed request body"))
		return
	}
	if req.Meta != nil {
		if err := s.backend.UpdateContainerMeta(user, vars["account"],
			vars["container"], req.Domain, req.Meta, req.Replace); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Policy != nil {
		if err := s.backend.UpdateContainerPolicy(user, vars["account"],
			vars["container"], req.Policy, req.Replace, false); err != nil {
			writeError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleContainerDelete(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	vars := mux.Vars(r)
	err := s.backend.DeleteContainer(user, vars["account"], vars["container"],
		queryInt(r, "until"), r.URL.Query().Get("delimiter"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

