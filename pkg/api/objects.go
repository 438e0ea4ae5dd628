package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/amphorastore/amphora/pkg/faults"
	"github.com/amphorastore/amphora/pkg/types"
)

func objectVars(r *http.Request) (account, container, name string) {
	vars := mux.Vars(r)
	return vars["account"], vars["container"], vars["name"]
}

func (s *Server) handleObjectHead(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account, container, name := objectVars(r)
	meta, err := s.backend.GetObjectMeta(user, account, container, name,
		r.URL.Query().Get("domain"), queryInt(r, "version"))
	if err != nil {
		writeError(w, err)
		return
	}
	if checkConditional(w, r, meta.Hash, time.Unix(0, meta.Modified)) {
		return
	}
	w.Header().Set("ETag", meta.Hash)
	w.Header().Set("Content-Type", meta.Type)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("X-Object-UUID", meta.UUID)
	w.Header().Set("X-Object-Version", strconv.FormatInt(meta.Serial, 10))
	w.Header().Set("X-Object-Modified-By", meta.Modifier)
	writeUserMeta(w, "Object", meta.User)

	foundAt, perm, err := s.backend.GetObjectPermissions(user, account, container, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if perm != nil {
		w.Header().Set("X-Object-Sharing", formatSharing(perm))
		if foundAt != account+"/"+container+"/"+name {
			w.Header().Set("X-Object-Shared-By", foundAt)
		}
	}
	if user == account {
		token, err := s.backend.GetObjectPublic(user, account, container, name)
		if err != nil {
			writeError(w, err)
			return
		}
		if token != "" {
			w.Header().Set("X-Object-Public", "/public/"+token)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func formatSharing(perm *types.Permission) string {
	var parts []string
	if len(perm.Read) > 0 {
		parts = append(parts, "read="+strings.Join(perm.Read, ","))
	}
	if len(perm.Write) > 0 {
		parts = append(parts, "write="+strings.Join(perm.Write, ","))
	}
	return strings.Join(parts, ";")
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account, container, name := objectVars(r)
	version := queryInt(r, "version")

	if r.URL.Query().Get("version") == "list" {
		versions, err := s.backend.ListVersions(user, account, container, name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
		return
	}

	if r.URL.Query().Get("format") == "json" {
		size, root, hashes, err := s.backend.GetObjectHashmap(user,
			account, container, name, version)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"bytes":  size,
			"hash":   root,
			"hashes": hashes,
		})
		return
	}

	s.serveObject(w, r, user, account, container, name, version)
}

// serveObject assembles an object version from its blocks and writes it.
// Preconditions are settled first against the bare etag; ServeContent
// supplies range handling.
func (s *Server) serveObject(w http.ResponseWriter, r *http.Request,
	user, account, container, name string, version int64) {

	meta, err := s.backend.GetObjectMeta(user, account, container, name, "", version)
	if err != nil {
		writeError(w, err)
		return
	}
	if checkConditional(w, r, meta.Hash, time.Unix(0, meta.Modified)) {
		return
	}
	size, _, hashes, err := s.backend.GetObjectHashmap(user, account, container,
		name, version)
	if err != nil {
		writeError(w, err)
		return
	}

	buf := make([]byte, 0, size)
	for _, h := range hashes {
		block, err := s.backend.GetBlock(h, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		buf = append(buf, block...)
	}
	if int64(len(buf)) > size {
		buf = buf[:size]
	}
	w.Header().Set("ETag", meta.Hash)
	w.Header().Set("X-Object-Version", strconv.FormatInt(meta.Serial, 10))
	if meta.Type != "" {
		w.Header().Set("Content-Type", meta.Type)
	}
	http.ServeContent(w, r, name, time.Unix(0, meta.Modified), bytes.NewReader(buf))
}

// objectWrite is the JSON form of a hashmap or map-registration upload.
type objectWrite struct {
	Size        int64              `json:"bytes"`
	Type        string             `json:"content_type,omitempty"`
	Hashes      []string           `json:"hashes,omitempty"`
	Hash        string             `json:"hash,omitempty"` // register: root hash only
	Checksum    string             `json:"checksum,omitempty"`
	Domain      string             `json:"domain,omitempty"`
	Meta        map[string]string  `json:"meta,omitempty"`
	ReplaceMeta bool               `json:"replace_meta,omitempty"`
	Permissions *types.Permission  `json:"permissions,omitempty"`
}

func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account, container, name := objectVars(r)
	q := r.URL.Query()

	if q.Get("hashmap") == "true" {
		var req objectWrite
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, faults.Wrap(faults.BadRequest, err, "malformed hashmap body"))
			return
		}
		if h := r.Header.Get("X-Object-Hash"); h != "" {
			req.Hash = h
		}
		var (
			serial int64
			root   string
			err    error
		)
		if r.Header.Get("X-Object-Map") != "" || (req.Hash != "" && req.Hashes == nil) {
			root = req.Hash
			serial, err = s.backend.RegisterObjectMap(user, account, container, name,
				req.Size, req.Type, req.Hash, req.Checksum, req.Domain,
				req.Meta, req.ReplaceMeta, req.Permissions)
		} else {
			serial, root, err = s.backend.UpdateObjectHashmap(user, account, container,
				name, req.Size, req.Type, req.Hashes, req.Checksum, req.Domain,
				req.Meta, req.ReplaceMeta, req.Permissions)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("ETag", root)
		w.Header().Set("X-Object-Version", strconv.FormatInt(serial, 10))
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"version": serial,
			"hash":    root,
		})
		return
	}

	// raw upload: split the body into blocks, then record the hashmap
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, faults.Wrap(faults.BadRequest, err, "failed to read body"))
		return
	}
	blockSize := s.backend.BlockSize()
	var hashes []string
	for off := int64(0); off < int64(len(data)); off += blockSize {
		end := off + blockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		h, err := s.backend.PutBlock(data[off:end])
		if err != nil {
			writeError(w, err)
			return
		}
		hashes = append(hashes, h)
	}
	serial, root, err := s.backend.UpdateObjectHashmap(user, account, container,
		name, int64(len(data)), r.Header.Get("Content-Type"), hashes,
		r.Header.Get("X-Object-Checksum"), q.Get("domain"), nil, false, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("ETag", root)
	w.Header().Set("X-Object-Version", strconv.FormatInt(serial, 10))
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"version": serial,
		"hash":    root,
	})
}

// objectUpdate is the JSON form of metadata, sharing, and publicity
// updates, and of copy/move requests.
type objectUpdate struct {
	Meta        map[string]string `json:"meta,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	Replace     bool              `json:"replace,omitempty"`
	Permissions *types.Permission `json:"permissions,omitempty"`
	Public      *bool             `json:"public,omitempty"`
	Checksum    *string           `json:"checksum,omitempty"`

	// copy/move: destination path relative to the account
	CopyFrom string `json:"copy_from,omitempty"`
	MoveFrom string `json:"move_from,omitempty"`
	Type     string `json:"content_type,omitempty"`
}

func (s *Server) handleObjectPost(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account, container, name := objectVars(r)
	var req objectUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Wrap(faults.BadRequest, err, "malformed request body"))
		return
	}

	if req.CopyFrom != "" || req.MoveFrom != "" {
		src := req.CopyFrom
		move := false
		if req.MoveFrom != "" {
			src = req.MoveFrom
			move = true
		}
		srcAccount, srcContainer, srcName, err := splitObjectPath(src)
		if err != nil {
			writeError(w, err)
			return
		}
		var serial int64
		if move {
			serial, err = s.backend.MoveObject(user, srcAccount, srcContainer, srcName,
				account, container, name, req.Type, req.Domain, req.Meta, req.Replace)
		} else {
			serial, err = s.backend.CopyObject(user, srcAccount, srcContainer, srcName,
				account, container, name, req.Type, req.Domain, req.Meta, req.Replace)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"version": serial})
		return
	}

	resp := map[string]interface{}{}
	if req.Meta != nil {
		serial, err := s.backend.UpdateObjectMeta(user, account, container, name,
			req.Domain, req.Meta, req.Replace)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["version"] = serial
	}
	if req.Permissions != nil {
		if err := s.backend.UpdateObjectPermissions(user, account, container, name,
			*req.Permissions); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Public != nil {
		token, err := s.backend.UpdateObjectPublic(user, account, container, name,
			*req.Public)
		if err != nil {
			writeError(w, err)
			return
		}
		if token != "" {
			resp["public_token"] = token
		}
	}
	if req.Checksum != nil {
		if err := s.backend.UpdateObjectChecksum(user, account, container, name,
			queryInt(r, "version"), *req.Checksum); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)
	account, container, name := objectVars(r)
	if err := s.backend.DeleteObject(user, account, container, name,
		queryInt(r, "until")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// splitObjectPath parses "account/container/name" with name possibly
// containing slashes.
func splitObjectPath(path string) (string, string, string, error) {
	first := -1
	second := -1
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			if first < 0 {
				first = i
			} else {
				second = i
				break
			}
		}
	}
	if first <= 0 || second <= first+1 || second == len(path)-1 {
		return "", "", "", faults.New(faults.BadRequest, "invalid object path %q", path)
	}
	return path[:first], path[first+1 : second], path[second+1:], nil
}
