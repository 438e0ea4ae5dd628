package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amphorastore/amphora/pkg/backend"
	"github.com/amphorastore/amphora/pkg/config"
	"github.com/amphorastore/amphora/pkg/quotaholder"
	"github.com/amphorastore/amphora/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.BlockSize = 1024

	qh, err := quotaholder.Open(filepath.Join(cfg.DataDir, "quota.db"))
	require.NoError(t, err)
	t.Cleanup(func() { qh.Close() })
	for _, account := range []string{"alice", "bob"} {
		err = qh.SetQuota([]quotaholder.QuotaEntry{{
			Key: types.HoldingKey{
				Holder: account, Source: account, Resource: cfg.DiskspaceResource,
			},
			Limit: 1 << 20,
		}})
		require.NoError(t, err)
	}

	b, err := backend.Open(cfg, qh, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return NewServer(b, ":0")
}

func doRequest(t *testing.T, s *Server, method, path, user string,
	body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return doRequestHeaders(t, s, method, path, user, body, nil)
}

func doRequestHeaders(t *testing.T, s *Server, method, path, user string,
	body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if raw, ok := body.([]byte); ok {
		reader = bytes.NewReader(raw)
	} else if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("X-Auth-User", user)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

// TestAuthRequired tests that v1 routes demand the auth header
func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/v1/alice", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// health and metrics stay open
	w = doRequest(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestContainerRoutes tests container create, list, head, and delete
func TestContainerRoutes(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	// duplicate creation conflicts
	w = doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// a foreign user may not create containers here
	w = doRequest(t, s, http.MethodPut, "/v1/alice/sneaky", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/alice", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, []interface{}{"docs"}, body["containers"])

	w = doRequest(t, s, http.MethodHead, "/v1/alice/docs", "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-Container-Bytes-Used"))

	w = doRequest(t, s, http.MethodDelete, "/v1/alice/docs", "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(t, s, http.MethodHead, "/v1/alice/docs", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestObjectUploadDownload tests the raw object round trip
func TestObjectUploadDownload(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil).Code)

	data := bytes.Repeat([]byte("block data "), 200)
	w := doRequest(t, s, http.MethodPut, "/v1/alice/docs/readme", "alice", data)
	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.NotEmpty(t, body["hash"])
	assert.NotZero(t, body["version"])

	w = doRequest(t, s, http.MethodGet, "/v1/alice/docs/readme", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.NotEmpty(t, w.Header().Get("ETag"))

	w = doRequest(t, s, http.MethodHead, "/v1/alice/docs/readme", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fmt.Sprintf("%d", len(data)), w.Header().Get("Content-Length"))
	assert.NotEmpty(t, w.Header().Get("X-Object-UUID"))
}

// TestObjectHashmapUpload tests the two-step hashmap upload protocol
func TestObjectHashmapUpload(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil).Code)

	// referencing unknown hashes reports them back as missing
	absent := strings.Repeat("ab", 32)
	w := doRequest(t, s, http.MethodPut, "/v1/alice/docs/obj?hashmap=true", "alice",
		map[string]interface{}{"bytes": 4, "hashes": []string{absent}})
	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	missing, ok := body["missing"].([]interface{})
	require.True(t, ok, "conflict body carries the missing list")
	assert.Equal(t, []interface{}{absent}, missing)

	// upload the block, then retry
	w = doRequest(t, s, http.MethodPut, "/v1/alice/docs/seed", "alice", []byte("data"))
	require.Equal(t, http.StatusCreated, w.Code)
	hm := doRequest(t, s, http.MethodGet, "/v1/alice/docs/seed?format=json", "alice", nil)
	require.Equal(t, http.StatusOK, hm.Code)
	hmBody := decodeBody(t, hm)
	hashes := hmBody["hashes"].([]interface{})
	require.Len(t, hashes, 1)

	w = doRequest(t, s, http.MethodPut, "/v1/alice/docs/obj?hashmap=true", "alice",
		map[string]interface{}{"bytes": 4, "hashes": []string{hashes[0].(string)}})
	assert.Equal(t, http.StatusCreated, w.Code)
}

// TestObjectListing tests the container listing with prefixes
func TestObjectListing(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil).Code)
	for _, name := range []string{"a.txt", "dir/one.txt", "z.txt"} {
		require.Equal(t, http.StatusCreated,
			doRequest(t, s, http.MethodPut, "/v1/alice/docs/"+name, "alice",
				[]byte("x")).Code)
	}

	w := doRequest(t, s, http.MethodGet,
		"/v1/alice/docs?delimiter=/&format=json", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	objects := body["objects"].([]interface{})
	assert.Len(t, objects, 2)
	first := objects[0].(map[string]interface{})
	assert.Equal(t, "a.txt", first["name"])
	assert.Equal(t, float64(1), first["bytes"])
	assert.Equal(t, []interface{}{"dir/"}, body["prefixes"])

	// path lists one directory level
	w = doRequest(t, s, http.MethodGet, "/v1/alice/docs?path=dir", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	objects = body["objects"].([]interface{})
	require.Len(t, objects, 1)
	assert.Equal(t, "dir/one.txt", objects[0].(map[string]interface{})["name"])
}

// TestConditionalRequests tests etag and date preconditions plus ranges
func TestConditionalRequests(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil).Code)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs/readme", "alice",
			[]byte("0123456789")).Code)

	w := doRequest(t, s, http.MethodHead, "/v1/alice/docs/readme", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	w = doRequestHeaders(t, s, http.MethodHead, "/v1/alice/docs/readme", "alice",
		nil, map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = doRequestHeaders(t, s, http.MethodGet, "/v1/alice/docs/readme", "alice",
		nil, map[string]string{"If-None-Match": `"` + etag + `"`})
	assert.Equal(t, http.StatusNotModified, w.Code)

	w = doRequestHeaders(t, s, http.MethodGet, "/v1/alice/docs/readme", "alice",
		nil, map[string]string{"If-Match": "mismatch"})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	w = doRequestHeaders(t, s, http.MethodGet, "/v1/alice/docs/readme", "alice",
		nil, map[string]string{"If-Modified-Since": future})
	assert.Equal(t, http.StatusNotModified, w.Code)
	w = doRequestHeaders(t, s, http.MethodGet, "/v1/alice/docs/readme", "alice",
		nil, map[string]string{"If-Unmodified-Since": past})
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	// container listings honor the date preconditions too
	w = doRequestHeaders(t, s, http.MethodGet, "/v1/alice/docs", "alice",
		nil, map[string]string{"If-Modified-Since": future})
	assert.Equal(t, http.StatusNotModified, w.Code)
	w = doRequestHeaders(t, s, http.MethodGet, "/v1/alice", "alice",
		nil, map[string]string{"If-Modified-Since": past})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequestHeaders(t, s, http.MethodGet, "/v1/alice/docs/readme", "alice",
		nil, map[string]string{"Range": "bytes=2-5"})
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "2345", w.Body.String())
}

// TestHeadPolicyAndMeta tests policy and domain attribute headers
func TestHeadPolicyAndMeta(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice",
		map[string]interface{}{"meta": map[string]string{"color": "blue"}, "domain": "web"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodHead, "/v1/alice/docs?domain=web", "alice", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "blue", w.Header().Get("X-Container-Meta-Color"))
	assert.Equal(t, "auto", w.Header().Get("X-Container-Policy-Versioning"))
	assert.Equal(t, "alice", w.Header().Get("X-Container-Policy-Project"))

	// foreign users see no policy
	w = doRequest(t, s, http.MethodPut, "/v1/alice/docs/readme", "alice", []byte("x"))
	require.Equal(t, http.StatusCreated, w.Code)
	perm := types.Permission{Read: []string{"bob"}}
	w = doRequest(t, s, http.MethodPost, "/v1/alice/docs/readme", "alice",
		map[string]interface{}{"permissions": &perm})
	require.Equal(t, http.StatusAccepted, w.Code)
	w = doRequest(t, s, http.MethodHead, "/v1/alice/docs/readme", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "read=bob", w.Header().Get("X-Object-Sharing"))
	assert.Empty(t, w.Header().Get("X-Object-Public"))
}

// TestObjectSharingFlow tests permissions end to end over HTTP
func TestObjectSharingFlow(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil).Code)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs/readme", "alice",
			[]byte("shared")).Code)

	// unshared: forbidden for bob
	w := doRequest(t, s, http.MethodGet, "/v1/alice/docs/readme", "bob", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, s, http.MethodPost, "/v1/alice/docs/readme", "alice",
		map[string]interface{}{"permissions": map[string]interface{}{
			"read": []string{"bob"},
		}})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/alice/docs/readme", "bob", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "shared", w.Body.String())

	// read grant does not allow overwrites
	w = doRequest(t, s, http.MethodPut, "/v1/alice/docs/readme", "bob", []byte("nope"))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// TestPublicObjectFlow tests publishing and anonymous resolution
func TestPublicObjectFlow(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil).Code)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs/readme", "alice",
			[]byte("public")).Code)

	public := true
	w := doRequest(t, s, http.MethodPost, "/v1/alice/docs/readme", "alice",
		map[string]interface{}{"public": &public})
	require.Equal(t, http.StatusAccepted, w.Code)
	token, _ := decodeBody(t, w)["public_token"].(string)
	require.NotEmpty(t, token)

	// token fetch needs no auth and serves the object itself
	w = doRequest(t, s, http.MethodGet, "/public/"+token, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "public", w.Body.String())

	w = doRequest(t, s, http.MethodGet, "/public/bogus-token", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestCopyMoveRoutes tests server-side copy and move over HTTP
func TestCopyMoveRoutes(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil).Code)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs/orig", "alice",
			[]byte("content")).Code)

	w := doRequest(t, s, http.MethodPost, "/v1/alice/docs/copy", "alice",
		map[string]interface{}{"copy_from": "alice/docs/orig"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/alice/docs/copy", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "content", w.Body.String())

	w = doRequest(t, s, http.MethodPost, "/v1/alice/docs/renamed", "alice",
		map[string]interface{}{"move_from": "alice/docs/orig"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodGet, "/v1/alice/docs/orig", "alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestQuotaExceededStatus tests the 413 mapping for refused writes
func TestQuotaExceededStatus(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice",
		map[string]interface{}{"policy": map[string]string{"quota": "10"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doRequest(t, s, http.MethodPut, "/v1/alice/docs/big", "alice",
		[]byte("definitely more than ten bytes"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

// TestVersionList tests the version listing query
func TestVersionList(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusCreated,
		doRequest(t, s, http.MethodPut, "/v1/alice/docs", "alice", nil).Code)
	for _, content := range []string{"one", "two"} {
		require.Equal(t, http.StatusCreated,
			doRequest(t, s, http.MethodPut, "/v1/alice/docs/readme", "alice",
				[]byte(content)).Code)
	}

	w := doRequest(t, s, http.MethodGet, "/v1/alice/docs/readme?version=list", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	versions := decodeBody(t, w)["versions"].([]interface{})
	assert.Len(t, versions, 2)
}

// TestAccountMetaRoutes tests account metadata and groups updates
func TestAccountMetaRoutes(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/alice", "alice",
		map[string]interface{}{
			"meta":   map[string]string{"displayname": "Alice"},
			"groups": map[string][]string{"team": {"bob"}},
			"domain": "web",
		})
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doRequest(t, s, http.MethodHead, "/v1/alice?domain=web", "alice", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// only the owner may update
	w = doRequest(t, s, http.MethodPost, "/v1/alice", "bob",
		map[string]interface{}{"meta": map[string]string{"x": "y"}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// TestSplitObjectPath tests source path parsing for copy and move
func TestSplitObjectPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
		name    string
	}{
		{"alice/docs/readme", false, "readme"},
		{"alice/docs/dir/readme", false, "dir/readme"},
		{"alice/docs/", true, ""},
		{"alice//x", true, ""},
		{"alice", true, ""},
		{"/docs/x", true, ""},
	}
	for _, tt := range tests {
		_, _, name, err := splitObjectPath(tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.path)
			continue
		}
		assert.NoError(t, err, tt.path)
		assert.Equal(t, tt.name, name)
	}
}
