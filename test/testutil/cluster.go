package testutil

import (
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// ClusterToken is the bearer token the fake cluster accepts
const ClusterToken = "fake-sa-token"

// ClusterRequest is one request received by FakeCluster
type ClusterRequest struct {
	Method        string
	Path          string
	Query         string
	ContentType   string
	Authorization string
	ApplyingAgent string
	Body          []byte
}

// FakeCluster is a TLS API server that creates resources on POST, answers
// 409 for resources that already exist, and accepts server-side apply PATCHes
type FakeCluster struct {
	Server *httptest.Server

	mu       sync.Mutex
	requests []ClusterRequest
	existing map[string]bool
	gate     chan struct{}
}

// NewFakeCluster starts a fake cluster API closed on test cleanup
func NewFakeCluster(t *testing.T) *FakeCluster {
	t.Helper()
	f := &FakeCluster{existing: make(map[string]bool)}
	f.Server = httptest.NewTLSServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the API server base URL
func (f *FakeCluster) URL() string {
	return f.Server.URL
}

// Seed marks an item path as already existing
func (f *FakeCluster) Seed(itemPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existing[itemPath] = true
}

// Hold makes every request block until Release is called
func (f *FakeCluster) Hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release unblocks held requests
func (f *FakeCluster) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Requests returns a copy of the requests received so far
func (f *FakeCluster) Requests() []ClusterRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ClusterRequest(nil), f.requests...)
}

// WriteServiceAccount lays out a service account directory trusting the fake
// cluster and returns its path
func (f *FakeCluster) WriteServiceAccount(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	ca := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: f.Server.Certificate().Raw})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.crt"), ca, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte(ClusterToken+"\n"), 0600))
	return dir
}

func (f *FakeCluster) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, ClusterRequest{
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		ContentType:   r.Header.Get("Content-Type"),
		Authorization: r.Header.Get("Authorization"),
		ApplyingAgent: r.Header.Get("X-Applying-Agent"),
		Body:          body,
	})
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if r.Header.Get("Authorization") != "Bearer "+ClusterToken {
		writeStatus(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if r.URL.Path != "/api/v1/nodes" {
			writeStatus(w, http.StatusNotFound, "NotFound")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"kind":"NodeList","apiVersion":"v1","items":[{"metadata":{"name":"node-1"}}]}`)

	case http.MethodPost:
		var obj struct {
			Metadata struct {
				Name string `json:"name"`
			} `json:"metadata"`
		}
		if err := json.Unmarshal(body, &obj); err != nil || obj.Metadata.Name == "" {
			writeStatus(w, http.StatusBadRequest, "BadRequest")
			return
		}

		item := r.URL.Path + "/" + obj.Metadata.Name
		f.mu.Lock()
		exists := f.existing[item]
		f.existing[item] = true
		f.mu.Unlock()

		if exists {
			writeStatus(w, http.StatusConflict, "AlreadyExists")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write(body)

	case http.MethodPatch:
		if r.URL.Query().Get("fieldManager") == "" || r.Header.Get("Content-Type") != "application/apply-patch+yaml" {
			writeStatus(w, http.StatusBadRequest, "BadRequest")
			return
		}
		f.mu.Lock()
		f.existing[r.URL.Path] = true
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)

	default:
		writeStatus(w, http.StatusMethodNotAllowed, "MethodNotAllowed")
	}
}

func writeStatus(w http.ResponseWriter, code int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"kind":   "Status",
		"status": "Failure",
		"reason": reason,
		"code":   code,
	})
}
