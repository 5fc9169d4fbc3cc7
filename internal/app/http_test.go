package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arbor/api/internal/history"
	"arbor/api/internal/registry"
	"arbor/api/internal/search"
	"arbor/api/internal/store"
	"arbor/api/internal/tree"
	"arbor/api/internal/ws"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st := store.NewMemoryStore()
	reg := registry.New(st, "srv-test", time.Hour, time.Hour,
		registry.WithIndexer(search.NewService(nil, st)),
		registry.WithHistorian(history.New(t.TempDir())),
	)
	t.Cleanup(reg.Close)

	svc := NewService(reg, st, search.NewService(nil, st), history.New(t.TempDir()))
	server := NewHTTPServer(svc, ws.NewHandler(reg, "*"), "*")
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, payload
}

func updateTree(t *testing.T, srv *httptest.Server, treeID string, nodeDict map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	return doJSON(t, http.MethodPut, srv.URL+"/updateTree", map[string]any{
		"tree_id": treeID,
		"tree":    map[string]any{"nodeDict": nodeDict},
	})
}

func treesOf(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	trees, ok := payload["trees"].(map[string]any)
	if !ok {
		t.Fatalf("missing trees in %+v", payload)
	}
	return trees
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil)
	if resp.StatusCode != http.StatusOK || payload["ok"] != true {
		t.Fatalf("unexpected health response %d %+v", resp.StatusCode, payload)
	}
}

func TestReady(t *testing.T) {
	srv := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/ready", nil)
	if resp.StatusCode != http.StatusOK || payload["status"] != "ready" {
		t.Fatalf("unexpected ready response %d %+v", resp.StatusCode, payload)
	}
}

func TestUpdateTreeAndGetTrees(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := updateTree(t, srv, "t1", map[string]any{
		"root": map[string]any{"title": "hello", "children": []string{"kid"}},
		"kid":  map[string]any{"title": "child", "parentId": "root"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/getTrees", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("getTrees status %d", resp.StatusCode)
	}
	trees := treesOf(t, payload)
	t1, ok := trees["t1"].(map[string]any)
	if !ok {
		t.Fatalf("tree t1 missing: %+v", trees)
	}
	nodeDict := t1["nodeDict"].(map[string]any)
	if len(nodeDict) != 2 {
		t.Fatalf("expected 2 nodes, got %+v", nodeDict)
	}
	root := nodeDict["root"].(map[string]any)
	if root["title"] != "hello" {
		t.Fatalf("unexpected root: %+v", root)
	}
	children, _ := root["children"].([]any)
	if len(children) != 1 || children[0] != "kid" {
		t.Fatalf("unexpected children: %+v", root["children"])
	}
}

// Deleting every node over HTTP leaves an empty dictionary, not a 404
// and not residual tombstone noise.
func TestUpdateTreeDeleteAll(t *testing.T) {
	srv := newTestServer(t)

	updateTree(t, srv, "t1", map[string]any{
		"root": map[string]any{"title": "doomed"},
	})
	resp, _ := updateTree(t, srv, "t1", map[string]any{
		"root": nil,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", resp.StatusCode)
	}

	_, payload := doJSON(t, http.MethodGet, srv.URL+"/getTrees", nil)
	t1 := treesOf(t, payload)["t1"].(map[string]any)
	nodeDict := t1["nodeDict"].(map[string]any)
	if len(nodeDict) != 0 {
		t.Fatalf("expected empty nodeDict after delete, got %+v", nodeDict)
	}
}

func TestUpdateTreeInvalidPatch(t *testing.T) {
	srv := newTestServer(t)

	// children must be a list of strings.
	resp, payload := updateTree(t, srv, "t1", map[string]any{
		"root": map[string]any{"children": "not-a-list"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if payload["code"] != "INVALID_PATCH" {
		t.Fatalf("unexpected error payload %+v", payload)
	}

	// Rejected wholesale: nothing from the patch landed.
	_, listing := doJSON(t, http.MethodGet, srv.URL+"/getTrees", nil)
	t1 := treesOf(t, listing)["t1"].(map[string]any)
	if nodeDict := t1["nodeDict"].(map[string]any); len(nodeDict) != 0 {
		t.Fatalf("invalid patch partially applied: %+v", nodeDict)
	}
}

func TestUpdateTreeMissingID(t *testing.T) {
	srv := newTestServer(t)
	resp, payload := doJSON(t, http.MethodPut, srv.URL+"/updateTree", map[string]any{
		"tree": map[string]any{"nodeDict": map[string]any{}},
	})
	if resp.StatusCode != http.StatusUnprocessableEntity || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, payload)
	}
}

func TestTreeByIDNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/trees/nope", nil)
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, payload)
	}
}

func TestTreeByID(t *testing.T) {
	srv := newTestServer(t)
	updateTree(t, srv, "t1", map[string]any{
		"root": map[string]any{"title": "by-id"},
	})

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/trees/t1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	view := payload["tree"].(map[string]any)
	nodeDict := view["nodeDict"].(map[string]any)
	if nodeDict["root"].(map[string]any)["title"] != "by-id" {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestTreeMetaEndpoint(t *testing.T) {
	srv := newTestServer(t)
	updateTree(t, srv, "t1", map[string]any{
		"root": map[string]any{"title": "meta-title", "children": []string{"kid"}},
		"kid":  map[string]any{"title": "child", "parentId": "root"},
	})

	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/trees/t1/meta", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %+v", resp.StatusCode, payload)
	}
	meta := payload["meta"].(map[string]any)
	if meta["treeId"] != "t1" || meta["title"] != "meta-title" {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if meta["nodeCount"] != float64(2) {
		t.Fatalf("expected nodeCount 2, got %v", meta["nodeCount"])
	}

	resp, payload = doJSON(t, http.MethodGet, srv.URL+"/api/trees/ghost/meta", nil)
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404 NOT_FOUND, got %d %+v", resp.StatusCode, payload)
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/search?q=anything", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if _, ok := payload["results"].([]any); !ok {
		t.Fatalf("missing results array: %+v", payload)
	}

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/search?q=x&limit=abc", nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad limit, got %d", resp.StatusCode)
	}
}

func TestHistoryEndpointEmpty(t *testing.T) {
	srv := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/trees/t1/history", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	entries, ok := payload["history"].([]any)
	if !ok || len(entries) != 0 {
		t.Fatalf("expected empty history, got %+v", payload)
	}
}

// A synchronous HTTP write reaches an already-connected sync session.
func TestUpdateTreeReachesWebsocketSession(t *testing.T) {
	srv := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Drain the server handshake.
	for i := 0; i < 2; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, _, err := conn.ReadMessage(); err != nil {
			t.Fatalf("handshake read: %v", err)
		}
	}

	resp, _ := updateTree(t, srv, "t1", map[string]any{
		"root": map[string]any{"title": "over-http"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	env, err := ws.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.T != ws.MsgUpdate {
		t.Fatalf("expected update frame, got %s", env.T)
	}
	delta, err := tree.DecodeDelta(env.Body[1:])
	if err != nil {
		t.Fatalf("decode delta: %v", err)
	}
	doc := tree.NewTreeDocument("client")
	doc.ApplyDelta(delta)
	if doc.Materialize().NodeDict["root"]["title"] != "over-http" {
		t.Fatal("broadcast delta does not carry the HTTP write")
	}
}

func TestSelectionOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPut, srv.URL+"/updateTree", map[string]any{
		"tree_id": "t1",
		"tree": map[string]any{
			"nodeDict":     map[string]any{"root": map[string]any{"title": "sel"}},
			"selectedNode": "root",
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status %d", resp.StatusCode)
	}

	_, payload := doJSON(t, http.MethodGet, srv.URL+"/api/trees/t1", nil)
	view := payload["tree"].(map[string]any)
	if view["selectedNode"] != "root" {
		t.Fatalf("selection not applied: %+v", view)
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t)
	resp, payload := doJSON(t, http.MethodGet, srv.URL+"/api/nope", nil)
	if resp.StatusCode != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected response %d %+v", resp.StatusCode, payload)
	}
}
