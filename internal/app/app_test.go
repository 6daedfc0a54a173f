package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/florianilch/spo-archiver/internal/app"
)

const (
	drivePath    = "/v1.0/drives/d1"
	dirPath      = drivePath + "/root:/Backups/repo:"
	childrenPath = dirPath + "/children"
	itemsPrefix  = drivePath + "/items/"
	secretEnvKey = "SPO_ARCHIVER_TEST_SECRET"
)

type graphItem struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Created time.Time `json:"createdDateTime"`
	Size    int64     `json:"size"`
	File    *struct{} `json:"file,omitempty"`
	Folder  *struct{} `json:"folder,omitempty"`
}

// fakeGraph serves the token endpoint and the drive endpoints a run uses.
type fakeGraph struct {
	t *testing.T

	mu        sync.Mutex
	items     map[string]graphItem
	nextID    int
	tokenCode int
	listCode  int
	deleteErr map[string]int
	requests  []string
}

func newFakeGraph(t *testing.T, existing int) (*fakeGraph, *httptest.Server) {
	t.Helper()
	g := &fakeGraph{
		t:         t,
		items:     make(map[string]graphItem),
		deleteErr: make(map[string]int),
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range existing {
		g.addFile(fmt.Sprintf("spo_action_old%02d.zip", i), base.Add(time.Duration(i)*time.Hour))
	}
	// Never candidates for pruning
	g.addFile("notes.txt", base.Add(-time.Hour))
	g.nextID++
	g.items["folder"] = graphItem{ID: "folder", Name: "spo_action_folder.zip", Created: base, Folder: &struct{}{}}

	server := httptest.NewServer(g)
	t.Cleanup(server.Close)
	return g, server
}

func (g *fakeGraph) addFile(name string, created time.Time) graphItem {
	g.nextID++
	item := graphItem{ID: fmt.Sprintf("id-%02d", g.nextID), Name: name, Created: created, File: &struct{}{}}
	g.items[item.ID] = item
	return item
}

func (g *fakeGraph) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, r.Method+" "+r.URL.Path)

	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && path == "/tenant/oauth2/v2.0/token":
		if err := r.ParseForm(); err != nil {
			g.t.Errorf("parsing token form: %v", err)
		}
		if got := r.PostForm.Get("client_secret"); got != "s3cr3t" {
			g.t.Errorf("client_secret = %q, want configured secret", got)
		}
		if g.tokenCode != 0 {
			g.writeJSON(w, g.tokenCode, map[string]string{"error": "invalid_client"})
			return
		}
		g.writeJSON(w, http.StatusOK, map[string]any{"access_token": "tok", "token_type": "Bearer", "expires_in": 3600})

	case r.Header.Get("Authorization") != "Bearer tok":
		g.t.Errorf("%s %s: Authorization = %q", r.Method, path, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)

	case r.Method == http.MethodGet && path == dirPath:
		g.writeJSON(w, http.StatusOK, graphItem{ID: "dir1", Name: "repo", Folder: &struct{}{}})

	case r.Method == http.MethodPut && strings.HasPrefix(path, itemsPrefix+"dir1:/") && strings.HasSuffix(path, ":/content"):
		name := strings.TrimSuffix(strings.TrimPrefix(path, itemsPrefix+"dir1:/"), ":/content")
		n, _ := io.Copy(io.Discard, r.Body)
		item := g.addFile(name, time.Now().UTC())
		item.Size = n
		g.items[item.ID] = item
		g.writeJSON(w, http.StatusCreated, item)

	case r.Method == http.MethodGet && path == childrenPath:
		if g.listCode != 0 {
			http.Error(w, "throttled", g.listCode)
			return
		}
		var value []graphItem
		for _, item := range g.items {
			value = append(value, item)
		}
		sort.Slice(value, func(i, j int) bool { return value[i].ID < value[j].ID })
		g.writeJSON(w, http.StatusOK, map[string]any{"value": value})

	case r.Method == http.MethodDelete && strings.HasPrefix(path, itemsPrefix):
		id := strings.TrimPrefix(path, itemsPrefix)
		if code, ok := g.deleteErr[id]; ok {
			http.Error(w, "locked", code)
			return
		}
		if _, ok := g.items[id]; !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		delete(g.items, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		g.t.Errorf("unexpected request %s %s", r.Method, path)
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func (g *fakeGraph) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.t.Errorf("encoding response: %v", err)
	}
}

func (g *fakeGraph) archives() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var names []string
	for _, item := range g.items {
		if item.File != nil && strings.HasSuffix(item.Name, ".zip") {
			names = append(names, item.Name)
		}
	}
	sort.Strings(names)
	return names
}

func (g *fakeGraph) count(method string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, r := range g.requests {
		if strings.HasPrefix(r, method+" ") {
			n++
		}
	}
	return n
}

func testConfig(t *testing.T, serverURL string) *app.Config {
	t.Helper()
	t.Setenv(secretEnvKey, "s3cr3t")

	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "README.md"), []byte("# repo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &app.Config{
		Auth: app.AuthConfig{
			Authority:     serverURL + "/tenant",
			ClientID:      "client-id",
			SecretStorage: app.SecretStorageTypeEnv,
			SecretEnvKey:  secretEnvKey,
		},
		Drive:   app.DriveConfig{Endpoint: serverURL + childrenPath},
		Archive: app.ArchiveConfig{Source: source},
		HTTP:    app.HTTPConfig{Timeout: 5 * time.Second},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults() error = %v", err)
	}
	return cfg
}

func newApp(t *testing.T, cfg *app.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestPublish_KeepsNewestArchives(t *testing.T) {
	graph, server := newFakeGraph(t, 5)
	a := newApp(t, testConfig(t, server.URL))

	report, err := a.Publish(context.Background())
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if code := app.ExitCode(err); code != app.ExitOK {
		t.Errorf("ExitCode() = %d, want %d", code, app.ExitOK)
	}
	if len(report.Deleted) != 2 {
		t.Fatalf("deleted %d archives, want 2", len(report.Deleted))
	}

	got := graph.archives()
	if len(got) != 4 {
		t.Fatalf("remote archives = %v, want 4", got)
	}
	for _, gone := range []string{"spo_action_old00.zip", "spo_action_old01.zip"} {
		for _, name := range got {
			if name == gone {
				t.Errorf("%s still present, want it pruned", gone)
			}
		}
	}
	found := false
	for _, name := range got {
		if name == report.Archive {
			found = true
		}
	}
	if !found {
		t.Errorf("uploaded archive %s missing from %v", report.Archive, got)
	}
}

func TestPublish_AuthFailureIsFatal(t *testing.T) {
	graph, server := newFakeGraph(t, 5)
	graph.tokenCode = http.StatusUnauthorized
	a := newApp(t, testConfig(t, server.URL))

	_, err := a.Publish(context.Background())
	if code := app.ExitCode(err); code != app.ExitFatal {
		t.Fatalf("ExitCode(%v) = %d, want %d", err, code, app.ExitFatal)
	}
	if n := graph.count(http.MethodPut); n != 0 {
		t.Errorf("%d uploads after rejected token, want 0", n)
	}
	if n := graph.count(http.MethodDelete); n != 0 {
		t.Errorf("%d deletes after rejected token, want 0", n)
	}
}

func TestPublish_ListFailureIsDegraded(t *testing.T) {
	graph, server := newFakeGraph(t, 5)
	graph.listCode = http.StatusServiceUnavailable
	a := newApp(t, testConfig(t, server.URL))

	report, err := a.Publish(context.Background())
	if code := app.ExitCode(err); code != app.ExitDegraded {
		t.Fatalf("ExitCode(%v) = %d, want %d", err, code, app.ExitDegraded)
	}
	if report.Uploaded == nil {
		t.Error("report has no uploaded item, want the upload to have succeeded")
	}
	if n := graph.count(http.MethodDelete); n != 0 {
		t.Errorf("%d deletes after failed listing, want 0", n)
	}
}

func TestPublish_DeleteFailureIsDegraded(t *testing.T) {
	graph, server := newFakeGraph(t, 5)
	graph.deleteErr["id-01"] = http.StatusLocked
	a := newApp(t, testConfig(t, server.URL))

	report, err := a.Publish(context.Background())
	if code := app.ExitCode(err); code != app.ExitDegraded {
		t.Fatalf("ExitCode(%v) = %d, want %d", err, code, app.ExitDegraded)
	}
	if len(report.Failures) != 1 || report.Failures[0].ID != "id-01" {
		t.Errorf("failures = %+v, want id-01", report.Failures)
	}
	if len(report.Deleted) != 1 || report.Deleted[0].ID != "id-02" {
		t.Errorf("deleted = %+v, want id-02", report.Deleted)
	}
}

func TestPublish_PushesMetrics(t *testing.T) {
	_, server := newFakeGraph(t, 1)

	var mu sync.Mutex
	var pushed []string
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		pushed = append(pushed, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	cfg := testConfig(t, server.URL)
	cfg.Metrics.PushgatewayURL = gateway.URL
	a := newApp(t, cfg)

	if _, err := a.Publish(context.Background()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(pushed) != 1 || pushed[0] != "POST /metrics/job/"+app.DefaultConfigMetricsJob {
		t.Errorf("pushes = %v, want one POST for the job", pushed)
	}
}

func TestPrune(t *testing.T) {
	graph, server := newFakeGraph(t, 6)
	a := newApp(t, testConfig(t, server.URL))

	report, err := a.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(report.Deleted) != 2 {
		t.Errorf("deleted %d, want 2", len(report.Deleted))
	}
	if n := graph.count(http.MethodPut); n != 0 {
		t.Errorf("%d uploads during prune, want 0", n)
	}
}

func TestList(t *testing.T) {
	_, server := newFakeGraph(t, 3)
	a := newApp(t, testConfig(t, server.URL))

	items, err := a.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("listed %d archives, want 3", len(items))
	}
	for i := 1; i < len(items); i++ {
		if items[i].Created.Before(items[i-1].Created) {
			t.Errorf("items not oldest first: %v before %v", items[i-1].Name, items[i].Name)
		}
	}
}

func TestNew_MissingSecretIsConfigError(t *testing.T) {
	graph, server := newFakeGraph(t, 0)
	cfg := testConfig(t, server.URL)
	t.Setenv(secretEnvKey, "")

	_, err := app.New(context.Background(), cfg)
	if code := app.ExitCode(err); code != app.ExitConfig {
		t.Fatalf("ExitCode(%v) = %d, want %d", err, code, app.ExitConfig)
	}
	if strings.Contains(err.Error(), "s3cr3t") {
		t.Errorf("error leaks secret: %v", err)
	}

	graph.mu.Lock()
	defer graph.mu.Unlock()
	if len(graph.requests) != 0 {
		t.Errorf("requests = %v, want none before configuration is valid", graph.requests)
	}
}
