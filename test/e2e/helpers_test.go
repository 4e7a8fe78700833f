package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/demo-relay/internal/history"
	"github.com/alexjbarnes/demo-relay/internal/listing"
	"github.com/alexjbarnes/demo-relay/internal/reconcile"
	"github.com/alexjbarnes/demo-relay/internal/server"
	"github.com/alexjbarnes/demo-relay/internal/state"
	"github.com/alexjbarnes/demo-relay/internal/transfer"
	"github.com/alexjbarnes/demo-relay/internal/upload"
)

const (
	listPath = "/CSGO_10Mans/"

	// attemptTimeout keeps demos that never become ready from slowing the
	// suite down.
	attemptTimeout = 300 * time.Millisecond
)

// harness holds the full e2e stack: a demo host, the real listing,
// staging, state and history layers, a scripted Leetify, and the status
// server.
type harness struct {
	t *testing.T

	Store      *state.Store
	History    *history.History
	StagingDir string
	StatusURL  string
	Reconciler *reconcile.Reconciler

	host      *demoHost
	leetify   *scriptedLeetify
	announced *announcements
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	host := &demoHost{files: map[string]string{}}
	hostSrv := httptest.NewServer(host)
	t.Cleanup(hostSrv.Close)

	store := state.NewStore(filepath.Join(dir, "uploaded.json"))
	_, err := store.Init()
	require.NoError(t, err)

	hist, err := history.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	stagingDir := filepath.Join(dir, "demos")
	stager, err := transfer.NewStager(hostSrv.Client(), hostSrv.URL, "/", stagingDir, logger)
	require.NoError(t, err)

	leetify := &scriptedLeetify{ready: map[string]bool{}}
	announced := &announcements{}

	r := reconcile.NewReconciler(reconcile.Deps{
		Lister:   listing.NewClient(hostSrv.Client(), hostSrv.URL, listPath, "pug_"),
		Store:    store,
		Stager:   stager,
		Watcher:  upload.NewWatcher(leetify, attemptTimeout, logger),
		Notifier: announced,
		Recorder: hist,
	}, logger)

	statusSrv := httptest.NewServer(server.NewMux(server.MuxConfig{
		Uploads:  store,
		Attempts: hist,
		Logger:   logger,
	}))
	t.Cleanup(statusSrv.Close)

	return &harness{
		t:          t,
		Store:      store,
		History:    hist,
		StagingDir: stagingDir,
		StatusURL:  statusSrv.URL,
		Reconciler: r,
		host:       host,
		leetify:    leetify,
		announced:  announced,
	}
}

// publish adds a demo to the host's listing.
func (h *harness) publish(name, content string) {
	h.host.mu.Lock()
	defer h.host.mu.Unlock()
	h.host.order = append(h.host.order, name)
	h.host.files[name] = content
}

func (h *harness) cycle() {
	h.t.Helper()
	require.NoError(h.t, h.Reconciler.Cycle(context.Background()))
}

func (h *harness) stagedFiles() []string {
	h.t.Helper()
	entries, err := os.ReadDir(h.StagingDir)
	require.NoError(h.t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func (h *harness) getJSON(path string, v any) {
	h.t.Helper()
	resp, err := http.Get(h.StatusURL + path)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	require.Equal(h.t, http.StatusOK, resp.StatusCode)
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(v))
}

// demoHost serves an nginx-style autoindex and the demo files.
type demoHost struct {
	mu    sync.Mutex
	order []string
	files map[string]string
}

func (d *demoHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r.URL.Path == listPath {
		var b strings.Builder
		b.WriteString("<html><head><title>Index of /CSGO_10Mans/</title></head><body><pre>\n")
		b.WriteString(`<a href="../">../</a>` + "\n")
		b.WriteString(`<a href="notes.txt">notes.txt</a>` + "\n")
		for _, name := range d.order {
			fmt.Fprintf(&b, "<a href=%q>%s</a>\n", name, name)
		}
		b.WriteString("</pre></body></html>")
		_, _ = w.Write([]byte(b.String()))
		return
	}

	body, ok := d.files[strings.TrimPrefix(r.URL.Path, "/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write([]byte(body))
}

// scriptedLeetify is an upload.Submitter. A submitted demo is reported
// as processing, then as ready if it has been marked ready.
type scriptedLeetify struct {
	mu        sync.Mutex
	ready     map[string]bool
	submitted []string
	contents  map[string]string
}

func (s *scriptedLeetify) markReady(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready[name] = true
}

func (s *scriptedLeetify) Submit(_ context.Context, path string) (upload.Attempt, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(path)

	s.mu.Lock()
	s.submitted = append(s.submitted, name)
	if s.contents == nil {
		s.contents = map[string]string{}
	}
	s.contents[name] = string(raw)
	ready := s.ready[name]
	s.mu.Unlock()

	a := &scriptedAttempt{responses: make(chan []byte), done: make(chan struct{})}
	go a.run(name, ready)

	return a, nil
}

func (s *scriptedLeetify) submissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

type scriptedAttempt struct {
	responses chan []byte
	done      chan struct{}
	once      sync.Once
}

func (a *scriptedAttempt) run(name string, ready bool) {
	payloads := [][]byte{
		fmt.Appendf(nil, `[{"id":"u-%[1]s","fileName":%[1]q,"game":{"status":"processing"}}]`, name),
	}
	if ready {
		payloads = append(payloads, fmt.Appendf(nil,
			`[{"id":"old","fileName":"pug_0.dem","game":{"status":"ready"}},`+
				`{"id":"u-%[1]s","fileName":%[1]q,"gameId":"g-%[1]s","game":{"status":"ready","teamScores":[16,12],"mapName":"de_ancient"}}]`, name))
	}

	for _, p := range payloads {
		select {
		case a.responses <- p:
		case <-a.done:
			return
		}
	}
}

func (a *scriptedAttempt) Responses() <-chan []byte { return a.responses }

func (a *scriptedAttempt) Close() error {
	a.once.Do(func() { close(a.done) })
	return nil
}

// announcements is a reconcile.Notifier that records what it was asked to
// post.
type announcements struct {
	mu      sync.Mutex
	uploads []upload.Upload
}

func (n *announcements) Announce(_ context.Context, up upload.Upload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.uploads = append(n.uploads, up)
	return nil
}

func (n *announcements) all() []upload.Upload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]upload.Upload(nil), n.uploads...)
}
