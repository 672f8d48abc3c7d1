package wsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inheritsync/pkg/engine"
	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/replica"
	"github.com/astromechza/inheritsync/pkg/signal"
	"github.com/astromechza/inheritsync/pkg/store/memory"
)

var (
	node1 = field.New("node1", "description")
	node2 = field.New("node2", "description")
	node3 = field.New("node3", "description")
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []signal.Restore
}

func (b *recordingBroadcaster) Publish(_ context.Context, m signal.Restore) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, m)
	return nil
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	e := engine.New(s)
	srv := httptest.NewServer(NewServer(e, opts...).Handler())
	t.Cleanup(srv.Close)
	return srv, e, s
}

type editor struct {
	*Client
	done chan error
}

func dial(t *testing.T, srv *httptest.Server, id field.ID, user string) *editor {
	t.Helper()
	c, err := Dial(context.Background(), srv.URL, id, field.Plain, user)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	ed := &editor{Client: c, done: make(chan error, 1)}
	go func() { ed.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
	})
	return ed
}

func (ed *editor) waitFor(t *testing.T, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return ed.Text() == want }, 5*time.Second, 10*time.Millisecond, "want %q, have %q", want, ed.Text())
}

func TestEditorReceivesStoredContent(t *testing.T) {
	srv, _, s := newTestServer(t)
	s.Seed(node1, "Hello", "")

	ed := dial(t, srv, node1, "")
	ed.waitFor(t, "Hello")
}

func TestEditsForwardToDependentEditors(t *testing.T) {
	srv, e, s := newTestServer(t)
	s.Seed(node1, "Hello", "")
	s.Seed(node2, "", "node1")

	source := dial(t, srv, node1, "")
	dependent := dial(t, srv, node2, "")
	source.waitFor(t, "Hello")
	dependent.waitFor(t, "Hello")

	require.NoError(t, source.Splice(5, 0, " World"))
	dependent.waitFor(t, "Hello World")
	assert.Equal(t, engine.Inheriting, e.State(node2))

	require.NoError(t, dependent.Splice(0, 0, "My "))
	require.Eventually(t, func() bool { return e.State(node2) == engine.Detached }, 5*time.Second, 10*time.Millisecond)
	source.waitFor(t, "Hello World")
}

func TestCyclicFieldIsRefused(t *testing.T) {
	srv, _, s := newTestServer(t)
	s.Seed(node1, "a", "node2")
	s.Seed(node2, "b", "node1")

	ed := dial(t, srv, node1, "")
	select {
	case err := <-ed.done:
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestRestoreOverWebsocketAndHTTP(t *testing.T) {
	b := new(recordingBroadcaster)
	srv, e, s := newTestServer(t, WithBroadcaster(b))
	s.Seed(node1, "one", "")
	s.Seed(node3, "three", "")
	s.Seed(node2, "", "node1")

	ed := dial(t, srv, node2, "")
	ed.waitFor(t, "one")

	source := "node3"
	require.NoError(t, ed.Send(signal.Restore{Type: signal.TypeRestore, Entity: "node2", Property: "description", InheritedFrom: &source}))
	ed.waitFor(t, "three")
	assert.Equal(t, 1, b.count())

	resp, err := http.Post(srv.URL+"/restore", "application/json", strings.NewReader(`{"nodeId":"node2","property":"description","inheritedFrom":"node1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	ed.waitFor(t, "one")
	assert.Equal(t, 2, b.count())

	src, ok := e.Graph().SourceOf(node2)
	require.True(t, ok)
	assert.Equal(t, node1, src)
}

func TestRestoreHTTPRejections(t *testing.T) {
	srv, e, _ := newTestServer(t)
	require.NoError(t, e.EnsureLoaded(context.Background(), node1, field.Plain))

	for body, status := range map[string]int{
		`{"nodeId":"node1","property":"description","inheritedFrom":"node1"}`: http.StatusConflict,
		`{"nodeId":"node1"}`: http.StatusBadRequest,
		`nope`:               http.StatusBadRequest,
	} {
		resp, err := http.Post(srv.URL+"/restore", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, status, resp.StatusCode, body)
	}
}

func TestAwarenessAndStats(t *testing.T) {
	srv, e, _ := newTestServer(t)

	ed := dial(t, srv, node1, "anon")
	require.Eventually(t, func() bool { return e.Stats().Connections == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ed.Send(map[string]any{"type": "awareness", "user": map[string]string{"name": "Ada"}}))
	require.Eventually(t, func() bool {
		ids := e.Stats().IDs
		return len(ids) == 1 && len(ids[0].Participants) == 1 && ids[0].Participants[0] == "Ada"
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats engine.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Connections)
	assert.Equal(t, []string{"Ada"}, stats.IDs[0].Participants)

	require.NoError(t, ed.Close())
	require.Eventually(t, func() bool { return e.Stats().Connections == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHealthAndLatest(t *testing.T) {
	srv, e, s := newTestServer(t)
	s.Seed(node1, "saved", "")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/fields/node1-description/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, e.EnsureLoaded(context.Background(), node1, field.Plain))
	resp, err = http.Get(srv.URL + "/fields/node1-description/latest")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	doc, err := automerge.Load(raw)
	require.NoError(t, err)
	text, err := doc.Path(replica.TextKey).Text().Get()
	require.NoError(t, err)
	assert.Equal(t, "saved", text)
}

func TestFieldPathsAreDecodedOnce(t *testing.T) {
	srv, e, s := newTestServer(t)
	percent := field.New("node1", "50%")
	s.Seed(percent, "half", "")
	require.NoError(t, e.EnsureLoaded(context.Background(), percent, field.Plain))

	resp, err := http.Get(srv.URL + "/fields/node1-50%25/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// a doubly encoded slash stays a literal %2F in the property name
	resp, err = http.Get(srv.URL + "/fields/node1-a%252Fb/latest")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	slashed := field.New("node1", "a/b")
	s.Seed(slashed, "nested", "")
	ed := dial(t, srv, slashed, "")
	ed.waitFor(t, "nested")
	_, ok := e.Registry().Lookup(slashed)
	assert.True(t, ok)
	_, ok = e.Registry().Lookup(field.New("node1", "a%2Fb"))
	assert.False(t, ok)
}
