package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/convstream/internal/config"
	"github.com/harunnryd/convstream/internal/mockagent"
	"github.com/harunnryd/convstream/internal/rest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written by the REPL and by session handlers concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runOffline(t *testing.T, input string, restClient *rest.Client) (string, *components) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	testCfg := &config.Config{Store: config.StoreConfig{DataPath: t.TempDir()}}
	comps, err := buildComponents(ctx, testCfg, buildOptions{offline: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		comps.Close(closeCtx)
	})

	out := &syncBuffer{}
	repl := NewREPL(ctx, comps.client, restClient, REPLConfig{ConversationID: "c1"}, strings.NewReader(input), out)
	require.NoError(t, repl.Run())
	return out.String(), comps
}

func TestREPL_OfflineTurn(t *testing.T) {
	out, comps := runOffline(t, "hello\n/exit\n", nil)

	assert.Contains(t, out, "Session ready")
	assert.Contains(t, out, mockagent.ReplyFor("hello"))
	assert.Contains(t, out, "Sources:")
	assert.Contains(t, out, "[1] Offline knowledge base")
	assert.Contains(t, out, "/feedback")

	label, ok := comps.labels.Label("c1")
	require.True(t, ok)
	assert.Equal(t, "hello", label)
}

func TestREPL_ApproveOnlyPendingInterrupt(t *testing.T) {
	out, _ := runOffline(t, "run ls\n/approve\n/exit\n", nil)

	assert.Contains(t, out, "Confirmation required:")
	assert.Contains(t, out, "Approved ")
	assert.Contains(t, out, "tool shell")
	assert.Contains(t, out, "I ran `ls` and it finished successfully.")
}

func TestREPL_DenyUnknownInterrupt(t *testing.T) {
	out, _ := runOffline(t, "/deny nope\n/approve\n/exit\n", nil)

	assert.Contains(t, out, "no pending interrupt nope")
	assert.Contains(t, out, "no pending interrupts")
}

func TestREPL_EndOpensFreshSession(t *testing.T) {
	out, _ := runOffline(t, "/end\nhi there\n/exit\n", nil)

	assert.Equal(t, 2, strings.Count(out, "Session ready"))
	assert.Contains(t, out, "Session ended.")
	assert.Contains(t, out, mockagent.ReplyFor("hi there"))
}

func TestREPL_CommandErrors(t *testing.T) {
	out, _ := runOffline(t, "/bogus\n/feedback ex1 up\n/attach x\n/help\n/exit\n", nil)

	assert.Contains(t, out, "unknown command /bogus")
	assert.Contains(t, out, "feedback is unavailable offline")
	assert.Contains(t, out, "attachments are unavailable offline")
	assert.Contains(t, out, "/approve [interruptId]")
}

func TestREPL_FeedbackUsesREST(t *testing.T) {
	var got rest.Feedback
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/feedback" && r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client, err := rest.NewClient(rest.Config{BaseURL: srv.URL})
	require.NoError(t, err)

	out, _ := runOffline(t, "/feedback ex-1 down \"too slow\"\n/feedback ex-1\n/exit\n", client)

	assert.Contains(t, out, "Feedback sent.")
	assert.Contains(t, out, "usage: /feedback")
	assert.Equal(t, "ex-1", got.ExchangeID)
	assert.Equal(t, rest.RatingNegative, got.Rating)
	assert.Equal(t, "too slow", got.Comment)
}
