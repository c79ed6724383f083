package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adt-sh/adt/internal/common/config"
	"github.com/adt-sh/adt/internal/core"
	"github.com/adt-sh/adt/internal/project"
	"github.com/adt-sh/adt/internal/task"
)

func newTestBot(t *testing.T) (*Bot, *core.Core) {
	t.Helper()
	t.Setenv("ADT_HOME", t.TempDir())

	cfg := &config.Config{}
	cfg.Agents.Command = "true"
	cfg.Orchestrator.PollInterval = 5
	cfg.Orchestrator.MaxConcurrent = 3
	cfg.Orchestrator.StuckTimeout = 300
	cfg.Channels.Telegram.Token = "test-token"
	cfg.Channels.Telegram.AllowedUsers = []int64{42}

	c, err := core.New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.Projects.Add(project.Project{Name: "webapp", Path: t.TempDir()}))
	return New(c, nil), c
}

func TestDispatchStatus(t *testing.T) {
	b, c := newTestBot(t)

	_, err := c.Tasks.Create("webapp", "pending work", task.PriorityNormal, task.CreateOptions{})
	require.NoError(t, err)

	reply := b.dispatch(context.Background(), "/status", "")
	assert.Contains(t, reply, "1 pending")
}

func TestDispatchAddQueuesTask(t *testing.T) {
	b, c := newTestBot(t)

	reply := b.dispatch(context.Background(), "/add", "webapp fix the login flow")
	assert.Contains(t, reply, "queued for webapp")

	tasks, err := c.Tasks.List(task.ListFilter{Project: "webapp"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "fix the login flow", tasks[0].Description)
}

func TestDispatchAddUnknownProject(t *testing.T) {
	b, _ := newTestBot(t)

	reply := b.dispatch(context.Background(), "/add", "ghost do something")
	assert.Contains(t, reply, "Unknown project")
}

func TestDispatchUsageAndHelp(t *testing.T) {
	b, _ := newTestBot(t)

	assert.Contains(t, b.dispatch(context.Background(), "/spawn", ""), "Usage:")
	assert.Contains(t, b.dispatch(context.Background(), "/stop", ""), "Usage:")
	assert.Contains(t, b.dispatch(context.Background(), "/help", ""), "/spawn")
	assert.Contains(t, b.dispatch(context.Background(), "/frobnicate", ""), "Unknown command")
}

func TestSplitCommand(t *testing.T) {
	cmd, args := splitCommand("/spawn webapp fix tests")
	assert.Equal(t, "/spawn", cmd)
	assert.Equal(t, "webapp fix tests", args)

	cmd, args = splitCommand("/status@adtbot")
	assert.Equal(t, "/status", cmd)
	assert.Empty(t, args)
}

func TestRunIgnoresUnlistedUsers(t *testing.T) {
	b, _ := newTestBot(t)

	var mu sync.Mutex
	var sent []string
	served := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			w.Header().Set("Content-Type", "application/json")
			if served {
				fmt.Fprint(w, `{"ok":true,"result":[]}`)
				return
			}
			served = true
			updates := []map[string]any{
				{
					"update_id": 1,
					"message": map[string]any{
						"text": "/status",
						"from": map[string]any{"id": 99},
						"chat": map[string]any{"id": 99},
					},
				},
				{
					"update_id": 2,
					"message": map[string]any{
						"text": "/projects",
						"from": map[string]any{"id": 42},
						"chat": map[string]any{"id": 42},
					},
				},
			}
			raw, _ := json.Marshal(map[string]any{"ok": true, "result": updates})
			w.Write(raw)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = append(sent, r.Form.Get("chat_id")+": "+r.Form.Get("text"))
			mu.Unlock()
			fmt.Fprint(w, `{"ok":true}`)
		}
	}))
	defer srv.Close()

	b.SetAPIBase(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	// Only the allow-listed user got a reply.
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "42:"))
	assert.Contains(t, sent[0], "webapp")
}
