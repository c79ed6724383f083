// Package telegram adapts a small set of chat commands to the core.
//
// The adapter long-polls the Telegram Bot API with the standard HTTP
// client and runs inside the core process, so commands use the same
// in-process APIs as the gateway handlers. Only allow-listed user ids
// are served.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adt-sh/adt/internal/agent"
	"github.com/adt-sh/adt/internal/audit"
	"github.com/adt-sh/adt/internal/common/logger"
	"github.com/adt-sh/adt/internal/core"
	"github.com/adt-sh/adt/internal/project"
	"github.com/adt-sh/adt/internal/task"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	pollTimeout    = 30 * time.Second
)

// Bot is the Telegram channel adapter.
type Bot struct {
	core    *core.Core
	log     *logger.Logger
	token   string
	allowed map[int64]bool
	apiBase string
	client  *http.Client
	offset  int64
}

// New creates the adapter. APIBase is overridable for tests.
func New(c *core.Core, log *logger.Logger) *Bot {
	if log == nil {
		log = logger.Default()
	}
	cfg := c.Config.Channels.Telegram
	allowed := make(map[int64]bool, len(cfg.AllowedUsers))
	for _, id := range cfg.AllowedUsers {
		allowed[id] = true
	}
	return &Bot{
		core:    c,
		log:     log,
		token:   cfg.Token,
		allowed: allowed,
		apiBase: defaultAPIBase,
		client:  &http.Client{Timeout: pollTimeout + 10*time.Second},
	}
}

// SetAPIBase points the adapter at a different Bot API host.
func (b *Bot) SetAPIBase(base string) { b.apiBase = base }

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Run long-polls for updates until the context is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info("telegram adapter started", zap.Int("allowed_users", len(b.allowed)))
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		updates, err := b.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.log.WithError(err).Warn("telegram poll failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			b.handleMessage(ctx, u)
		}
	}
}

func (b *Bot) getUpdates(ctx context.Context) ([]update, error) {
	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(pollTimeout.Seconds())))
	q.Set("offset", strconv.FormatInt(b.offset, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/bot%s/getUpdates?%s", b.apiBase, b.token, q.Encode()), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	if !body.OK {
		return nil, fmt.Errorf("telegram getUpdates returned ok=false")
	}
	return body.Result, nil
}

func (b *Bot) sendMessage(ctx context.Context, chatID int64, text string) {
	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(chatID, 10))
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/sendMessage", b.apiBase, b.token),
		strings.NewReader(form.Encode()))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		b.log.WithError(err).Warn("telegram send failed")
		return
	}
	resp.Body.Close()
}

func (b *Bot) handleMessage(ctx context.Context, u update) {
	userID := u.Message.From.ID
	chatID := u.Message.Chat.ID
	text := strings.TrimSpace(u.Message.Text)

	if !b.allowed[userID] {
		b.log.Warn("telegram message from unlisted user", zap.Int64("user_id", userID))
		return
	}

	command, args := splitCommand(text)
	b.core.Audit.MustRecord(audit.Event{
		Action:    audit.ActionChannelTelegramCommand,
		ActorType: audit.ActorChannel,
		ActorID:   strconv.FormatInt(userID, 10),
		Channel:   "telegram",
		Metadata:  map[string]any{"command": command},
	})

	reply := b.dispatch(ctx, command, args)
	if reply != "" {
		b.sendMessage(ctx, chatID, reply)
	}
}

// splitCommand separates "/spawn webapp fix tests" into the command and
// its argument string, stripping any @botname suffix.
func splitCommand(text string) (string, string) {
	parts := strings.SplitN(text, " ", 2)
	command := parts[0]
	if at := strings.Index(command, "@"); at > 0 {
		command = command[:at]
	}
	args := ""
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return command, args
}

func (b *Bot) dispatch(ctx context.Context, command, args string) string {
	switch command {
	case "/start", "/help":
		return helpText
	case "/status":
		return b.statusReply()
	case "/agents":
		return b.agentsReply()
	case "/tasks":
		return b.tasksReply()
	case "/projects":
		return b.projectsReply()
	case "/spawn":
		return b.spawnReply(ctx, args)
	case "/stop":
		return b.stopReply(ctx, args)
	case "/add":
		return b.addReply(args)
	default:
		return "Unknown command. " + helpText
	}
}

const helpText = `Commands:
/status - overall status
/agents - agent sessions
/tasks - queued and running tasks
/projects - registered projects
/spawn <project> [task] - start an agent
/stop <project> - stop an agent
/add <project> <description> - queue a task`

func (b *Bot) statusReply() string {
	stats, err := b.core.Tasks.Stats()
	if err != nil {
		return "status unavailable"
	}
	agents := b.core.Agents.List()
	working := 0
	for _, a := range agents {
		if a.Status == agent.StatusWorking {
			working++
		}
	}
	return fmt.Sprintf("Agents: %d (%d working)\nTasks: %d pending, %d running, %d done, %d failed",
		len(agents), working, stats.Pending, stats.InProgress, stats.Completed, stats.Failed)
}

func (b *Bot) agentsReply() string {
	agents := b.core.Agents.List()
	if len(agents) == 0 {
		return "No agent sessions."
	}
	var sb strings.Builder
	for _, a := range agents {
		fmt.Fprintf(&sb, "%s: %s", a.Project, a.Status)
		if a.CurrentTask != "" {
			fmt.Fprintf(&sb, " - %s", truncate(a.CurrentTask, 60))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) tasksReply() string {
	var sb strings.Builder
	for _, status := range []task.Status{task.StatusInProgress, task.StatusPending} {
		tasks, err := b.core.Tasks.List(task.ListFilter{Status: status, Limit: 10})
		if err != nil {
			return "tasks unavailable"
		}
		for _, t := range tasks {
			fmt.Fprintf(&sb, "[%s] %s: %s\n", t.Status, t.Project, truncate(t.Description, 60))
		}
	}
	if sb.Len() == 0 {
		return "No active tasks."
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) projectsReply() string {
	projects, err := b.core.Projects.List()
	if err != nil || len(projects) == 0 {
		return "No projects registered."
	}
	names := make([]string, 0, len(projects))
	for _, p := range projects {
		names = append(names, p.Name)
	}
	return strings.Join(names, "\n")
}

func (b *Bot) spawnReply(ctx context.Context, args string) string {
	parts := strings.SplitN(args, " ", 2)
	if parts[0] == "" {
		return "Usage: /spawn <project> [task]"
	}
	opts := agent.SpawnOptions{}
	if len(parts) > 1 {
		opts.Task = strings.TrimSpace(parts[1])
	}
	if _, err := b.core.Agents.Spawn(ctx, parts[0], opts); err != nil {
		return "Spawn failed: " + err.Error()
	}
	return "Agent started for " + parts[0]
}

func (b *Bot) stopReply(ctx context.Context, args string) string {
	if args == "" {
		return "Usage: /stop <project>"
	}
	if err := b.core.Agents.Stop(ctx, args, false); err != nil {
		return "Stop failed: " + err.Error()
	}
	return "Agent stopped for " + args
}

func (b *Bot) addReply(args string) string {
	parts := strings.SplitN(args, " ", 2)
	if len(parts) < 2 || parts[0] == "" {
		return "Usage: /add <project> <description>"
	}
	if _, err := b.core.Projects.Get(parts[0]); err != nil {
		if err == project.ErrNotFound {
			return "Unknown project: " + parts[0]
		}
		return "Queue failed: " + err.Error()
	}
	t, err := b.core.Tasks.Create(parts[0], strings.TrimSpace(parts[1]), task.PriorityNormal, task.CreateOptions{})
	if err != nil {
		return "Queue failed: " + err.Error()
	}
	return fmt.Sprintf("Task %s queued for %s", t.ID, parts[0])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
