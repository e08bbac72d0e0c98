package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"hobbes/internal/config"
	"hobbes/internal/dispatch"
	"hobbes/internal/embedding"
	"hobbes/internal/logging"
	"hobbes/internal/mcp"
	"hobbes/internal/metrics"
	"hobbes/internal/perception"
	"hobbes/internal/permissions"
	"hobbes/internal/prompt"
	"hobbes/internal/session"
	"hobbes/internal/store"
	"hobbes/internal/stream"
	"hobbes/internal/turn"
	"hobbes/internal/types"
	"hobbes/internal/usage"
)

// appOptions selects which parts of the runtime a command needs.
type appOptions struct {
	model bool // Gemini client is required
	tools bool // connect MCP servers
	watch bool // reload config on change
	// notify receives every pending approval.
	notify func(dispatch.PendingApproval)
}

// app is the wired runtime shared by the commands.
type app struct {
	cfg     *config.Config
	watcher *config.Watcher

	db       *store.DB
	sessions *store.SessionStore
	archive  *store.ToolArchive
	embedder embedding.Engine

	usage     *usage.Tracker
	gemini    *perception.GeminiClient
	tools     *mcp.Manager
	gate      *permissions.Gate
	approvals *dispatch.Approvals

	metricsSrv  *http.Server
	dispatchers []*dispatch.Dispatcher
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	if opts.watch {
		w, err := config.NewWatcher(configPath)
		if err != nil {
			logger.Warn("config reload disabled", zap.Error(err))
		} else {
			w.Start(ctx)
			a.watcher = w
		}
	}

	c := a.current()
	if opts.model {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}

	db, err := store.Open(c.Store.Driver, c.DatabasePath())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db = db
	a.sessions = store.NewSessionStore(db)

	if c.LLM.APIKey != "" {
		a.gemini, err = perception.NewGeminiClient(ctx, perception.GeminiConfig{
			APIKey:         c.LLM.APIKey,
			BaseURL:        c.LLM.BaseURL,
			Model:          c.LLM.Model,
			SummaryModel:   c.LLM.SummaryModel,
			Timeout:        c.GetLLMTimeout(),
			RequestsPerSec: c.LLM.RequestsPerSec,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.embedder, err = embedding.NewEngine(ctx, embedding.Config{
		Provider:       c.Embedding.Provider,
		Model:          c.Embedding.Model,
		APIKey:         c.LLM.APIKey,
		OllamaEndpoint: c.Embedding.OllamaEndpoint,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	var embedder store.Embedder
	if a.embedder != nil {
		embedder = a.embedder
	}
	a.archive = store.NewToolArchive(db, embedder)

	a.usage, err = usage.NewTracker(c.DataDir)
	if err != nil {
		a.Close()
		return nil, err
	}

	if opts.tools {
		a.tools = mcp.NewManager(c.Integrations.ToMCPServerConfigs(c.ProjectFolder))
		if err := a.tools.ConnectAll(ctx); err != nil {
			// Servers that failed are left out of the catalog; the rest stay usable.
			logger.Warn("some MCP servers failed to connect", zap.Error(err))
		}
	}

	a.gate = permissions.NewGate(func() permissions.Policy { return policyFrom(a.current()) })
	a.approvals = dispatch.NewApprovals(c.GetApprovalTimeout(), opts.notify)

	if c.Metrics.Addr != "" {
		a.serveMetrics(c.Metrics.Addr)
	}
	return a, nil
}

// withUsage returns ctx carrying the token tracker.
func (a *app) withUsage(ctx context.Context) context.Context {
	return usage.NewContext(ctx, a.usage)
}

// current returns the live config snapshot. Flag overrides are not in the
// file, so they are carried over from cfg.
func (a *app) current() *config.Config {
	if a.watcher != nil {
		live := *a.watcher.Current()
		live.Metrics = a.cfg.Metrics
		if verbose {
			live.Logging = a.cfg.Logging
		}
		return &live
	}
	return a.cfg
}

func policyFrom(c *config.Config) permissions.Policy {
	return permissions.Policy{
		AutoApprovalEnabled: c.Permissions.AutoApprovalEnabled,
		Granular:            c.Permissions.Granular,
		MaxRequests:         c.Permissions.MaxRequests,
		MaxCost:             c.Permissions.MaxCost,
		CostPerCall:         c.Permissions.CostPerCall,
	}
}

func settingsFrom(c *config.Config) prompt.Settings {
	return prompt.Settings{
		Persona:                 c.Chat.Persona,
		ForceToolUseInstruction: c.Chat.ForceToolUseInstruction,
		HistoryWindow:           c.Chat.HistoryWindow,
	}
}

// loadSession resolves the --session flag: empty starts a new session,
// "latest" resumes the most recent one.
func (a *app) loadSession(ctx context.Context, id string) (*types.Session, error) {
	switch id {
	case "":
		return types.NewSession(""), nil
	case "latest":
		sess, err := a.sessions.Latest(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return types.NewSession(""), nil
		}
		return sess, err
	default:
		sess, err := a.sessions.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load session %s: %w", id, err)
		}
		return sess, nil
	}
}

// newOrchestrator wires a turn orchestrator around conv. updates may be nil.
func (a *app) newOrchestrator(conv *session.Conversation, updates chan<- turn.Update) *turn.Orchestrator {
	c := a.current()
	var service dispatch.ToolService = a.tools
	if a.tools == nil {
		service = noTools{}
	}
	d := dispatch.New(a.gate, service, conv, a.approvals, dispatch.Options{
		MaxConcurrent:  int64(c.Tools.MaxConcurrent),
		ArchiveTimeout: c.GetArchiveTimeout(),
		Categorizer:    permissions.Categorizer{Rules: c.Tools.Categories, Fallback: c.Tools.DefaultCategory},
		Archiver:       a.archive,
	})
	a.dispatchers = append(a.dispatchers, d)

	deps := turn.Deps{
		Conversation: conv,
		Streamer: stream.NewDecoder(a.gemini, stream.Config{
			MaxAttempts: c.Stream.MaxAttempts,
			RetryDelay:  c.GetRetryDelay(),
		}),
		Dispatcher: d,
		Store:      a.sessions,
	}
	if a.tools != nil {
		deps.Catalog = a.tools
	}
	if c.Chat.SummarizeAfterTurn {
		deps.Summarizer = session.NewSummarizer(a.gemini, c.Chat.SummaryWindow)
	}
	return turn.New(deps, turn.Config{
		Settings:         func() prompt.Settings { return settingsFrom(a.current()) },
		MaxFollowupDepth: c.Chat.MaxFollowupDepth,
		Updates:          updates,
	})
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logging.Boot("serving metrics on %s/metrics", addr)
}

// Close waits for pending archive writes and releases everything.
func (a *app) Close() {
	for _, d := range a.dispatchers {
		d.Drain()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.metricsSrv.Shutdown(ctx)
		cancel()
	}
	if a.tools != nil {
		if err := a.tools.Close(); err != nil {
			logger.Warn("failed to stop MCP servers", zap.Error(err))
		}
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			logger.Warn("failed to save token usage", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Warn("failed to close database", zap.Error(err))
		}
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
}

// noTools answers every call when no MCP servers were requested.
type noTools struct{}

func (noTools) Invoke(_ context.Context, server, _ string, _ json.RawMessage, _ bool) (json.RawMessage, error) {
	return nil, fmt.Errorf("Server not found: %s", server)
}
