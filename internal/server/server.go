// Package server assembles the runtime: storage, auth, providers, shield,
// memory, sub-agents, nudges, pulse jobs, the gateway and the control
// socket, built once and shared by every command that embeds the daemon.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tinyclaw/internal/auth"
	"tinyclaw/internal/compaction"
	"tinyclaw/internal/config"
	"tinyclaw/internal/gateway"
	gw "tinyclaw/internal/gateway/websocket"
	"tinyclaw/internal/heartware"
	"tinyclaw/internal/intercom"
	"tinyclaw/internal/ipc"
	"tinyclaw/internal/memory"
	"tinyclaw/internal/nudge"
	"tinyclaw/internal/orchestrator"
	"tinyclaw/internal/provider"
	"tinyclaw/internal/provider/openaicompat"
	"tinyclaw/internal/pulse"
	"tinyclaw/internal/queue"
	"tinyclaw/internal/sandbox"
	"tinyclaw/internal/shield"
	"tinyclaw/internal/storage"
	"tinyclaw/internal/subagent"
	"tinyclaw/internal/tools"
	"tinyclaw/internal/tools/builtin"
)

const (
	queueBacklog     = 32
	queueIdleTimeout = 5 * time.Minute
	staleTaskAge     = 30 * time.Minute
	metricRetention  = 30 * 24 * time.Hour
	approvalTTL      = 5 * time.Minute
)

// Options configure an embedded runtime.
type Options struct {
	Paths   *config.Paths
	Config  *config.Config
	Version string
	Logger  zerolog.Logger
}

// Server is the assembled runtime. Build one with New, run it with Start,
// and tear it down with Stop.
type Server struct {
	opts   Options
	logger zerolog.Logger

	db        *storage.DB
	security  *auth.SecurityDB
	secrets   *config.FileSecretStore
	auth      *auth.Service
	heartware *heartware.Manager
	hwWatcher *heartware.Watcher
	bus       *intercom.Bus
	shield    *shield.Engine
	feedWatch *shield.FeedWatcher
	auditor   *shield.FileAuditor
	approvals *shield.ApprovalQueue
	memory    *memory.Engine
	compactor *compaction.Compactor
	sandbox   *sandbox.Sandbox
	agents    *subagent.Manager
	worker    *subagent.Worker
	runner    *subagent.Runner
	estimator *subagent.Estimator
	providers *provider.Registry
	tools     *tools.Registry
	nudges    *nudge.Engine
	orch      *orchestrator.Orchestrator
	queue     *queue.TurnQueue
	gateway   *gateway.Server
	ipcServer *ipc.Server
	pulse     *pulse.Scheduler

	unsubs []func()

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	errCh     chan error
	stopOnce  sync.Once
}

// New builds the full dependency graph. Nothing is listening yet; call
// Start. The data directory layout must already exist (Paths.EnsureLayout).
func New(opts Options) (*Server, error) {
	if opts.Paths == nil {
		return nil, fmt.Errorf("server: paths are required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("server: config is required")
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "server").Logger(),
		errCh:  make(chan error, 4),
	}
	if err := s.build(); err != nil {
		s.closePartial()
		return nil, err
	}
	return s, nil
}

func (s *Server) build() error {
	cfg := s.opts.Config
	paths := s.opts.Paths

	db, err := storage.Open(paths.AgentDB())
	if err != nil {
		return fmt.Errorf("open agent db: %w", err)
	}
	s.db = db

	security, err := auth.OpenSecurityDB(paths.SecurityDB())
	if err != nil {
		return fmt.Errorf("open security db: %w", err)
	}
	s.security = security

	secrets, err := config.NewFileSecretStore(paths.SecretsFile())
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	s.secrets = secrets

	authSvc, err := auth.NewService(secrets, s.opts.Logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	s.auth = authSvc

	hw, err := heartware.NewManager(paths.HeartwareDir(), s.opts.Logger)
	if err != nil {
		return fmt.Errorf("init heartware: %w", err)
	}
	s.heartware = hw

	s.bus = intercom.New(s.opts.Logger)

	if err := s.buildShield(cfg, paths); err != nil {
		return err
	}
	if s.auditor != nil {
		authSvc.SetAuditor(s.auditor)
	}
	s.approvals = shield.NewApprovalQueue(approvalTTL)

	if cfg.Memory.Enabled {
		mcfg := memory.DefaultConfig()
		if cfg.Memory.RecallLimit > 0 {
			mcfg.RecallLimit = cfg.Memory.RecallLimit
		}
		s.memory = memory.New(db, mcfg, s.opts.Logger)
	}

	if cfg.Compaction.Enabled {
		ccfg := compaction.DefaultConfig()
		if cfg.Compaction.KeepRecent > 0 {
			ccfg.KeepRecent = cfg.Compaction.KeepRecent
		}
		if cfg.Compaction.L1Threshold > 0 {
			ccfg.TriggerTokens = cfg.Compaction.L1Threshold
		}
		if cfg.Compaction.L2Threshold > 0 {
			ccfg.L1FoldCount = cfg.Compaction.L2Threshold
		}
		s.compactor = compaction.New(db, ccfg, s.opts.Logger)
	}

	if cfg.Sandbox.Enabled {
		s.sandbox = sandbox.New(s.opts.Logger)
	}

	acfg := subagent.DefaultConfig()
	if cfg.Subagents.MaxActivePerUser > 0 {
		acfg.MaxActivePerUser = cfg.Subagents.MaxActivePerUser
	}
	s.agents = subagent.NewManager(db, acfg, s.opts.Logger)
	s.estimator = subagent.NewEstimator(db, s.opts.Logger)
	s.runner = subagent.NewRunner(db, s.bus, s.opts.Logger)

	if err := s.buildProviders(cfg); err != nil {
		return err
	}
	s.worker = subagent.NewWorker(db, s.providers, s.agents, s.opts.Logger)

	ncfg := nudge.DefaultConfig()
	if cfg.Nudge.MaxPerHour > 0 {
		ncfg.MaxPerHour = cfg.Nudge.MaxPerHour
	}
	ncfg.QuietStart = cfg.Nudge.QuietStart
	ncfg.QuietEnd = cfg.Nudge.QuietEnd

	s.tools = tools.NewRegistry()
	s.queue = queue.New(queueBacklog, queueIdleTimeout)

	s.orch = orchestrator.New(orchestrator.Deps{
		DB:        db,
		Providers: s.providers,
		Tools:     s.tools,
		Shield:    s.shield,
		Approvals: s.approvals,
		Compactor: s.compactor,
		Memory:    s.memory,
		Runner:    s.runner,
		Heartware: hw,
		OwnerID:   authSvc.OwnerID(),
		Logger:    s.opts.Logger,
		Learning:  true,
	})

	s.gateway = gateway.NewServer(gateway.Deps{
		Config:    cfg,
		Auth:      authSvc,
		Orch:      s.orch,
		Queue:     s.queue,
		DB:        db,
		Heartware: hw,
		Security:  security,
		Version:   s.opts.Version,
		Logger:    s.opts.Logger,
	})

	// The nudge deliverer needs the hub and the hub lives on the gateway,
	// so the engine is wired after it and the tool set after the engine.
	s.nudges = nudge.New(db, gateway.NewHubDeliverer(s.gateway.Hub()), s.bus, ncfg, s.opts.Logger)

	if err := builtin.Register(s.tools, builtin.Deps{
		DB:        db,
		Memory:    s.memory,
		Sandbox:   s.sandbox,
		Agents:    s.agents,
		Runner:    s.runner,
		Estimator: s.estimator,
		Worker:    s.worker,
		Providers: s.providers,
		Heartware: hw,
		Nudges:    s.nudges,
	}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	s.worker.SetTools(s.tools)

	s.ipcServer = ipc.NewServer(paths.SocketPath(), s.handleControl)

	s.pulse = pulse.New(slog.Default())
	if cfg.Pulse.Enabled {
		if err := s.registerPulseJobs(); err != nil {
			return err
		}
	}

	s.wireIntercom()
	s.wireConfigReload()
	return nil
}

// buildShield loads the threat feed, the audit trail, and the feed watcher.
// The feed defaults to threats.md inside the heartware directory.
func (s *Server) buildShield(cfg *config.Config, paths *config.Paths) error {
	if !cfg.Shield.Enabled {
		return nil
	}

	eng := shield.NewEngine()
	eng.SetLogger(slog.Default())

	auditor, err := shield.NewFileAuditor(filepath.Join(paths.AuditDir(), "shield.jsonl"))
	if err != nil {
		return fmt.Errorf("init shield audit: %w", err)
	}
	s.auditor = auditor
	eng.SetAuditor(auditor)

	feedPath := cfg.Shield.FeedPath
	if feedPath == "" {
		feedPath = filepath.Join(paths.HeartwareDir(), heartware.FileThreats)
	}
	if err := eng.LoadFeed(feedPath); err != nil {
		// A missing or malformed feed leaves the previous threat set in
		// place; on first boot that set is empty.
		s.logger.Warn().Err(err).Str("path", feedPath).Msg("Threat feed not loaded")
	}

	watch, err := shield.NewFeedWatcher(feedPath, func() {
		if err := eng.LoadFeed(feedPath); err != nil {
			s.logger.Warn().Err(err).Msg("Threat feed reload failed")
			return
		}
		s.bus.Publish(intercom.TopicShieldReloaded, feedPath)
	}, slog.Default())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Threat feed watcher unavailable")
	} else {
		s.feedWatch = watch
	}

	s.shield = eng
	return nil
}

// buildProviders registers one backend per configured provider and applies
// the routing table. API keys resolve through the secret store; a provider
// whose key reference is missing is skipped rather than fatal.
func (s *Server) buildProviders(cfg *config.Config) error {
	reg := provider.NewRegistry()

	for id, pc := range cfg.Providers {
		if pc.Kind != "" && pc.Kind != "openai-compatible" {
			s.logger.Warn().Str("provider", id).Str("kind", pc.Kind).Msg("Unknown provider kind, skipping")
			continue
		}

		apiKey := ""
		ref := pc.APIKeyRef
		if ref == "" {
			ref = "provider.api_key"
		}
		if v, err := s.secrets.Get(ref); err == nil {
			apiKey = v
		} else if pc.APIKeyRef != "" {
			s.logger.Warn().Str("provider", id).Str("ref", ref).Msg("API key reference unresolved, skipping provider")
			continue
		}

		reg.Register(openaicompat.New(openaicompat.Config{
			ID:        id,
			Name:      id,
			Endpoint:  pc.Endpoint,
			APIKey:    apiKey,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Timeout:   pc.GetTimeout(),
		}))
	}

	if cfg.Routing.Default != "" {
		reg.SetDefault(cfg.Routing.Default)
	}
	for tier, id := range cfg.Routing.Tiers {
		if !reg.SetTier(provider.Tier(tier), id) {
			s.logger.Warn().Str("tier", tier).Str("provider", id).Msg("Routing tier points at unknown provider")
		}
	}

	s.providers = reg
	return nil
}

func (s *Server) registerPulseJobs() error {
	jobs := []pulse.Job{
		{ID: "subagent-cleanup", Schedule: "1h", Handler: func(ctx context.Context) error {
			archived, purged, err := s.agents.Cleanup()
			if err == nil && (archived > 0 || purged > 0) {
				s.logger.Info().Int("archived", archived).Int("purged", purged).Msg("Sub-agent cleanup")
			}
			return err
		}},
		{ID: "stale-tasks", Schedule: "10m", RunOnStart: true, Handler: func(ctx context.Context) error {
			n, err := s.runner.CleanupStale(staleTaskAge)
			if err == nil && n > 0 {
				s.logger.Warn().Int("failed", n).Msg("Stale background tasks closed")
			}
			return err
		}},
		{ID: "memory-consolidation", Schedule: "6h", Handler: func(ctx context.Context) error {
			if s.memory == nil {
				return nil
			}
			ownerID := s.auth.OwnerID()
			if ownerID == "" {
				return nil
			}
			_, err := s.memory.Consolidate(ownerID)
			return err
		}},
		{ID: "nudge-flush", Schedule: "1m", RunOnStart: true, Handler: func(ctx context.Context) error {
			_, err := s.nudges.Flush()
			return err
		}},
		{ID: "approval-sweep", Schedule: "1m", Handler: func(ctx context.Context) error {
			s.approvals.Sweep()
			return nil
		}},
		{ID: "metric-prune", Schedule: "24h", Handler: func(ctx context.Context) error {
			_, err := s.db.PruneMetrics(time.Now().Add(-metricRetention))
			return err
		}},
	}
	for _, job := range jobs {
		if err := s.pulse.Register(job); err != nil {
			return fmt.Errorf("register pulse job %s: %w", job.ID, err)
		}
	}
	return nil
}

// wireIntercom bridges bus events to the websocket surface and to nudges.
// Task completions become normal nudges and failures urgent ones, so the
// owner hears about background work even with no page open.
func (s *Server) wireIntercom() {
	hub := s.gateway.Hub()

	s.unsubs = append(s.unsubs, s.bus.On(intercom.TopicTaskCompleted, func(evt intercom.Event) {
		p, ok := evt.Payload.(intercom.TaskPayload)
		if !ok {
			return
		}
		_ = hub.SendToChannel(p.UserID, gw.TypeTaskCompleted, p)
		s.rememberTaskOutcome(p, true)
		_, err := s.nudges.Schedule(p.UserID, "task", "Background task finished: "+p.Description,
			nudge.PriorityNormal, map[string]string{"taskId": p.TaskID}, time.Now())
		if err != nil {
			s.logger.Warn().Err(err).Msg("Task completion nudge not scheduled")
		}
	}))

	s.unsubs = append(s.unsubs, s.bus.On(intercom.TopicTaskFailed, func(evt intercom.Event) {
		p, ok := evt.Payload.(intercom.TaskPayload)
		if !ok {
			return
		}
		_ = hub.SendToChannel(p.UserID, gw.TypeTaskFailed, p)
		s.rememberTaskOutcome(p, false)
		_, err := s.nudges.Schedule(p.UserID, "task", "Background task failed: "+p.Description,
			nudge.PriorityUrgent, map[string]string{"taskId": p.TaskID}, time.Now())
		if err != nil {
			s.logger.Warn().Err(err).Msg("Task failure nudge not scheduled")
		}
	}))

	if s.shield != nil {
		threats := s.opts.Config.Shield.FeedPath
		if threats == "" {
			threats = filepath.Join(s.opts.Paths.HeartwareDir(), heartware.FileThreats)
		}
		eng := s.shield
		s.unsubs = append(s.unsubs, s.bus.On(intercom.TopicHeartwareChanged, func(evt intercom.Event) {
			if name, _ := evt.Payload.(string); name != heartware.FileThreats {
				return
			}
			if err := eng.LoadFeed(threats); err != nil {
				s.logger.Warn().Err(err).Msg("Threat feed reload failed")
			}
		}))
	}
}

// rememberTaskOutcome books a finished background task into episodic memory.
// Delegated tasks land as delegation results, plain ones as completed tasks.
// Best-effort: a failed write never blocks delivery.
func (s *Server) rememberTaskOutcome(p intercom.TaskPayload, success bool) {
	eventType := memory.EventTaskCompleted
	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	if task, err := s.db.GetBackgroundTask(p.TaskID); err == nil && task.AgentID != "" {
		eventType = memory.EventDelegationResult
	}
	content := fmt.Sprintf("Background task %s: %s", outcome, p.Description)
	if _, err := s.memory.RecordEvent(p.UserID, eventType, content, 0.5); err != nil {
		s.logger.Warn().Err(err).Str("task", p.TaskID).Msg("Task outcome not remembered")
	}
}

// wireConfigReload re-arms the runtime-tunable policies after a config
// change, whether from Set or an external file edit.
func (s *Server) wireConfigReload() {
	config.OnChange(func(string) {
		cfg := config.GetConfig()
		if cfg == nil {
			return
		}

		ncfg := nudge.DefaultConfig()
		if cfg.Nudge.MaxPerHour > 0 {
			ncfg.MaxPerHour = cfg.Nudge.MaxPerHour
		}
		ncfg.QuietStart = cfg.Nudge.QuietStart
		ncfg.QuietEnd = cfg.Nudge.QuietEnd
		s.nudges.UpdatePolicy(ncfg)

		rl := cfg.Gateway.RateLimit
		s.gateway.SetRateLimits(rl.RequestsPerMinute, rl.Burst)
	})
	config.WatchFile()
}

// Start brings the runtime up. The control socket comes first: a second
// instance fails here with ipc.ErrAlreadyRunning before touching anything.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server: already started")
	}

	if err := s.ipcServer.Start(); err != nil {
		return err
	}

	if n, err := s.agents.StartupSweep(); err != nil {
		s.logger.Warn().Err(err).Msg("Startup sweep failed")
	} else if n > 0 {
		s.logger.Info().Int("suspended", n).Msg("Idle sub-agents suspended")
	}

	if w, err := heartware.NewWatcher(s.heartware, s.bus, s.opts.Logger); err != nil {
		s.logger.Warn().Err(err).Msg("Heartware watcher unavailable")
	} else {
		s.hwWatcher = w
	}

	if s.opts.Config.Pulse.Enabled {
		if err := s.pulse.Start(); err != nil {
			return fmt.Errorf("start pulse: %w", err)
		}
	}

	go func() {
		if err := s.gateway.Start(); err != nil {
			s.errCh <- err
		}
	}()

	if !s.auth.Claimed() {
		fmt.Fprintf(os.Stderr, "\nThis instance is unclaimed. Complete setup with the bootstrap secret:\n\n    %s\n\n", s.auth.BootstrapSecret())
	}

	s.running = true
	s.startedAt = time.Now()
	s.logger.Info().Str("version", s.opts.Version).Msg("Runtime started")
	return nil
}

// handleControl serves the local socket. `stop` acknowledges first and then
// shuts down; the client sees the response before the socket disappears.
func (s *Server) handleControl(req ipc.Request) ipc.Response {
	switch req.Method {
	case ipc.MethodPing:
		return ipc.OkResponse("pong")

	case ipc.MethodStatus:
		s.mu.Lock()
		uptime := time.Since(s.startedAt).Round(time.Second).String()
		s.mu.Unlock()
		return ipc.OkResponse(ipc.StatusResult{
			Version:          s.opts.Version,
			PID:              os.Getpid(),
			Uptime:           uptime,
			Claimed:          s.auth.Claimed(),
			ActivePrincipals: s.queue.ActivePrincipals(),
			ConnectedClients: s.gateway.Hub().ClientCount(),
		})

	case ipc.MethodStop:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			s.errCh <- s.Stop(ctx)
		}()
		return ipc.OkResponse("stopping")

	default:
		return ipc.ErrResponse(fmt.Sprintf("unknown method %q", req.Method))
	}
}

// ErrorChan reports fatal runtime errors and the result of an IPC-initiated
// stop. A nil value means a clean shutdown.
func (s *Server) ErrorChan() <-chan error {
	return s.errCh
}

// Stop tears the runtime down in reverse dependency order.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		s.logger.Info().Msg("Runtime stopping")

		if s.pulse != nil {
			s.pulse.Stop()
		}
		if s.gateway != nil {
			if err := s.gateway.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		// Refuse new turns, then let background work drain.
		if s.queue != nil {
			if err := s.queue.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if s.runner != nil {
			s.runner.CancelAll()
			s.runner.Wait()
		}
		if s.nudges != nil {
			s.nudges.Stop()
		}
		for _, unsub := range s.unsubs {
			unsub()
		}
		if s.hwWatcher != nil {
			s.hwWatcher.Stop()
		}
		if s.feedWatch != nil {
			s.feedWatch.Stop()
		}
		if s.sandbox != nil {
			s.sandbox.Shutdown()
		}
		if s.ipcServer != nil {
			if err := s.ipcServer.Stop(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.closePartial()
	})
	return firstErr
}

// closePartial closes whatever storage handles were opened. Used both by
// Stop and by New when construction fails halfway.
func (s *Server) closePartial() {
	if s.auditor != nil {
		s.auditor.Close()
		s.auditor = nil
	}
	if s.security != nil {
		s.security.Close()
		s.security = nil
	}
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartedAt returns when Start completed.
func (s *Server) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}
