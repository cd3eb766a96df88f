package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cadreworks/cadre/internal/alerts"
	"github.com/cadreworks/cadre/internal/bridge"
	"github.com/cadreworks/cadre/internal/config"
	"github.com/cadreworks/cadre/internal/db"
	"github.com/cadreworks/cadre/internal/executor"
	"github.com/cadreworks/cadre/internal/kernel"
	"github.com/cadreworks/cadre/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	blueprintPath := flag.String("blueprint", "", "Path to a team blueprint (overrides team.blueprint_path)")
	taskDesc := flag.String("task", "", "Description of the task the team should work on")
	check := flag.Bool("check", false, "Validate configuration and blueprint, then exit")
	flag.Parse()

	// If --check is set, validate everything and exit
	if *check {
		os.Exit(runCheck(*configPath, *blueprintPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting cadre team runner")

	if *taskDesc == "" {
		log.Fatal().Msg("No task given; describe the work with -task")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Vault.Enabled {
		if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
		}
	}

	wireAlerts(cfg)

	bp, err := resolveBlueprint(cfg, *blueprintPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load blueprint")
	}

	task := kernel.NewTask(*taskDesc, kernel.TaskMode(cfg.Team.Mode))
	log.Info().
		Str("task_id", task.ID).
		Str("mode", string(task.Mode)).
		Str("blueprint", bp.Name).
		Msg("Task created")

	// Persistence: Postgres when enabled, in-memory stores otherwise. A
	// failed connection is fatal rather than a silent fallback; the
	// operator asked for durable records.
	stores := kernel.MemoryStores()
	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.GetDSN())
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()
		stores = database.Stores()
		log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("Connected to database")
	}

	board, closeBoard, err := buildBoard(cfg, task.ID)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Blackboard.Store).Msg("Failed to open blackboard store")
	}
	defer closeBoard()
	stores.Board = board

	// NATS bridge: mirror kernel traffic for external observers and
	// accept remote control commands. The runner works without it.
	var natsBridge *bridge.Bridge
	if cfg.NATS.Enabled {
		natsBridge, err = bridge.New(bridge.Config{
			URL:    cfg.NATS.URL,
			Prefix: cfg.NATS.Prefix,
			Name:   "cadre-runner",
		}, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, continuing without the event bridge")
			natsBridge = nil
		} else {
			defer natsBridge.Close()
			stores.Messages = natsBridge.Tee(stores.Messages)
		}
	}

	var behaviors kernel.Behaviors
	if cfg.MCP.Enabled {
		breakers := executor.NewBreakers(nil, config.NewLogger("breakers"))
		mcpExec := executor.NewMCPExecutor(executor.ServerConfig{
			Name:      cfg.MCP.Server,
			Transport: cfg.MCP.Transport,
			Command:   cfg.MCP.Command,
			Args:      cfg.MCP.Args,
			Env:       cfg.MCP.Env,
			URL:       cfg.MCP.URL,
		}, cfg.MCP.Tool, breakers, config.NewLogger("executor"))
		if err := mcpExec.Connect(ctx); err != nil {
			log.Fatal().Err(err).Str("server", cfg.MCP.Server).Msg("Failed to connect to MCP tool server")
		}
		defer mcpExec.Close()
		behaviors.Executor = mcpExec
		if cfg.MCP.MaxCallsPerSec > 0 {
			// One limiter for the whole team: bottom agents share the
			// tool server, so the ceiling applies across all of them.
			burst := int(cfg.MCP.MaxCallsPerSec)
			if burst < 1 {
				burst = 1
			}
			limiter := rate.NewLimiter(rate.Limit(cfg.MCP.MaxCallsPerSec), burst)
			behaviors.Executor = executor.Throttle(limiter, behaviors.Executor)
			log.Info().
				Float64("calls_per_sec", cfg.MCP.MaxCallsPerSec).
				Msg("Tool calls throttled team-wide")
		}
		log.Info().
			Str("server", cfg.MCP.Server).
			Str("tool", cfg.MCP.Tool).
			Msg("Subtask execution delegated to MCP tool")
	}

	tc := teamConfig(cfg)
	team, err := kernel.NewTeam(task, bp, tc, behaviors, stores)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble team")
	}

	if natsBridge != nil {
		natsBridge.MirrorEvents(team.Events())
		if _, err := natsBridge.ServeControl(task.ID, team); err != nil {
			log.Warn().Err(err).Msg("Failed to subscribe for remote control commands")
		}
	}

	wireEventAlerts(ctx, team, tc.Bus.TimeoutThresholdTicks)

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		if err := metricsServer.Start(); err != nil {
			log.Warn().Err(err).Msg("Metrics server failed to start")
			metricsServer = nil
		} else {
			metricsServer.RegisterHandler("/pause", handlePause(team))
			metricsServer.RegisterHandler("/resume", handleResume(team))
			metricsServer.RegisterHandler("/complete", handleComplete(team))
			metricsServer.RegisterHandler("/status", handleStatus(team))
		}
	}

	// Terminal task statuses end the run; the team dissolves itself on
	// the way there, so the shutdown path below is a no-op for this case.
	done := make(chan kernel.TaskStatus, 1)
	team.Events().On(kernel.EventTaskStatusChanged, func(e kernel.Event) {
		status, _ := e.Payload["status"].(string)
		if ts := kernel.TaskStatus(status); ts.Terminal() {
			select {
			case done <- ts:
			default:
			}
		}
	})

	// An approved milestone confirmation for the root task means the top
	// layer countersigned the coordinator's completion report. Auto mode
	// finishes the run on its own; semi-auto leaves the final word to the
	// operator, who completes or cancels through the control plane.
	team.Events().On(kernel.EventDecisionResolved, func(e kernel.Event) {
		dtype, _ := e.Payload["type"].(string)
		status, _ := e.Payload["status"].(string)
		if dtype != string(kernel.DecisionMilestoneConfirmation) || status != string(kernel.DecisionApproved) {
			return
		}
		decisionID, _ := e.Payload["decision_id"].(string)
		decision, ok := team.Engine().GetDecision(decisionID)
		if !ok || decision.Content["milestone"] != task.ID {
			return
		}
		if task.Mode == kernel.ModeSemiAuto {
			log.Info().
				Str("decision_id", decisionID).
				Str("task_id", task.ID).
				Msg("Milestone confirmed; waiting for the operator to complete the task")
			return
		}
		go func() {
			if err := team.Complete(ctx, "milestone confirmed by the top layer"); err != nil && !errors.Is(err, kernel.ErrTaskTerminal) {
				log.Error().Err(err).Str("task_id", task.ID).Msg("Failed to complete the task")
			}
		}()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	if err := team.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start team")
	}
	log.Info().
		Str("task_id", task.ID).
		Int("agents", len(bp.Top)+len(bp.Mid)+len(bp.Bottom)).
		Dur("heartbeat", tc.HeartbeatInterval).
		Msg("Team running")

	// Seed the root assignment. The coordinator decomposes it and fans
	// the pieces out to its workers; everything after that is message
	// traffic between the agents.
	mids := team.AgentsInLayer(kernel.LayerMid)
	if len(mids) == 0 {
		log.Fatal().Msg("Blueprint has no mid layer to take the task")
	}
	seed := kernel.NewMessage(kernel.RecipientSystem, mids[0].ID, task.ID, kernel.KindTaskAssign,
		map[string]interface{}{
			"subtask_id":  task.ID,
			"description": task.Description,
		})
	if err := team.Bus().Send(ctx, seed); err != nil {
		log.Fatal().Err(err).Msg("Failed to hand the task to the team")
	}
	log.Info().Str("coordinator", mids[0].ID).Msg("Task handed to the team")

	var finished kernel.TaskStatus
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case finished = <-done:
		log.Info().Str("status", string(finished)).Msg("Task reached a terminal status")
	}

	log.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	var shutdownErr error
	if finished == "" {
		// Interrupted mid-run; cancel so the stored task is not left
		// looking live forever
		shutdownErr = team.Cancel(shutdownCtx, "interrupted by operator")
		if errors.Is(shutdownErr, kernel.ErrTaskTerminal) {
			shutdownErr = team.Dissolve(shutdownCtx)
		}
	} else {
		shutdownErr = team.Dissolve(shutdownCtx)
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	if shutdownErr != nil {
		alerts.AlertSystemError(shutdownCtx, "runner", shutdownErr)
		log.Error().Err(shutdownErr).Msg("Error during team dissolution")
		os.Exit(1)
	}

	log.Info().Msg("Team runner shutdown complete")
}

// resolveBlueprint picks the blueprint source: the -blueprint flag wins,
// then team.blueprint_path, then the built-in default roster.
func resolveBlueprint(cfg *config.Config, override string) (*kernel.Blueprint, error) {
	path := cfg.Team.BlueprintPath
	if override != "" {
		path = override
	}
	if path == "" {
		return kernel.DefaultBlueprint(), nil
	}
	return kernel.LoadBlueprint(path)
}

// teamConfig maps the file-level tuning onto the kernel's per-team
// config. Knobs the file does not expose keep the kernel defaults.
func teamConfig(cfg *config.Config) kernel.TeamConfig {
	tc := kernel.DefaultTeamConfig()
	tc.HeartbeatInterval = cfg.Heartbeat.HeartbeatInterval()
	tc.MaxAgents = cfg.Team.MaxAgents
	tc.Bus.MaxQueueSize = cfg.Bus.MaxQueueSize
	tc.Bus.TimeoutThresholdTicks = int64(cfg.Bus.TimeoutThresholdTicks)
	tc.Bus.EnableCompression = cfg.Bus.EnableCompression
	tc.Bus.CompressionThresholdBytes = cfg.Bus.CompressionThresholdBytes
	tc.Blackboard.LockTTL = cfg.Blackboard.LockTTL()
	tc.Blackboard.CacheSize = cfg.Blackboard.CacheSize
	tc.Decision.Timeout = cfg.Decision.DecisionTimeout()
	tc.Decision.EnableReminders = cfg.Decision.EnableReminders
	tc.Decision.AppealSupportRatio = cfg.Decision.SignatureThreshold
	tc.Accountability.WarningThreshold = cfg.Accountability.WarningThreshold
	tc.Accountability.FailureThreshold = cfg.Accountability.FailureThreshold
	tc.Election.IntervalTicks = int64(cfg.Election.IntervalTicks)
	tc.Election.Thresholds = kernel.ElectionThresholds{
		Excellent: cfg.Election.ExcellentThreshold,
		Good:      cfg.Election.GoodThreshold,
		Poor:      cfg.Election.PoorThreshold,
		Failing:   cfg.Election.FailingThreshold,
	}
	tc.Recovery.BaseDelay = time.Duration(cfg.Recovery.BaseDelayMS) * time.Millisecond
	return tc
}

// buildBoard opens the configured blackboard document store. The second
// return value closes it; memory and file stores have nothing to close.
func buildBoard(cfg *config.Config, taskID string) (kernel.DocStore, func(), error) {
	switch cfg.Blackboard.Store {
	case "file":
		store, err := kernel.NewFileDocStore(cfg.Blackboard.Workspace)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("workspace", store.Root()).Msg("Blackboard documents on disk")
		return store, func() {}, nil
	case "redis":
		store, err := kernel.NewRedisDocStore(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB, taskID)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.Redis.GetRedisAddr()).Msg("Blackboard documents in Redis")
		return store, func() { _ = store.Close() }, nil
	default:
		return kernel.NewMemoryDocStore(), func() {}, nil
	}
}

// wireAlerts builds the alert fan-out: the log always, Telegram when
// configured. The result becomes the process-wide default manager the
// kernel raises alerts through.
func wireAlerts(cfg *config.Config) {
	alerters := []alerts.Alerter{alerts.NewLogAlerter()}
	if cfg.Alerts.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Alerts.Telegram.Token, cfg.Alerts.Telegram.ChatIDs)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram alerter unavailable, alerts go to the log only")
		} else {
			alerters = append(alerters, tg)
			log.Info().Int("chats", len(cfg.Alerts.Telegram.ChatIDs)).Msg("Telegram alerts enabled")
		}
	}

	manager := alerts.NewManager(alerters...)
	manager.SetRateLimit(cfg.Alerts.RatePerMinute)
	alerts.SetDefaultManager(manager)
}

// wireEventAlerts forwards liveness failures to the operator alert
// channels. Kernel event handlers run on the tick goroutine, so the
// sends happen off it.
func wireEventAlerts(ctx context.Context, team *kernel.Team, timeoutTicks int64) {
	taskID := team.Task().ID
	team.Events().On(kernel.EventAgentTimeout, func(e kernel.Event) {
		ids, _ := e.Payload["agent_ids"].([]string)
		for _, id := range ids {
			go alerts.AlertAgentUnresponsive(ctx, taskID, id, timeoutTicks)
		}
	})
}

// runCheck validates the configuration and blueprint without starting
// anything. Returns 0 when the runner is ready to start, 1 otherwise.
func runCheck(configPath, blueprintPath string) int {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Checking configuration and blueprint...")

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Msg("Configuration is invalid")
		return 1
	}
	log.Info().
		Str("environment", cfg.App.Environment).
		Msg("Configuration loaded and validated")

	allValid := true
	checksRun := 1

	if cfg.Database.Enabled {
		checksRun++
		if cfg.App.Environment != "development" && cfg.Database.Password == "" {
			log.Warn().
				Str("environment", cfg.App.Environment).
				Msg("Database password not configured (required outside development)")
			allValid = false
		} else {
			log.Info().
				Str("host", cfg.Database.Host).
				Str("database", cfg.Database.Database).
				Str("ssl_mode", cfg.Database.SSLMode).
				Msg("Database configuration present")
		}
	}

	if cfg.Alerts.Telegram.Enabled {
		checksRun++
		switch {
		case cfg.Alerts.Telegram.Token == "":
			log.Warn().Msg("Telegram alerts enabled but no bot token configured")
			allValid = false
		case len(cfg.Alerts.Telegram.ChatIDs) == 0:
			log.Warn().Msg("Telegram alerts enabled but no chat IDs configured")
			allValid = false
		default:
			log.Info().Int("chats", len(cfg.Alerts.Telegram.ChatIDs)).Msg("Telegram alerter configured")
		}
	}

	if cfg.MCP.Enabled {
		checksRun++
		log.Info().
			Str("server", cfg.MCP.Server).
			Str("transport", cfg.MCP.Transport).
			Str("tool", cfg.MCP.Tool).
			Msg("MCP executor configured (connection not probed)")
	}

	checksRun++
	bp, err := resolveBlueprint(cfg, blueprintPath)
	if err != nil {
		log.Error().Err(err).Msg("Blueprint rejected")
		allValid = false
	} else {
		log.Info().
			Str("blueprint", bp.Name).
			Int("top", len(bp.Top)).
			Int("mid", len(bp.Mid)).
			Int("bottom", len(bp.Bottom)).
			Msg("Blueprint validated")
	}

	if allValid {
		log.Info().Int("checks_run", checksRun).Msg("All checks passed, the runner is ready to start")
		return 0
	}
	log.Error().Int("checks_run", checksRun).Msg("Some checks failed; fix the above issues before starting")
	return 1
}
