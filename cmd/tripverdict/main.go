package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripverdict/internal/audit"
	"tripverdict/internal/config"
	"tripverdict/internal/enforce"
	"tripverdict/internal/envelope"
	"tripverdict/internal/guardrail"
	"tripverdict/internal/inference"
	"tripverdict/internal/notify"
	"tripverdict/internal/pipeline"
	"tripverdict/internal/policy"
	"tripverdict/internal/review"
	"tripverdict/internal/server"
	"tripverdict/internal/snapshot"
	"tripverdict/internal/store"
)

const appName = "tripverdict"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s: travel decision engine\n\n", appName)
		fmt.Fprintf(os.Stderr, "Usage:\n  %s [command] [flags]\n\n", appName)
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  serve     Run the HTTP evaluate service")
		fmt.Fprintln(os.Stderr, "  evaluate  Evaluate one envelope from a JSON file")
		fmt.Fprintln(os.Stderr, "  review    Run a review trigger sweep")
		fmt.Fprintln(os.Stderr, "  guard     Show or reset guardrail state")
		fmt.Fprintln(os.Stderr, "  history   Print the audit trail for a session or traveler")
		fmt.Fprintln(os.Stderr, "  help      Show this help")
	}

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		flag.Usage()
		return
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(args[1:])
	case "evaluate":
		err = runEvaluate(args[1:])
	case "review":
		err = runReview(args[1:])
	case "guard":
		err = runGuard(args[1:])
	case "history":
		err = runHistory(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// engine bundles the wired components shared by all commands.
type engine struct {
	cfg     config.Config
	store   *store.Store
	tracker *guardrail.Tracker
	pipe    *pipeline.Pipeline
	reviews *review.Engine
}

func buildEngine(configPath string) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	tracker := guardrail.NewTracker(st, guardrail.Thresholds{
		CircuitFailures:   cfg.Thresholds.CircuitFailures,
		RefusalRate:       cfg.Thresholds.RefusalRate,
		RefusalMinSamples: cfg.Thresholds.RefusalMinSamples,
	})

	var provider inference.Provider
	switch cfg.Provider.Kind {
	case "http":
		provider = inference.NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout.Std())
	default:
		provider = &inference.MockProvider{Outputs: []string{mockDecisionOutput}}
	}

	enforcer := enforce.NewEnforcer(cfg.Policy.ForbiddenPhrases)
	client := inference.NewClient(provider, enforcer, tracker, cfg.Provider.Model, cfg.Limits.MaxRetries)
	gate := policy.NewGate(cfg.Policy.Rules)
	locks := snapshot.NewManager(st,
		cfg.Limits.LockTTL.Std(),
		cfg.Limits.SnapshotFreshness.Std(),
		cfg.Limits.PollInterval.Std(),
		cfg.Limits.PollBudget.Std())

	return &engine{
		cfg:     cfg,
		store:   st,
		tracker: tracker,
		pipe:    pipeline.New(gate, locks, client, tracker, st),
		reviews: review.NewEngine(st, cfg.Thresholds),
	}, nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "tripverdict.yml", "Path to config file")
	addr := fs.String("addr", "", "Listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	listenAddr := eng.cfg.Server.Addr
	if *addr != "" {
		listenAddr = *addr
	}

	srv := server.New(eng.pipe, eng.tracker, eng.store)
	httpSrv := &http.Server{Addr: listenAddr, Handler: srv.Handler()}
	notifier := notify.New(eng.cfg.Notify.WebhookURL, eng.cfg.Notify.Timeout.Std())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Periodic review sweep alongside the HTTP surface.
	go func() {
		ticker := time.NewTicker(eng.cfg.Server.SweepPeriod.Std())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				created, err := eng.reviews.Sweep(ctx)
				if err != nil {
					log.Printf("[SERVE] review sweep: %v", err)
					continue
				}
				if created > 0 {
					if err := notifier.Send(notify.FormatReviewsRaised(created)); err != nil {
						log.Printf("[SERVE] notify reviews: %v", err)
					}
				}
				state, err := eng.tracker.Snapshot()
				if err != nil {
					log.Printf("[SERVE] guardrail snapshot: %v", err)
					continue
				}
				if state.CircuitOpen {
					if err := notifier.Send(notify.FormatCircuitOpen(state.ConsecutiveFailures)); err != nil {
						log.Printf("[SERVE] notify circuit: %v", err)
					}
				}
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("[SERVE] listening on %s", listenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func runEvaluate(args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	configPath := fs.String("config", "tripverdict.yml", "Path to config file")
	inPath := fs.String("in", "", "Path to input envelope JSON")
	outPath := fs.String("out", "", "Optional path to write the full decision record JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return fmt.Errorf("evaluate requires -in <envelope.json>")
	}

	data, err := os.ReadFile(*inPath)
	if err != nil {
		return fmt.Errorf("read envelope: %w", err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	res, err := eng.pipe.Evaluate(context.Background(), env)
	if err != nil {
		return err
	}

	rendered, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(rendered))

	if *outPath != "" && res.DecisionID != "" {
		rec, err := eng.store.GetDecision(res.DecisionID)
		if err != nil {
			return fmt.Errorf("load decision record: %w", err)
		}
		recJSON, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal decision record: %w", err)
		}
		recJSON = append(recJSON, '\n')
		if err := os.WriteFile(*outPath, recJSON, 0o644); err != nil {
			return fmt.Errorf("write decision record: %w", err)
		}
	}
	return nil
}

func runReview(args []string) error {
	fs := flag.NewFlagSet("review", flag.ExitOnError)
	configPath := fs.String("config", "tripverdict.yml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 || fs.Arg(0) != "sweep" {
		return fmt.Errorf("usage: %s review sweep", appName)
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	created, err := eng.reviews.Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("review sweep raised %d record(s)\n", created)
	return nil
}

func runGuard(args []string) error {
	fs := flag.NewFlagSet("guard", flag.ExitOnError)
	configPath := fs.String("config", "tripverdict.yml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: %s guard status|reset <counter>", appName)
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	switch fs.Arg(0) {
	case "status":
		state, err := eng.tracker.Snapshot()
		if err != nil {
			return err
		}
		rendered, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal guard state: %w", err)
		}
		fmt.Println(string(rendered))
		fmt.Println(state.Describe())
		return nil
	case "reset":
		if fs.NArg() < 2 {
			return fmt.Errorf("guard reset requires a counter name")
		}
		if err := eng.tracker.Reset(fs.Arg(1)); err != nil {
			return err
		}
		fmt.Printf("counter %s reset\n", fs.Arg(1))
		return nil
	default:
		return fmt.Errorf("unknown guard subcommand: %s", fs.Arg(0))
	}
}

func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "tripverdict.yml", "Path to config file")
	sessionID := fs.String("session", "", "Session id to trace")
	travelerID := fs.String("traveler", "", "Traveler id to trace")
	limit := fs.Int("limit", 100, "Maximum entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*sessionID == "") == (*travelerID == "") {
		return fmt.Errorf("history requires exactly one of -session or -traveler")
	}

	eng, err := buildEngine(*configPath)
	if err != nil {
		return err
	}
	defer eng.store.Close()

	var entries []audit.Entry
	if *sessionID != "" {
		entries, err = audit.SessionTrail(eng.store, *sessionID, *limit)
	} else {
		entries, err = audit.TravelerTrail(eng.store, *travelerID, *limit)
	}
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no history found")
		return nil
	}
	return audit.Render(os.Stdout, entries)
}

// mockDecisionOutput keeps the offline provider useful for smoke runs.
const mockDecisionOutput = `{
  "kind": "decision",
  "decision": {
    "outcome": "wait",
    "headline": "Hold the booking until shoulder season pricing lands.",
    "summary": "Prices for the requested window typically drop after the holiday surge. Waiting keeps every option open and risks little availability.",
    "confidence": 0.62,
    "assumptions": ["flexible dates"],
    "tradeoffs": {"gains": ["lower fares"], "losses": ["some lodging options may sell out"]},
    "change_conditions": ["fares rise two weeks in a row"]
  }
}`
