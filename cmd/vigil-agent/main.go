// vigil-agent runs the continuous authentication engine against a scoring
// service using a synthetic camera, exercising the full heartbeat, push and
// challenge loop without real hardware.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"vigil/pkg/behavior"
	"vigil/pkg/capture"
	"vigil/pkg/heartbeat"
	"vigil/pkg/liveness"
	"vigil/pkg/pushchan"
	"vigil/pkg/riskgate"
	"vigil/pkg/scoring"
	"vigil/pkg/structlog"
)

type config struct {
	ScorerURL         string `env:"SCORER_URL" envDefault:"http://localhost:5002"`
	PushURL           string `env:"PUSH_URL" envDefault:"ws://localhost:5002/ws"`
	SessionToken      string `env:"SESSION_TOKEN"`
	UserID            string `env:"USER_ID" envDefault:"demo-user"`
	DeviceFingerprint string `env:"DEVICE_FINGERPRINT" envDefault:"vigil-agent-dev"`
	IPAddress         string `env:"IP_ADDRESS" envDefault:"127.0.0.1"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`
}

// lazyLedger breaks the construction cycle between the orchestrator (which
// needs the ledger) and the monitor (which needs the orchestrator's
// callbacks).
type lazyLedger struct {
	monitor *heartbeat.Monitor
}

func (l *lazyLedger) NoteChallengeSucceeded() {
	if l.monitor != nil {
		l.monitor.NoteChallengeSucceeded()
	}
}

func (l *lazyLedger) NoteChallengeFailed() {
	if l.monitor != nil {
		l.monitor.NoteChallengeFailed()
	}
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := structlog.New("vigil-agent", structlog.ParseLevel(cfg.LogLevel), nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token := cfg.SessionToken
	if token == "" {
		token, err = registerSession(ctx, cfg)
		if err != nil {
			log.Fatalf("session registration: %v", err)
		}
		log.Printf("registered new session with %s", cfg.ScorerURL)
	}

	cam := newSyntheticCamera()
	analyzer := behavior.NewAnalyzer()
	client := scoring.NewClient(cfg.ScorerURL, token, scoring.WithClientLogger(logger))
	pipeline := capture.NewPipeline(cam, cam, capture.WithLogger(logger))
	push := pushchan.NewClient(cfg.PushURL, pushchan.WithLogger(logger))

	ledger := &lazyLedger{}
	var challengeBusy atomic.Bool
	var orch *riskgate.Orchestrator

	orch = riskgate.NewOrchestrator(client, ledger, riskgate.Callbacks{
		OnChallengeRequired: func(reason string) {
			log.Printf("liveness challenge required: %s", reason)
			if !challengeBusy.CompareAndSwap(false, true) {
				return
			}
			go func() {
				defer challengeBusy.Store(false)
				runChallenge(ctx, cam, client, orch, logger)
			}()
		},
		OnChallengeSuccess: func() {
			log.Printf("liveness challenge passed")
		},
		OnChallengeFailure: func(reason string) {
			log.Printf("liveness challenge failed: %s", reason)
		},
		OnThreatUpdate: func(v scoring.Verdict) {
			log.Printf("threat score %.1f action=%s triggers=%v", v.Score, v.RecommendedAction, v.Triggers)
		},
	}, riskgate.WithOrchestratorLogger(logger))

	monitor := heartbeat.NewMonitor(
		heartbeat.DefaultConfig(cfg.DeviceFingerprint, cfg.IPAddress),
		cam, cam, analyzer, pipeline, client,
		orch.MonitorCallbacks(),
		heartbeat.WithMonitorLogger(logger),
	)
	ledger.monitor = monitor

	go feedMouse(ctx, analyzer)

	engine := riskgate.NewEngine(cam, push, orch, pipeline, monitor)
	engine.Start(ctx, token)
	log.Printf("engine started against %s", cfg.ScorerURL)

	<-ctx.Done()
	if err := engine.Close(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	log.Printf("engine stopped")
}

// runChallenge drives one liveness challenge to a terminal state, posing
// the synthetic camera to perform whatever action is issued.
func runChallenge(ctx context.Context, cam *syntheticCamera, client *scoring.Client, orch *riskgate.Orchestrator, logger *structlog.Logger) {
	machine := liveness.NewMachine(cam, cam, client, liveness.DefaultConfig(), liveness.Callbacks{
		OnSuccess: func() {
			cam.relax()
			orch.ChallengeSucceeded(ctx)
		},
		OnFailure: func(reason string) {
			cam.relax()
			orch.ChallengeFailed(reason)
		},
	}, liveness.WithMachineLogger(logger))

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if machine.Terminal() {
					return
				}
				if ch, ok := machine.Challenge(); ok {
					cam.pose(ch.Type)
				}
			}
		}
	}()

	machine.Run(ctx)
}

// feedMouse records a human-ish pointer trail: a wandering walk with
// varying step sizes so the entropy and variance metrics stay organic.
func feedMouse(ctx context.Context, analyzer *behavior.Analyzer) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	x, y := 400.0, 300.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x += (rand.Float64() - 0.5) * 60
			y += (rand.Float64() - 0.5) * 60
			analyzer.Record(behavior.Sample{X: x, Y: y, At: time.Now()})
		}
	}
}

// registerSession binds a demo session with the scorer and returns its
// bearer token.
func registerSession(ctx context.Context, cfg config) (string, error) {
	body, err := json.Marshal(map[string]string{
		"user_id":            cfg.UserID,
		"device_fingerprint": cfg.DeviceFingerprint,
		"ip_address":         cfg.IPAddress,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ScorerURL+"/api/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session endpoint returned %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", fmt.Errorf("session endpoint returned no token")
	}
	return out.Token, nil
}
