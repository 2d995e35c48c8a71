// Package agent is the top-level supervisor: it resolves
// configuration, wires every component together, and runs the worker
// set — drift collection per host, a healer pool draining the incident
// channel, the evidence uploader, the learning loop, and the
// control-plane check-in ticker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/smtp"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/osiriscare/sentinel/internal/clock"
	"github.com/osiriscare/sentinel/internal/controlplane"
	"github.com/osiriscare/sentinel/internal/crypto"
	"github.com/osiriscare/sentinel/internal/drift"
	"github.com/osiriscare/sentinel/internal/escalate"
	"github.com/osiriscare/sentinel/internal/evidence"
	"github.com/osiriscare/sentinel/internal/guard"
	"github.com/osiriscare/sentinel/internal/healer"
	"github.com/osiriscare/sentinel/internal/learning"
	"github.com/osiriscare/sentinel/internal/phi"
	"github.com/osiriscare/sentinel/internal/planner"
	"github.com/osiriscare/sentinel/internal/queue"
	"github.com/osiriscare/sentinel/internal/remote"
	"github.com/osiriscare/sentinel/internal/rules"
	"github.com/osiriscare/sentinel/internal/sdnotify"
	"github.com/osiriscare/sentinel/internal/store"
)

const (
	agentVersion  = "1.4.0"
	drainDeadline = 30 * time.Second
)

// Agent owns every component for one appliance.
type Agent struct {
	cfg *Config
	clk clock.Clock

	scrubber  *phi.Scrubber
	signer    *crypto.Signer
	store     *store.Store
	offline   *queue.Queue
	engine    *rules.Engine
	guard     *guard.Guardrails
	rate      *guard.RateLimiter
	exec      *remote.Executor
	cp        *controlplane.Client
	builder   *evidence.Builder
	uploader  *evidence.Uploader
	planner   *planner.Planner
	escalator *escalate.Escalator
	healer    *healer.Healer
	detector  *drift.Detector
	collector *drift.Collector
	learning  *learning.Loop

	creds *credStore

	incidents chan store.Incident

	mu           sync.Mutex
	pendingSigs  map[string]bool
	deferred     []store.Incident
	droppedDupes int
	cycleFailed  bool
}

// New wires the agent. Error classes map to exit codes in main:
// ErrConfig (1), crypto.ErrKeyUnavailable (2), store/queue corruption
// (3).
func New(ctx context.Context, cfg *Config, clk clock.Clock) (*Agent, error) {
	a := &Agent{
		cfg:         cfg,
		clk:         clk,
		scrubber:    phi.New(),
		creds:       newCredStore(),
		incidents:   make(chan store.Incident, cfg.IncidentBacklog),
		pendingSigs: make(map[string]bool),
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create state dir: %v", ErrConfig, err)
	}

	var err error
	if a.signer, err = crypto.LoadOrCreateSigningKey(cfg.SigningKeyFile); err != nil {
		return nil, err
	}
	if a.store, err = store.Open(filepath.Join(cfg.StateDir, "incidents.db")); err != nil {
		return nil, err
	}
	if a.offline, err = queue.Open(filepath.Join(cfg.StateDir, "queue.db"), cfg.QueueHighWater); err != nil {
		return nil, err
	}

	a.guard = guard.NewGuardrails(nil)
	a.rate = guard.NewRateLimiter(clk, guard.DefaultActionCooldown)
	a.engine = rules.NewEngine(cfg.RulesDir, clk, a.guard.IsActionAllowed)
	a.engine.Load()

	a.exec = remote.NewExecutor(clk, cfg.DryRun)
	a.collector = drift.NewCollector(a.exec, clk)
	a.detector = drift.New(a.store, a.scrubber, clk, drift.Config{
		SiteID:           cfg.SiteID,
		Baseline:         cfg.Baseline,
		CadenceOverrides: cfg.CadenceOverrides(),
	})

	if a.cp, err = controlplane.NewClient(controlplane.Config{
		BaseURL:        cfg.MCPURL,
		SiteID:         cfg.SiteID,
		ApplianceID:    cfg.HostID,
		BearerToken:    cfg.APIKey,
		ClientCertPath: cfg.ClientCertFile,
		ClientKeyPath:  cfg.ClientKeyFile,
		CACertPath:     cfg.CACertFile,
	}, clk); err != nil {
		return nil, fmt.Errorf("%w: control-plane client: %v", ErrConfig, err)
	}

	if a.builder, err = evidence.NewBuilder(cfg.StateDir, a.signer, a.scrubber, clk); err != nil {
		return nil, err
	}
	if a.uploader, err = evidence.NewUploader(ctx, evidence.UploaderConfig{
		Mode:          cfg.WORM.Mode,
		SiteID:        cfg.SiteID,
		Bucket:        cfg.WORM.S3Bucket,
		Region:        cfg.WORM.S3Region,
		RetentionDays: cfg.WORM.RetentionDays,
	}, a.builder, a.cp, a.offline, clk); err != nil {
		return nil, fmt.Errorf("%w: worm uploader: %v", ErrConfig, err)
	}

	budget := planner.NewBudget(planner.BudgetConfig{
		DailyBudgetUSD:     cfg.Budget.DailyUSD,
		MaxCallsPerHour:    cfg.Budget.MaxCallsPerHour,
		MaxConcurrentCalls: cfg.Budget.MaxConcurrent,
	}, clk)
	a.planner = planner.New(a.cp, a.scrubber, a.guard, budget, a.store, clk)

	a.escalator = escalate.New(a.scrubber, clk, a.notifiers()...)

	a.healer = healer.New(healer.Deps{
		Engine:      a.engine,
		Planner:     a.planner,
		Escalator:   a.escalator,
		Guard:       a.guard,
		Rate:        a.rate,
		Window:      &a.cfg.Maintenance,
		Executor:    a.exec,
		Store:       a.store,
		Evidence:    a.builder,
		CP:          a.cp,
		Offline:     a.offline,
		Clock:       clk,
		ApplianceID: cfg.HostID,
	})
	a.healer.SetTargetResolver(a.creds)

	a.learning = learning.New(learning.Config{
		RulesDir:        cfg.RulesDir,
		AutoPromote:     cfg.Learning.AutoPromote,
		ConfidenceFloor: cfg.Learning.ConfidenceFloor,
		RollbackRate:    cfg.Learning.RollbackRate,
		PromotedBy:      cfg.HostID,
	}, a.store, a.engine, clk)

	return a, nil
}

func (a *Agent) notifiers() []escalate.Notifier {
	var out []escalate.Notifier
	n := a.cfg.Notify
	if n.SlackWebhookURL != "" {
		out = append(out, escalate.NewChatNotifier(n.SlackWebhookURL))
	}
	if n.PagerEndpoint != "" && n.PagerRoutingKey != "" {
		out = append(out, escalate.NewPagerNotifier(n.PagerEndpoint, n.PagerRoutingKey))
	}
	if n.SMTPAddr != "" && len(n.EmailTo) > 0 {
		out = append(out, escalate.NewEmailNotifier(n.SMTPAddr, n.EmailFrom, n.EmailTo, smtp.Auth(nil)))
	}
	return out
}

// Run executes the agent until ctx is cancelled (daemon mode) or one
// cycle completes (one-shot). The returned error is nil on a clean
// shutdown; one-shot cycles with failures return ErrCycleFailed.
func (a *Agent) Run(ctx context.Context) error {
	log.Printf("[agent] Sentinel %s starting (site=%s, appliance=%s, dry_run=%v, worm=%s)",
		agentVersion, a.cfg.SiteID, a.cfg.HostID, a.cfg.DryRun, a.cfg.WORM.Mode)

	if err := a.builder.Chain().Verify(); err != nil {
		// A frozen segment is recorded, not fatal; sealing continues.
		log.Printf("[agent] Evidence chain: %v", err)
		a.reportChainBreak(ctx, err)
	}

	if a.cfg.OneShot {
		return a.runOneShot(ctx)
	}

	_ = sdnotify.Ready()
	defer func() { _ = sdnotify.Stopping() }()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.checkinLoop(ctx) })
	for i := 0; i < a.cfg.HealerWorkers; i++ {
		g.Go(func() error { return a.healWorker(ctx) })
	}
	g.Go(func() error { return a.learning.Run(ctx) })

	err := g.Wait()
	a.shutdown()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// checkinLoop is the agent's heartbeat: check in, apply orders and L2
// mode, refresh credentials, run drift, drain evidence and telemetry,
// end the credential cycle.
func (a *Agent) checkinLoop(ctx context.Context) error {
	for {
		if err := a.runCycle(ctx); err != nil {
			return err
		}
		_ = sdnotify.Watchdog()
		if err := a.clk.Sleep(ctx, a.clk.Jitter(a.cfg.PollInterval())); err != nil {
			return err
		}
	}
}

// runCycle performs one full poll cycle.
func (a *Agent) runCycle(ctx context.Context) error {
	resp, err := a.cp.Checkin(ctx, a.checkinState())
	if err != nil {
		log.Printf("[agent] Checkin failed, running offline cycle: %v", err)
	} else {
		a.applyCheckin(ctx, resp)
	}

	// Re-submit incidents deferred to the maintenance window.
	a.resubmitDeferred(ctx)

	a.runDrift(ctx)

	if a.cfg.WORM.AutoUpload {
		a.uploader.RunCycle(ctx)
		a.uploader.DrainOffline()
	}
	if resp != nil {
		a.healer.FlushTelemetry(ctx)
	}

	if _, err := a.offline.Prune(30 * 24 * time.Hour); err != nil {
		log.Printf("[agent] Queue prune: %v", err)
	}

	// Credentials live exactly one cycle.
	a.creds.ZeroAll()
	a.exec.EndCycle()
	return ctx.Err()
}

func (a *Agent) checkinState() controlplane.CheckinState {
	a.mu.Lock()
	dropped := a.droppedDupes
	a.mu.Unlock()

	ruleStats := a.engine.Stats()
	for k, v := range a.detector.Stats() {
		ruleStats["drift_"+k] = v
	}
	if share, err := a.store.L1Share(a.clk.Now(), 24*time.Hour); err == nil {
		ruleStats["l1_share_24h"] = share
	}

	host, _ := os.Hostname()
	return controlplane.CheckinState{
		SiteID:        a.cfg.SiteID,
		ApplianceID:   a.cfg.HostID,
		Hostname:      host,
		AgentVersion:  agentVersion,
		UptimeSeconds: int(a.clk.Monotonic() / time.Second),
		PublicKey:     a.signer.PublicKeyHex(),
		QueueDepth:    a.offline.Count(),
		RuleStats:     ruleStats,
		BudgetStats:   a.planner.Stats(),
		DroppedDupes:  dropped,
	}
}

// applyCheckin digests the control plane's half of the heartbeat.
func (a *Agent) applyCheckin(ctx context.Context, resp *controlplane.CheckinResponse) {
	if resp.L2Mode != "" {
		a.healer.SetL2Mode(resp.L2Mode)
	}

	targets := make(map[string]*remote.Target, len(resp.Credentials))
	for i := range resp.Credentials {
		c := &resp.Credentials[i]
		targets[c.HostID] = &remote.Target{
			HostID:     c.HostID,
			Hostname:   c.Hostname,
			Platform:   c.Platform,
			Port:       c.Port,
			Username:   c.Username,
			Password:   c.Password,
			PrivateKey: c.PrivateKey,
			UseSSL:     c.UseSSL,
		}
		c.Zero()
	}
	a.creds.Replace(targets)

	for _, order := range resp.Orders {
		if err := a.cp.VerifyOrder(order); err != nil {
			log.Printf("[agent] Rejected order %s: %v", order.ID, err)
			continue
		}
		a.applyOrder(ctx, order)
	}
}

// applyOrder executes a verified control-plane order.
func (a *Agent) applyOrder(ctx context.Context, order controlplane.Order) {
	log.Printf("[agent] Order %s: %s", order.ID, order.Type)
	switch order.Type {
	case "reload_rules":
		a.engine.Reload()
	case "disable_rule":
		if id, ok := order.Payload["rule_id"].(string); ok && id != "" {
			a.engine.DisableRule(id)
		}
	case "verify_chain":
		if err := a.builder.Chain().Verify(); err != nil {
			log.Printf("[agent] Chain verification (order %s): %v", order.ID, err)
			a.reportChainBreak(ctx, err)
		}
	case "run_learning":
		go a.learning.RunOnce(context.Background())
	default:
		log.Printf("[agent] Unknown order type %q ignored", order.Type)
	}
}

// reportChainBreak records an evidence chain break as a high-severity
// incident on the appliance itself, so the break enters the healing
// pipeline and reaches a human instead of stopping at a log line.
func (a *Agent) reportChainBreak(ctx context.Context, verr error) {
	if !errors.Is(verr, evidence.ErrChainBroken) {
		return
	}
	raw := map[string]interface{}{
		"check":          "evidence_chain",
		"check_type":     "evidence_chain",
		"drift_detected": true,
		"expected":       "intact hash chain",
		"actual":         "broken",
		"detail":         verr.Error(),
	}
	inc := store.Incident{
		ID:           "INC-" + uuid.NewString(),
		SiteID:       a.cfg.SiteID,
		HostID:       a.cfg.HostID,
		IncidentType: "evidence_chain",
		Severity:     "high",
		CreatedAt:    a.clk.Now(),
		RawData:      raw,
	}
	inc.PatternSignature = phi.Signature(inc.IncidentType, inc.Severity, raw)

	if err := a.store.RecordIncident(inc); err != nil {
		log.Printf("[agent] Record chain-break incident: %v", err)
		return
	}
	a.submit(ctx, inc)
}

// runDrift collects snapshots and evaluates checks, host by host.
// Per-host work is serialized; hosts run in parallel.
func (a *Agent) runDrift(ctx context.Context) {
	targets := a.creds.All()
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		if !a.detector.Due(target.HostID) {
			continue
		}
		wg.Add(1)
		go func(t *remote.Target) {
			defer wg.Done()
			snap, err := a.collector.Collect(ctx, t)
			if err != nil {
				log.Printf("[drift] Snapshot for %s: %v", t.HostID, err)
				a.markCycleFailed()
				return
			}
			for _, inc := range a.detector.Evaluate(snap) {
				a.submit(ctx, inc)
			}
		}(target)
	}
	wg.Wait()
}

// submit pushes an incident to the healer pool. When the channel is
// full, duplicate signatures already in flight are dropped first and
// counted.
func (a *Agent) submit(ctx context.Context, inc store.Incident) {
	a.mu.Lock()
	pending := a.pendingSigs[inc.PatternSignature]
	a.mu.Unlock()

	select {
	case a.incidents <- inc:
		a.markPending(inc.PatternSignature, true)
		return
	default:
	}

	if pending {
		a.mu.Lock()
		a.droppedDupes++
		a.mu.Unlock()
		log.Printf("[agent] Backlog full, dropped duplicate of pattern %s", inc.PatternSignature)
		return
	}

	select {
	case a.incidents <- inc:
		a.markPending(inc.PatternSignature, true)
	case <-ctx.Done():
	}
}

func (a *Agent) markPending(sig string, pending bool) {
	a.mu.Lock()
	if pending {
		a.pendingSigs[sig] = true
	} else {
		delete(a.pendingSigs, sig)
	}
	a.mu.Unlock()
}

// healWorker drains the incident channel. Exactly one worker processes
// a given incident end to end.
func (a *Agent) healWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case inc := <-a.incidents:
			err := a.healOne(ctx, inc)
			a.markPending(inc.PatternSignature, false)
			if err != nil {
				return err
			}
		}
	}
}

func (a *Agent) healOne(ctx context.Context, inc store.Incident) error {
	res, err := a.healer.Heal(ctx, inc)
	switch {
	case errors.Is(err, healer.ErrDeferred):
		a.mu.Lock()
		a.deferred = append(a.deferred, inc)
		a.mu.Unlock()
		log.Printf("[agent] Incident %s deferred to maintenance window", inc.ID)
		return nil
	case err != nil:
		// Fatal class: propagate and let main map the exit code.
		return err
	}
	if res.Outcome == store.OutcomeFailure {
		a.markCycleFailed()
	}
	return nil
}

func (a *Agent) resubmitDeferred(ctx context.Context) {
	a.mu.Lock()
	pending := a.deferred
	a.deferred = nil
	a.mu.Unlock()
	for _, inc := range pending {
		a.submit(ctx, inc)
	}
}

func (a *Agent) markCycleFailed() {
	a.mu.Lock()
	a.cycleFailed = true
	a.mu.Unlock()
}

// ErrCycleFailed is returned by one-shot runs that completed with at
// least one failure (exit code 10).
var ErrCycleFailed = fmt.Errorf("cycle completed with failures")

// runOneShot performs a single synchronous cycle: check in, drift,
// heal everything found, upload, exit.
func (a *Agent) runOneShot(ctx context.Context) error {
	if err := a.runCycleSync(ctx); err != nil {
		return err
	}
	a.shutdown()

	a.mu.Lock()
	failed := a.cycleFailed
	a.mu.Unlock()
	if failed {
		return ErrCycleFailed
	}
	return nil
}

func (a *Agent) runCycleSync(ctx context.Context) error {
	resp, err := a.cp.Checkin(ctx, a.checkinState())
	if err != nil {
		log.Printf("[agent] Checkin failed, running offline cycle: %v", err)
		a.markCycleFailed()
	} else {
		a.applyCheckin(ctx, resp)
	}

	for _, target := range a.creds.All() {
		snap, err := a.collector.Collect(ctx, target)
		if err != nil {
			log.Printf("[drift] Snapshot for %s: %v", target.HostID, err)
			a.markCycleFailed()
			continue
		}
		for _, inc := range a.detector.Evaluate(snap) {
			if err := a.healOne(ctx, inc); err != nil {
				return err
			}
		}
	}

	if a.cfg.WORM.AutoUpload {
		a.uploader.RunCycle(ctx)
	}
	if resp != nil {
		a.healer.FlushTelemetry(ctx)
	}

	a.creds.ZeroAll()
	a.exec.EndCycle()
	return nil
}

// shutdown flushes and closes everything with a bounded drain.
func (a *Agent) shutdown() {
	log.Printf("[agent] Shutting down (drain deadline %v)", drainDeadline)
	ctx, cancel := context.WithTimeout(context.Background(), drainDeadline)
	defer cancel()

	if a.cfg.WORM.AutoUpload {
		a.uploader.RunCycle(ctx)
	}

	a.creds.ZeroAll()
	a.exec.EndCycle()
	if err := a.offline.Close(); err != nil {
		log.Printf("[agent] Close queue: %v", err)
	}
	if err := a.store.Close(); err != nil {
		log.Printf("[agent] Close store: %v", err)
	}
	log.Printf("[agent] Shutdown complete")
}

// credStore holds this cycle's remote credentials in memory only.
type credStore struct {
	mu      sync.RWMutex
	targets map[string]*remote.Target
}

func newCredStore() *credStore {
	return &credStore{targets: make(map[string]*remote.Target)}
}

// Target implements healer.TargetResolver.
func (c *credStore) Target(hostID string) (*remote.Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.targets[hostID]
	return t, ok
}

// All returns the current cycle's targets.
func (c *credStore) All() []*remote.Target {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*remote.Target, 0, len(c.targets))
	for _, t := range c.targets {
		out = append(out, t)
	}
	return out
}

// Replace swaps in a new cycle's credentials, zeroing the old set.
func (c *credStore) Replace(targets map[string]*remote.Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.targets {
		t.Zero()
	}
	c.targets = targets
}

// ZeroAll wipes credential material at cycle end. Host identity stays
// so drift scheduling still knows the fleet.
func (c *credStore) ZeroAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.targets {
		t.Zero()
	}
}
