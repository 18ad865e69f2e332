package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dd0wney/cluso-replog/pkg/checkpoint"
	"github.com/dd0wney/cluso-replog/pkg/config"
	"github.com/dd0wney/cluso-replog/pkg/health"
	"github.com/dd0wney/cluso-replog/pkg/logging"
	"github.com/dd0wney/cluso-replog/pkg/metrics"
	"github.com/dd0wney/cluso-replog/pkg/orchestrator"
	"github.com/dd0wney/cluso-replog/pkg/progress"
	"github.com/dd0wney/cluso-replog/pkg/replication"
	"github.com/dd0wney/cluso-replog/pkg/server"
	"github.com/dd0wney/cluso-replog/pkg/truncation"
	"github.com/dd0wney/cluso-replog/pkg/txn"
	"github.com/dd0wney/cluso-replog/pkg/types"
	"github.com/dd0wney/cluso-replog/pkg/wal"
)

const shutdownTimeout = 5 * time.Second

// member is one replica of the simulated partition.
type member struct {
	id    int64
	log   *wal.Log
	state *memoryState
	role  *orchestrator.RoleState
	txns  *txn.Map
	orch  *orchestrator.Orchestrator
}

func newMember(id int64, role orchestrator.Role, cfg *config.Config, walCfg wal.Config, logger logging.Logger, reg *metrics.Registry) (*member, error) {
	logger = logger.With(logging.ReplicaID(id), logging.String("role", role.String()))
	walCfg.Logger = logger
	walCfg.Metrics = reg
	l, err := wal.Open(walCfg)
	if err != nil {
		return nil, fmt.Errorf("open log of replica %d: %w", id, err)
	}

	m := &member{
		id:    id,
		log:   l,
		state: newMemoryState(logger, time.Millisecond),
		role:  orchestrator.NewRoleState(role),
		txns:  txn.NewMap(),
	}
	m.role.OnFault(func(kind string, err error) {
		logger.Error("replica faulted", logging.String("kind", kind), logging.Error(err))
	})

	orchCfg := cfg.Orchestrator
	orchCfg.Logger = logger
	orchCfg.Metrics = reg
	m.orch, err = orchestrator.New(orchCfg, orchestrator.Dependencies{
		Log:          l,
		State:        m.state,
		Transactions: m.txns,
		Policy:       truncation.NewPolicy(cfg.Truncation, logger),
		Role:         m.role,
	})
	if err != nil {
		l.Close()
		return nil, err
	}
	if err := m.orch.RecoverFromLog(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

// apply is the replication apply function of a secondary.
func (m *member) apply(_ int64, msg replication.RecordMessage) error {
	if msg.Type == wal.RecordBarrier {
		_, err := m.orch.AppendBarrierOnSecondary(msg.LSN, msg.LastStableLSN)
		return err
	}
	rec, err := m.log.AppendReplicated(msg.Type, msg.LSN, msg.Payload)
	if err != nil {
		return err
	}
	m.orch.InsertPhysicalRecordsIfNecessaryOnSecondary(types.InvalidLSN, orchestrator.DrainReplication, rec.Type)
	return nil
}

func (m *member) Close() error {
	m.role.SetClosing(true)
	m.orch.Close()
	return m.log.Close()
}

type simulation struct {
	cfg     *config.Config
	logger  logging.Logger
	metrics *metrics.Registry
	health  *health.HealthChecker

	primary     *member
	secondaries []*member
	tracker     *replication.QuorumTracker
	cleanup     *replication.ResourceCleanup
}

func newSimulation(cfg *config.Config, logger logging.Logger) (*simulation, error) {
	s := &simulation{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.NewRegistry(),
		health:  health.NewHealthChecker(),
		cleanup: replication.NewResourceCleanup(logger),
	}
	ok := false
	defer func() {
		if !ok {
			s.cleanup.Cleanup()
		}
	}()

	primary, err := newMember(0, orchestrator.RolePrimary, cfg, cfg.WAL, logger, s.metrics)
	if err != nil {
		return nil, err
	}
	s.cleanup.Add(primary, "primary")
	s.primary = primary

	secondaryWAL := cfg.WAL
	secondaryWAL.Dir = ""
	secondaryWAL.CopyLog = false
	for id := int64(1); id <= int64(cfg.Replication.Replicas); id++ {
		m, err := newMember(id, orchestrator.RoleActiveSecondary, cfg, secondaryWAL, logger, nil)
		if err != nil {
			return nil, err
		}
		s.cleanup.Add(m, fmt.Sprintf("replica %d", id))
		s.secondaries = append(s.secondaries, m)
	}

	qc := cfg.Replication
	qc.Logger = logger
	qc.Metrics = s.metrics
	s.tracker, err = replication.NewQuorumTracker(qc)
	if err != nil {
		return nil, err
	}
	s.cleanup.Add(closerFunc(func() error { s.tracker.Close(); return nil }), "quorum tracker")

	s.registerHealthChecks()
	ok = true
	return s, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (s *simulation) registerHealthChecks() {
	o := s.primary.orch
	tc := s.cfg.Truncation
	usage := func() uint64 { return o.LogState().Usage() }

	s.health.SetReplica(func() health.Replica {
		return health.Replica{
			ID:        s.primary.id,
			Role:      s.primary.role.Role().String(),
			StableLSN: o.StableLSN(),
			TailLSN:   s.primary.log.TailLSN(),
		}
	})
	s.health.RegisterCheck(health.CheckReplicaFault, health.ReplicaFaultCheck(s.primary.role.Faults))
	s.health.RegisterCheck(health.CheckGroupCommit, health.GroupCommitCheck(o.GroupCommitStatus))
	s.health.RegisterCheck(health.CheckLogUsage,
		health.LogUsageCheck(usage, tc.TruncationThresholdBytes(), tc.ThrottlingThresholdBytes()))

	s.health.RegisterReadinessCheck(health.CheckReplicaFault, health.ReplicaFaultCheck(s.primary.role.Faults))
	s.health.RegisterReadinessCheck(health.CheckLogUsage,
		health.LogUsageCheck(usage, tc.TruncationThresholdBytes(), tc.ThrottlingThresholdBytes()))
	s.health.RegisterLivenessCheck(health.CheckMemory, health.MemoryCheck(health.RuntimeMemory))
}

// startReplication connects the secondaries to the primary's log over the
// configured transport. Mangos replicas run in g until ctx is done.
func (s *simulation) startReplication(ctx context.Context, g *errgroup.Group) error {
	switch s.cfg.Replication.Transport {
	case replication.TransportMangos:
		transport := replication.NewAckTransport(s.tracker, nil)
		if err := transport.Start(); err != nil {
			return err
		}
		s.cleanup.Add(closerFunc(transport.Stop), "ack transport")

		for _, m := range s.secondaries {
			client, err := replication.NewReplicaClient(replication.ReplicaConfig{
				ReplicaID:      m.id,
				PublishAddress: s.cfg.Replication.PublishAddress,
				AckAddress:     s.cfg.Replication.AckAddress,
				ReceiveTimeout: s.cfg.Replication.ReceiveTimeout,
				Logger:         s.logger,
			}, m.log.TailLSN(), nil, m.apply)
			if err != nil {
				return err
			}
			g.Go(func() error { return client.Run(ctx) })
		}

	default:
		ids := make([]int64, len(s.secondaries))
		for i, m := range s.secondaries {
			ids[i] = m.id
		}
		s.tracker.SetPublisher(replication.NewLoopbackPublisher(s.tracker, ids,
			func(id int64, msg replication.RecordMessage) error {
				return s.secondaries[id-1].apply(id, msg)
			}))
	}

	s.primary.log.SetReplicator(s.tracker)
	return nil
}

// runLoad writes the configured transactions on the primary and waits
// until the last one is stable.
func (s *simulation) runLoad(ctx context.Context) (types.LSN, error) {
	sc := s.cfg.Simulation
	payload := make([]byte, sc.PayloadBytes)
	ticker := time.NewTicker(sc.Interval)
	defer ticker.Stop()

	timer := logging.StartTimer(s.logger, "simulated load", logging.Count(sc.Transactions))
	last := types.InvalidLSN
	for id := int64(1); id <= int64(sc.Transactions); {
		end, err := s.runTransaction(id, sc.OperationsPerTransaction, payload)
		switch {
		case err == nil:
			last = end
			id++
		case orchestrator.IsTooBusy(err):
			s.logger.Debug("write throttled", logging.TransactionID(id), logging.Error(err))
		default:
			timer.EndError(err)
			return last, err
		}
		select {
		case <-ctx.Done():
			timer.EndError(ctx.Err())
			return last, ctx.Err()
		case <-ticker.C:
		}
	}

	for s.primary.orch.StableLSN() < last {
		s.primary.orch.RequestGroupCommit()
		select {
		case <-ctx.Done():
			timer.EndError(ctx.Err())
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
	timer.End()
	return last, nil
}

// runTransaction logs one transaction and returns its end LSN. A throttled
// begin leaves nothing behind; a transaction cut short by throttling is
// ended so it does not stay pending.
func (s *simulation) runTransaction(id int64, ops int, payload []byte) (types.LSN, error) {
	o := s.primary.orch
	begin, err := o.ReplicateAndLog(wal.RecordBeginTransaction, payload)
	if err != nil {
		return types.InvalidLSN, err
	}
	if _, err := s.primary.txns.Begin(checkpoint.PendingTransaction{
		ID:             id,
		LSN:            begin.LSN,
		PSN:            begin.PSN,
		RecordPosition: begin.Position,
	}, nil); err != nil {
		return types.InvalidLSN, err
	}

	var opErr error
	for i := 0; i < ops && opErr == nil; i++ {
		_, opErr = o.ReplicateAndLog(wal.RecordOperation, payload)
	}

	end, err := o.ReplicateAndLog(wal.RecordEndTransaction, nil)
	if err != nil {
		return types.InvalidLSN, err
	}
	if err := s.primary.txns.End(id, end.LSN); err != nil {
		return types.InvalidLSN, err
	}
	o.RequestGroupCommit()
	if opErr != nil {
		return types.InvalidLSN, opErr
	}
	return end.LSN, nil
}

// planCopy asks the primary how it would build a brand new replica.
func (s *simulation) planCopy(ctx context.Context) (*orchestrator.CopyPlan, error) {
	return s.primary.orch.GetLogRecordsToCopy(ctx, orchestrator.CopyTarget{
		ReplicaID: int64(len(s.secondaries) + 1),
		Context: progress.CopyContext{
			Vector:       progress.NewZeroVector(),
			LogHeadEpoch: types.ZeroEpoch,
			LogHeadLSN:   types.ZeroLSN,
			LogTailLSN:   types.OneLSN,
		},
		LastRecoveredAtomicRedoLSN: types.InvalidLSN,
	})
}

func (s *simulation) report(ctx context.Context, out io.Writer, last types.LSN) {
	o := s.primary.orch
	u := s.primary.log.Usage()
	faults, lastFault := s.primary.role.Faults()
	performed, completed := s.primary.state.checkpoints()

	fmt.Fprintf(out, "\nSimulation complete\n")
	fmt.Fprintf(out, "  last end lsn:     %d\n", last)
	fmt.Fprintf(out, "  stable lsn:       %d\n", o.StableLSN())
	fmt.Fprintf(out, "  tail lsn:         %d\n", s.primary.log.TailLSN())
	fmt.Fprintf(out, "  log records:      %d (head %d, tail %d)\n", u.Records, u.HeadPosition, u.TailPosition)
	fmt.Fprintf(out, "  checkpoints:      %d performed, %d completed\n", performed, completed)
	if cp := o.LastCompletedCheckpoint(); cp != nil {
		fmt.Fprintf(out, "  last checkpoint:  lsn=%d pos=%d\n", cp.LSN(), cp.RecordPosition())
	}
	fmt.Fprintf(out, "  faults:           %d", faults)
	if lastFault != nil {
		fmt.Fprintf(out, " (last: %v)", lastFault)
	}
	fmt.Fprintln(out)
	for _, m := range s.secondaries {
		fmt.Fprintf(out, "  replica %d:        tail=%d stable=%d\n", m.id, m.log.TailLSN(), m.orch.StableLSN())
	}

	plan, err := s.planCopy(ctx)
	if err != nil {
		fmt.Fprintf(out, "  new replica copy: %v\n", err)
		return
	}
	defer plan.Close()
	fmt.Fprintf(out, "  new replica copy: %s", plan.Result.Mode)
	if plan.Reader != nil {
		fmt.Fprintf(out, ", %d records from lsn %d", plan.Reader.Len(), plan.StartingLSN)
	}
	fmt.Fprintln(out)
}

// serve runs a graceful ops server in g until ctx is done.
func (s *simulation) serve(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler) {
	srv := server.NewGracefulServer(addr, handler, s.logger)
	srv.SetShutdownTimeout(shutdownTimeout)
	g.Go(func() error { return srv.Run(ctx) })
}

func (s *simulation) handlers() map[string]*http.ServeMux {
	muxes := make(map[string]*http.ServeMux)
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		return m
	}
	if addr := s.cfg.Metrics.Address; addr != "" {
		mux(addr).Handle("/metrics", promhttp.HandlerFor(s.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	}
	if addr := s.cfg.Health.Address; addr != "" {
		s.health.Register(mux(addr))
	}
	return muxes
}

func (s *simulation) run(ctx context.Context, out io.Writer) error {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	defer stop()

	for addr, mux := range s.handlers() {
		fmt.Fprintf(out, "Serving %s\n", addr)
		s.serve(runCtx, g, addr, mux)
	}
	if err := s.startReplication(runCtx, g); err != nil {
		stop()
		g.Wait()
		return err
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return nil
			case <-ticker.C:
				s.metrics.UpdateSystemMetrics()
			}
		}
	})

	g.Go(func() error {
		defer stop()
		last, err := s.runLoad(runCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		s.report(runCtx, out, last)

		if d := s.cfg.Simulation.Duration; d > 0 {
			fmt.Fprintf(out, "\nServing for %s\n", d)
			select {
			case <-runCtx.Done():
			case <-time.After(d):
			}
		}
		return nil
	})

	return g.Wait()
}

func runSimulate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file (defaults when empty)")
	transactions := fs.Int("transactions", 0, "override simulation.transactions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var cfg *config.Config
	if *configPath == "" {
		d := config.DefaultConfig()
		d.ApplyDefaults()
		cfg = &d
	} else {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *transactions > 0 {
		cfg.Simulation.Transactions = *transactions
	}

	logger := logging.NewJSONLogger(os.Stderr, cfg.Level())

	fmt.Fprintf(out, "replog simulation\n")
	fmt.Fprintf(out, "=================\n")
	fmt.Fprintf(out, "  replicas:     %d (write quorum %d, %s)\n",
		cfg.Replication.Replicas, cfg.Replication.WriteQuorum, cfg.Replication.Transport)
	fmt.Fprintf(out, "  transactions: %d x %d operations of %d bytes\n",
		cfg.Simulation.Transactions, cfg.Simulation.OperationsPerTransaction, cfg.Simulation.PayloadBytes)
	if cfg.WAL.Dir != "" {
		fmt.Fprintf(out, "  log:          %s\n", cfg.WAL.Dir)
	}

	sim, err := newSimulation(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	runErr := sim.run(ctx, out)
	return errors.Join(runErr, sim.cleanup.CloseAll())
}
