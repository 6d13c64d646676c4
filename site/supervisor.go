// Package site bootstraps a process hosting one or more partition
// executors: it owns their pools, wires the coordinator and messenger
// between them, starts and stops their run loops, and exposes the
// observability surface a deployment scrapes. Unlike a reflection-driven
// DI container, every collaborator here is a concrete typed field set once
// at construction time.
package site

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mantisdb/partitiondb/config"
	"github.com/mantisdb/partitiondb/engine/callback"
	"github.com/mantisdb/partitiondb/engine/coordinator"
	"github.com/mantisdb/partitiondb/engine/executor"
	"github.com/mantisdb/partitiondb/engine/procedure"
	"github.com/mantisdb/partitiondb/logging"
	"github.com/mantisdb/partitiondb/metrics"
	"github.com/mantisdb/partitiondb/pool"
	"github.com/mantisdb/partitiondb/storage"
	"github.com/mantisdb/partitiondb/transport"
	"github.com/mantisdb/partitiondb/wire"
)

// EngineFactory builds the storage engine backing one partition. Supplied
// by the caller so site stays agnostic to which storage.Engine
// implementation a deployment chooses.
type EngineFactory func(partitionID int) storage.Engine

// Supervisor owns every partition executor in this process: their storage
// engines, work queues, shared coordinator and messenger, and the
// metrics/pool registries a status endpoint reads from.
type Supervisor struct {
	cfg        *config.Config
	log        *logging.Logger
	metrics    *metrics.Collector
	registry   *pool.Registry
	messenger  *transport.LocalMessenger
	coord      *coordinator.Coordinator
	procHost   *procedure.Host
	redirectPool *pool.Pool[callback.RedirectCallback]

	mu         sync.RWMutex
	executors  map[int]*executor.Executor
	peers      map[int]*Supervisor
	wg         sync.WaitGroup
}

// New builds a Supervisor for cfg.PartitionsPerSite partitions, each
// backed by the engine engineFactory returns for it, registering every
// procedure body in procs under its name on every partition's host.
func New(cfg *config.Config, log *logging.Logger, engineFactory EngineFactory, procs map[string]procedure.Body) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		log:          log.With("site[" + cfg.SiteID + "]"),
		metrics:      metrics.NewCollector(),
		registry:     pool.NewRegistry(),
		messenger:    transport.NewLocalMessenger(),
		coord:        coordinator.New(),
		procHost:     procedure.NewHost(cfg.ProcedurePoolSize),
		redirectPool: callback.NewRedirectCallbackPool(cfg.Pools.IdleCap),
		executors:    make(map[int]*executor.Executor),
		peers:        make(map[int]*Supervisor),
	}
	s.messenger.SetCoordinator(s.coord)
	pool.Register(s.registry, "redirect_cb", s.redirectPool)

	for name, body := range procs {
		s.procHost.Register(name, body)
	}

	for p := 0; p < cfg.PartitionsPerSite; p++ {
		eng := engineFactory(p)
		queue := executor.NewWorkQueue(1024)
		pools := executor.NewPools(cfg.Pools.IdleCap)
		s.registerPools(p, pools)

		ex := executor.New(p, eng, queue, s.coord, s.messenger, s.procHost, pools, s.log, executor.Config{
			PollTimeout:      cfg.WorkQueuePollEvery,
			TickEvery:        cfg.TickEvery,
			GCInterval:       cfg.GCInterval,
			MaxTxnsPerGCPass: cfg.MaxTxnsPerGCPass,
			CallbackIdleCap:  cfg.Pools.IdleCap,
		})

		s.executors[p] = ex
		s.coord.AddRoute(p, ex)
		s.messenger.RegisterPartition(ex)
	}

	return s
}

func (s *Supervisor) registerPools(partitionID int, pools *executor.Pools) {
	prefix := fmt.Sprintf("partition[%d].", partitionID)
	pool.Register(s.registry, prefix+"local_txn", pools.Local)
	pool.Register(s.registry, prefix+"remote_txn", pools.Remote)
	pool.Register(s.registry, prefix+"dependency_info", pools.Dependency)
	pool.Register(s.registry, prefix+"init_cb", pools.Init)
	pool.Register(s.registry, prefix+"init_queue_cb", pools.InitQueue)
	pool.Register(s.registry, prefix+"work_cb", pools.Work)
	pool.Register(s.registry, prefix+"prepare_cb", pools.Prepare)
	pool.Register(s.registry, prefix+"finish_cb", pools.Finish)
	pool.Register(s.registry, prefix+"cleanup_cb", pools.Cleanup)
	pool.Register(s.registry, prefix+"redirect_cb", pools.Redirect)
}

// Metrics exposes the site's shared metrics collector.
func (s *Supervisor) Metrics() *metrics.Collector { return s.metrics }

// PoolRegistry exposes the site's pool registry for a status endpoint.
func (s *Supervisor) PoolRegistry() *pool.Registry { return s.registry }

// Messenger exposes the site's in-process messenger so a front-end layer
// can register client sinks.
func (s *Supervisor) Messenger() *transport.LocalMessenger { return s.messenger }

// Partition returns the executor for partitionID, or nil if it doesn't
// belong to this site.
func (s *Supervisor) Partition(partitionID int) *executor.Executor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executors[partitionID]
}

// Peer registers other as the site that owns every partition in
// partitionIDs, so a Forward call addressed to one of them redirects there
// instead of failing outright. Call this once per pair of sites after both
// are constructed.
func (s *Supervisor) Peer(other *Supervisor, partitionIDs ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range partitionIDs {
		s.peers[p] = other
	}
}

// Forward enqueues an Initiate onto in.BasePartition's work queue, the
// entry point a network-facing front end calls once it has decoded a
// client request into an Initiate. When BasePartition belongs to a peer
// site instead of this one, it redirects there per §4.7/§4.3; it returns an
// error only when BasePartition is owned by neither this site nor a
// registered peer.
func (s *Supervisor) Forward(in *wire.Initiate) error {
	if ex := s.Partition(in.BasePartition); ex != nil {
		ex.Enqueue(wire.WorkItem{Initiate: in})
		return nil
	}

	s.mu.RLock()
	owner := s.peers[in.BasePartition]
	s.mu.RUnlock()
	if owner == nil {
		return fmt.Errorf("site: no partition %d on this site", in.BasePartition)
	}
	return s.redirect(owner, in)
}

// redirect hands in off to owner, the site that actually hosts
// BasePartition, and arranges for owner's eventual client response to relay
// back through this site's own messenger — the same registered sink the
// client originally connected to sees the response, as if this site had
// answered directly.
func (s *Supervisor) redirect(owner *Supervisor, in *wire.Initiate) error {
	cb := s.redirectPool.Acquire()
	cb.Bind(in.TxnID, in.BasePartition, s.redirectPool, in.ClientHandle, in.SourcePartition)
	owner.messenger.RegisterClient(in.ClientHandle, &relaySink{origin: s, owner: owner, cb: cb})
	return owner.Forward(in)
}

// relaySink stands in, on the owning site's messenger, for the client
// connection that actually lives on the originating site: it forwards the
// eventual ClientResponse back to the origin's own messenger and releases
// the RedirectCallback that tracked the round trip.
type relaySink struct {
	origin *Supervisor
	owner  *Supervisor
	cb     *callback.RedirectCallback
}

func (r *relaySink) Deliver(resp wire.ClientResponse) {
	r.owner.messenger.UnregisterClient(resp.ClientHandle)
	if err := r.origin.messenger.SendClientResponse(resp); err != nil {
		r.origin.log.Error("redirect", "relay client response failed", map[string]interface{}{"error": err.Error()})
	}
	r.cb.OnRelayedResponse()
}

// Run starts every partition executor's loop on its own goroutine and
// blocks until ctx is cancelled or a SIGINT/SIGTERM arrives, then stops
// them all.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("run", "starting site", map[string]interface{}{"partitions": len(s.executors)})

	s.mu.RLock()
	for _, ex := range s.executors {
		ex := ex
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ex.Run()
		}()
	}
	s.mu.RUnlock()

	s.waitForShutdown(ctx)
	return nil
}

func (s *Supervisor) waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		s.log.Info("run", "received shutdown signal", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
		s.log.Info("run", "context cancelled", nil)
	}
	s.Shutdown()
}

// Shutdown stops every partition executor and waits for their loops to
// return.
func (s *Supervisor) Shutdown() {
	s.mu.RLock()
	for _, ex := range s.executors {
		ex.Shutdown()
	}
	s.mu.RUnlock()
	s.wg.Wait()
	s.log.Info("shutdown", "site stopped", nil)
}
