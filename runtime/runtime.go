// Package runtime implements the transport runtime: the top-level object
// that owns the trust set, route table, connection pool, per-subscription
// queues, listeners, and polling clients, and routes outbound Send calls
// and dispatches inbound requests to registered services.
//
// A ServiceRegistry keyed by service-type name, a middleware chain built
// once at startup (middleware.Chain(...)(businessHandler)), and
// RegisterService/AddListener/AddPoller as the embedding program's entry
// points sit at the center of it; requests
// are routed by destination scheme rather than a single TCP accept loop,
// and dispatch is driven by protocol.MEP rather than a
// read-frame-then-spawn-goroutine loop.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"mxtransport/loadbalance"
	"mxtransport/message"
	"mxtransport/middleware"
	"mxtransport/polling"
	"mxtransport/protocol"
	"mxtransport/queue"
	"mxtransport/registry"
	"mxtransport/secureclient"
	"mxtransport/securelistener"
)

// DefaultRequestTimeout bounds how long a poll-scheme Send waits for a
// poller to arrive and complete the request, used when Config doesn't
// override it.
const DefaultRequestTimeout = 30 * time.Second

// Config wires a Runtime's collaborators. Fields left zero take a usable
// default.
type Config struct {
	Logger *zap.SugaredLogger

	// Dial opens the TLS connections the secure client and polling
	// clients use to reach https/poll destinations.
	Dial       secureclient.Dialer
	ClientPool secureclient.Config

	DefaultRequestTimeout time.Duration
	Middlewares           []middleware.Middleware

	Trust  *TrustSet
	Routes *RouteTable

	// FleetSync, if set, mirrors trust-set and route-table changes into
	// etcd so a fleet of runtimes converges on the same mesh state.
	FleetSync *registry.Sync
}

// Runtime is the transport runtime.
type Runtime struct {
	cfg Config
	log *zap.SugaredLogger

	trust  *TrustSet
	routes *RouteTable

	client   *secureclient.Client
	queues   *queue.Manager
	registry *ServiceRegistry
	handler  middleware.HandlerFunc

	fleetSync *registry.Sync

	mu        sync.Mutex
	listeners []*securelistener.Listener
	pollers   []*polling.Task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Runtime from cfg. Cold: no listener is bound and no
// poller is dialled until AddListener/AddPoller is called.
func New(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.DefaultRequestTimeout <= 0 {
		cfg.DefaultRequestTimeout = DefaultRequestTimeout
	}
	if cfg.Trust == nil {
		cfg.Trust = NewTrustSet()
	}
	if cfg.Routes == nil {
		cfg.Routes = NewRouteTable()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:       cfg,
		log:       cfg.Logger,
		trust:     cfg.Trust,
		routes:    cfg.Routes,
		queues:    queue.NewManager(),
		registry:  NewServiceRegistry(),
		fleetSync: cfg.FleetSync,
		ctx:       ctx,
		cancel:    cancel,
	}
	rt.client = secureclient.New(cfg.Dial, cfg.ClientPool, cfg.Logger)
	rt.handler = middleware.Chain(cfg.Middlewares...)(rt.businessHandler)
	return rt
}

// Trust returns the runtime's mutex-guarded trust set.
func (rt *Runtime) Trust() *TrustSet { return rt.trust }

// Routes returns the runtime's route table.
func (rt *Runtime) Routes() *RouteTable { return rt.routes }

// RegisterService exposes rcvr's RPC-eligible exported methods under
// serviceType.
func (rt *Runtime) RegisterService(serviceType string, rcvr any) error {
	return rt.registry.Register(serviceType, rcvr)
}

// Invoke is the dynamic-proxy surface: a generic call into a registered
// service without a generated client stub.
func (rt *Runtime) Invoke(serviceType, method string, args ...any) (any, error) {
	return rt.registry.Invoke(serviceType, method, args...)
}

// Send resolves the destination through the route table once, then
// dispatches on scheme.
func (rt *Runtime) Send(ctx context.Context, req *message.Request) (*message.Response, error) {
	dest := rt.routes.Resolve(req.Destination)

	switch dest.Scheme() {
	case "https":
		routed := *req
		routed.Destination = dest
		return rt.client.Call(&routed)
	case "poll":
		q := rt.queues.For(dest.BaseURI)
		return q.EnqueueAndWait(ctx, req, rt.cfg.DefaultRequestTimeout)
	default:
		return nil, message.NewError(message.KindUnknownScheme, fmt.Sprintf("unrecognized destination scheme in %q", dest.BaseURI))
	}
}

// HandleIncoming runs the middleware chain and dispatches to the
// registered service. It is the protocol.HandleRequestFunc passed to
// every listener and poller this runtime owns.
func (rt *Runtime) HandleIncoming(ctx context.Context, req *message.Request) *message.Response {
	return rt.handler(ctx, req)
}

// This blank assignment pins HandleIncoming's type to protocol.HandleRequestFunc
// at compile time, since every caller of AddListener/AddPoller passes it
// through that alias without naming the package explicitly.
var _ protocol.HandleRequestFunc = (*Runtime)(nil).HandleIncoming

// businessHandler is the innermost link of the middleware chain: it
// invokes the registered service and translates the outcome into a
// Response, recovering a panicking handler into a ServiceError the way a
// crashed goroutine would otherwise take the whole connection down with
// it.
func (rt *Runtime) businessHandler(ctx context.Context, req *message.Request) (resp *message.Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = &message.Response{
				RequestID: req.ID,
				Err:       &message.Error{Kind: message.KindServiceError, Message: fmt.Sprintf("panic: %v", r), Remote: string(debug.Stack())},
			}
		}
	}()

	result, err := rt.registry.Invoke(req.ServiceType, req.Method, req.Args...)
	if err != nil {
		kind, ok := message.KindOf(err)
		if !ok {
			kind = message.KindServiceError
		}
		return &message.Response{RequestID: req.ID, Err: message.NewError(kind, err.Error())}
	}
	return &message.Response{RequestID: req.ID, Result: result}
}

// AddListener binds and serves a secure listener under this runtime,
// wiring in the runtime's trust set if the caller didn't set one. Inbound
// requests always go to HandleIncoming and subscribers to the runtime's
// queues.
func (rt *Runtime) AddListener(lcfg securelistener.Config) *securelistener.Listener {
	if lcfg.Trust == nil {
		lcfg.Trust = rt.trust
	}
	l := securelistener.New(lcfg, rt.log)

	rt.mu.Lock()
	rt.listeners = append(rt.listeners, l)
	rt.mu.Unlock()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		if err := l.Serve(rt.ctx, rt.HandleIncoming, rt.queues.Source); err != nil {
			rt.log.Infow("listener stopped", "address", lcfg.Address, "error", err)
		}
	}()
	return l
}

// AddPoller starts a long-lived polling client under this runtime,
// created once per (subscription, endpoint set) and run until the
// runtime is closed.
func (rt *Runtime) AddPoller(pcfg polling.Config) *polling.Task {
	if pcfg.Handle == nil {
		pcfg.Handle = rt.HandleIncoming
	}
	if pcfg.Dial == nil {
		pcfg.Dial = polling.Dialer(rt.cfg.Dial)
	}
	task := polling.New(pcfg, rt.log)

	rt.mu.Lock()
	rt.pollers = append(rt.pollers, task)
	rt.mu.Unlock()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		task.Run(rt.ctx)
	}()
	return task
}

// PublishTrust trusts thumbprint locally and, if fleet sync is enabled,
// replicates the change to every other runtime sharing the etcd cluster.
func (rt *Runtime) PublishTrust(ctx context.Context, thumbprint string) error {
	rt.trust.Add(thumbprint)
	if rt.fleetSync == nil {
		return nil
	}
	return rt.fleetSync.PublishTrust(ctx, thumbprint)
}

// RevokeTrust untrusts thumbprint locally and, if fleet sync is enabled,
// replicates the revocation.
func (rt *Runtime) RevokeTrust(ctx context.Context, thumbprint string) error {
	rt.trust.Remove(thumbprint)
	if rt.fleetSync == nil {
		return nil
	}
	return rt.fleetSync.RevokeTrust(ctx, thumbprint)
}

// StartFleetSync pulls the current trust/route snapshot from etcd and
// then keeps the local TrustSet and RouteTable converged with it for the
// life of the runtime. It is a no-op if no FleetSync was configured.
func (rt *Runtime) StartFleetSync(ctx context.Context) error {
	if rt.fleetSync == nil {
		return nil
	}

	trusted, err := rt.fleetSync.ListTrust(ctx)
	if err != nil {
		return err
	}
	rt.trust.Replace(trusted)

	routes, err := rt.fleetSync.ListRoutes(ctx)
	if err != nil {
		return err
	}
	rt.routes.Replace(routes)

	rt.wg.Add(2)
	go func() {
		defer rt.wg.Done()
		for snapshot := range rt.fleetSync.WatchTrust(rt.ctx) {
			rt.trust.Replace(snapshot)
		}
	}()
	go func() {
		defer rt.wg.Done()
		for snapshot := range rt.fleetSync.WatchRoutes(rt.ctx) {
			rt.routes.Replace(snapshot)
		}
	}()
	return nil
}

// Close cancels every listener and polling client, waits for their
// goroutines to exit, and releases the pool and any fleet-sync
// connection.
func (rt *Runtime) Close() error {
	rt.cancel()

	rt.mu.Lock()
	listeners := rt.listeners
	rt.mu.Unlock()
	for _, l := range listeners {
		l.Close()
	}

	rt.wg.Wait()
	rt.client.Close()

	if rt.fleetSync != nil {
		return rt.fleetSync.Close()
	}
	return nil
}

// staticCandidates is a convenience loadbalance.Candidate source for the
// common case of a poller with a fixed, unchanging endpoint list.
func staticCandidates(endpoints ...message.ServiceEndpoint) func() []loadbalance.Candidate {
	candidates := make([]loadbalance.Candidate, len(endpoints))
	for i, ep := range endpoints {
		candidates[i] = loadbalance.Candidate{Endpoint: ep, Weight: 1}
	}
	return func() []loadbalance.Candidate { return candidates }
}

// StaticCandidates exposes staticCandidates to callers assembling a
// polling.Config outside this package.
func StaticCandidates(endpoints ...message.ServiceEndpoint) func() []loadbalance.Candidate {
	return staticCandidates(endpoints...)
}
