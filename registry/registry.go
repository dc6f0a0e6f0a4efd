package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradegrid/tradegrid/util/backoff"
	"github.com/tradegrid/tradegrid/util/logger"
	"github.com/tradegrid/tradegrid/util/metrics"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPrefix = "/tradegrid"

	// HeartbeatInterval is how often each registered service rewrites its
	// record with a fresh LastHeartbeat.
	HeartbeatInterval = 30 * time.Second

	// LeaseTTL is the etcd lease TTL attached to every record. Three missed
	// heartbeats and the record expires, so a crashed shard does not linger.
	LeaseTTL = 90 // seconds

	// StaleThreshold is the consumer-side staleness bound: a record whose
	// heartbeat is older than this must be treated as unreachable even if
	// the key still exists.
	StaleThreshold = 90 * time.Second
)

// Registry tracks which shard instances exist, their addresses, and their
// health. Writes go through etcd under a namespaced prefix; reads are served
// from a local view kept current by a long-lived prefix watch.
type Registry struct {
	client    *clientv3.Client
	endpoints []string
	prefix    string
	logger    *logger.Logger

	leaseID    clientv3.LeaseID
	registered map[string]*ServiceInfo // records this node owns, by id

	services map[string]*ServiceInfo // watched view of the whole namespace
	mu       sync.RWMutex

	heartbeatCancel context.CancelFunc
	watchCancel     context.CancelFunc
	watchStarted    bool
}

// New creates a registry client for the given etcd endpoints. The prefix
// namespaces all keys so multiple fleets or test environments can share one
// etcd instance; an empty prefix falls back to DefaultPrefix.
func New(endpoints []string, prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{
		endpoints:  endpoints,
		prefix:     prefix,
		logger:     logger.NewLogger("Registry"),
		registered: make(map[string]*ServiceInfo),
		services:   make(map[string]*ServiceInfo),
	}
}

// Connect establishes the etcd connection.
func (r *Registry) Connect() error {
	r.logger.Infof("Connecting to etcd at %v", r.endpoints)

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   r.endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}

	r.client = cli
	return nil
}

// servicesPrefix returns the key prefix all service records live under.
func (r *Registry) servicesPrefix() string {
	return r.prefix + "/services/"
}

func (r *Registry) serviceKey(id string) string {
	return r.servicesPrefix() + id
}

// Register upserts the service record under this node's key and starts the
// heartbeat loop on first use. Each shard writes only its own keys; the
// namespace is shared-write across the fleet.
func (r *Registry) Register(ctx context.Context, info *ServiceInfo) error {
	if r.client == nil {
		return fmt.Errorf("registry not connected")
	}
	if info.ID == "" {
		return fmt.Errorf("service id is required")
	}

	if r.leaseID == 0 {
		lease, err := r.client.Grant(ctx, LeaseTTL)
		if err != nil {
			return fmt.Errorf("failed to grant lease: %w", err)
		}
		r.leaseID = lease.ID
	}

	info = info.Clone()
	info.LastHeartbeat = time.Now()
	if info.Status == "" {
		info.Status = StatusHealthy
	}

	if err := r.putService(ctx, info); err != nil {
		return err
	}

	r.mu.Lock()
	r.registered[info.ID] = info
	firstRegistration := r.heartbeatCancel == nil
	r.mu.Unlock()

	if firstRegistration {
		hbCtx, cancel := context.WithCancel(context.Background())
		r.heartbeatCancel = cancel
		go r.heartbeatLoop(hbCtx)
	}

	r.logger.Infof("Registered service %s (%s) with lease %d", info.ID, info.Address(), r.leaseID)
	return nil
}

// UpdateMetadata replaces the metadata of a service this node registered.
// The new values reach the rest of the fleet on the next heartbeat write.
func (r *Registry) UpdateMetadata(id string, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.registered[id]
	if !ok {
		return fmt.Errorf("service %s is not registered by this node", id)
	}
	info.Metadata = metadata
	return nil
}

func (r *Registry) putService(ctx context.Context, info *ServiceInfo) error {
	value, err := info.marshal()
	if err != nil {
		return err
	}
	_, err = r.client.Put(ctx, r.serviceKey(info.ID), value, clientv3.WithLease(r.leaseID))
	if err != nil {
		return fmt.Errorf("failed to put service %s: %w", info.ID, err)
	}
	return nil
}

// heartbeatLoop rewrites every owned record with a fresh LastHeartbeat and
// renews the lease. Errors are logged and retried on the next interval.
func (r *Registry) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *Registry) heartbeat(ctx context.Context) {
	r.mu.Lock()
	owned := make([]*ServiceInfo, 0, len(r.registered))
	for _, info := range r.registered {
		info.LastHeartbeat = time.Now()
		owned = append(owned, info.Clone())
	}
	r.mu.Unlock()

	if r.leaseID != 0 {
		if _, err := r.client.KeepAliveOnce(ctx, r.leaseID); err != nil {
			r.logger.Warnf("Lease keep-alive failed: %v", err)
		}
	}

	for _, info := range owned {
		putCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := r.putService(putCtx, info); err != nil {
			r.logger.Warnf("Heartbeat write failed for %s: %v", info.ID, err)
		}
		cancel()
	}
}

// WatchServices builds the local service view and keeps it current with a
// prefix watch. A watch stream disconnect silently freezes the view, so the
// watch goroutine re-lists and re-watches in an unbounded backoff loop until
// the context is cancelled.
func (r *Registry) WatchServices(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("registry not connected")
	}
	if r.watchStarted {
		r.logger.Warnf("Watch already started")
		return nil
	}

	rev, err := r.loadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to load initial services: %w", err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.watchCancel = cancel
	r.watchStarted = true

	go r.watchLoop(watchCtx, rev)
	return nil
}

// loadSnapshot replaces the local view with the current namespace contents
// and returns the revision to watch from.
func (r *Registry) loadSnapshot(ctx context.Context) (int64, error) {
	resp, err := r.client.Get(ctx, r.servicesPrefix(), clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	fresh := make(map[string]*ServiceInfo, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		info, err := unmarshalServiceInfo(kv.Value)
		if err != nil {
			r.logger.Warnf("Skipping malformed service record %s: %v", string(kv.Key), err)
			continue
		}
		fresh[info.ID] = info
	}

	r.mu.Lock()
	r.services = fresh
	r.mu.Unlock()

	r.logger.Infof("Loaded %d services from %s", len(fresh), r.servicesPrefix())
	return resp.Header.Revision, nil
}

func (r *Registry) watchLoop(ctx context.Context, rev int64) {
	bo := backoff.New(time.Second, time.Minute, 2.0)

	for {
		watchChan := r.client.Watch(ctx, r.servicesPrefix(), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		r.logger.Infof("Watching services at prefix %s from revision %d", r.servicesPrefix(), rev)

		healthy := r.consumeWatch(ctx, watchChan, &rev)
		if ctx.Err() != nil {
			r.logger.Infof("Service watch stopped")
			return
		}

		if healthy {
			bo.Reset()
		}
		r.logger.Warnf("Service watch disconnected, reconnecting in %v", bo.CurrentDelay())
		metrics.RegistryWatchReconnects.Inc()
		if err := bo.Wait(ctx); err != nil {
			return
		}

		// Re-list before re-watching: events may have been lost while the
		// stream was down, or the revision may have been compacted.
		newRev, err := r.loadSnapshot(ctx)
		if err != nil {
			r.logger.Errorf("Failed to reload services after watch loss: %v", err)
			continue
		}
		rev = newRev
	}
}

// consumeWatch drains watch responses until the channel closes or errors.
// It returns true if at least one response was processed successfully.
func (r *Registry) consumeWatch(ctx context.Context, watchChan clientv3.WatchChan, rev *int64) bool {
	progressed := false
	for {
		select {
		case <-ctx.Done():
			return progressed
		case resp, ok := <-watchChan:
			if !ok {
				return progressed
			}
			if err := resp.Err(); err != nil {
				r.logger.Errorf("Watch error: %v", err)
				return progressed
			}
			if resp.Header.Revision > *rev {
				*rev = resp.Header.Revision
			}
			for _, event := range resp.Events {
				r.applyEvent(event)
			}
			progressed = true
		}
	}
}

func (r *Registry) applyEvent(event *clientv3.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch event.Type {
	case mvccpb.PUT:
		info, err := unmarshalServiceInfo(event.Kv.Value)
		if err != nil {
			r.logger.Warnf("Ignoring malformed service update %s: %v", string(event.Kv.Key), err)
			return
		}
		r.services[info.ID] = info
		r.logger.Debugf("Service updated: %s (%s)", info.ID, info.Address())
	case mvccpb.DELETE:
		id := strings.TrimPrefix(string(event.Kv.Key), r.servicesPrefix())
		delete(r.services, id)
		r.logger.Infof("Service removed: %s", id)
	}
}

// GetService returns the cached record for the given service id.
func (r *Registry) GetService(id string) (*ServiceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.services[id]
	if !ok {
		return nil, false
	}
	return info.Clone(), true
}

// AllServices returns a copy of the current service view.
func (r *Registry) AllServices() []*ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]*ServiceInfo, 0, len(r.services))
	for _, info := range r.services {
		services = append(services, info.Clone())
	}
	return services
}

// HealthyServices returns cached records that are healthy and not stale.
func (r *Registry) HealthyServices() []*ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]*ServiceInfo, 0, len(r.services))
	for _, info := range r.services {
		if info.Status == StatusHealthy && !info.IsStale(StaleThreshold) {
			services = append(services, info.Clone())
		}
	}
	return services
}

// Stop deregisters this node's services, revokes the lease, and releases the
// watch. Other nodes' records are left untouched.
func (r *Registry) Stop(ctx context.Context) error {
	if r.heartbeatCancel != nil {
		r.heartbeatCancel()
		r.heartbeatCancel = nil
	}
	if r.watchCancel != nil {
		r.watchCancel()
		r.watchCancel = nil
		r.watchStarted = false
	}

	if r.client == nil {
		return nil
	}

	r.mu.Lock()
	owned := make([]string, 0, len(r.registered))
	for id := range r.registered {
		owned = append(owned, id)
	}
	r.registered = make(map[string]*ServiceInfo)
	r.mu.Unlock()

	for _, id := range owned {
		if _, err := r.client.Delete(ctx, r.serviceKey(id)); err != nil {
			r.logger.Warnf("Failed to delete service key %s: %v", id, err)
		}
	}

	if r.leaseID != 0 {
		if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
			r.logger.Warnf("Failed to revoke lease: %v", err)
		}
		r.leaseID = 0
	}

	r.logger.Infof("Registry stopped, deregistered %d services", len(owned))
	return nil
}

// Close closes the etcd connection.
func (r *Registry) Close() error {
	if r.client != nil {
		err := r.client.Close()
		r.client = nil
		return err
	}
	return nil
}
