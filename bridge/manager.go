// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/patchbay-dev/patchbay/adapter"
	"github.com/patchbay-dev/patchbay/lib/events"
	"github.com/patchbay-dev/patchbay/lib/message"
	"github.com/patchbay-dev/patchbay/router"
)

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger
	Events *events.Bus

	// AdapterOptions is passed to every adapter the manager builds.
	AdapterOptions adapter.Options

	// QueueSize is the per-direction ring capacity of direct bridges.
	// Zero means router.DefaultQueueSize.
	QueueSize int

	// NewAdapter builds adapters from specs. Nil means adapter.New.
	NewAdapter func(adapter.Spec, adapter.Options) (adapter.Adapter, error)
}

// Manager owns the bridge table. All methods are safe for concurrent
// use.
type Manager struct {
	core           *router.Core
	logger         *slog.Logger
	events         *events.Bus
	adapterOptions adapter.Options
	queueSize      int
	newAdapter     func(adapter.Spec, adapter.Options) (adapter.Adapter, error)

	mu      sync.Mutex
	bridges map[string]*entry
	order   []string
	// owners maps adapter ids to the bridge that owns (or is being
	// created with) them.
	owners    map[string]string
	reserved  map[string]bool
	// destroyed remembers recently destroyed ids, oldest first, so a
	// repeated destroy is not ErrNotFound.
	destroyed      map[string]struct{}
	destroyedOrder []string
}

// entry is one row of the bridge table. Mutable fields are guarded by
// Manager.mu.
type entry struct {
	config  Config
	source  adapter.Adapter
	target  adapter.Adapter
	status  Status
	lastErr error
	created time.Time
	// mappings is read by the pumps only.
	mappings mappingTable

	cancel context.CancelFunc
	pumps  sync.WaitGroup
}

// NewManager creates a manager whose router connections attach to core.
func NewManager(core *router.Core, options Options) *Manager {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := options.QueueSize
	if queueSize <= 0 {
		queueSize = router.DefaultQueueSize
	}
	newAdapter := options.NewAdapter
	if newAdapter == nil {
		newAdapter = adapter.New
	}
	adapterOptions := options.AdapterOptions
	if adapterOptions.Events == nil {
		adapterOptions.Events = options.Events
	}
	if adapterOptions.Logger == nil {
		adapterOptions.Logger = logger
	}
	return &Manager{
		core:           core,
		logger:         logger,
		events:         options.Events,
		adapterOptions: adapterOptions,
		queueSize:      queueSize,
		newAdapter:     newAdapter,
		bridges:        make(map[string]*entry),
		owners:         make(map[string]string),
		reserved:       make(map[string]bool),
		destroyed:      make(map[string]struct{}),
	}
}

// RouterID is the id router targets must name.
func (m *Manager) RouterID() string { return m.core.ID() }

// CreateBridge builds and starts the request's adapters and registers
// the bridge. It returns the bridge id.
func (m *Manager) CreateBridge(ctx context.Context, request Request) (string, error) {
	request, err := m.normalize(request)
	if err != nil {
		return "", err
	}
	if err := m.reserve(request); err != nil {
		return "", err
	}

	source, err := m.build(request.ID, request.Source)
	if err != nil {
		m.release(request, false)
		return "", err
	}
	var target adapter.Adapter
	if request.Target.Adapter != nil {
		target, err = m.build(request.ID, *request.Target.Adapter)
		if err != nil {
			m.release(request, false)
			return "", err
		}
	}

	err = m.install(ctx, request, source, target)
	m.release(request, err == nil)
	if err != nil {
		return "", err
	}
	return request.ID, nil
}

// Attach registers a router connection for an adapter built elsewhere,
// such as a transport link. The adapter is started unless it already
// runs. request.Source is filled in from the adapter.
func (m *Manager) Attach(ctx context.Context, a adapter.Adapter, request Request) (string, error) {
	request.Source = adapter.Spec{
		ID:       a.ID(),
		Protocol: a.Protocol(),
		Role:     a.Role(),
		Endpoint: a.Endpoint(),
		Options:  request.Source.Options,
	}
	if request.Target.Kind() != RouterConnection {
		return "", newError(ErrInvalidRequest, request.ID, "attached adapters can only target the router")
	}
	request, err := m.normalize(request)
	if err != nil {
		return "", err
	}
	if err := m.reserve(request); err != nil {
		return "", err
	}
	err = m.install(ctx, request, a, nil)
	m.release(request, err == nil)
	if err != nil {
		return "", err
	}
	return request.ID, nil
}

// QuickConnectID is the bridge id QuickConnect derives for spec.
func QuickConnectID(spec adapter.Spec) string {
	sum := blake3.Sum256([]byte(spec.Protocol.String() + "\x00" + string(spec.Role) + "\x00" + spec.Endpoint))
	return "quick-" + hex.EncodeToString(sum[:6])
}

// QuickConnect starts an adapter connected to the router as an implicit
// bridge. Its id derives from the protocol, role and endpoint, so a
// second quick connect to the same endpoint fails with ErrAlreadyExists.
func (m *Manager) QuickConnect(ctx context.Context, spec adapter.Spec, subscriptions ...string) (string, error) {
	id := QuickConnectID(spec)
	if spec.ID == "" {
		spec.ID = id
	}
	return m.CreateBridge(ctx, Request{
		ID:            id,
		Source:        spec,
		Target:        RouterTarget(m.core.ID()),
		Implicit:      true,
		Subscriptions: subscriptions,
	})
}

// DestroyBridge removes a bridge and its subscriptions, then stops its
// pumps and adapters. Destroying an already destroyed bridge returns
// nil; an id the manager never knew is ErrNotFound.
func (m *Manager) DestroyBridge(ctx context.Context, id string) error {
	var (
		e        *entry
		known    bool
		detached <-chan struct{}
	)
	remove := func(tx *router.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		e = m.bridges[id]
		_, known = m.destroyed[id]
		if e == nil {
			return nil
		}
		delete(m.bridges, id)
		m.order = slices.DeleteFunc(m.order, func(other string) bool { return other == id })
		for _, adapterID := range adapterIDs(e.config) {
			delete(m.owners, adapterID)
		}
		m.rememberDestroyed(id)
		e.status = StatusStopped
		if tx != nil && e.config.Kind == RouterConnection {
			detached = tx.Detach(id)
		}
		return nil
	}
	err := m.core.Update(ctx, remove)
	if errors.Is(err, router.ErrClosed) {
		// Closing the core detached every destination already.
		err = remove(nil)
	}
	if err != nil {
		return fmt.Errorf("destroying bridge %s: %w", id, err)
	}
	if e == nil {
		if known {
			return nil
		}
		return newError(ErrNotFound, id, "")
	}
	if detached != nil {
		<-detached
	}
	return m.teardown(e)
}

// teardown stops a bridge that has already left the table.
func (m *Manager) teardown(e *entry) error {
	e.cancel()
	var errs []error
	if err := e.source.Stop(); err != nil {
		errs = append(errs, err)
	}
	if e.target != nil {
		if err := e.target.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	e.pumps.Wait()

	m.logger.Info("bridge destroyed", "bridge", e.config.ID)
	m.events.Publish(events.Event{
		Kind:   events.BridgeDestroyed,
		Source: e.config.ID,
		State:  string(StatusStopped),
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("stopping bridge %s: %w", e.config.ID, err)
	}
	return nil
}

// Subscribe adds a pattern to an active router connection.
func (m *Manager) Subscribe(ctx context.Context, id, pattern string) error {
	if _, err := message.CompilePattern(pattern); err != nil {
		return &Error{Kind: ErrInvalidRequest, Bridge: id, Err: err}
	}
	return m.core.Update(ctx, func(tx *router.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		e, err := m.subscribable(id)
		if err != nil {
			return err
		}
		if err := tx.Subscribe(id, pattern); err != nil {
			return fmt.Errorf("subscribing bridge %s: %w", id, err)
		}
		if !slices.Contains(e.config.Subscriptions, pattern) {
			e.config.Subscriptions = append(e.config.Subscriptions, pattern)
		}
		return nil
	})
}

// Unsubscribe removes a pattern from an active router connection.
func (m *Manager) Unsubscribe(ctx context.Context, id, pattern string) error {
	if _, err := message.CompilePattern(pattern); err != nil {
		return &Error{Kind: ErrInvalidRequest, Bridge: id, Err: err}
	}
	return m.core.Update(ctx, func(tx *router.Tx) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		e, err := m.subscribable(id)
		if err != nil {
			return err
		}
		if err := tx.Unsubscribe(id, pattern); err != nil {
			return fmt.Errorf("unsubscribing bridge %s: %w", id, err)
		}
		e.config.Subscriptions = slices.DeleteFunc(e.config.Subscriptions, func(other string) bool { return other == pattern })
		return nil
	})
}

// subscribable looks up an active router connection. Callers hold mu.
func (m *Manager) subscribable(id string) (*entry, error) {
	e := m.bridges[id]
	switch {
	case e == nil:
		return nil, newError(ErrNotFound, id, "")
	case e.config.Kind != RouterConnection:
		return nil, newError(ErrInvalidRequest, id, "direct bridges have no subscriptions")
	case e.status != StatusActive:
		return nil, newError(ErrInvalidRequest, id, "bridge is %s", e.status)
	}
	return e, nil
}

// List returns every bridge, implicit or explicit, in creation order.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]Info, 0, len(m.order))
	for _, id := range m.order {
		infos = append(infos, m.bridges[id].info())
	}
	return infos
}

// Servers is the router connections in List.
func (m *Manager) Servers() []Info {
	return slices.DeleteFunc(m.List(), func(info Info) bool { return info.Kind != RouterConnection })
}

// Bridge returns a snapshot of one bridge.
func (m *Manager) Bridge(id string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.bridges[id]
	if !ok {
		return Info{}, newError(ErrNotFound, id, "")
	}
	return e.info(), nil
}

// Configs returns the persisted form of every bridge in creation order.
func (m *Manager) Configs() []Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	configs := make([]Config, 0, len(m.order))
	for _, id := range m.order {
		config := m.bridges[id].config
		config.Subscriptions = slices.Clone(config.Subscriptions)
		configs = append(configs, config)
	}
	return configs
}

// Close destroys every bridge.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	ids := slices.Clone(m.order)
	m.mu.Unlock()
	var errs []error
	for _, id := range ids {
		if err := m.DestroyBridge(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *entry) info() Info {
	info := Info{
		ID:            e.config.ID,
		Kind:          e.config.Kind,
		Source:        e.config.Source,
		SourceState:   e.source.State(),
		Target:        e.config.Target,
		Implicit:      e.config.Implicit,
		Status:        e.status,
		Subscriptions: slices.Clone(e.config.Subscriptions),
		Mappings:      slices.Clone(e.config.Mappings),
		LastError:     e.lastErr,
		Created:       e.created,
	}
	if e.target != nil {
		info.TargetState = e.target.State()
	}
	return info
}

// normalize fills defaults and rejects requests no bridge could serve.
func (m *Manager) normalize(request Request) (Request, error) {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	id := request.ID
	if request.Source.ID == "" {
		request.Source.ID = id
	}
	if err := request.Source.Validate(); err != nil {
		return request, &Error{Kind: ErrInvalidRequest, Bridge: id, Err: err}
	}

	switch {
	case request.Target.Adapter != nil && request.Target.Router != "":
		return request, newError(ErrInvalidRequest, id, "target names both a router and an adapter")
	case request.Target.Adapter != nil:
		spec := *request.Target.Adapter
		if spec.ID == "" {
			spec.ID = id + "-target"
		}
		if spec.ID == request.Source.ID {
			return request, newError(ErrInvalidRequest, id, "source and target share adapter id %s", spec.ID)
		}
		if err := spec.Validate(); err != nil {
			return request, &Error{Kind: ErrInvalidRequest, Bridge: id, Err: err}
		}
		if len(request.Subscriptions) > 0 {
			return request, newError(ErrInvalidRequest, id, "direct bridges take no subscriptions")
		}
		request.Target.Adapter = &spec
	case request.Target.Router == "":
		return request, newError(ErrUnknownRouter, id, "no router named")
	case request.Target.Router != m.core.ID():
		return request, newError(ErrUnknownRouter, id, "router %q is not %q", request.Target.Router, m.core.ID())
	}

	var subscriptions []string
	for _, pattern := range request.Subscriptions {
		if _, err := message.CompilePattern(pattern); err != nil {
			return request, &Error{Kind: ErrInvalidRequest, Bridge: id, Err: err}
		}
		if !slices.Contains(subscriptions, pattern) {
			subscriptions = append(subscriptions, pattern)
		}
	}
	request.Subscriptions = subscriptions
	if _, err := compileMappings(request.Mappings); err != nil {
		return request, &Error{Kind: ErrInvalidRequest, Bridge: id, Err: err}
	}
	return request, nil
}

func requestConfig(request Request) Config {
	return Config{
		ID:            request.ID,
		Kind:          request.Target.Kind(),
		Source:        request.Source,
		Target:        request.Target,
		Implicit:      request.Implicit,
		Subscriptions: request.Subscriptions,
		Mappings:      request.Mappings,
	}
}

func adapterIDs(config Config) []string {
	ids := []string{config.Source.ID}
	if config.Target.Adapter != nil {
		ids = append(ids, config.Target.Adapter.ID)
	}
	return ids
}

// reserve claims the bridge id and adapter ids while adapters start
// outside the table.
func (m *Manager) reserve(request Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.bridges[request.ID]; exists || m.reserved[request.ID] {
		return newError(ErrAlreadyExists, request.ID, "")
	}
	ids := adapterIDs(requestConfig(request))
	for _, adapterID := range ids {
		if owner, owned := m.owners[adapterID]; owned {
			return newError(ErrAlreadyExists, request.ID, "adapter %s belongs to bridge %s", adapterID, owner)
		}
	}
	m.reserved[request.ID] = true
	for _, adapterID := range ids {
		m.owners[adapterID] = request.ID
	}
	return nil
}

// release drops a reservation. Adapter ownership stays with an
// installed bridge.
func (m *Manager) release(request Request, installed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, request.ID)
	if !installed {
		for _, adapterID := range adapterIDs(requestConfig(request)) {
			delete(m.owners, adapterID)
		}
	}
}

func (m *Manager) build(bridgeID string, spec adapter.Spec) (adapter.Adapter, error) {
	a, err := m.newAdapter(spec, m.adapterOptions)
	switch {
	case err == nil:
		return a, nil
	case errors.Is(err, adapter.ErrUnknownProtocol):
		return nil, &Error{Kind: ErrUnknownAdapter, Bridge: bridgeID, Err: err}
	case errors.Is(err, adapter.ErrInvalidSpec):
		return nil, &Error{Kind: ErrInvalidRequest, Bridge: bridgeID, Err: err}
	}
	return nil, fmt.Errorf("building adapter %s for bridge %s: %w", spec.ID, bridgeID, err)
}

// install starts the adapters, registers the bridge in one core step
// and starts its pumps. On failure nothing stays registered or running.
func (m *Manager) install(ctx context.Context, request Request, source, target adapter.Adapter) error {
	config := requestConfig(request)
	mappings, err := compileMappings(config.Mappings)
	if err != nil {
		return &Error{Kind: ErrInvalidRequest, Bridge: config.ID, Err: err}
	}
	started := make([]adapter.Adapter, 0, 2)
	stopStarted := func() {
		for _, a := range started {
			if err := a.Stop(); err != nil {
				m.logger.Warn("stopping adapter after failed bridge creation", "bridge", config.ID, "adapter", a.ID(), "error", err)
			}
		}
	}
	for _, a := range []adapter.Adapter{source, target} {
		if a == nil {
			continue
		}
		if a.State().Running() {
			started = append(started, a)
			continue
		}
		if err := a.Start(ctx); err != nil {
			stopStarted()
			if stopErr := a.Stop(); stopErr != nil {
				m.logger.Warn("stopping adapter that failed to start", "bridge", config.ID, "adapter", a.ID(), "error", stopErr)
			}
			return fmt.Errorf("starting bridge %s: %w", config.ID, err)
		}
		started = append(started, a)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		config:   config,
		source:   source,
		target:   target,
		status:   StatusActive,
		created:  time.Now(),
		mappings: mappings,
		cancel:   cancel,
	}
	sourceMessages := source.Messages()
	var targetMessages <-chan message.Message
	if target != nil {
		targetMessages = target.Messages()
	}

	err = m.core.Update(ctx, func(tx *router.Tx) error {
		if config.Kind == RouterConnection {
			if err := tx.Attach(destination{id: config.ID, adapter: source}, config.Subscriptions...); err != nil {
				return err
			}
		}
		m.mu.Lock()
		m.bridges[config.ID] = e
		m.order = append(m.order, config.ID)
		m.forgetDestroyed(config.ID)
		m.mu.Unlock()
		// Pumps start inside the step so a concurrent destroy always
		// finds them running.
		m.startPumps(pumpCtx, e, sourceMessages, targetMessages)
		return nil
	})
	if err != nil {
		cancel()
		stopStarted()
		switch {
		case errors.Is(err, router.ErrDestinationExists):
			return &Error{Kind: ErrAlreadyExists, Bridge: config.ID, Err: err}
		case errors.Is(err, router.ErrInvalidPattern):
			return &Error{Kind: ErrInvalidRequest, Bridge: config.ID, Err: err}
		}
		return fmt.Errorf("registering bridge %s: %w", config.ID, err)
	}

	m.logger.Info("bridge created",
		"bridge", config.ID,
		"kind", string(config.Kind),
		"source", config.Source.ID,
		"target", config.Target.String(),
		"implicit", config.Implicit,
	)
	m.events.Publish(events.Event{
		Kind:   events.BridgeCreated,
		Source: config.ID,
		State:  string(StatusActive),
		Detail: string(config.Kind),
	})
	return nil
}

// recentlyDestroyed bounds how many destroyed ids the manager
// remembers. Older ids report ErrNotFound again.
const recentlyDestroyed = 1024

// rememberDestroyed and forgetDestroyed run under m.mu.
func (m *Manager) rememberDestroyed(id string) {
	if _, ok := m.destroyed[id]; ok {
		return
	}
	m.destroyed[id] = struct{}{}
	m.destroyedOrder = append(m.destroyedOrder, id)
	if len(m.destroyedOrder) > recentlyDestroyed {
		delete(m.destroyed, m.destroyedOrder[0])
		m.destroyedOrder = m.destroyedOrder[1:]
	}
}

func (m *Manager) forgetDestroyed(id string) {
	if _, ok := m.destroyed[id]; !ok {
		return
	}
	delete(m.destroyed, id)
	m.destroyedOrder = slices.DeleteFunc(m.destroyedOrder, func(other string) bool { return other == id })
}
