package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"cycle-logger/internal/state"
)

// Central is the radio as the manager sees it. Callbacks may arrive on
// any goroutine.
type Central interface {
	Enable() error
	// Scan blocks, reporting advertisers, until StopScan is called.
	Scan(onAdvertisement func(p Peer, hasCyclingPower bool)) error
	StopScan() error
	// Connect connects to p and discovers the Cycling Power service.
	Connect(p Peer) (Link, error)
	// SetDisconnectHandler registers fn for link loss. address may be
	// empty when the radio cannot tell which peer dropped.
	SetDisconnectHandler(fn func(address string))
}

// Link is one connected power meter.
type Link interface {
	// ReadFeature reads the 32-bit Cycling Power Feature mask.
	ReadFeature() (uint32, error)
	Subscribe(onNotify func([]byte)) error
	Disconnect() error
}

type Options struct {
	// PeerName restricts connections to one advertised name when set.
	PeerName    string
	LockTimeout time.Duration
	RescanDelay time.Duration
	EventBuffer int
}

func (o *Options) withDefaults() {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 10 * time.Millisecond
	}
	if o.RescanDelay <= 0 {
		o.RescanDelay = time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
}

// Manager runs the connection state machine against a Central and
// publishes state and decoded metrics into the Store.
type Manager struct {
	central Central
	store   *state.Store
	opts    Options

	events chan Event

	machine  Machine
	decoder  Decoder
	link     Link
	scanning bool

	dropped atomic.Uint64
	stale   atomic.Uint64
}

func NewManager(c Central, s *state.Store, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		central: c,
		store:   s,
		opts:    opts,
		events:  make(chan Event, opts.EventBuffer),
	}
}

// Dropped counts radio events lost because the event channel was full.
func (m *Manager) Dropped() uint64 { return m.dropped.Load() }

// Stale counts measurements dropped because the snapshot was busy.
func (m *Manager) Stale() uint64 { return m.stale.Load() }

// Run drives the radio until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.central.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}
	slog.Info("[BLE] Adapter Enabled. Looking for a power meter...")

	m.central.SetDisconnectHandler(func(address string) {
		m.post(ctx, Event{Kind: EventDisconnected, Peer: Peer{Address: address}})
	})

	m.handle(ctx, Event{Kind: EventStart})
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

// post delivers a control event, waiting for room.
func (m *Manager) post(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
	}
}

// offer delivers a high-rate event, dropping it when the loop lags.
func (m *Manager) offer(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.dropped.Add(1)
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	if ev.Kind != EventNotification && m.activity() {
		slog.Info("[BLE] Event", "kind", ev.Kind, "state", m.machine.State, "peer", ev.Peer.DisplayName(), "err", ev.Err)
	}

	switch ev.Kind {
	case EventNotification:
		if m.machine.State == state.BLEConnected {
			m.applyMeasurement(ev.Data[:ev.Len])
		}
		return
	case eventScanEnded:
		m.scanning = false
		if m.machine.State == state.BLEScanning {
			m.startScan(ctx)
		}
		return
	case EventConnected:
		if m.machine.State != state.BLEConnecting || !m.isCandidate(ev.Peer) {
			// Connect finished after we gave up on it.
			_ = ev.link.Disconnect()
			return
		}
		m.link = ev.link
	case EventConnectFailed:
		if !m.isCandidate(ev.Peer) {
			return
		}
		slog.Warn("[BLE] Connection failed", "peer", m.machine.candidate().DisplayName(), "err", ev.Err)
	case EventDisconnected:
		if ev.Peer.Address != "" && !m.isCandidate(ev.Peer) {
			slog.Debug("[BLE] Ignoring disconnect of a stale peer", "addr", ev.Peer.Address)
			return
		}
		if m.machine.State == state.BLEConnected {
			slog.Info("[BLE] Power meter disconnected", "peer", m.machine.candidate().DisplayName())
		}
		m.link = nil
		m.decoder.Reset()
	}

	next, effects := m.machine.Next(ev)
	m.machine = next
	for _, e := range effects {
		m.apply(ctx, e)
	}
}

func (m *Manager) apply(ctx context.Context, e Effect) {
	switch e.Kind {
	case EffectStartScan:
		m.startScan(ctx)
	case EffectStopScan:
		if err := m.central.StopScan(); err != nil {
			slog.Warn("[BLE] Stop scan failed", "err", err)
		}
	case EffectConnect:
		slog.Info("[BLE] Connecting", "peer", e.Peer.DisplayName(), "addr", e.Peer.Address)
		go m.connect(ctx, e.Peer)
	case EffectReadFeature:
		m.readFeature()
	case EffectPublish:
		if !m.store.SetConnection(e.State, e.Peer.DisplayName(), m.opts.LockTimeout) {
			slog.Debug("[BLE] State publish dropped, snapshot busy", "state", e.State)
		}
	}
}

func (m *Manager) startScan(ctx context.Context) {
	if m.scanning {
		return
	}
	m.scanning = true
	go func() {
		err := m.central.Scan(func(p Peer, cps bool) {
			if !cps || !m.wanted(p) {
				return
			}
			m.offer(Event{Kind: EventAdvertisement, Peer: p, HasCyclingPower: true})
		})
		if err != nil {
			slog.Warn("[BLE] Scan ended with error", "err", err)
			select {
			case <-time.After(m.opts.RescanDelay):
			case <-ctx.Done():
				return
			}
		}
		m.post(ctx, Event{Kind: eventScanEnded, Err: err})
	}()
}

func (m *Manager) isCandidate(p Peer) bool {
	return m.machine.Candidate != nil && m.machine.Candidate.Address == p.Address
}

func (m *Manager) wanted(p Peer) bool {
	return m.opts.PeerName == "" || strings.EqualFold(p.Name, m.opts.PeerName)
}

// connect runs connect, discovery and subscription off the event loop.
func (m *Manager) connect(ctx context.Context, p Peer) {
	link, err := m.central.Connect(p)
	if err != nil {
		m.post(ctx, Event{Kind: EventConnectFailed, Peer: p, Err: err})
		return
	}
	if err := link.Subscribe(m.onNotify); err != nil {
		_ = link.Disconnect()
		m.post(ctx, Event{Kind: EventConnectFailed, Peer: p, Err: fmt.Errorf("subscribe: %w", err)})
		return
	}
	m.post(ctx, Event{Kind: EventConnected, Peer: p, link: link})
}

func (m *Manager) onNotify(buf []byte) {
	ev := Event{Kind: EventNotification}
	ev.Len = copy(ev.Data[:], buf)
	m.offer(ev)
}

func (m *Manager) readFeature() {
	if m.link == nil {
		return
	}
	mask, err := m.link.ReadFeature()
	if err != nil {
		slog.Warn("[BLE] Could not read Cycling Power Feature", "err", err)
		mask = 0
	}
	m.decoder.SetFeatures(mask)
	supported := m.decoder.DeadSpotSupported()
	m.store.UpdatePowerCadence(m.opts.LockTimeout, func(p *state.PowerCadence) {
		p.DeadSpotSupported = supported
	})
	slog.Info("[BLE] Power meter ready", "features", fmt.Sprintf("0x%08x", mask), "dead_spots", supported)
}

func (m *Manager) applyMeasurement(b []byte) {
	meas := m.decoder.Decode(b)
	if !m.store.UpdatePowerCadence(m.opts.LockTimeout, meas.Apply) {
		m.stale.Add(1)
		slog.Debug("[BLE] Measurement dropped, snapshot busy", "power", meas.Power, "cadence", meas.Cadence)
		return
	}
	if dbg, ok := m.store.Debug(m.opts.LockTimeout); ok && dbg.BLE {
		slog.Info("[BLE] Measurement",
			"power", meas.Power,
			"cadence", meas.Cadence,
			"balance", meas.BalancePct,
			"present", fmt.Sprintf("%05b", meas.Present))
	}
}

func (m *Manager) activity() bool {
	dbg, ok := m.store.Debug(m.opts.LockTimeout)
	return ok && dbg.BLEActivity
}

func (m *Manager) shutdown() {
	if m.link != nil {
		_ = m.link.Disconnect()
		m.link = nil
	}
	if m.scanning {
		_ = m.central.StopScan()
	}
	m.store.SetConnection(state.BLEIdle, "", m.opts.LockTimeout)
	slog.Info("[BLE] Stopped")
}
