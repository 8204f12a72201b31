package ble

import (
	"cycle-logger/internal/state"
)

// Peer is an advertiser seen while scanning.
type Peer struct {
	Name    string
	Address string

	// handle is the radio's own address value, opaque to the machine.
	handle any
}

// DisplayName is the advertised name, or the address when unnamed.
func (p Peer) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Address
}

type EventKind uint8

var eventNames = [...]string{"START", "ADVERTISEMENT", "CONNECTED", "CONNECT_FAILED", "DISCONNECTED", "NOTIFICATION", "SCAN_ENDED"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "UNKNOWN"
}

const (
	EventStart EventKind = iota
	EventAdvertisement
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventNotification

	// eventScanEnded is manager bookkeeping; the machine ignores it.
	eventScanEnded
)

// Event is one input from the radio or the task itself.
type Event struct {
	Kind EventKind
	Peer Peer

	// HasCyclingPower is set on advertisements exposing service 0x1818.
	HasCyclingPower bool
	Err             error

	// Notification payload, copied out of the radio's buffer.
	Data [maxNotification]byte
	Len  int

	link Link
}

// maxNotification covers the largest Cycling Power Measurement payload.
const maxNotification = 34

type EffectKind uint8

const (
	EffectStartScan EffectKind = iota
	EffectStopScan
	EffectConnect
	EffectReadFeature
	EffectPublish
)

// Effect is a side effect the manager must carry out after a transition.
type Effect struct {
	Kind  EffectKind
	Peer  Peer
	State state.BLEState
}

// Machine is the connection state machine. Next is pure: it never
// touches the radio, it only reports what should happen.
type Machine struct {
	State     state.BLEState
	Candidate *Peer
}

func (m Machine) candidate() Peer {
	if m.Candidate == nil {
		return Peer{}
	}
	return *m.Candidate
}

func publish(st state.BLEState, p Peer) Effect {
	return Effect{Kind: EffectPublish, State: st, Peer: p}
}

// Next returns the machine after ev and the effects to perform, in order.
func (m Machine) Next(ev Event) (Machine, []Effect) {
	switch m.State {
	case state.BLEIdle, state.BLEDisconnected:
		if ev.Kind == EventStart {
			return Machine{State: state.BLEScanning}, []Effect{
				{Kind: EffectStartScan},
				publish(state.BLEScanning, Peer{}),
			}
		}

	case state.BLEScanning:
		if ev.Kind == EventAdvertisement && ev.HasCyclingPower && m.Candidate == nil {
			p := ev.Peer
			return Machine{State: state.BLEConnecting, Candidate: &p}, []Effect{
				{Kind: EffectStopScan},
				publish(state.BLEConnecting, p),
				{Kind: EffectConnect, Peer: p},
			}
		}

	case state.BLEConnecting:
		switch ev.Kind {
		case EventConnected:
			p := m.candidate()
			return Machine{State: state.BLEConnected, Candidate: m.Candidate}, []Effect{
				publish(state.BLEConnected, p),
				{Kind: EffectReadFeature, Peer: p},
			}
		case EventConnectFailed, EventDisconnected:
			return Machine{State: state.BLEScanning}, []Effect{
				{Kind: EffectStartScan},
				publish(state.BLEScanning, Peer{}),
			}
		}

	case state.BLEConnected:
		if ev.Kind == EventDisconnected {
			p := m.candidate()
			return Machine{State: state.BLEScanning}, []Effect{
				publish(state.BLEDisconnected, p),
				{Kind: EffectStartScan},
				publish(state.BLEScanning, Peer{}),
			}
		}
	}
	return m, nil
}
