package ble

import (
	"errors"
	"testing"

	"cycle-logger/internal/state"
)

func kinds(effects []Effect) []EffectKind {
	out := make([]EffectKind, len(effects))
	for i, e := range effects {
		out[i] = e.Kind
	}
	return out
}

func equalKinds(a, b []EffectKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

var stages = Peer{Name: "Stages", Address: "C0:11:22:33:44:55"}

func TestMachineHappyPath(t *testing.T) {
	steps := []struct {
		ev      Event
		state   state.BLEState
		effects []EffectKind
	}{
		{Event{Kind: EventStart}, state.BLEScanning, []EffectKind{EffectStartScan, EffectPublish}},
		{Event{Kind: EventAdvertisement, Peer: Peer{Name: "speaker"}}, state.BLEScanning, nil},
		{Event{Kind: EventAdvertisement, Peer: stages, HasCyclingPower: true}, state.BLEConnecting,
			[]EffectKind{EffectStopScan, EffectPublish, EffectConnect}},
		{Event{Kind: EventConnected}, state.BLEConnected, []EffectKind{EffectPublish, EffectReadFeature}},
		{Event{Kind: EventDisconnected}, state.BLEScanning,
			[]EffectKind{EffectPublish, EffectStartScan, EffectPublish}},
	}

	var m Machine
	for i, s := range steps {
		var effects []Effect
		m, effects = m.Next(s.ev)
		if m.State != s.state {
			t.Fatalf("step %d: state = %v, want %v", i, m.State, s.state)
		}
		if got := kinds(effects); !equalKinds(got, s.effects) {
			t.Fatalf("step %d: effects = %v, want %v", i, got, s.effects)
		}
	}
}

func TestMachineSecondAdvertisementIgnored(t *testing.T) {
	m := Machine{State: state.BLEScanning}
	m, _ = m.Next(Event{Kind: EventAdvertisement, Peer: stages, HasCyclingPower: true})

	other := Peer{Name: "Favero", Address: "AA:BB:CC:DD:EE:FF"}
	next, effects := m.Next(Event{Kind: EventAdvertisement, Peer: other, HasCyclingPower: true})
	if len(effects) != 0 {
		t.Fatalf("effects = %v, want none", kinds(effects))
	}
	if next.State != state.BLEConnecting || next.Candidate.Address != stages.Address {
		t.Fatalf("candidate replaced: %+v", next.Candidate)
	}
}

func TestMachineConnectFailureRescans(t *testing.T) {
	m := Machine{State: state.BLEScanning}
	m, _ = m.Next(Event{Kind: EventAdvertisement, Peer: stages, HasCyclingPower: true})
	m, effects := m.Next(Event{Kind: EventConnectFailed, Err: errors.New("no service")})

	if m.State != state.BLEScanning || m.Candidate != nil {
		t.Fatalf("after failure: %+v", m)
	}
	if got := kinds(effects); !equalKinds(got, []EffectKind{EffectStartScan, EffectPublish}) {
		t.Fatalf("effects = %v", got)
	}
}

func TestMachinePublishesDisconnectedThenScanning(t *testing.T) {
	m := Machine{State: state.BLEConnected, Candidate: &stages}
	_, effects := m.Next(Event{Kind: EventDisconnected})

	var published []state.BLEState
	for _, e := range effects {
		if e.Kind == EffectPublish {
			published = append(published, e.State)
		}
	}
	if len(published) != 2 || published[0] != state.BLEDisconnected || published[1] != state.BLEScanning {
		t.Fatalf("published %v, want [DISCONNECTED SCANNING]", published)
	}
	if effects[0].Peer.Name != "Stages" {
		t.Fatalf("disconnect publish peer = %q", effects[0].Peer.Name)
	}
}

func TestMachineIgnoresUnexpectedEvents(t *testing.T) {
	for _, st := range []state.BLEState{state.BLEIdle, state.BLEScanning, state.BLEConnected} {
		m := Machine{State: st, Candidate: &stages}
		if st != state.BLEConnected {
			m.Candidate = nil
		}
		next, effects := m.Next(Event{Kind: EventConnected})
		if next.State != st || len(effects) != 0 {
			t.Errorf("%v + Connected -> %v %v, want no change", st, next.State, kinds(effects))
		}
	}
}

func TestPeerDisplayName(t *testing.T) {
	if (Peer{Address: "AA"}).DisplayName() != "AA" {
		t.Error("unnamed peer should fall back to address")
	}
	if stages.DisplayName() != "Stages" {
		t.Error("named peer should use name")
	}
}
