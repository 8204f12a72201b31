package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// --- UUID Definitions ---
var (
	// Cycling Power Service
	ServiceCyclingPower = bluetooth.New16BitUUID(0x1818)

	// Characteristics
	CharPowerMeasurement = bluetooth.New16BitUUID(0x2A63)
	CharPowerFeature     = bluetooth.New16BitUUID(0x2A65)
)

var errNoPowerService = errors.New("cycling power service not found")

// tinygoCentral drives a host adapter through tinygo.org/x/bluetooth.
type tinygoCentral struct {
	Adapter *bluetooth.Adapter

	mu           sync.Mutex
	onDisconnect func(address string)
}

// NewCentral returns a Central on the default host adapter.
func NewCentral() Central {
	return &tinygoCentral{Adapter: bluetooth.DefaultAdapter}
}

func (c *tinygoCentral) Enable() error {
	if err := c.Adapter.Enable(); err != nil {
		return err
	}
	c.Adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		slog.Debug("[BLE] Link lost", "addr", device.Address.String())
		c.mu.Lock()
		fn := c.onDisconnect
		c.mu.Unlock()
		if fn != nil {
			fn(device.Address.String())
		}
	})
	return nil
}

func (c *tinygoCentral) SetDisconnectHandler(fn func(address string)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

func (c *tinygoCentral) Scan(onAdvertisement func(Peer, bool)) error {
	return c.Adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		p := Peer{
			Name:    result.LocalName(),
			Address: result.Address.String(),
			handle:  result.Address,
		}
		onAdvertisement(p, result.HasServiceUUID(ServiceCyclingPower))
	})
}

func (c *tinygoCentral) StopScan() error {
	return c.Adapter.StopScan()
}

func (c *tinygoCentral) Connect(p Peer) (Link, error) {
	addr, ok := p.handle.(bluetooth.Address)
	if !ok {
		return nil, fmt.Errorf("peer %s was not seen by this adapter", p.Address)
	}
	device, err := c.Adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", p.Address, err)
	}

	link, err := discover(device)
	if err != nil {
		_ = device.Disconnect()
		return nil, err
	}
	return link, nil
}

func discover(device bluetooth.Device) (*tinygoLink, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceCyclingPower})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(services) == 0 {
		return nil, errNoPowerService
	}
	svc := services[0]

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{CharPowerMeasurement})
	if err != nil || len(chars) == 0 {
		return nil, fmt.Errorf("discover measurement characteristic: %w", err)
	}
	link := &tinygoLink{device: device, measurement: chars[0]}

	// The feature characteristic is mandatory but some meters hide it.
	if chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{CharPowerFeature}); err == nil && len(chars) > 0 {
		link.feature = &chars[0]
	}
	return link, nil
}

type tinygoLink struct {
	device      bluetooth.Device
	measurement bluetooth.DeviceCharacteristic
	feature     *bluetooth.DeviceCharacteristic
}

func (l *tinygoLink) ReadFeature() (uint32, error) {
	if l.feature == nil {
		return 0, errors.New("feature characteristic not present")
	}
	buf := make([]byte, 4)
	n, err := l.feature.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < 4 {
		return 0, fmt.Errorf("feature read returned %d bytes", n)
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (l *tinygoLink) Subscribe(onNotify func([]byte)) error {
	return l.measurement.EnableNotifications(onNotify)
}

func (l *tinygoLink) Disconnect() error {
	return l.device.Disconnect()
}
