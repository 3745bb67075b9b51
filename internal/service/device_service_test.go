package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raw-uart-service/internal/config"
	"raw-uart-service/internal/model"
	"raw-uart-service/internal/repository"
	"raw-uart-service/internal/uart"
)

const waitFor = 2 * time.Second

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordingPublisher) Publish(event model.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []model.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func testConfig(devices ...config.DeviceConfig) *config.Config {
	return &config.Config{
		Mux: config.MuxConfig{
			MaxDevices:     5,
			MaxConnections: 3,
			RxBufferSize:   1024,
			TxBufferSize:   4096,
			ResetMaxOpen:   1,
		},
		Database: config.DatabaseConfig{Retention: time.Hour},
		Devices:  devices,
	}
}

func loopbackDevice(name string) config.DeviceConfig {
	return config.DeviceConfig{
		Name:    name,
		Type:    "loopback",
		Options: map[string]interface{}{"chunk_size": 8},
	}
}

func newTestService(t *testing.T, cfg *config.Config) (*DeviceService, *recordingPublisher, repository.EventRepository) {
	publisher := &recordingPublisher{}
	repo := repository.NewMemoryEventRepository(100)
	registry := uart.NewRegistry(cfg.Mux.MaxDevices, zap.NewNop())
	ds := NewDeviceService(registry, cfg, repo, publisher, zap.NewNop())
	t.Cleanup(ds.Close)
	return ds, publisher, repo
}

func TestStartAddsConfiguredDevices(t *testing.T) {
	cfg := testConfig(loopbackDevice("ccu"), config.DeviceConfig{Name: "bad", Type: "carrier-pigeon"})
	cfg.Devices[0].MaxConnections = 2
	ds, publisher, _ := newTestService(t, cfg)

	require.NoError(t, ds.Start(t.Context()))

	devices := ds.ListDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, "ccu", devices[0].Name)
	assert.Equal(t, "loopback", devices[0].Backend)
	assert.Equal(t, 2, devices[0].MaxConnections)
	assert.True(t, devices[0].Connected)
	assert.Equal(t, []model.EventType{model.EventDeviceAdded}, publisher.types())

	_, err := ds.GetDevice("bad")
	assert.ErrorIs(t, err, uart.ErrNoDevice)
}

func TestStartFailsWhenNothingComesUp(t *testing.T) {
	ds, _, _ := newTestService(t, testConfig(config.DeviceConfig{Name: "bad", Type: "nope"}))
	assert.Error(t, ds.Start(t.Context()))
}

func TestAddDeviceRejectsDuplicates(t *testing.T) {
	ds, _, _ := newTestService(t, testConfig())

	_, err := ds.AddDevice(t.Context(), loopbackDevice("ccu"))
	require.NoError(t, err)
	_, err = ds.AddDevice(t.Context(), loopbackDevice("ccu"))
	assert.ErrorIs(t, err, uart.ErrDeviceExists)
}

func TestAddDeviceRejectsGpioChipForOwnLines(t *testing.T) {
	ds, _, _ := newTestService(t, testConfig())

	dc := loopbackDevice("ccu")
	dc.Options["gpio_chip"] = "gpiochip0"
	dc.Options["gpio_lines"] = map[string]interface{}{"reset": 18}
	_, err := ds.AddDevice(t.Context(), dc)
	assert.ErrorContains(t, err, "gpio_chip is not supported")

	_, err = ds.GetDevice("ccu")
	assert.ErrorIs(t, err, uart.ErrNoDevice)
}

func TestAddDeviceSharesSlots(t *testing.T) {
	cfg := testConfig()
	cfg.Mux.MaxDevices = 1
	ds, _, _ := newTestService(t, cfg)

	_, err := ds.AddDevice(t.Context(), loopbackDevice("a"))
	require.NoError(t, err)
	_, err = ds.AddDevice(t.Context(), loopbackDevice("b"))
	assert.ErrorIs(t, err, uart.ErrResourceExhausted)

	require.NoError(t, ds.RemoveDevice("a"))
	_, err = ds.AddDevice(t.Context(), loopbackDevice("b"))
	assert.NoError(t, err)
}

func TestResetHonoursOpenThreshold(t *testing.T) {
	ds, publisher, _ := newTestService(t, testConfig())
	device, err := ds.AddDevice(t.Context(), loopbackDevice("ccu"))
	require.NoError(t, err)

	first, err := device.Open(t.Context(), "first")
	require.NoError(t, err)
	second, err := device.Open(t.Context(), "second")
	require.NoError(t, err)

	err = ds.ResetDevice(t.Context(), "ccu", -1)
	assert.ErrorIs(t, err, uart.ErrBusy)

	require.NoError(t, second.Close())
	require.NoError(t, ds.ResetDevice(t.Context(), "ccu", -1))
	require.NoError(t, first.Close())

	history, err := ds.History(t.Context(), "ccu", 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, model.EventDeviceReset, history[0].EventType)
	assert.Contains(t, publisher.types(), model.EventDeviceReset)
}

func TestStateTransitionsAreRecorded(t *testing.T) {
	ds, publisher, _ := newTestService(t, testConfig())
	device, err := ds.AddDevice(t.Context(), loopbackDevice("ccu"))
	require.NoError(t, err)

	device.SetConnectionState(false)
	require.Eventually(t, func() bool {
		types := publisher.types()
		return len(types) == 2 && types[1] == model.EventDeviceDisconnected
	}, waitFor, 5*time.Millisecond)

	device.SetConnectionState(true)
	require.Eventually(t, func() bool { return len(publisher.types()) == 3 }, waitFor, 5*time.Millisecond)

	history, err := ds.History(t.Context(), "ccu", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.EventDeviceConnected, history[0].EventType)
	assert.True(t, history[0].Connected)
	assert.Equal(t, model.EventDeviceDisconnected, history[1].EventType)
	assert.False(t, history[1].Connected)
}

func TestGpio(t *testing.T) {
	ds, publisher, _ := newTestService(t, testConfig())
	_, err := ds.AddDevice(t.Context(), loopbackDevice("ccu"))
	require.NoError(t, err)

	state, err := ds.GetGpio("ccu")
	require.NoError(t, err)
	assert.Equal(t, uart.LEDLines|uart.LineReset.Mask(), state.Lines)
	assert.Contains(t, state.Levels, "reset")

	state, err = ds.SetGpio("ccu", uart.LineRed.Mask()|uart.LineBlue.Mask(), uart.LineRed.Mask())
	require.NoError(t, err)
	assert.True(t, state.Levels["red"])
	assert.False(t, state.Levels["blue"])
	assert.Contains(t, publisher.types(), model.EventGpioChanged)

	_, err = ds.SetGpio("ccu", uart.LineAltReset.Mask(), 0)
	assert.ErrorIs(t, err, uart.ErrUnsupported)
}

func TestConnectionsAndPriority(t *testing.T) {
	ds, _, _ := newTestService(t, testConfig())
	device, err := ds.AddDevice(t.Context(), loopbackDevice("ccu"))
	require.NoError(t, err)

	c, err := device.Open(t.Context(), "tcp 127.0.0.1:5000")
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, ds.SetPriority("ccu", c.ID(), 7))
	infos, err := ds.Connections("ccu")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, c.ID(), infos[0].ID)
	assert.Equal(t, "tcp 127.0.0.1:5000", infos[0].Label)
	assert.Equal(t, uint32(7), infos[0].Priority)

	assert.ErrorIs(t, ds.SetPriority("ccu", uuid.New(), 1), uart.ErrClosed)
	assert.ErrorIs(t, ds.SetPriority("nope", c.ID(), 1), uart.ErrNoDevice)
}

func TestRemoveDeviceInterruptsReaders(t *testing.T) {
	ds, publisher, _ := newTestService(t, testConfig())
	device, err := ds.AddDevice(t.Context(), loopbackDevice("ccu"))
	require.NoError(t, err)
	c, err := device.Open(t.Context(), "reader")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background(), make([]byte, 8), false)
		done <- err
	}()

	require.NoError(t, ds.RemoveDevice("ccu"))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, uart.ErrInterrupted)
	case <-time.After(waitFor):
		t.Fatal("reader not interrupted")
	}

	assert.ErrorIs(t, ds.RemoveDevice("ccu"), uart.ErrNoDevice)
	assert.Empty(t, ds.ListDevices())
	assert.Contains(t, publisher.types(), model.EventDeviceRemoved)
}

func TestPruneHistory(t *testing.T) {
	ds, _, repo := newTestService(t, testConfig())
	_, err := ds.AddDevice(t.Context(), loopbackDevice("ccu"))
	require.NoError(t, err)

	old := model.NewDeviceEvent("ccu", model.EventDeviceReset, true, "")
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	require.NoError(t, repo.Create(t.Context(), old))

	deleted, err := ds.PruneHistory(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	history, err := ds.History(t.Context(), "ccu", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.EventDeviceAdded, history[0].EventType)
}
