// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"raw-uart-service/internal/config"
	"raw-uart-service/internal/gpio"
	"raw-uart-service/internal/model"
	"raw-uart-service/internal/protocol"
	"raw-uart-service/internal/repository"
	"raw-uart-service/internal/retry"
	"raw-uart-service/internal/uart"
	"raw-uart-service/internal/utils"
)

// EventPublisher receives device events for live subscribers.
type EventPublisher interface {
	Publish(event model.Event)
}

// DeviceStatus is the API view of a registered device
type DeviceStatus struct {
	uart.Stats
	Backend string `json:"backend"`
}

// ConnectionInfo describes one open client connection
type ConnectionInfo struct {
	ID       uuid.UUID `json:"id"`
	Label    string    `json:"label"`
	Priority uint32    `json:"priority"`
	OpenedAt time.Time `json:"opened_at"`
}

// GpioState reports the available lines and their levels
type GpioState struct {
	Lines  uart.LineMask   `json:"lines"`
	Values uart.LineMask   `json:"values"`
	Levels map[string]bool `json:"levels"`
}

type managedDevice struct {
	device      *uart.Device
	config      config.DeviceConfig
	backendType string
	lines       *gpio.CdevDriver
	logger      *utils.DeviceLogger
	unsubscribe func()
}

// DeviceService builds devices from configuration and owns their lifecycle
type DeviceService struct {
	registry *uart.Registry
	config   *config.Config
	repo     repository.EventRepository
	events   EventPublisher
	logger   *utils.ServiceLogger

	mu      sync.RWMutex
	devices map[string]*managedDevice
	wg      sync.WaitGroup
}

// NewDeviceService creates a new device service instance
func NewDeviceService(
	registry *uart.Registry,
	config *config.Config,
	repo repository.EventRepository,
	events EventPublisher,
	logger *zap.Logger,
) *DeviceService {
	return &DeviceService{
		registry: registry,
		config:   config,
		repo:     repo,
		events:   events,
		logger:   utils.NewServiceLogger(logger, "device-service"),
		devices:  make(map[string]*managedDevice),
	}
}

// Start adds every configured device. A device that fails to come up is
// logged and skipped so the others still serve.
func (ds *DeviceService) Start(ctx context.Context) error {
	var added int
	for _, dc := range ds.config.Devices {
		if _, err := ds.AddDevice(ctx, dc); err != nil {
			ds.logger.Error("Failed to add device",
				zap.String("device", dc.Name),
				zap.String("backend", dc.Type),
				zap.Error(err),
			)
			continue
		}
		added++
	}

	ds.logger.Info("Devices started",
		zap.Int("configured", len(ds.config.Devices)),
		zap.Int("added", added),
	)
	if added == 0 && len(ds.config.Devices) > 0 {
		return errors.New("no configured device could be added")
	}
	return nil
}

// AddDevice creates the backend, connects it and registers the device
func (ds *DeviceService) AddDevice(ctx context.Context, dc config.DeviceConfig) (*uart.Device, error) {
	ds.mu.RLock()
	_, exists := ds.devices[dc.Name]
	ds.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%s: %w", dc.Name, uart.ErrDeviceExists)
	}

	if err := protocol.ValidateConfig(dc.Type, dc.Options); err != nil {
		return nil, fmt.Errorf("invalid device config: %w", err)
	}

	deviceLogger := utils.NewDeviceLogger(ds.logger.Logger, dc.Name, dc.Type)

	backend, err := protocol.CreateBackend(dc.Type, dc.Options, deviceLogger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend: %w", err)
	}

	cfg := uart.Config{
		Name:           dc.Name,
		MaxConnections: dc.MaxConnections,
		RxBufferSize:   ds.config.Mux.RxBufferSize,
		TxBufferSize:   ds.config.Mux.TxBufferSize,
		Logger:         ds.logger.Logger,
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = ds.config.Mux.MaxConnections
	}

	gpioConfig, err := protocol.ParseGpioConfig(dc.Options)
	if err != nil {
		closeBackend(backend)
		return nil, fmt.Errorf("invalid gpio config: %w", err)
	}
	var lines *gpio.CdevDriver
	if gpioConfig != nil {
		lines, err = gpio.Open(gpioConfig, deviceLogger.Logger)
		if err != nil {
			closeBackend(backend)
			return nil, fmt.Errorf("failed to open gpio lines: %w", err)
		}
		cfg.Gpio = lines
	}

	if err := ds.connect(ctx, backend); err != nil {
		closeBackend(backend)
		closeLines(lines)
		deviceLogger.Error("Backend connect failed", zap.Error(err))
		return nil, fmt.Errorf("failed to connect backend: %w", err)
	}

	if d, ok := backend.(protocol.LineDefaults); ok {
		cfg.GpioInitial = d.DefaultLines()
	}

	device := uart.NewDevice(backend, cfg)
	slot, err := ds.registry.Add(device)
	if err != nil {
		device.Remove()
		closeLines(lines)
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	md := &managedDevice{
		device:      device,
		config:      dc,
		backendType: dc.Type,
		lines:       lines,
		logger:      deviceLogger,
	}
	states, unsubscribe := device.Subscribe()
	md.unsubscribe = unsubscribe

	ds.mu.Lock()
	ds.devices[dc.Name] = md
	ds.mu.Unlock()

	ds.wg.Add(1)
	go ds.watchState(md, states)

	deviceLogger.Info("Device added",
		zap.Int("slot", slot),
		zap.String("device_type", device.DeviceType()),
		zap.Int("max_connections", device.MaxConnections()),
	)
	ds.record(model.NewDeviceEvent(dc.Name, model.EventDeviceAdded, device.Connected(), device.DeviceType()))
	return device, nil
}

func (ds *DeviceService) connect(ctx context.Context, backend uart.Backend) error {
	c, ok := backend.(protocol.Connector)
	if !ok {
		return nil
	}

	if timeout := ds.config.Mux.ConnectTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return retry.Do(ctx, retry.Quick(), func() error {
		err := c.Connect(ctx)
		if errors.Is(err, uart.ErrUnsupported) {
			return retry.NonRetryable(err)
		}
		return err
	})
}

func (ds *DeviceService) watchState(md *managedDevice, states <-chan uart.StateEvent) {
	defer ds.wg.Done()
	for ev := range states {
		md.logger.LogConnection(ev.Connected)
		eventType := model.EventDeviceDisconnected
		if ev.Connected {
			eventType = model.EventDeviceConnected
		}
		event := model.NewDeviceEvent(ev.Device, eventType, ev.Connected, "")
		event.Timestamp = ev.Timestamp.UTC()
		ds.record(event)
	}
}

// record publishes event and appends it to the device history
func (ds *DeviceService) record(event *model.DeviceEvent) {
	if ds.events != nil {
		ds.events.Publish(event.BusEvent())
	}
	if ds.repo == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	err := ds.repo.Create(ctx, event)
	ds.logger.LogDatabaseQuery("insert device_event", time.Since(start), err)
}

// RemoveDevice unregisters the device; blocked clients get ErrInterrupted
func (ds *DeviceService) RemoveDevice(name string) error {
	ds.mu.Lock()
	md, ok := ds.devices[name]
	if ok {
		delete(ds.devices, name)
	}
	ds.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s: %w", name, uart.ErrNoDevice)
	}

	md.unsubscribe()
	if err := ds.registry.Remove(md.device.Slot()); err != nil {
		md.logger.Warn("Registry removal failed", zap.Error(err))
		md.device.Remove()
	}
	closeLines(md.lines)

	ds.record(model.NewDeviceEvent(name, model.EventDeviceRemoved, false, ""))
	md.logger.Info("Device removed")
	return nil
}

// Device returns the named device
func (ds *DeviceService) Device(name string) (*uart.Device, error) {
	md, err := ds.managed(name)
	if err != nil {
		return nil, err
	}
	return md.device, nil
}

func (ds *DeviceService) managed(name string) (*managedDevice, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	md, ok := ds.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", name, uart.ErrNoDevice)
	}
	return md, nil
}

// ListDevices returns the status of every device ordered by slot
func (ds *DeviceService) ListDevices() []DeviceStatus {
	ds.mu.RLock()
	statuses := make([]DeviceStatus, 0, len(ds.devices))
	for _, md := range ds.devices {
		statuses = append(statuses, DeviceStatus{Stats: md.device.Stats(), Backend: md.backendType})
	}
	ds.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Slot < statuses[j].Slot })
	return statuses
}

// DeviceConfigs returns the configuration of every managed device
func (ds *DeviceService) DeviceConfigs() []config.DeviceConfig {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	configs := make([]config.DeviceConfig, 0, len(ds.devices))
	for _, md := range ds.devices {
		configs = append(configs, md.config)
	}
	return configs
}

// GetDevice returns the status of one device
func (ds *DeviceService) GetDevice(name string) (*DeviceStatus, error) {
	md, err := ds.managed(name)
	if err != nil {
		return nil, err
	}
	return &DeviceStatus{Stats: md.device.Stats(), Backend: md.backendType}, nil
}

// ResetDevice resets the radio module when at most maxOpen clients are
// connected. A negative maxOpen uses the configured threshold.
func (ds *DeviceService) ResetDevice(ctx context.Context, name string, maxOpen int) error {
	md, err := ds.managed(name)
	if err != nil {
		return err
	}
	if maxOpen < 0 {
		maxOpen = ds.config.Mux.ResetMaxOpen
	}

	start := time.Now()
	err = md.device.Reset(ctx, maxOpen)
	md.logger.LogReset(maxOpen, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("reset %s: %w", name, err)
	}

	ds.record(model.NewDeviceEvent(name, model.EventDeviceReset, md.device.Connected(), ""))
	return nil
}

// GetGpio returns the line state of a device
func (ds *DeviceService) GetGpio(name string) (*GpioState, error) {
	md, err := ds.managed(name)
	if err != nil {
		return nil, err
	}
	return gpioState(md.device.Gpio())
}

// SetGpio drives the lines in mask to values
func (ds *DeviceService) SetGpio(name string, mask, values uart.LineMask) (*GpioState, error) {
	md, err := ds.managed(name)
	if err != nil {
		return nil, err
	}

	gc := md.device.Gpio()
	if err := gc.SetMultiple(mask, values); err != nil {
		return nil, fmt.Errorf("set gpio %s: %w", name, err)
	}

	state, err := gpioState(gc)
	if err != nil {
		return nil, err
	}
	ds.record(model.NewDeviceEvent(name, model.EventGpioChanged, md.device.Connected(),
		fmt.Sprintf("mask=%#04x values=%#04x", uint8(mask), uint8(values&mask))))
	return state, nil
}

func gpioState(gc *uart.GpioController) (*GpioState, error) {
	lines := gc.Lines()
	values, err := gc.GetMultiple(lines)
	if err != nil {
		return nil, err
	}

	levels := make(map[string]bool)
	for l := uart.LineRed; l <= uart.LineAltReset; l++ {
		if lines&l.Mask() != 0 {
			levels[l.String()] = values&l.Mask() != 0
		}
	}
	return &GpioState{Lines: lines, Values: values, Levels: levels}, nil
}

// Connections lists the open connections of a device
func (ds *DeviceService) Connections(name string) ([]ConnectionInfo, error) {
	md, err := ds.managed(name)
	if err != nil {
		return nil, err
	}

	conns := md.device.Connections()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, ConnectionInfo{
			ID:       c.ID(),
			Label:    c.Label(),
			Priority: c.Priority(),
			OpenedAt: c.OpenedAt(),
		})
	}
	return infos, nil
}

// SetPriority changes the transmit priority of an open connection
func (ds *DeviceService) SetPriority(name string, id uuid.UUID, priority uint32) error {
	md, err := ds.managed(name)
	if err != nil {
		return err
	}

	c, ok := md.device.Connection(id)
	if !ok {
		return fmt.Errorf("connection %s: %w", id, uart.ErrClosed)
	}
	c.SetPriority(priority)
	md.logger.Debug("Connection priority changed",
		zap.String("connection_id", id.String()),
		zap.Uint32("priority", priority),
	)
	return nil
}

// History returns the newest events of a device
func (ds *DeviceService) History(ctx context.Context, name string, limit int) ([]*model.DeviceEvent, error) {
	if _, err := ds.managed(name); err != nil {
		return nil, err
	}
	if ds.repo == nil {
		return []*model.DeviceEvent{}, nil
	}

	start := time.Now()
	events, err := ds.repo.ListByDevice(ctx, name, limit)
	ds.logger.LogDatabaseQuery("select device_events", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return events, nil
}

// PruneHistory deletes events older than the configured retention
func (ds *DeviceService) PruneHistory(ctx context.Context) (int64, error) {
	retention := ds.config.Database.Retention
	if ds.repo == nil || retention <= 0 {
		return 0, nil
	}

	deleted, err := ds.repo.DeleteOlderThan(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	if deleted > 0 {
		ds.logger.Info("Device history pruned", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

// RunPruner prunes the history every interval until ctx is done
func (ds *DeviceService) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := ds.PruneHistory(ctx); err != nil {
			ds.logger.Warn("History pruning failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close removes every device and waits for the state watchers
func (ds *DeviceService) Close() {
	ds.mu.RLock()
	names := make([]string, 0, len(ds.devices))
	for name := range ds.devices {
		names = append(names, name)
	}
	ds.mu.RUnlock()

	for _, name := range names {
		if err := ds.RemoveDevice(name); err != nil {
			ds.logger.Warn("Failed to remove device", zap.String("device", name), zap.Error(err))
		}
	}
	ds.wg.Wait()
	ds.logger.Info("Device service closed")
}

func closeBackend(backend uart.Backend) {
	if c, ok := backend.(uart.Closer); ok {
		_ = c.Close()
	}
}

func closeLines(lines *gpio.CdevDriver) {
	if lines != nil {
		_ = lines.Close()
	}
}
