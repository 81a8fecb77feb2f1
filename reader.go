package modbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ReconnectBackoff is the escalating delay schedule a Reader walks after
// a lost connection, grounded in the ticker-driven poll loop of the
// teacher's ModbusDevicePoller (enhancement-poller.go) but extended with
// the escalating-then-capped wait that loop never needed, since it
// assumed an already-connected client.
var ReconnectBackoff = []time.Duration{
	time.Second, 5 * time.Second, 10 * time.Second, 15 * time.Second,
	30 * time.Second, 60 * time.Second, 5 * time.Minute, 10 * time.Minute,
	30 * time.Minute, time.Hour,
}

// Reader owns a Transport and the set of Devices polled through it. It
// runs one supervisor goroutine (connection lifecycle, should_reconnect
// fan-out) and, once connected, one read-task and one rewrite-task
// goroutine per Device, spawned exactly once — mirroring
// ModbusReader::run's one-time "threadsRunning" thread spawn and its
// should_reconnect state machine (original_source/more_modbus/ModbusReader.cpp),
// generalized from a flat device map to devices that each own their own
// groups.
type Reader struct {
	transport  Transport
	readPeriod time.Duration
	logger     Logger
	metrics    *Metrics

	devicesMu sync.RWMutex
	devices   map[int16]*Device

	statusMu sync.Mutex
	online   map[int16]bool

	spawnOnce sync.Once

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewReader constructs a Reader bound to transport, polling each device's
// groups every readPeriod.
func NewReader(transport Transport, readPeriod time.Duration) *Reader {
	return &Reader{
		transport:  transport,
		readPeriod: readPeriod,
		logger:     NopLogger{},
		devices:    make(map[int16]*Device),
		online:     make(map[int16]bool),
	}
}

// SetLogger installs a non-default Logger. Must be called before Start.
func (r *Reader) SetLogger(l Logger) {
	if l != nil {
		r.logger = l
	}
}

// SetMetrics installs a Metrics sink. Must be called before Start.
func (r *Reader) SetMetrics(m *Metrics) { r.metrics = m }

// AddDevice registers a device, grouped and ready, under its slave
// address. It must be called before Start.
func (r *Reader) AddDevice(d *Device) error {
	r.devicesMu.Lock()
	defer r.devicesMu.Unlock()
	if _, exists := r.devices[d.SlaveAddress]; exists {
		return newConfigError("AddDevice", fmt.Errorf("%w: duplicate slave address %d", ErrInvalidConfiguration, d.SlaveAddress))
	}
	r.devices[d.SlaveAddress] = d
	return nil
}

func (r *Reader) deviceList() []*Device {
	r.devicesMu.RLock()
	defer r.devicesMu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// isRegistered reports whether d was added to this Reader via AddDevice —
// the "mapping slave address isn't registered with the reader" precondition
// ModbusReader::writeMapping/writeBitMapping enforce before touching the
// transport.
func (r *Reader) isRegistered(d *Device) bool {
	r.devicesMu.RLock()
	defer r.devicesMu.RUnlock()
	return r.devices[d.SlaveAddress] == d
}

// IsRunning reports whether the Reader's supervisor loop is active.
func (r *Reader) IsRunning() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.running
}

// Start launches the supervisor goroutine. It returns immediately; the
// first connection attempt happens asynchronously.
func (r *Reader) Start() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return newConfigError("Start", fmt.Errorf("%w: reader already running", ErrInvalidConfiguration))
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.wg.Add(1)
	go r.supervise()
	return nil
}

// Stop halts the supervisor and every per-device task, and disconnects
// the transport. It blocks until shutdown completes.
func (r *Reader) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	close(r.stopCh)
	r.runMu.Unlock()

	r.wg.Wait()

	r.runMu.Lock()
	r.running = false
	r.runMu.Unlock()

	_ = r.transport.Disconnect()
}

// connectLoop blocks until the transport connects or the reader is
// stopped, retrying through the escalating ReconnectBackoff schedule. It
// reports whether the connection succeeded (false means stopCh fired).
func (r *Reader) connectLoop() bool {
	backoffIdx := 0
	for {
		select {
		case <-r.stopCh:
			return false
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := r.transport.Connect(ctx)
		cancel()
		if err == nil {
			return true
		}

		r.logger.Warnf("connect failed: %v", err)
		if r.metrics != nil {
			r.metrics.reconnects.Inc()
		}
		wait := ReconnectBackoff[backoffIdx]
		if backoffIdx < len(ReconnectBackoff)-1 {
			backoffIdx++
		}
		select {
		case <-time.After(wait):
		case <-r.stopCh:
			return false
		}
	}
}

// supervise owns the connect/reconnect state machine: an initial connect,
// one-time device task spawn, and then a should_reconnect poll every
// second — the same shape as ModbusReader::run, whose main loop either
// walks the reconnect branch (report every device offline, reconnect with
// backoff, report every device online again) or, once connected, checks
// whether any device was read successfully since the last tick.
func (r *Reader) supervise() {
	defer r.wg.Done()

	if !r.connectLoop() {
		return
	}
	r.logger.Infof("transport connected")
	r.spawnDeviceTasksOnce()

	for {
		select {
		case <-r.stopCh:
			return
		case <-time.After(time.Second):
		}

		if r.shouldReconnect() {
			r.logger.Warnf("no device read successfully; reconnecting")
			r.fanOutDeviceStatus(false)
			_ = r.transport.Disconnect()

			if !r.connectLoop() {
				return
			}
			r.logger.Infof("transport reconnected")
			r.fanOutDeviceStatus(true)
		}
	}
}

// shouldReconnect reports whether every registered device's last poll
// failed — ModbusReader::run's "no devices have been read successfully"
// check. A Reader with no devices yet never asks to reconnect.
func (r *Reader) shouldReconnect() bool {
	devices := r.deviceList()
	if len(devices) == 0 {
		return false
	}

	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	for _, d := range devices {
		if r.online[d.SlaveAddress] {
			return false
		}
	}
	return true
}

// fanOutDeviceStatus marks every registered device online/offline and
// fires each one's OnStatus callback, mirroring ModbusReader::run's bulk
// triggerDeviceStatusUpdate calls around a reconnect.
func (r *Reader) fanOutDeviceStatus(online bool) {
	for _, d := range r.deviceList() {
		r.statusMu.Lock()
		r.online[d.SlaveAddress] = online
		r.statusMu.Unlock()
		d.fireStatus(online)
		if r.metrics != nil {
			r.metrics.setDeviceOnline(d.Name, online)
		}
	}
}

// spawnDeviceTasksOnce starts each device's read and rewrite goroutines
// exactly one time for this Reader's lifetime: a reconnect resumes the
// same goroutines (they keep ticking and simply fail reads while
// disconnected) rather than spawning a second pair per device.
func (r *Reader) spawnDeviceTasksOnce() {
	r.spawnOnce.Do(func() {
		for _, d := range r.deviceList() {
			if len(d.Groups()) == 0 {
				continue
			}
			r.statusMu.Lock()
			r.online[d.SlaveAddress] = true
			r.statusMu.Unlock()

			r.wg.Add(2)
			go r.readTask(d)
			go r.rewriteTask(d)
		}
	})
}

func (r *Reader) readTask(d *Device) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.readPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pollDevice(d)
		}
	}
}

func (r *Reader) pollDevice(d *Device) {
	ctx, cancel := context.WithTimeout(context.Background(), r.readPeriod)
	defer cancel()

	groups := 0
	failed := 0
	var lastErr error
	for _, g := range d.Groups() {
		if g.ReadRestricted {
			continue
		}
		groups++
		if err := ReadGroup(ctx, r.transport, d, g); err != nil {
			lastErr = err
			failed++
			if r.metrics != nil {
				r.metrics.readFailures.Inc()
			}
			continue
		}
		if r.metrics != nil {
			r.metrics.reads.Inc()
		}
	}

	// A device with every group unreadable this cycle is reported
	// offline; any successful group keeps it online, matching
	// ModbusReader::readDevice's unreadGroups-vs-group-count check.
	r.setDeviceOnline(d, groups == 0 || failed < groups)
	if lastErr != nil {
		r.logger.Warnf("device %s: read error: %v", d.Name, lastErr)
	}
}

func (r *Reader) rewriteTask(d *Device) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.rewriteDue(d)
		}
	}
}

func (r *Reader) rewriteDue(d *Device) {
	now := time.Now()
	for _, h := range d.RewriteList() {
		m := d.Mapping(h)
		interval := m.RepeatedWrite()
		if interval <= 0 || now.Sub(m.LastUpdate()) < interval {
			continue
		}
		if err := r.writeMappingCurrent(d, h, m); err != nil {
			r.logger.Warnf("device %s: rewrite %s failed: %v", d.Name, m.Reference, err)
		}
	}
}

// writeMappingCurrent rewrites a mapping's own cached value back to the
// device as a keep-alive. On success it re-stamps last_update_time by
// re-applying the cached value through Update{Bool,Words} — mirroring
// ModbusReader::rewriteDevice's "rewritable->update(...)" call after a
// successful write, without which the mapping would look due for rewrite
// on every subsequent tick instead of once per repeated_write interval.
func (r *Reader) writeMappingCurrent(d *Device, h MappingHandle, m *Mapping) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.readPeriod)
	defer cancel()

	if m.OutputType == OutBool {
		v := m.BoolValue()
		if err := r.transport.WriteCoil(ctx, uint16(m.SlaveAddress), m.Address(), v); err != nil {
			m.SetValid(false)
			return err
		}
		m.UpdateBool(v)
		return nil
	}

	words := m.WordValues()
	var err error
	if len(words) == 1 {
		err = r.transport.WriteHoldingRegister(ctx, uint16(m.SlaveAddress), m.Address(), words[0])
	} else {
		err = r.transport.WriteHoldingRegisters(ctx, uint16(m.SlaveAddress), m.Address(), words)
	}
	if err != nil {
		m.SetValid(false)
		return err
	}
	m.UpdateWords(words)
	return nil
}

func (r *Reader) setDeviceOnline(d *Device, online bool) {
	r.statusMu.Lock()
	prev, seen := r.online[d.SlaveAddress]
	changed := !seen || prev != online
	r.online[d.SlaveAddress] = online
	r.statusMu.Unlock()

	if changed {
		d.fireStatus(online)
		if r.metrics != nil {
			r.metrics.setDeviceOnline(d.Name, online)
		}
	}
}

// WriteMapping writes new as a mapping's bool value. h must reference a
// writable Coil mapping on a device registered with this Reader; any
// other kind, or an unregistered device, is a configuration error.
func (r *Reader) WriteMapping(d *Device, h MappingHandle, new bool) error {
	m := d.Mapping(h)
	if m.Kind != Coil || !m.Kind.Writable() {
		return newConfigError("WriteMapping", fmt.Errorf("%w: mapping %s is not a writable bool", ErrInvalidArgument, m.Reference))
	}
	if !r.isRegistered(d) {
		return newConfigError("WriteMapping", fmt.Errorf("%w: slave %d", ErrUnknownSlave, d.SlaveAddress))
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.readPeriod)
	defer cancel()
	if err := r.transport.WriteCoil(ctx, uint16(m.SlaveAddress), m.Address(), new); err != nil {
		m.SetValid(false)
		return err
	}
	m.UpdateBool(new)
	return nil
}

// WriteBitMapping writes new into the single bit a TakeBit mapping
// addresses, by read-modify-writing the enclosing holding register.
func (r *Reader) WriteBitMapping(d *Device, h MappingHandle, new bool) error {
	m := d.Mapping(h)
	if m.Operation.Kind != OpTakeBit {
		return newConfigError("WriteBitMapping", fmt.Errorf("%w: mapping %s is not a bit mapping", ErrInvalidArgument, m.Reference))
	}
	if !r.isRegistered(d) {
		return newConfigError("WriteBitMapping", fmt.Errorf("%w: slave %d", ErrUnknownSlave, d.SlaveAddress))
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.readPeriod)
	defer cancel()

	current, err := r.transport.ReadHoldingRegisters(ctx, uint16(m.SlaveAddress), m.Address(), 1)
	if err != nil {
		m.SetValid(false)
		return err
	}
	word := current[0]
	if new {
		word |= 1 << uint(m.Operation.BitIndex)
	} else {
		word &^= 1 << uint(m.Operation.BitIndex)
	}
	if err := r.transport.WriteHoldingRegister(ctx, uint16(m.SlaveAddress), m.Address(), word); err != nil {
		m.SetValid(false)
		return err
	}
	m.UpdateBool(new)
	return nil
}

// WriteWordsMapping writes new as a mapping's raw register words. h must
// reference a writable, non-bool mapping on a device registered with this
// Reader, with len(new) == m.RegisterCount.
func (r *Reader) WriteWordsMapping(d *Device, h MappingHandle, new []uint16) error {
	m := d.Mapping(h)
	if !m.Kind.Writable() || m.OutputType == OutBool {
		return newConfigError("WriteWordsMapping", fmt.Errorf("%w: mapping %s is not a writable register", ErrInvalidArgument, m.Reference))
	}
	if len(new) != m.RegisterCount {
		return newConfigError("WriteWordsMapping", fmt.Errorf("%w: expected %d words, got %d", ErrInvalidArgument, m.RegisterCount, len(new)))
	}
	if !r.isRegistered(d) {
		return newConfigError("WriteWordsMapping", fmt.Errorf("%w: slave %d", ErrUnknownSlave, d.SlaveAddress))
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.readPeriod)
	defer cancel()

	var err error
	if len(new) == 1 {
		err = r.transport.WriteHoldingRegister(ctx, uint16(m.SlaveAddress), m.Address(), new[0])
	} else {
		err = r.transport.WriteHoldingRegisters(ctx, uint16(m.SlaveAddress), m.Address(), new)
	}
	if err != nil {
		m.SetValid(false)
		return err
	}
	if m.AutoLocalUpdate {
		m.UpdateWords(new)
	}
	return nil
}
