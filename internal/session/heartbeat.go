package session

import (
	"sync"
	"time"
)

// HeartbeatMonitor drives client-side liveness for one connection: it
// emits a probe every interval and arms a timeout that only an
// acknowledgment resets. When the timeout fires the monitor stops itself
// and invokes the timeout handler exactly once.
type HeartbeatMonitor struct {
	interval time.Duration
	timeout  time.Duration
	send     func()
	expired  func()

	mu      sync.Mutex
	timer   *time.Timer
	stop    chan struct{}
	running bool
}

// NewHeartbeatMonitor builds a monitor. send emits one heartbeat probe;
// onTimeout is called from the monitor's own goroutine when the remote
// goes silent past the timeout.
func NewHeartbeatMonitor(interval, timeout time.Duration, send func(), onTimeout func()) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	return &HeartbeatMonitor{interval: interval, timeout: timeout, send: send, expired: onTimeout}
}

// Start begins probing. Calling Start on a running monitor is a no-op.
func (m *HeartbeatMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.timer = time.AfterFunc(m.timeout, m.fire)
	stop := m.stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.send()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.send()
			}
		}
	}()
}

// Stop halts probing and disarms the pending timeout.
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *HeartbeatMonitor) stopLocked() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// MarkReceived records an acknowledgment, disarming the pending timeout
// and re-arming the next one.
func (m *HeartbeatMonitor) MarkReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = time.AfterFunc(m.timeout, m.fire)
}

func (m *HeartbeatMonitor) fire() {
	m.mu.Lock()
	wasRunning := m.running
	m.stopLocked()
	m.mu.Unlock()
	if wasRunning && m.expired != nil {
		m.expired()
	}
}
