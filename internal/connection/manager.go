package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// ClientInfo holds information about a connected device
type ClientInfo struct {
	ConnectionID  string
	UserID        string
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Conn          net.Conn
	mu            sync.RWMutex
	writeMu       sync.Mutex
}

// UpdateLastHeardFrom updates the last activity timestamp
func (c *ClientInfo) UpdateLastHeardFrom(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastHeardFrom = now
}

// GetLastHeardFrom returns the last activity timestamp
func (c *ClientInfo) GetLastHeardFrom() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastHeardFrom
}

// Write sends one newline-terminated line to the device. Acks from the
// reader goroutine and forwarded alerts may write concurrently.
func (c *ClientInfo) Write(line []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	_, err := c.Conn.Write(line)
	return err
}

// Manager manages all identified device connections
type Manager struct {
	clients  map[string]*ClientInfo // key: connection_id
	byUser   map[string][]string    // key: user_id, value: []connection_id
	mu       sync.RWMutex
	maxConns int
	clock    func() time.Time
}

// NewManager creates a new connection manager
func NewManager(maxConnections int) *Manager {
	return &Manager{
		clients:  make(map[string]*ClientInfo),
		byUser:   make(map[string][]string),
		maxConns: maxConnections,
		clock:    time.Now,
	}
}

// Register adds an identified device connection. A user may be connected
// from more than one device.
func (m *Manager) Register(connectionID, userID string, conn net.Conn) (*ClientInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.clients) >= m.maxConns {
		return nil, ErrMaxConnectionsReached
	}

	if _, exists := m.clients[connectionID]; exists {
		return nil, fmt.Errorf("connection ID %s already registered", connectionID)
	}

	now := m.clock()
	client := &ClientInfo{
		ConnectionID:  connectionID,
		UserID:        userID,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}

	m.clients[connectionID] = client
	m.byUser[userID] = append(m.byUser[userID], connectionID)

	return client, nil
}

// Unregister removes a device connection
func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[connectionID]
	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	userID := client.UserID
	if connIDs, ok := m.byUser[userID]; ok {
		for i, id := range connIDs {
			if id == connectionID {
				m.byUser[userID] = append(connIDs[:i], connIDs[i+1:]...)
				break
			}
		}
		if len(m.byUser[userID]) == 0 {
			delete(m.byUser, userID)
		}
	}

	delete(m.clients, connectionID)

	return nil
}

// Get retrieves client information by connection ID
func (m *Manager) Get(connectionID string) (*ClientInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[connectionID]
	return client, exists
}

// GetByUser retrieves all connection IDs of a user
func (m *Manager) GetByUser(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connIDs := m.byUser[userID]
	result := make([]string, len(connIDs))
	copy(result, connIDs)
	return result
}

// SendToUser writes a line to every device of a user and returns how many
// devices received it
func (m *Manager) SendToUser(userID string, line []byte, timeout time.Duration) int {
	m.mu.RLock()
	var targets []*ClientInfo
	for _, id := range m.byUser[userID] {
		if c, ok := m.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.Write(line, timeout); err == nil {
			sent++
		}
	}
	return sent
}

// UpdateActivity updates the last heard from timestamp for a connection
func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	client, exists := m.clients[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	client.UpdateLastHeardFrom(m.clock())
	return nil
}

// GetInactiveConnections returns connection IDs that haven't been heard from in the given duration
func (m *Manager) GetInactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	var inactive []string

	for connID, client := range m.clients {
		if now.Sub(client.GetLastHeardFrom()) > timeout {
			inactive = append(inactive, connID)
		}
	}

	return inactive
}

// Count returns the total number of active connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// GetAllConnections returns all connection IDs
func (m *Manager) GetAllConnections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connIDs := make([]string, 0, len(m.clients))
	for connID := range m.clients {
		connIDs = append(connIDs, connID)
	}
	return connIDs
}

// Stats returns statistics about the connection manager
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.clients),
		UniqueUsers:      len(m.byUser),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats contains statistics about the connection manager
type ManagerStats struct {
	TotalConnections int
	UniqueUsers      int
	MaxConnections   int
}

var (
	ErrMaxConnectionsReached = &ConnectionError{"maximum connections reached"}
)

// ConnectionError represents a connection error
type ConnectionError struct {
	msg string
}

func (e *ConnectionError) Error() string {
	return e.msg
}
