package connection

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockAddr struct{}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return "127.0.0.1:0" }

type mockConn struct {
	written [][]byte
}

func (m *mockConn) Read(b []byte) (n int, err error) { return 0, nil }
func (m *mockConn) Write(b []byte) (n int, err error) {
	m.written = append(m.written, append([]byte(nil), b...))
	return len(b), nil
}
func (m *mockConn) Close() error                       { return nil }
func (m *mockConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &mockAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func TestManager_Register(t *testing.T) {
	m := NewManager(10)

	client, err := m.Register("conn1", "alice", &mockConn{})
	require.NoError(t, err)
	assert.Equal(t, "alice", client.UserID)
	assert.Equal(t, 1, m.Count())

	got, ok := m.Get("conn1")
	require.True(t, ok)
	assert.Same(t, client, got)

	_, err = m.Register("conn1", "alice", &mockConn{})
	assert.Error(t, err)
}

func TestManager_RegisterMaxConnections(t *testing.T) {
	m := NewManager(2)

	_, err := m.Register("conn1", "alice", &mockConn{})
	require.NoError(t, err)
	_, err = m.Register("conn2", "bob", &mockConn{})
	require.NoError(t, err)

	_, err = m.Register("conn3", "carol", &mockConn{})
	assert.ErrorIs(t, err, ErrMaxConnectionsReached)
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(10)

	_, _ = m.Register("conn1", "alice", &mockConn{})
	_, _ = m.Register("conn2", "alice", &mockConn{})

	require.NoError(t, m.Unregister("conn1"))
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, []string{"conn2"}, m.GetByUser("alice"))

	require.NoError(t, m.Unregister("conn2"))
	assert.Empty(t, m.GetByUser("alice"))
	assert.Equal(t, 0, m.Stats().UniqueUsers)

	assert.Error(t, m.Unregister("conn2"))
}

func TestManager_SendToUser(t *testing.T) {
	m := NewManager(10)
	phone := &mockConn{}
	watch := &mockConn{}
	other := &mockConn{}

	_, _ = m.Register("conn1", "alice", phone)
	_, _ = m.Register("conn2", "alice", watch)
	_, _ = m.Register("conn3", "bob", other)

	sent := m.SendToUser("alice", []byte(`{"type":"alert"}`), time.Second)
	assert.Equal(t, 2, sent)
	require.Len(t, phone.written, 1)
	assert.Equal(t, "{\"type\":\"alert\"}\n", string(phone.written[0]))
	assert.Len(t, watch.written, 1)
	assert.Empty(t, other.written)

	assert.Equal(t, 0, m.SendToUser("nobody", []byte("x"), time.Second))
}

func TestClientInfo_WriteOverPipe(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	info := &ClientInfo{ConnectionID: "conn1", UserID: "alice", Conn: server}

	go func() {
		_ = info.Write([]byte(`{"type":"ack","status":"alive"}`), time.Second)
	}()

	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"ack\",\"status\":\"alive\"}\n", line)
}

func TestManager_UpdateActivity(t *testing.T) {
	m := NewManager(10)
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	_, _ = m.Register("conn1", "alice", &mockConn{})

	now = now.Add(time.Minute)
	require.NoError(t, m.UpdateActivity("conn1"))

	client, _ := m.Get("conn1")
	assert.Equal(t, now, client.GetLastHeardFrom())
	assert.Error(t, m.UpdateActivity("missing"))
}

func TestManager_GetInactiveConnections(t *testing.T) {
	m := NewManager(10)
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	_, _ = m.Register("conn1", "alice", &mockConn{})
	now = now.Add(5 * time.Minute)
	_, _ = m.Register("conn2", "bob", &mockConn{})

	assert.Equal(t, []string{"conn1"}, m.GetInactiveConnections(2*time.Minute))
	assert.ElementsMatch(t, []string{"conn1", "conn2"}, m.GetAllConnections())
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(100)

	_, _ = m.Register("conn1", "alice", &mockConn{})
	_, _ = m.Register("conn2", "alice", &mockConn{})
	_, _ = m.Register("conn3", "bob", &mockConn{})

	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.UniqueUsers)
	assert.Equal(t, 100, stats.MaxConnections)
}
