package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket defines the socket operations used by the listener.
// This abstraction enables unit testing without real network connections.
type UDPSocket interface {
	// ReadFromUDP reads a UDP packet from the socket.
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)

	// SetReadBuffer sets the size of the operating system's receive buffer.
	SetReadBuffer(bytes int) error

	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error

	// Close closes the socket.
	Close() error

	// LocalAddr returns the local network address.
	LocalAddr() net.Addr
}

// UDPSocketFactory defines an interface for creating UDP sockets.
type UDPSocketFactory interface {
	// ListenUDP creates and returns a new UDP socket bound to laddr.
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
// *net.UDPConn satisfies UDPSocket directly.
type RealUDPSocketFactory struct{}

// NewRealUDPSocketFactory creates a new RealUDPSocketFactory.
func NewRealUDPSocketFactory() *RealUDPSocketFactory {
	return &RealUDPSocketFactory{}
}

// ListenUDP binds a new UDP socket.
func (f *RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPSocket implements UDPSocket for testing. Reads return queued
// packets in order; with nothing queued a read waits until the deadline (or
// a short poll slice) and then times out like a real socket.
type MockUDPSocket struct {
	mu                 sync.Mutex
	packets            []MockUDPPacket
	closed             bool
	readBufferSize     int
	readDeadline       time.Time
	readErrors         []error
	localAddress       *net.UDPAddr
	setReadBufferError error
	deadlineError      error
}

// MockUDPPacket represents a packet for mock testing.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// NewMockUDPSocket creates a new MockUDPSocket with the given packets queued.
func NewMockUDPSocket(packets []MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		packets: append([]MockUDPPacket(nil), packets...),
		localAddress: &net.UDPAddr{
			IP:   net.IPv4(127, 0, 0, 1),
			Port: DefaultPort,
		},
	}
}

// Push queues a packet from a fixed loopback sender.
func (m *MockUDPSocket) Push(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, MockUDPPacket{
		Data: []byte(data),
		Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000},
	})
}

// FailNextRead makes the next read return err instead of a packet.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrors = append(m.readErrors, err)
}

// SetDeadlineError makes SetReadDeadline fail with err.
func (m *MockUDPSocket) SetDeadlineError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlineError = err
}

// SetReadBufferError makes SetReadBuffer fail with err.
func (m *MockUDPSocket) SetReadBufferError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setReadBufferError = err
}

// ReadFromUDP returns the next queued packet.
func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, net.ErrClosed
	}
	if len(m.readErrors) > 0 {
		err := m.readErrors[0]
		m.readErrors = m.readErrors[1:]
		m.mu.Unlock()
		return 0, nil, err
	}
	if len(m.packets) > 0 {
		pkt := m.packets[0]
		m.packets = m.packets[1:]
		m.mu.Unlock()
		return copy(b, pkt.Data), pkt.Addr, nil
	}
	wait := time.Until(m.readDeadline)
	m.mu.Unlock()

	if wait <= 0 || wait > 5*time.Millisecond {
		wait = 5 * time.Millisecond
	}
	time.Sleep(wait)
	return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: &timeoutError{}}
}

// SetReadBuffer records the buffer size.
func (m *MockUDPSocket) SetReadBuffer(bytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setReadBufferError != nil {
		return m.setReadBufferError
	}
	m.readBufferSize = bytes
	return nil
}

// SetReadDeadline records the deadline.
func (m *MockUDPSocket) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deadlineError != nil {
		return m.deadlineError
	}
	m.readDeadline = t
	return nil
}

// Close marks the socket as closed.
func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockUDPSocket) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ReadBufferSize returns the value set by SetReadBuffer.
func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readBufferSize
}

// Pending returns the number of queued packets not yet read.
func (m *MockUDPSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.packets)
}

// LocalAddr returns the mock local address.
func (m *MockUDPSocket) LocalAddr() net.Addr {
	return m.localAddress
}

// MockUDPSocketFactory implements UDPSocketFactory for testing.
type MockUDPSocketFactory struct {
	mu sync.Mutex
	// Socket is the socket to return from ListenUDP.
	Socket *MockUDPSocket
	// Error is returned by ListenUDP if set.
	Error error
	// ListenCalls records all ListenUDP calls.
	ListenCalls []MockListenCall
}

// MockListenCall records a call to ListenUDP.
type MockListenCall struct {
	Network string
	Addr    *net.UDPAddr
}

// NewMockUDPSocketFactory creates a new MockUDPSocketFactory.
func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

// ListenUDP returns the configured mock socket.
func (f *MockUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListenCalls = append(f.ListenCalls, MockListenCall{Network: network, Addr: laddr})
	if f.Error != nil {
		return nil, f.Error
	}
	// A restarted listener gets the same socket back, open again.
	f.Socket.mu.Lock()
	f.Socket.closed = false
	f.Socket.mu.Unlock()
	return f.Socket, nil
}

// timeoutError implements net.Error for timeout simulation.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
