package uds

import (
	"net"
	"os"
	"sync"

	"fabric/pkg/exception"
)

var _ net.Listener = (*Server)(nil)

// Server listens for Unix domain socket connections. After Listen it
// satisfies net.Listener, so stream servers can accept from it the same way
// they accept from TCP.
type Server struct {
	mu   sync.Mutex
	addr net.UnixAddr
	ln   *net.UnixListener
}

// NewServer creates a server for the provided socket path.
func NewServer(path string) (*Server, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Server{addr: net.UnixAddr{Name: path, Net: unixNetwork}}, nil
}

// Listen creates the socket at path and returns the listening server.
func Listen(path string) (*Server, error) {
	s, err := NewServer(path)
	if err != nil {
		return nil, err
	}
	if err := s.Listen(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the configured socket path.
func (s *Server) Path() string {
	if s == nil {
		return ""
	}
	return s.addr.Name
}

// Listen starts listening on the configured socket path.
// It removes an existing socket file when present.
func (s *Server) Listen() error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr.Name == "" {
		return exception.ErrEmptyPathUDS
	}
	if s.ln != nil {
		return exception.ErrAlreadyListeningUDS
	}
	if err := RemoveIfExists(s.addr.Name); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &s.addr)
	if err != nil {
		return err
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

func (s *Server) listener() *net.UnixListener {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	return ln
}

// Accept waits for the next incoming connection.
func (s *Server) Accept() (net.Conn, error) {
	if s == nil {
		return nil, exception.ErrNilServerUDS
	}
	ln := s.listener()
	if ln == nil {
		return nil, exception.ErrNotListeningUDS
	}
	return ln.AcceptUnix()
}

// Addr returns the socket address.
func (s *Server) Addr() net.Addr {
	if s == nil {
		return nil
	}
	if ln := s.listener(); ln != nil {
		return ln.Addr()
	}
	addr := s.addr
	return &addr
}

// Close stops the listener and unlinks the socket file.
func (s *Server) Close() error {
	if s == nil {
		return exception.ErrNilServerUDS
	}
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// RemoveIfExists removes the socket file if it exists.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptyPathUDS
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return exception.ErrPathNotSocketUDS
	}
	return os.Remove(path)
}
