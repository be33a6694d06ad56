package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/nub/internal/util"
)

// Path is the URL path the signaling server answers on.
const Path = "/ws"

const (
	pinLength        = 6
	handshakeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// server accepts exactly one PIN-authenticated WebSocket peer.
type server struct {
	pin    string
	http   *http.Server
	connCh chan *websocket.Conn
}

func newServer(pin string) *server {
	s := &server{
		pin:    pin,
		connCh: make(chan *websocket.Conn, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}
	return s
}

// start listens on addr (":0" picks a random port) and returns the port.
func (s *server) start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start signaling server on %s: %w", addr, err)
	}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("signaling server stopped: %v", err)
		}
	}()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if subtle.ConstantTimeCompare([]byte(pin), []byte(s.pin)) != 1 {
		util.LogWarning("signaling: rejected %s (bad PIN)", r.RemoteAddr)
		http.Error(w, "invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogDebug("signaling: upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	select {
	case s.connCh <- conn:
	default:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "peer already connected"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// waitForClient blocks until the peer connects or ctx is done.
func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// close stops accepting. The accepted connection stays open.
func (s *server) close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.http.Shutdown(ctx)
}

// connect dials a signaling server.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling server refused connection: %s", resp.Status)
		}
		return nil, fmt.Errorf("failed to reach signaling server: %w", err)
	}
	return conn, nil
}

// generatePIN returns a random numeric PIN of pinLength digits.
func generatePIN() string {
	digits := make([]byte, pinLength)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = '0' + byte(n.Int64())
	}
	return string(digits)
}
