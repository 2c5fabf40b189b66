// Command sshcored is a bootstrap server wiring a TCP listener, an
// identity provider, and a connproto.Connection together: accept a
// connection, authenticate it with a single length-prefixed
// "user\x00password" frame, then drive the connection-protocol core
// against it for the rest of its lifetime.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sshcore/connproto"
	"sshcore/identity"
	"sshcore/internal/config"
)

const (
	defaultListenAddress = "0.0.0.0"
	defaultListenPort    = 2222
)

func main() {
	addr := flag.String("listen", fmt.Sprintf("%s:%d", defaultListenAddress, defaultListenPort), "address to listen on")
	userDBPath := flag.String("userdb", defaultUserDBPath(), "path to the bcrypt account database")
	pamService := flag.String("pam-service", "", "PAM service name to authenticate against instead of the bcrypt database")
	metricsAddr := flag.String("metrics-listen", "", "address to serve Prometheus metrics on (disabled if empty)")
	flag.Parse()

	provider, err := buildProvider(*pamService, *userDBPath)
	if err != nil {
		log.Fatalf("sshcored: %v", err)
	}

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg)
	}

	srv := newServer(provider, reg)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("sshcored: listen: %v", err)
	}
	log.Printf("sshcored: listening on %s", *addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("sshcored: shutting down")
		ln.Close()
		srv.closeAll()
	}()

	srv.acceptLoop(ln)
}

// defaultUserDBPath resolves the per-user config directory the same
// way the rest of the ecosystem's daemons do (XDG_CONFIG_HOME on
// Unix, APPDATA on Windows, falling back to ~/.config); if that fails
// -- no HOME/USERPROFILE in the environment -- fall back to a plain
// relative path rather than refusing to start.
func defaultUserDBPath() string {
	path, err := config.GetUserDBPath()
	if err != nil {
		return "users.json"
	}
	return path
}

func buildProvider(pamService, userDBPath string) (identity.Provider, error) {
	if pamService != "" {
		return identity.NewPAMProvider(pamService), nil
	}
	return identity.NewBcryptProvider(userDBPath)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("sshcored: metrics server: %v", err)
	}
}

// server tracks live connections the way the teacher's tunnel.Server
// does: a sync.Map keyed by connection plus an atomic active count,
// so a shutdown signal can both stop accepting and tear down whatever
// is still running.
type server struct {
	provider identity.Provider
	reg      *prometheus.Registry

	conns       sync.Map // map[*connproto.Connection]struct{}
	activeCount int32
}

func newServer(provider identity.Provider, reg *prometheus.Registry) *server {
	return &server{provider: provider, reg: reg}
}

func (s *server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *server) closeAll() {
	s.conns.Range(func(key, _ any) bool {
		key.(*connproto.Connection).Close()
		return true
	})
}

func (s *server) handle(raw net.Conn) {
	defer raw.Close()

	id, err := authenticate(raw, s.provider)
	if err != nil {
		log.Printf("sshcored: %s: authentication failed: %v", raw.RemoteAddr(), err)
		return
	}
	log.Printf("sshcored: %s: authenticated as %q", raw.RemoteAddr(), id.User())

	stream := connproto.NewPacketStream(raw, 1<<20)
	cfg := connproto.DefaultConnectionConfig()
	cfg.OnSessionRequest = runShellCommand
	cfg.OnDirectTcpIpRequest = dialDirectTcpIp

	c := connproto.NewConnection(stream, cfg, s.reg)

	s.conns.Store(c, struct{}{})
	newCount := atomic.AddInt32(&s.activeCount, 1)
	log.Printf("sshcored: connection added, active=%d", newCount)
	defer func() {
		s.conns.Delete(c)
		newCount := atomic.AddInt32(&s.activeCount, -1)
		log.Printf("sshcored: connection removed, active=%d", newCount)
	}()

	if err := c.Run(); err != nil {
		log.Printf("sshcored: %s: connection ended: %v", raw.RemoteAddr(), err)
	}
}

// authenticate reads one length-prefixed "user\x00password" frame.
// This stands in for the transport-layer authentication exchange a
// real SSH daemon would have already completed before connproto ever
// sees the connection (out of this implementation's scope — see
// connproto.PacketStream's doc comment).
func authenticate(conn net.Conn, provider identity.Provider) (identity.Identity, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(conn, lenPrefix[:]); err != nil {
		return identity.Identity{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 || n > 4096 {
		return identity.Identity{}, fmt.Errorf("invalid auth frame length %d", n)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(conn, frame); err != nil {
		return identity.Identity{}, err
	}
	for i, b := range frame {
		if b == 0 {
			return provider.Authenticate(context.Background(), string(frame[:i]), string(frame[i+1:]))
		}
	}
	return identity.Identity{}, fmt.Errorf("malformed auth frame: no separator")
}

// runShellCommand is the default OnSessionRequest: it runs sess.Command
// under /bin/sh -c (or a plain shell for an empty "shell" request),
// wiring its stdio straight to the session's buffers.
func runShellCommand(ctx context.Context, sess *connproto.Session) connproto.ExitResult {
	shellCmd := sess.Command
	if shellCmd == "" {
		shellCmd = os.Getenv("SHELL")
		if shellCmd == "" {
			shellCmd = "/bin/sh"
		}
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellCmd)
	cmd.Stdin = sess.Stdin
	cmd.Stdout = sess.Stdout
	cmd.Stderr = sess.Stderr
	for k, v := range sess.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return connproto.Exited(uint32(exitErr.ExitCode()))
		}
		return connproto.ExitResult{Signal: &connproto.ExitSignal{Name: "ILL", Message: err.Error()}}
	}
	return connproto.Exited(0)
}

// dialDirectTcpIp is the default OnDirectTcpIpRequest: plain TCP
// proxying to destHost:destPort, splicing the dialed connection with
// the channel's duplex stream.
func dialDirectTcpIp(ctx context.Context, destHost string, destPort uint32, stream connproto.DuplexStream) error {
	var d net.Dialer
	target, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", destHost, destPort))
	if err != nil {
		return err
	}
	defer target.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(target, stream); done <- struct{}{} }()
	go func() { io.Copy(stream, target); done <- struct{}{} }()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}
