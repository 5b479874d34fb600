package sasl

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeAuth struct {
	users map[string]string
	err   error
}

func (f fakeAuth) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	pw, ok := f.users[username]
	return ok && pw == password, nil
}

type client struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T, a fakeAuth, opts ...Option) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "sasl_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	socket := filepath.Join(dir, "auth.sock")
	srv := NewServer(socket, a, opts...)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return socket
}

func dial(t *testing.T, socket string) *client {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: t, conn: conn, r: bufio.NewReader(conn)}

	var handshake []string
	for {
		line := c.readLine()
		handshake = append(handshake, line)
		if line == "DONE" {
			break
		}
	}
	if handshake[0] != "VERSION\t1\t2" {
		t.Errorf("Expected VERSION first, got %q", handshake[0])
	}
	joined := strings.Join(handshake, "\n")
	if !strings.Contains(joined, "MECH\tPLAIN\tplaintext") || !strings.Contains(joined, "MECH\tLOGIN\tplaintext") {
		t.Errorf("Expected PLAIN and LOGIN mechanisms, got %q", joined)
	}

	c.write("VERSION\t1\t2")
	c.write("CPID\t4242")
	return c
}

func (c *client) write(line string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *client) readLine() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestPlainWithInitialResponse(t *testing.T) {
	c := dial(t, startServer(t, fakeAuth{users: map[string]string{"alice": "secret"}}))

	c.write("AUTH\t1\tPLAIN\tservice=smtp\tresp=" + b64("\x00alice\x00secret"))
	if got := c.readLine(); got != "OK\t1\tuser=alice" {
		t.Errorf("Expected OK, got %q", got)
	}

	c.write("AUTH\t2\tPLAIN\tservice=smtp\tresp=" + b64("\x00alice\x00wrong"))
	if got := c.readLine(); got != "FAIL\t2\tuser=alice\treason=Invalid credentials" {
		t.Errorf("Expected FAIL, got %q", got)
	}
}

func TestDomainQualifiesLogin(t *testing.T) {
	c := dial(t, startServer(t, fakeAuth{users: map[string]string{"alice@example.org": "secret"}}, WithDomain("example.org")))

	c.write("AUTH\t1\tPLAIN\tservice=smtp\tresp=" + b64("\x00alice\x00secret"))
	if got := c.readLine(); got != "OK\t1\tuser=alice@example.org" {
		t.Errorf("Expected qualified OK, got %q", got)
	}
}

func TestPlainWithContinuation(t *testing.T) {
	c := dial(t, startServer(t, fakeAuth{users: map[string]string{"alice": "secret"}}))

	c.write("AUTH\t7\tPLAIN\tservice=smtp")
	if got := c.readLine(); got != "CONT\t7\t" {
		t.Fatalf("Expected empty CONT, got %q", got)
	}
	c.write("CONT\t7\t" + b64("alice\x00alice\x00secret"))
	if got := c.readLine(); got != "OK\t7\tuser=alice" {
		t.Errorf("Expected OK, got %q", got)
	}
}

func TestPlainRejectsForeignAuthzid(t *testing.T) {
	c := dial(t, startServer(t, fakeAuth{users: map[string]string{"alice": "secret"}}))

	c.write("AUTH\t1\tPLAIN\tresp=" + b64("bob\x00alice\x00secret"))
	if got := c.readLine(); !strings.HasPrefix(got, "FAIL\t1") {
		t.Errorf("Expected FAIL, got %q", got)
	}
}

func TestLogin(t *testing.T) {
	c := dial(t, startServer(t, fakeAuth{users: map[string]string{"alice": "secret"}}))

	c.write("AUTH\t3\tLOGIN\tservice=smtp")
	if got := c.readLine(); got != "CONT\t3\t"+b64("Username:") {
		t.Fatalf("Expected username prompt, got %q", got)
	}
	c.write("CONT\t3\t" + b64("alice"))
	if got := c.readLine(); got != "CONT\t3\t"+b64("Password:") {
		t.Fatalf("Expected password prompt, got %q", got)
	}
	c.write("CONT\t3\t" + b64("secret"))
	if got := c.readLine(); got != "OK\t3\tuser=alice" {
		t.Errorf("Expected OK, got %q", got)
	}
}

func TestLoginWithInitialResponse(t *testing.T) {
	c := dial(t, startServer(t, fakeAuth{users: map[string]string{"alice": "secret"}}))

	c.write("AUTH\t4\tLOGIN\tresp=" + b64("alice"))
	if got := c.readLine(); got != "CONT\t4\t"+b64("Password:") {
		t.Fatalf("Expected password prompt, got %q", got)
	}
	c.write("CONT\t4\t" + b64("nope"))
	if got := c.readLine(); !strings.HasPrefix(got, "FAIL\t4\tuser=alice") {
		t.Errorf("Expected FAIL, got %q", got)
	}
}

func TestAuthErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"unsupported mechanism", "AUTH\t1\tCRAM-MD5", "FAIL\t1\treason=Unsupported mechanism"},
		{"bad base64", "AUTH\t2\tPLAIN\tresp=!!!", "FAIL\t2\treason=Invalid encoding"},
		{"empty response", "AUTH\t3\tPLAIN\tresp=", "FAIL\t3\treason=Invalid credentials"},
		{"unknown continuation", "CONT\t9\tYQ==", "FAIL\t9\treason=Unknown request id"},
	}

	c := dial(t, startServer(t, fakeAuth{users: map[string]string{}}))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.t = t
			c.write(tt.line)
			if got := c.readLine(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestBackendFailureIsTemporary(t *testing.T) {
	c := dial(t, startServer(t, fakeAuth{err: errors.New("connection refused")}))

	c.write("AUTH\t1\tPLAIN\tresp=" + b64("\x00alice\x00secret"))
	if got := c.readLine(); got != "FAIL\t1\tuser=alice\ttemp\treason=Temporary authentication failure" {
		t.Errorf("Expected temporary failure, got %q", got)
	}
}

func TestUnsupportedVersionClosesConnection(t *testing.T) {
	socket := startServer(t, fakeAuth{})
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if line == "DONE\n" {
			break
		}
	}

	_, _ = conn.Write([]byte("VERSION\t2\t0\n"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("Expected connection to be closed")
	}
}

func TestSocketPermissionsAndCleanup(t *testing.T) {
	dir, err := os.MkdirTemp("", "sasl_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()
	socket := filepath.Join(dir, "auth.sock")

	srv := NewServer(socket, fakeAuth{})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	info, err := os.Stat(socket)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0666 {
		t.Errorf("Expected 0666, got %v", info.Mode().Perm())
	}

	if err := srv.Shutdown(); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if _, err := os.Stat(socket); !os.IsNotExist(err) {
		t.Error("Expected socket to be removed")
	}
	if err := srv.Shutdown(); err != nil {
		t.Errorf("Second Shutdown failed: %v", err)
	}
}
