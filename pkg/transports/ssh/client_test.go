package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server with an SFTP subsystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

// newTestSSHServer creates a new test SSH server.
func newTestSSHServer(t *testing.T) *testSSHServer {
	_, privateKey, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}

	config.AddHostKey(privateKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}

	go server.serve()

	return server
}

// serve handles incoming connections.
func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single SSH connection.
func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go s.handleChannel(channel, requests)
	}
}

// handleChannel serves the sftp subsystem and refuses everything else.
func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type == "subsystem" && string(req.Payload[4:]) == "sftp" {
			if req.WantReply {
				req.Reply(true, nil)
			}
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}

// close shuts down the test server.
func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

// generateTestKey generates a test SSH key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}

	publicKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKey, signer, nil
}

func connectTestClient(t *testing.T, server *testSSHServer, root string) *Client {
	t.Helper()
	host, port := parseAddress(server.addr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	config.Root = root

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Disconnect() })
	return client
}

func TestClientConnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server, "/")

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
	if info.ConnectedAt.IsZero() {
		t.Error("expected connection time to be set")
	}

	// a second Connect on a live connection is a no-op
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
}

func TestClientDisconnect(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	client := connectTestClient(t, server, "/")
	if _, err := client.SFTP(); err != nil {
		t.Fatalf("sftp: %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}

	_, err := client.SFTP()
	var terr *TransportError
	if !errors.As(err, &terr) || terr.Op != "sftp" {
		t.Errorf("expected sftp transport error after disconnect, got %v", err)
	}
}

func TestClientWrongPassword(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)
	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "nope"
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestClientKeyBasedAuth(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	host, port := parseAddress(server.addr)

	keyPath := writeTestKey(t, t.TempDir())

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodKey
	config.PrivateKeyPath = keyPath
	config.StrictHostKeyChecking = false

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect with key auth: %v", err)
	}
	defer client.Disconnect()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestFSRoundTrip(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	root := t.TempDir()
	fsys := NewFS(connectTestClient(t, server, root))
	ctx := context.Background()

	if err := fsys.WriteFile(ctx, "/home/alice/data/iris.rmhdf5table", []byte("payload")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// written below the configured root
	onDisk, err := os.ReadFile(filepath.Join(root, "home", "alice", "data", "iris.rmhdf5table"))
	if err != nil || string(onDisk) != "payload" {
		t.Fatalf("file on disk = %q, %v", onDisk, err)
	}

	got, err := fsys.ReadFile(ctx, "/home/alice/data/iris.rmhdf5table")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("ReadFile = %q, want %q", got, "payload")
	}

	info, err := fsys.Stat(ctx, "/home/alice/data/iris.rmhdf5table")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != int64(len("payload")) {
		t.Errorf("Size = %d", info.Size())
	}

	if err := fsys.WriteFile(ctx, "/home/alice/data/a.rmp", []byte("<process/>")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	entries, err := fsys.ReadDir(ctx, "/home/alice/data")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 || entries[0].Name() != "a.rmp" || entries[1].Name() != "iris.rmhdf5table" {
		t.Errorf("ReadDir returned %v", entries)
	}

	if err := fsys.Remove(ctx, "/home/alice/data/a.rmp"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := fsys.Stat(ctx, "/home/alice/data/a.rmp"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat after Remove = %v, want fs.ErrNotExist", err)
	}
}

func TestFSMissingFile(t *testing.T) {
	server := newTestSSHServer(t)
	defer server.close()

	fsys := NewFS(connectTestClient(t, server, t.TempDir()))

	_, err := fsys.ReadFile(context.Background(), "/nothing/here")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("ReadFile error = %v, want fs.ErrNotExist", err)
	}
	if _, err := fsys.Stat(context.Background(), "/nothing/here"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat error = %v, want fs.ErrNotExist", err)
	}
}

func TestFSNamesStayBelowRoot(t *testing.T) {
	fsys := &FS{root: "/srv/repo"}
	tests := map[string]string{
		"/a/b":          "/srv/repo/a/b",
		"a/b":           "/srv/repo/a/b",
		"/../../etc/pw": "/srv/repo/etc/pw",
	}
	for in, want := range tests {
		if got := fsys.resolve(in); got != want {
			t.Errorf("resolve(%q) = %q, want %q", in, got, want)
		}
	}
}

// parseAddress splits an address into host and port.
func parseAddress(addr string) (string, int) {
	host, portStr, _ := net.SplitHostPort(addr)
	port := 0
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
