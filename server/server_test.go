package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/w3f/challenger/config"
)

type fakeDaemon struct {
	name             string
	startShouldError error
	stopShouldError  error
	startCalledChan  chan bool
	stopCalledChan   chan bool
	startDelay       time.Duration
}

func newFakeDaemon(name string) *fakeDaemon {
	return &fakeDaemon{
		name:            name,
		startCalledChan: make(chan bool, 1),
		stopCalledChan:  make(chan bool, 1),
	}
}

func (fd *fakeDaemon) Name() string { return fd.name }

func (fd *fakeDaemon) Start() error {
	if fd.startDelay > 0 {
		time.Sleep(fd.startDelay)
	}
	fd.startCalledChan <- true
	return fd.startShouldError
}

func (fd *fakeDaemon) Stop(ctx context.Context) error {
	fd.stopCalledChan <- true
	return fd.stopShouldError
}

func newTestServer(t *testing.T) (*Server, *config.Provider) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.ShutdownGracefulTimeout = 200 * time.Millisecond
	provider := config.NewProvider(cfg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return New(provider, handler, logger), provider
}

// generateTestCert creates a self-signed certificate and key, written to
// temp files the way loadTLSConfig expects to read them from.
func generateTestCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"Test Co"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		t.Fatalf("failed to marshal private key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatalf("failed to write cert file: %v", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	return certFile, keyFile
}

func TestRunFullLifecycle(t *testing.T) {
	server, _ := newTestServer(t)
	d := newFakeDaemon("test-daemon")
	server.AddDaemon(d)

	runDone := make(chan struct{})
	go func() {
		server.Run()
		close(runDone)
	}()

	select {
	case <-d.startCalledChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for daemon to start")
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("failed to send SIGINT: %v", err)
	}

	select {
	case <-d.stopCalledChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for daemon to stop")
	}

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestRunDaemonStartFailureStopsEarlierDaemons(t *testing.T) {
	server, _ := newTestServer(t)
	d1 := newFakeDaemon("daemon1-ok")
	d2 := newFakeDaemon("daemon2-fail")
	d2.startShouldError = errors.New("startup failed")
	server.AddDaemon(d1)
	server.AddDaemon(d2)

	runDone := make(chan struct{})
	go func() {
		server.Run()
		close(runDone)
	}()

	select {
	case <-d1.startCalledChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for daemon1 to start")
	}
	select {
	case <-d2.startCalledChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for daemon2 start to be attempted")
	}
	select {
	case <-d1.stopCalledChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for daemon1 to be stopped during cleanup")
	}
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run to return after daemon failure")
	}
}

func TestAddDaemonNil(t *testing.T) {
	server, _ := newTestServer(t)
	server.AddDaemon(nil)
	if len(server.daemons) != 0 {
		t.Error("expected daemon list to be empty after adding nil")
	}
}

func TestRedirectToHTTPS(t *testing.T) {
	server, provider := newTestServer(t)
	cfg := provider.Get()
	cfg.Server.EnableTLS = true
	cfg.Server.Addr = "secure.example.com:8443"
	provider.Update(cfg)

	handler := server.redirectToHTTPS()

	req, err := http.NewRequest("GET", "/test/path?query=val", nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.RequestURI = "/test/path?query=val"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusMovedPermanently {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusMovedPermanently)
	}
	expectedURL := "https://secure.example.com:8443/test/path?query=val"
	if location := rr.Header().Get("Location"); location != expectedURL {
		t.Errorf("handler returned wrong redirect location: got %q want %q", location, expectedURL)
	}
}

func TestLoadTLSConfigSuccess(t *testing.T) {
	certFile, keyFile := generateTestCert(t)
	cfg := &config.Server{CertFile: certFile, KeyFile: keyFile}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		t.Fatalf("loadTLSConfig returned an unexpected error: %v", err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(tlsConfig.Certificates))
	}
	if tlsConfig.MinVersion != tls.VersionTLS13 {
		t.Errorf("expected MinVersion to be TLS 1.3, got %d", tlsConfig.MinVersion)
	}
}

func TestLoadTLSConfigMismatchedKeyPair(t *testing.T) {
	certFile, _ := generateTestCert(t)
	_, keyFile2 := generateTestCert(t)
	cfg := &config.Server{CertFile: certFile, KeyFile: keyFile2}

	if _, err := loadTLSConfig(cfg); err == nil {
		t.Fatal("expected an error for mismatched key pair, got nil")
	}
}

func TestLoadTLSConfigMissingFiles(t *testing.T) {
	cfg := &config.Server{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	if _, err := loadTLSConfig(cfg); err == nil {
		t.Fatal("expected an error for missing files, got nil")
	}
}
