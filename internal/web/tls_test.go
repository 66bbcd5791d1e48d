package web

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/orbit/internal/protocol"
)

type testCert struct {
	certFile string
	keyFile  string
	pair     tls.Certificate
	pool     *x509.CertPool
}

// newTestCert writes a self-signed certificate for 127.0.0.1 that is valid
// both as a server certificate and as a client CA
func newTestCert(t *testing.T) testCert {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "orbit-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:              []string{"localhost"},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	tc := testCert{
		certFile: filepath.Join(dir, "server.crt"),
		keyFile:  filepath.Join(dir, "server.key"),
		pool:     x509.NewCertPool(),
	}
	require.NoError(t, os.WriteFile(tc.certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(tc.keyFile, keyPEM, 0o600))
	require.True(t, tc.pool.AppendCertsFromPEM(certPEM))
	tc.pair, err = tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return tc
}

// serveTLS runs the server on a loopback listener and returns its address
func serveTLS(t *testing.T, cfg *tls.Config) string {
	t.Helper()

	s := newTestServer(t, func(o *Options) { o.TLS = cfg })
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancellation")
		}
	})
	return ln.Addr().String()
}

func dialTLS(addr string, clientCfg *tls.Config) (*websocket.Conn, error) {
	dialer := websocket.Dialer{TLSClientConfig: clientCfg, HandshakeTimeout: 2 * time.Second}
	conn, resp, err := dialer.Dial("wss://"+addr+"/ws/mcp?token="+testToken, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func TestServeOverTLS(t *testing.T) {
	tc := newTestCert(t)
	cfg, err := LoadTLSConfig(tc.certFile, tc.keyFile, "")
	require.NoError(t, err)
	addr := serveTLS(t, cfg)

	conn, err := dialTLS(addr, &tls.Config{RootCAs: tc.pool})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, protocol.EventInit, readEvent(t, conn)["type"])

	// plaintext websocket is refused on a TLS listener
	_, _, err = (&websocket.Dialer{HandshakeTimeout: 2 * time.Second}).Dial("ws://"+addr+"/ws/mcp?token="+testToken, nil)
	assert.Error(t, err)
}

func TestServeRequiresClientCertificate(t *testing.T) {
	tc := newTestCert(t)
	cfg, err := LoadTLSConfig(tc.certFile, tc.keyFile, tc.certFile)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	addr := serveTLS(t, cfg)

	_, err = dialTLS(addr, &tls.Config{RootCAs: tc.pool})
	assert.Error(t, err, "a client without a certificate must be refused")

	conn, err := dialTLS(addr, &tls.Config{RootCAs: tc.pool, Certificates: []tls.Certificate{tc.pair}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, protocol.EventInit, readEvent(t, conn)["type"])
}

func TestLoadTLSConfigRejectsEmptyClientCA(t *testing.T) {
	tc := newTestCert(t)
	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))

	_, err := LoadTLSConfig(tc.certFile, tc.keyFile, empty)
	assert.ErrorContains(t, err, "contains no certificates")
}
