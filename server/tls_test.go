package server_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brineport/netframe/client"
	"github.com/brineport/netframe/message"
	"github.com/brineport/netframe/server"
	"github.com/brineport/netframe/tlsutil"
)

// writeSelfSignedCert writes a self-signed certificate/key pair for
// 127.0.0.1 to two temp files under t's test directory and returns their
// paths, so tlsutil.ServerConfig can be exercised the same way it would
// be against an operator-supplied certificate.
func writeSelfSignedCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func loadCertPoolForTest(t *testing.T, certFile string) *x509.CertPool {
	t.Helper()
	pemBytes, err := os.ReadFile(certFile)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pemBytes))
	return pool
}

func TestTLSEchoPing(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	serverCfg, err := tlsutil.ServerConfig(certFile, keyFile)
	require.NoError(t, err)

	port := freePort(t)
	srv := server.New(server.Hooks{}, server.WithTLS(serverCfg))
	require.NoError(t, srv.Start(port, 8))
	defer srv.Stop()

	stop := make(chan struct{})
	defer close(stop)
	pump(t, srv, stop)

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			cc, msg, err := srv.NextMessage()
			if err == nil && msg != nil {
				_ = srv.SendMessage(cc, msg)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	clientCfg := tlsutil.ClientConfig("127.0.0.1", false)
	clientCfg.RootCAs = loadCertPoolForTest(t, certFile)

	cl := client.New(client.WithTLS(clientCfg))
	require.Eventually(t, func() bool {
		return cl.Connect("127.0.0.1", port) == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer cl.Disconnect()

	payload := []byte("over-tls")
	msg := message.New(1)
	require.NoError(t, msg.Append(payload))
	cl.SendMessage(msg)

	require.Eventually(t, cl.AvailableMessages, 2*time.Second, 10*time.Millisecond)
	got, err := cl.NextMessage()
	require.NoError(t, err)
	require.Equal(t, payload, got.Payload())
}

func TestTLSRejectsPlainDial(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)
	serverCfg, err := tlsutil.ServerConfig(certFile, keyFile)
	require.NoError(t, err)

	port := freePort(t)
	srv := server.New(server.Hooks{}, server.WithTLS(serverCfg))
	require.NoError(t, srv.Start(port, 8))
	defer srv.Stop()

	stop := make(chan struct{})
	defer close(stop)
	pump(t, srv, stop)

	// A plain-TCP client dialing a TLS-only listener completes the TCP
	// three-way handshake (Connect succeeds), but the bytes it sends are
	// not a valid TLS record; the server-side handshake rejects them and
	// closes the socket, which the client observes as a latched I/O error.
	cl := client.New()
	require.NoError(t, cl.Connect("127.0.0.1", port))
	defer cl.Disconnect()

	cl.SendMessage(message.New(0))

	require.Eventually(t, func() bool {
		_, ioErr := cl.ConnectionEstablished()
		return ioErr != nil
	}, 2*time.Second, 10*time.Millisecond)
}
