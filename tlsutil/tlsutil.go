// Package tlsutil builds the *tls.Config values passed to server.WithTLS
// and client.WithTLS when an embedding application wants an encrypted
// transport. The framing core itself does no encryption; TLS is strictly
// an external collaborator wrapping the net.Listener/net.Conn the core is
// handed, the way crypto/tls.Listener wraps a net.Listener transparently.
//
// Configuration mirrors the teacher's hardwired TLS 1.3-only listener in
// server/main.go, generalized into a reusable constructor instead of a
// literal struct at main's call site.
package tlsutil

import "crypto/tls"

// ServerConfig loads a certificate/key pair and returns a TLS 1.3-only
// config suitable for wrapping a net.Listener, matching the version
// pinning the teacher's main.go applies inline. The CipherSuites list is
// carried over from there too, but crypto/tls does not apply it to TLS
// 1.3, so the suite is negotiated from Go's built-in TLS 1.3 set.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
		},
	}, nil
}

// ClientConfig returns a TLS 1.3-only config for dialing a server
// configured with ServerConfig. serverName is required for certificate
// verification unless insecureSkipVerify is set (only ever useful for
// local demos against a self-signed certificate).
func ClientConfig(serverName string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify,
	}
}
