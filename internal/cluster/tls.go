package cluster

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/gravitational/trace"
)

// TLSFiles names the PEM material a peer needs: its own certificate
// and key plus the shared CA that signs every peer in the cluster.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// NewTLSConfig builds the mutual-auth TLS configuration shared by the
// listener and the dialers. Both directions require a client
// certificate signed by the cluster CA; the peer's identity is the
// certificate Common Name.
func NewTLSConfig(files TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, trace.Wrap(err, "load peer certificate %s", files.CertFile)
	}
	caPEM, err := os.ReadFile(files.CAFile)
	if err != nil {
		return nil, trace.Wrap(err, "read CA certificate %s", files.CAFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, trace.BadParameter("no certificates found in %s", files.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		// Peer identity is the CN, not a DNS name. The chain is still
		// verified against the cluster CA.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyPeerChain(rawCerts, pool)
		},
	}, nil
}

func verifyPeerChain(rawCerts [][]byte, pool *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return trace.AccessDenied("peer presented no certificate")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return trace.Wrap(err)
		}
		certs = append(certs, cert)
	}
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return trace.AccessDenied("peer certificate verification failed: %v", err)
	}
	return nil
}

// PeerCN extracts the peer identity from a completed TLS handshake.
func PeerCN(conn *tls.Conn) (string, error) {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return "", trace.AccessDenied("peer presented no certificate")
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", trace.AccessDenied("peer certificate has no common name")
	}
	return cn, nil
}
