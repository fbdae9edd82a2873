package tlssess

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

func selfSignedCert(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "aionet-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return
}

func TestHandshakeAndAppDataRoundTrip(t *testing.T) {
	certPEM, keyPEM := selfSignedCert(t)
	serverCfg, err := LoadCredentials(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}

	clientCfg := &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
		MaxVersion:         tls.VersionTLS12,
	}

	server := Server(serverCfg)
	client := Client(clientCfg)

	// Drive the handshake by shuttling bytes between the two loopback
	// pipes until both report HandshakeComplete.
	var toServer, toClient []byte
	serverDone, clientDone := false, false
	for i := 0; i < 20 && !(serverDone && clientDone); i++ {
		if !clientDone {
			_, outc, wire, err := client.Feed(toServer)
			if err != nil {
				t.Fatalf("client.Feed: %v", err)
			}
			toServer = nil
			toClient = append(toClient, wire...)
			if outc == HandshakeComplete {
				clientDone = true
			}
		}
		if !serverDone {
			_, outc, wire, err := server.Feed(toClient)
			if err != nil {
				t.Fatalf("server.Feed: %v", err)
			}
			toClient = nil
			toServer = append(toServer, wire...)
			if outc == HandshakeComplete {
				serverDone = true
			}
		}
	}
	if !serverDone || !clientDone {
		t.Fatalf("handshake did not complete: server=%v client=%v", serverDone, clientDone)
	}

	msg := []byte("hello over tls 1.2")
	wire, err := client.EncodeApp(msg)
	if err != nil {
		t.Fatalf("EncodeApp: %v", err)
	}
	appData, outc, _, err := server.Feed(wire)
	if err != nil {
		t.Fatalf("server.Feed app data: %v", err)
	}
	if outc != AppData {
		t.Fatalf("outcome = %v, want AppData", outc)
	}
	if string(appData) != string(msg) {
		t.Fatalf("appData = %q, want %q", appData, msg)
	}
}
