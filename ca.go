package sentinel

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	// LeafValidity is how long a forged leaf certificate is valid.
	LeafValidity = 365 * 24 * time.Hour

	// LeafBackdate is subtracted from NotBefore so clients whose clocks
	// run slightly behind the proxy host still accept the leaf.
	LeafBackdate = 60 * time.Second

	// CACertFile and CAKeyFile are the file names used inside a CA directory.
	CACertFile = "root-ca.pem"
	CAKeyFile  = "root-ca.key"

	// DefaultCAOrganization is the organization written into generated CAs.
	DefaultCAOrganization = "Sentinel"
)

// CertificateAuthority forges leaf certificates for arbitrary hosts and
// signs them with a locally trusted CA. It is safe for concurrent use: all
// key material is read-only after construction.
type CertificateAuthority struct {
	caCert *x509.Certificate
	caDER  []byte
	caKey  crypto.Signer

	// leafKey is shared by every forged leaf. Only the certificate differs
	// per host, so signing stays cheap on the handshake path.
	leafKey crypto.Signer

	now func() time.Time
}

// CAIdentity is the public half of a CertificateAuthority.
type CAIdentity struct {
	Certificate *x509.Certificate
	DER         []byte
	Fingerprint string
}

// NewCertificateAuthority creates a CertificateAuthority from a PEM-encoded
// CA certificate and private key. PKCS#1, PKCS#8 and SEC 1 keys are accepted.
func NewCertificateAuthority(caCertPEM, caKeyPEM []byte) (*CertificateAuthority, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}
	if !caCert.IsCA {
		return nil, fmt.Errorf("certificate %q is not a CA", caCert.Subject.CommonName)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := parsePrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	return &CertificateAuthority{
		caCert:  caCert,
		caDER:   certBlock.Bytes,
		caKey:   caKey,
		leafKey: leafKey,
		now:     time.Now,
	}, nil
}

// LoadCertificateAuthority reads a CA certificate and key from disk.
func LoadCertificateAuthority(caCertPath, caKeyPath string) (*CertificateAuthority, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertificateAuthority(caCertPEM, caKeyPEM)
}

// LoadOrCreateCA loads root-ca.pem and root-ca.key from dir, generating and
// writing a new CA when either file is missing. The CA is reused across
// restarts so client devices only need to trust it once.
func LoadOrCreateCA(dir, org string) (*CertificateAuthority, error) {
	certPath := filepath.Join(dir, CACertFile)
	keyPath := filepath.Join(dir, CAKeyFile)

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return LoadCertificateAuthority(certPath, keyPath)
	}
	if !errors.Is(certErr, os.ErrNotExist) && certErr != nil {
		return nil, fmt.Errorf("stat CA cert: %w", certErr)
	}
	if !errors.Is(keyErr, os.ErrNotExist) && keyErr != nil {
		return nil, fmt.Errorf("stat CA key: %w", keyErr)
	}

	if org == "" {
		org = DefaultCAOrganization
	}
	certPEM, keyPEM, err := GenerateCA(org, 10)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create CA dir: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write CA cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write CA key: %w", err)
	}

	return NewCertificateAuthority(certPEM, keyPEM)
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported CA key type %T", key)
	}
}

// Identity returns the CA certificate, its DER encoding and its fingerprint.
func (ca *CertificateAuthority) Identity() CAIdentity {
	return CAIdentity{
		Certificate: ca.caCert,
		DER:         ca.caDER,
		Fingerprint: ca.Fingerprint(),
	}
}

// Fingerprint returns the hex SHA-256 digest of the CA certificate.
func (ca *CertificateAuthority) Fingerprint() string {
	sum := sha256.Sum256(ca.caDER)
	return hex.EncodeToString(sum[:])
}

// CertPEM returns the PEM-encoded CA certificate, suitable for installing
// into a client trust store.
func (ca *CertificateAuthority) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.caDER})
}

// SignLeaf forges a leaf certificate for host, which may be a DNS name or
// an IP literal. It returns the DER-encoded leaf and the key it certifies.
func (ca *CertificateAuthority) SignLeaf(host string) ([]byte, crypto.Signer, error) {
	if host == "" {
		return nil, nil, ErrNoServerName
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	notBefore := ca.now().Add(-LeafBackdate)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: host,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(LeafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.caCert, ca.leafKey.Public(), ca.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign leaf %s: %w", host, err)
	}
	return der, ca.leafKey, nil
}

// Chain returns the certificate chain presented to clients: the leaf
// followed by the CA certificate.
func (ca *CertificateAuthority) Chain(leafDER []byte) [][]byte {
	return [][]byte{leafDER, ca.caDER}
}

// Certificate forges a complete tls.Certificate for host.
func (ca *CertificateAuthority) Certificate(host string) (*tls.Certificate, error) {
	der, key, err := ca.SignLeaf(host)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf %s: %w", host, err)
	}
	return &tls.Certificate{
		Certificate: ca.Chain(der),
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// GenerateCA generates a new ECDSA P-256 CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Passive Scan CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal CA key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}
