package printer

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	caValidity   = 20 * 365 * 24 * time.Hour
	leafValidity = 10 * 365 * 24 * time.Hour

	// The CA deliberately carries a generic name. Slicers may reject a
	// leaf claiming the vendor's identity when it is signed by an unknown
	// key, so the chain never impersonates the vendor's real authority.
	caCommonName = "Virtual Printer CA"

	// Fixed product hostname included in the leaf SANs.
	productHostname = "printhive"
)

// CertificateService generates and persists the TLS material for the
// virtual printer: a self-signed root CA and a printer leaf certificate
// whose common name is the configured serial number.
type CertificateService struct {
	Dir    string
	Serial string

	now     func() time.Time
	localIP func() string
}

// NewCertificateService creates a certificate service storing material
// under dir. The leaf certificate's CN is set to serial.
func NewCertificateService(dir, serial string) *CertificateService {
	return &CertificateService{
		Dir:     dir,
		Serial:  serial,
		now:     time.Now,
		localIP: DetectLocalIP,
	}
}

// CAKeyPath returns the CA private key location.
func (s *CertificateService) CAKeyPath() string { return filepath.Join(s.Dir, "ca.key") }

// CACertPath returns the CA certificate location.
func (s *CertificateService) CACertPath() string { return filepath.Join(s.Dir, "ca.crt") }

// KeyPath returns the printer leaf private key location.
func (s *CertificateService) KeyPath() string { return filepath.Join(s.Dir, "printer.key") }

// CertPath returns the printer full-chain certificate location
// (leaf followed by CA).
func (s *CertificateService) CertPath() string { return filepath.Join(s.Dir, "printer.crt") }

// EnsureCertificates returns paths to the printer certificate chain and
// private key, generating them on first run. Existing material is reused
// unchanged so already-paired slicers keep trusting the printer across
// restarts.
func (s *CertificateService) EnsureCertificates() (certPath, keyPath string, err error) {
	certPath = s.CertPath()
	keyPath = s.KeyPath()

	if fileExists(certPath) && fileExists(keyPath) {
		Debug("Using existing virtual printer certificates", "dir", s.Dir)
		return certPath, keyPath, nil
	}

	if err := s.GenerateCertificates(); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

// GenerateCertificates creates the CA and printer leaf material and writes
// all four PEM files. Key files are owner read/write only.
func (s *CertificateService) GenerateCertificates() error {
	Info("Generating virtual printer certificates", "serial", s.Serial, "dir", s.Dir)

	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	caKey, caCert, caDER, err := s.generateCA()
	if err != nil {
		return err
	}

	if err := writeKeyPEM(s.CAKeyPath(), caKey); err != nil {
		return err
	}
	if err := writeCertPEM(s.CACertPath(), caDER); err != nil {
		return err
	}

	leafKey, leafDER, err := s.generateLeaf(caKey, caCert)
	if err != nil {
		return err
	}

	if err := writeKeyPEM(s.KeyPath(), leafKey); err != nil {
		return err
	}

	// Chain file carries leaf then CA so TLS peers receive the full path
	// to the self-signed root without a separate fetch.
	chain := append(encodeCertPEM(leafDER), encodeCertPEM(caDER)...)
	if err := os.WriteFile(s.CertPath(), chain, 0644); err != nil {
		return fmt.Errorf("failed to write certificate chain: %w", err)
	}

	Info("Generated certificate chain", "ca", caCommonName, "leaf", s.Serial)
	return nil
}

// DeleteCertificates removes all four files so the next
// EnsureCertificates call regenerates them. Open TLS sessions keep the
// old material until restarted.
func (s *CertificateService) DeleteCertificates() error {
	var result *multierror.Error
	for _, path := range []string{s.CertPath(), s.KeyPath(), s.CACertPath(), s.CAKeyPath()} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to delete certificates: %w", err)
	}
	Info("Deleted virtual printer certificates", "dir", s.Dir)
	return nil
}

// generateCA builds the self-signed root. Key usage is limited to
// certificate and CRL signing.
func (s *CertificateService) generateCA() (*rsa.PrivateKey, *x509.Certificate, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate CA serial: %w", err)
	}

	notBefore := s.now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: caCommonName,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(caValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	return key, cert, der, nil
}

// generateLeaf builds the printer certificate signed by the CA. CN is the
// configured serial, matching what real printers present.
func (s *CertificateService) generateLeaf(caKey *rsa.PrivateKey, caCert *x509.Certificate) (*rsa.PrivateKey, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate printer key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate certificate serial: %w", err)
	}

	localIP := s.localIP()
	Info("Generating printer certificate", "cn", s.Serial, "ip", localIP)

	notBefore := s.now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: s.Serial,
		},
		NotBefore: notBefore,
		NotAfter:  notBefore.Add(leafValidity),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		// Slicers may perform mutual-auth-like checks, so the leaf
		// declares both server and client usage.
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{"localhost", productHostname, s.Serial},
		IPAddresses:           []net.IP{net.ParseIP(localIP), net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create printer certificate: %w", err)
	}

	return key, der, nil
}

func writeKeyPEM(path string, key *rsa.PrivateKey) error {
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return fmt.Errorf("failed to write key %s: %w", path, err)
	}
	return nil
}

func writeCertPEM(path string, der []byte) error {
	if err := os.WriteFile(path, encodeCertPEM(der), 0644); err != nil {
		return fmt.Errorf("failed to write certificate %s: %w", path, err)
	}
	return nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
