// Package certstore maintains the proxy's certificate authority and mints
// per-host leaf certificates on demand. Minted leaves are wrapped in
// ready-to-use server TLS configs and cached per host, so intercepting a
// previously seen host performs no cryptographic work.
package certstore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // Subject Key Identifier is defined over SHA-1 (RFC 3280 4.2.1.2)
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"mitm-proxy/internal/metrics"
)

const (
	caCommonName = "mitm"
	caValidity   = 5 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
	keyBits      = 2048

	// DefaultCacheSize bounds the leaf config LRU when no size is configured.
	DefaultCacheSize = 1024
)

// serialLimit is the exclusive upper bound for leaf serial numbers: [0, 2^64).
var serialLimit = new(big.Int).Lsh(big.NewInt(1), 64)

// Store holds the CA material and the bounded cache of minted server configs.
// The CA pair is immutable after construction; Store is safe for concurrent
// use by any number of sessions.
type Store struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	cache *lru.Cache[string, *tls.Config]
	group singleflight.Group

	metrics *metrics.Metrics
	log     *zap.Logger
}

// New creates a Store from an existing CA pair. If either caCert or caKey is
// nil, a fresh self-signed authority is generated. cacheSize <= 0 selects
// DefaultCacheSize.
func New(caCert *x509.Certificate, caKey *rsa.PrivateKey, cacheSize int, m *metrics.Metrics, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if caCert == nil || caKey == nil {
		var err error
		caCert, caKey, err = NewAuthority()
		if err != nil {
			return nil, err
		}
		log.Info("generated new CA", zap.String("cn", caCert.Subject.CommonName))
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *tls.Config](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create leaf cache: %w", err)
	}
	return &Store{
		caCert:  caCert,
		caKey:   caKey,
		cache:   cache,
		metrics: m,
		log:     log,
	}, nil
}

// LoadOrGenerate builds a Store from the PEM pair at certPath/keyPath,
// generating and persisting a new authority when the files don't exist.
// Existing but unreadable files are an error, never silently replaced.
func LoadOrGenerate(certPath, keyPath string, cacheSize int, m *metrics.Metrics, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	caCert, caKey, err := Load(certPath, keyPath)
	if err == nil {
		log.Info("loaded CA", zap.String("cert", certPath), zap.String("key", keyPath))
		return New(caCert, caKey, cacheSize, m, log)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load CA: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := New(nil, nil, cacheSize, m, log)
	if err != nil {
		return nil, err
	}
	if err := store.Save(certPath, keyPath); err != nil {
		return nil, err
	}
	log.Info("wrote new CA; import the certificate into client trust stores",
		zap.String("cert", certPath), zap.String("key", keyPath))
	return store, nil
}

// Load reads a CA certificate and private key from PEM files.
func Load(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath) //nolint:gosec // controlled data-dir path
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath) //nolint:gosec // controlled data-dir path
	if err != nil {
		return nil, nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", certPath)
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block found in %s", keyPath)
	}
	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		// Try PKCS8 as fallback (openssl may produce either format)
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, nil, fmt.Errorf("CA key is not RSA")
		}
	}

	return caCert, caKey, nil
}

// Save writes the CA pair as PEM files. The certificate is public but both
// files use 0600 for consistency with the key.
func (s *Store) Save(certPath, keyPath string) error {
	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) //nolint:gosec
	if err != nil {
		return fmt.Errorf("create cert file: %w", err)
	}
	defer certOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw}); err != nil {
		return fmt.Errorf("write cert PEM: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer keyOut.Close() //nolint:errcheck // best-effort close
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(s.caKey)}); err != nil {
		return fmt.Errorf("write key PEM: %w", err)
	}
	return nil
}

// NewAuthority generates a self-signed CA certificate and private key.
func NewAuthority() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	keyID, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   caCommonName,
			Organization: []string{caCommonName},
		},
		SubjectKeyId:          keyID,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA cert: %w", err)
	}
	return cert, key, nil
}

// CACert returns the CA certificate.
func (s *Store) CACert() *x509.Certificate { return s.caCert }

// CAPEM returns the CA certificate PEM, ready for client import.
func (s *Store) CAPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})
}

// ConfigFor returns a cached or freshly minted server-side TLS config for
// host. Concurrent callers for the same new host are coalesced into a single
// mint; a failed mint is not cached, so the host is retryable.
func (s *Store) ConfigFor(host string) (*tls.Config, error) {
	if cfg, ok := s.cache.Get(host); ok {
		if s.metrics != nil {
			s.metrics.LeafCacheHits.Inc()
		}
		return cfg, nil
	}

	v, err, _ := s.group.Do(host, func() (any, error) {
		// A concurrent caller may have minted while we waited for the flight.
		if cfg, ok := s.cache.Get(host); ok {
			if s.metrics != nil {
				s.metrics.LeafCacheHits.Inc()
			}
			return cfg, nil
		}
		cfg, err := s.mint(host)
		if err != nil {
			return nil, err
		}
		s.cache.Add(host, cfg)
		return cfg, nil
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.MintFailures.Inc()
		}
		return nil, fmt.Errorf("mint leaf for %s: %w", host, err)
	}
	return v.(*tls.Config), nil
}

// mint generates a CA-signed leaf for host and wraps it in a server config.
//
// subjectAltName follows the shape of the host: IP literals get both a DNS
// and an IP entry, names get themselves plus a wildcard for subdomains.
func (s *Store) mint(host string) (*tls.Config, error) {
	start := time.Now()

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	keyID, err := subjectKeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		SubjectKeyId: keyID,
		NotBefore:    now,
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(host); ip != nil {
		template.DNSNames = []string{host}
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host, "*." + host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf cert: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf cert: %w", err)
	}

	if s.metrics != nil {
		s.metrics.LeafMints.Inc()
		s.metrics.MintDuration.Observe(time.Since(start).Seconds())
	}
	s.log.Debug("minted leaf certificate",
		zap.String("host", host),
		zap.Time("not_after", leaf.NotAfter),
		zap.Duration("took", time.Since(start)))

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der, s.caCert.Raw},
			PrivateKey:  key,
			Leaf:        leaf,
		}},
	}, nil
}

// subjectKeyID derives the Subject Key Identifier for a public key.
func subjectKeyID(pub *rsa.PublicKey) ([]byte, error) {
	pkixPub, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha1.Sum(pkixPub) //nolint:gosec // see import note
	return sum[:], nil
}
