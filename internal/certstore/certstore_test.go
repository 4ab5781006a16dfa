package certstore

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mitm-proxy/internal/metrics"
)

// tempStore returns a Store with a fresh CA and a small cache.
func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(nil, nil, 8, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// --- authority ---

func TestNewAuthority_Extensions(t *testing.T) {
	cert, key, err := NewAuthority()
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}
	if key == nil {
		t.Fatal("nil CA key")
	}
	if !cert.IsCA {
		t.Error("IsCA not set")
	}
	if !cert.BasicConstraintsValid {
		t.Error("BasicConstraintsValid not set")
	}
	if cert.MaxPathLen != 0 || !cert.MaxPathLenZero {
		t.Errorf("path len: got %d (zero=%v), want pathlen:0", cert.MaxPathLen, cert.MaxPathLenZero)
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("keyCertSign missing")
	}
	if cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
		t.Error("cRLSign missing")
	}
	if cert.Subject.CommonName != "mitm" {
		t.Errorf("CN: got %q, want mitm", cert.Subject.CommonName)
	}
	if len(cert.SubjectKeyId) == 0 {
		t.Error("SubjectKeyId missing")
	}
	if key.N.BitLen() != 2048 {
		t.Errorf("CA key bits: got %d, want 2048", key.N.BitLen())
	}
}

// --- persistence ---

func TestLoadOrGenerate_GeneratesWhenMissing(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "mitm.pem")
	keyPath := filepath.Join(dir, "mitm.key")

	s, err := LoadOrGenerate(certPath, keyPath, 8, nil, nil)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	for _, path := range []string{certPath, keyPath} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("stat %s: %v", path, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s permissions: got %04o, want 0600", path, perm)
		}
	}

	// A second call must load the same authority, not mint a new one.
	s2, err := LoadOrGenerate(certPath, keyPath, 8, nil, nil)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	if s.CACert().SerialNumber.Cmp(s2.CACert().SerialNumber) != 0 {
		t.Error("reloaded CA differs from generated CA")
	}
}

func TestLoadOrGenerate_CorruptFilesError(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "mitm.pem")
	keyPath := filepath.Join(dir, "mitm.key")
	os.WriteFile(certPath, []byte("not a pem"), 0o600) //nolint:errcheck
	os.WriteFile(keyPath, []byte("not a pem"), 0o600)  //nolint:errcheck

	if _, err := LoadOrGenerate(certPath, keyPath, 8, nil, nil); err == nil {
		t.Error("expected error for corrupt CA files, not silent regeneration")
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "mitm.pem")
	keyPath := filepath.Join(dir, "mitm.key")

	s := tempStore(t)
	if err := s.Save(certPath, keyPath); err != nil {
		t.Fatalf("Save: %v", err)
	}
	cert, key, err := Load(certPath, keyPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cert.Subject.CommonName != "mitm" {
		t.Errorf("CN after round trip: %q", cert.Subject.CommonName)
	}
	if key.N.Cmp(s.caKey.N) != 0 {
		t.Error("key changed in round trip")
	}
}

func TestCAPEM(t *testing.T) {
	s := tempStore(t)
	pemBytes := s.CAPEM()
	if len(pemBytes) == 0 {
		t.Fatal("empty CA PEM")
	}
	if string(pemBytes[:27]) != "-----BEGIN CERTIFICATE-----" {
		t.Errorf("unexpected PEM header: %q", pemBytes[:27])
	}
}

// --- minting ---

func leafFor(t *testing.T, s *Store, host string) *x509.Certificate {
	t.Helper()
	cfg, err := s.ConfigFor(host)
	if err != nil {
		t.Fatalf("ConfigFor(%s): %v", host, err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates: got %d, want 1", len(cfg.Certificates))
	}
	return cfg.Certificates[0].Leaf
}

func TestConfigFor_DNSHost(t *testing.T) {
	s := tempStore(t)
	leaf := leafFor(t, s, "example.com")

	if leaf.Subject.CommonName != "example.com" {
		t.Errorf("CN: got %q", leaf.Subject.CommonName)
	}
	wantDNS := map[string]bool{"example.com": false, "*.example.com": false}
	for _, d := range leaf.DNSNames {
		wantDNS[d] = true
	}
	for d, seen := range wantDNS {
		if !seen {
			t.Errorf("SAN missing DNS:%s (got %v)", d, leaf.DNSNames)
		}
	}
	if len(leaf.IPAddresses) != 0 {
		t.Errorf("unexpected IP SANs for DNS host: %v", leaf.IPAddresses)
	}
}

func TestConfigFor_IPv4Host(t *testing.T) {
	s := tempStore(t)
	leaf := leafFor(t, s, "93.184.216.34")

	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "93.184.216.34" {
		t.Errorf("DNS SANs: got %v, want [93.184.216.34]", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || !leaf.IPAddresses[0].Equal(net.ParseIP("93.184.216.34")) {
		t.Errorf("IP SANs: got %v", leaf.IPAddresses)
	}
}

func TestConfigFor_IPv6Host(t *testing.T) {
	s := tempStore(t)
	leaf := leafFor(t, s, "2606:2800:220:1::1")

	if len(leaf.IPAddresses) != 1 || !leaf.IPAddresses[0].Equal(net.ParseIP("2606:2800:220:1::1")) {
		t.Errorf("IP SANs: got %v", leaf.IPAddresses)
	}
}

func TestConfigFor_SerialAndValidity(t *testing.T) {
	s := tempStore(t)
	leaf := leafFor(t, s, "example.com")

	if leaf.SerialNumber.Sign() < 0 || leaf.SerialNumber.BitLen() > 64 {
		t.Errorf("serial out of [0, 2^64): %v", leaf.SerialNumber)
	}
	wantExpiry := time.Now().Add(365 * 24 * time.Hour)
	if d := leaf.NotAfter.Sub(wantExpiry); d < -time.Hour || d > time.Hour {
		t.Errorf("NotAfter: got %s, want ~%s", leaf.NotAfter, wantExpiry)
	}
	if leaf.NotBefore.After(time.Now()) {
		t.Errorf("NotBefore in the future: %s", leaf.NotBefore)
	}
}

func TestConfigFor_ChainIncludesCA(t *testing.T) {
	s := tempStore(t)
	cfg, err := s.ConfigFor("example.com")
	if err != nil {
		t.Fatalf("ConfigFor: %v", err)
	}
	if got := len(cfg.Certificates[0].Certificate); got != 2 {
		t.Errorf("chain length: got %d, want leaf+CA", got)
	}
}

func TestConfigFor_CacheHit(t *testing.T) {
	m := metrics.New()
	s, err := New(nil, nil, 8, m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := s.ConfigFor("example.com")
	if err != nil {
		t.Fatalf("first ConfigFor: %v", err)
	}
	second, err := s.ConfigFor("example.com")
	if err != nil {
		t.Fatalf("second ConfigFor: %v", err)
	}
	if first != second {
		t.Error("cache miss on repeated host")
	}
	if got := testutil.ToFloat64(m.LeafMints); got != 1 {
		t.Errorf("mints: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LeafCacheHits); got != 1 {
		t.Errorf("cache hits: got %v, want 1", got)
	}
}

func TestConfigFor_LRUEviction(t *testing.T) {
	s, err := New(nil, nil, 2, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, _ := s.ConfigFor("a.test")
	s.ConfigFor("b.test") //nolint:errcheck
	s.ConfigFor("c.test") //nolint:errcheck // evicts a.test

	again, err := s.ConfigFor("a.test")
	if err != nil {
		t.Fatalf("ConfigFor after eviction: %v", err)
	}
	if first == again {
		t.Error("evicted entry returned from cache")
	}
}

func TestConfigFor_ConcurrentSingleFlight(t *testing.T) {
	m := metrics.New()
	s, err := New(nil, nil, 8, m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	configs := make([]*tls.Config, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			configs[i], errs[i] = s.ConfigFor("example.com")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if configs[i] != configs[0] {
			t.Errorf("caller %d got a different config instance", i)
		}
	}
	if got := testutil.ToFloat64(m.LeafMints); got != 1 {
		t.Errorf("mints under concurrency: got %v, want 1", got)
	}
}

// --- handshake ---

func TestHandshake_ClientTrustingCA(t *testing.T) {
	s := tempStore(t)
	serverCfg, err := s.ConfigFor("example.test")
	if err != nil {
		t.Fatalf("ConfigFor: %v", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(s.CACert())
	clientCfg := &tls.Config{
		RootCAs:    pool,
		ServerName: "example.test",
		MinVersion: tls.VersionTLS12,
	}

	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	serverErr := make(chan error, 1)
	go func() {
		srv := tls.Server(serverSide, serverCfg)
		serverErr <- srv.Handshake()
	}()

	client := tls.Client(clientSide, clientCfg)
	if err := client.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	peer := client.ConnectionState().PeerCertificates[0]
	if peer.Subject.CommonName != "example.test" {
		t.Errorf("peer CN: got %q", peer.Subject.CommonName)
	}
}
