package proxy

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// certStore 实现 goproxy.CertStorage，按主机名缓存 MITM 叶子证书。
type certStore struct {
	logger *logrus.Logger

	mu    sync.Mutex
	certs map[string]*tls.Certificate
}

func newCertStore(logger *logrus.Logger) *certStore {
	return &certStore{logger: logger, certs: make(map[string]*tls.Certificate)}
}

func (s *certStore) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cert, ok := s.certs[hostname]; ok {
		return cert, nil
	}

	cert, err := gen()
	if err != nil {
		s.logger.WithError(err).WithField("host", hostname).Error("mitm_cert_failed")
		return nil, fmt.Errorf("generate certificate for %q: %w", hostname, err)
	}
	s.certs[hostname] = cert
	return cert, nil
}
