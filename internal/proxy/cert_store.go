package proxy

import (
	"crypto/tls"
	"fmt"

	"github.com/maypok86/otter/v2"
	"github.com/sirupsen/logrus"
)

const defaultCertStoreSize = 1024

// certStore implements goproxy.CertStorage, keeping the most used forged
// certificates so each host is only signed once.
type certStore struct {
	certs *otter.Cache[string, *tls.Certificate]
}

func newCertStore(size int) (*certStore, error) {
	c, err := otter.New[string, *tls.Certificate](&otter.Options[string, *tls.Certificate]{
		MaximumSize: size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate store: %w", err)
	}
	return &certStore{certs: c}, nil
}

func (s *certStore) Fetch(hostname string, gen func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	cert, ok := s.certs.GetIfPresent(hostname)
	if ok {
		return cert, nil
	}

	cert, err := gen()
	if err != nil {
		logrus.Errorf("Failed to generate certificate for hostname '%s': %v", hostname, err)
		return nil, fmt.Errorf("failed to generate certificate for hostname '%s': %w", hostname, err)
	}

	s.certs.Set(hostname, cert)
	return cert, nil
}
