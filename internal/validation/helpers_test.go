package validation_test

import (
	"crypto/x509"
	"time"

	"github.com/sufield/pkiwatch/internal/ports"
)

func portsRequest(leaf *x509.Certificate, name string) ports.VerifyRequest {
	return ports.VerifyRequest{Leaf: leaf, ServerName: name, Now: time.Now()}
}
