// Package qr implements the visitor QR credential lifecycle: issuance with
// biometric device fan-out, consumption with audited gate side effects,
// revocation, and the public scan classification used by the landing page.
//
// Issuance provisions the card into every configured biometric reader before
// any row is persisted; a fan-out that cannot complete leaves no trace in
// the database. All rows of one issuance (visitor, credential, token, audit)
// commit in a single transaction. Consumption likewise commits its counter
// updates and both log rows as one unit, with the device pulse in between.
package qr

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/javierd009/agente-portero/internal/config"
	"github.com/javierd009/agente-portero/internal/gate"
	"github.com/javierd009/agente-portero/internal/observe"
	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/pkg/isapi"
)

// ErrProvisioning marks a device fan-out that could not complete on any
// card number. Handlers map it onto 502.
var ErrProvisioning = errors.New("device provisioning failed")

// provisionAttempts bounds how many fresh card numbers issuance tries when
// a device rejects one.
const provisionAttempts = 10

// tokenBytes sized so the printable token carries 256 bits of entropy.
const tokenBytes = 32

// deviceTimeLayout is the naive local timestamp format the readers expect.
const deviceTimeLayout = "2006-01-02T15:04:05"

// Service drives the QR credential lifecycle for one tenant.
type Service struct {
	store    store.Store
	cfg      *config.Config
	registry *isapi.Registry
	opener   *gate.Opener
	metrics  *observe.Metrics
	loc      *time.Location
}

// New returns a QR service. A nil registry gets a fresh one; nil metrics
// fall back to the process-wide default. The tenant timezone must resolve.
func New(cfg *config.Config, st store.Store, reg *isapi.Registry, opener *gate.Opener, m *observe.Metrics) (*Service, error) {
	loc, err := cfg.Tenant.Location()
	if err != nil {
		return nil, fmt.Errorf("qr: %w", err)
	}
	if reg == nil {
		reg = isapi.NewRegistry()
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Service{
		store:    st,
		cfg:      cfg,
		registry: reg,
		opener:   opener,
		metrics:  m,
		loc:      loc,
	}, nil
}

// newToken returns a fresh URL-safe printable token.
func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("qr: token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newCardNo returns a random numeric card number of the configured width.
func (s *Service) newCardNo() (string, error) {
	digits := s.cfg.QR.CardDigits
	if digits <= 0 || digits > 18 {
		digits = config.DefaultCardDigits
	}
	max := big.NewInt(10)
	max.Exp(max, big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("qr: card entropy: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// employeeNo derives the device person identifier from a visitor id:
// the configured prefix plus the first ten hex characters of the id.
func (s *Service) employeeNo(visitorID string) string {
	prefix := s.cfg.QR.EmployeePrefix
	if prefix == "" {
		prefix = config.DefaultEmployeePrefix
	}
	hex := strings.ReplaceAll(visitorID, "-", "")
	if len(hex) > 10 {
		hex = hex[:10]
	}
	return prefix + hex
}

// deviceWindow renders a validity window as naive local timestamps for the
// reader API. A zero from means the window opens now.
func (s *Service) deviceWindow(from, until time.Time) (string, string) {
	if from.IsZero() {
		from = time.Now()
	}
	return from.In(s.loc).Format(deviceTimeLayout), until.In(s.loc).Format(deviceTimeLayout)
}

// biometrics returns a client per configured biometric reader.
func (s *Service) biometrics() []*isapi.Client {
	devs := s.cfg.Devices.Biometrics()
	clients := make([]*isapi.Client, 0, len(devs))
	for _, d := range devs {
		clients = append(clients, s.registry.Client(d.Host, s.cfg.Devices.Username, d.Password,
			isapi.WithTimeout(s.cfg.Devices.Timeout)))
	}
	return clients
}

// opStatus classifies an operation error for the QR metric.
func opStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrRevoked):
		return "revoked"
	case errors.Is(err, store.ErrExpired):
		return "expired"
	case errors.Is(err, store.ErrForbidden):
		return "forbidden"
	case errors.Is(err, store.ErrUsedUp):
		return "used_up"
	case errors.Is(err, ErrProvisioning):
		return "provisioning_failed"
	default:
		return "error"
	}
}
