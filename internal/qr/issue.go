package qr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/javierd009/agente-portero/internal/store"
	"github.com/javierd009/agente-portero/pkg/isapi"
)

// IssueRequest describes one visitor credential to mint.
type IssueRequest struct {
	// ResidentID is the issuing resident.
	ResidentID string

	VisitorName string

	// Plate is the visitor's vehicle plate, if any.
	Plate string

	// ValidFrom is optional; a zero value means the window opens now.
	ValidFrom  time.Time
	ValidUntil time.Time

	AccessPoints []store.AccessPoint

	// MaxUses bounds consumption. Zero means unlimited.
	MaxUses int

	Authorization store.AuthorizationType
}

// Issued is the durable outcome of one issuance.
type Issued struct {
	Token      store.QRToken
	Credential store.AccessCredential
	Visitor    store.Visitor

	// Devices lists the biometric hosts the card was provisioned into.
	Devices []string
}

// Issue mints a QR credential: it provisions the card into every biometric
// reader first, then persists visitor, credential, token and audit entry in
// one transaction. A fan-out that fails on ten fresh card numbers returns
// [ErrProvisioning] and persists nothing.
func (s *Service) Issue(ctx context.Context, tenantID string, req IssueRequest) (out Issued, err error) {
	defer func() { s.metrics.RecordQROp(ctx, "issue", opStatus(err)) }()

	if req.ResidentID == "" {
		return Issued{}, fmt.Errorf("qr: resident id required")
	}
	if req.VisitorName == "" {
		return Issued{}, fmt.Errorf("qr: visitor name required")
	}
	if req.ValidUntil.IsZero() {
		return Issued{}, fmt.Errorf("qr: valid_until required")
	}
	if !req.ValidFrom.IsZero() && !req.ValidFrom.Before(req.ValidUntil) {
		return Issued{}, fmt.Errorf("qr: validity window is empty")
	}
	points, err := store.NormalizeAccessPoints(req.AccessPoints)
	if err != nil {
		return Issued{}, fmt.Errorf("qr: %w", err)
	}
	if req.MaxUses < 0 {
		return Issued{}, fmt.Errorf("qr: max uses must not be negative")
	}
	if !req.Authorization.IsValid() {
		return Issued{}, fmt.Errorf("qr: unknown authorization type %q", req.Authorization)
	}

	resident, err := s.store.ResidentByID(ctx, tenantID, req.ResidentID)
	if err != nil {
		return Issued{}, fmt.Errorf("qr: issuer: %w", err)
	}

	visitorID := uuid.NewString()
	employee := s.employeeNo(visitorID)

	cardNo, hosts, err := s.provision(ctx, employee, req)
	if err != nil {
		return Issued{}, err
	}

	token, err := newToken()
	if err != nil {
		return Issued{}, err
	}

	now := time.Now().UTC()
	validFrom := time.Time{}
	if !req.ValidFrom.IsZero() {
		validFrom = req.ValidFrom.UTC()
	}
	validUntil := req.ValidUntil.UTC()

	provisioning := "backend"
	targets := make(map[string]string, len(hosts))
	for _, h := range hosts {
		targets[h] = employee
	}
	if len(hosts) > 0 {
		provisioning = "device"
	}

	visitor := store.Visitor{
		ID:                  visitorID,
		TenantID:            tenantID,
		ResidentID:          req.ResidentID,
		Name:                req.VisitorName,
		Plate:               req.Plate,
		ValidFrom:           validFrom,
		ValidUntil:          validUntil,
		AllowedAccessPoints: points,
		Status:              store.VisitorApproved,
		AuthorizedVia:       "qr",
	}
	credential := store.AccessCredential{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		VisitorID:           visitorID,
		Type:                store.CredentialQR,
		ValidFrom:           validFrom,
		ValidUntil:          validUntil,
		AllowedAccessPoints: points,
		MaxUses:             req.MaxUses,
		Status:              store.CredentialActive,
		Provisioning:        provisioning,
		DeviceTargets:       targets,
	}
	qrToken := store.QRToken{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		CredentialID:        credential.ID,
		VisitorID:           visitorID,
		ResidentID:          req.ResidentID,
		Token:               token,
		CardNo:              cardNo,
		EmployeeNo:          employee,
		AllowedAccessPoints: points,
		ExpiresAt:           validUntil,
		MaxUses:             req.MaxUses,
	}

	err = s.store.Atomically(ctx, func(tx store.Store) error {
		if err := tx.CreateVisitor(ctx, visitor); err != nil {
			return err
		}
		if err := tx.CreateCredential(ctx, credential); err != nil {
			return err
		}
		if err := tx.CreateToken(ctx, qrToken); err != nil {
			return err
		}
		return tx.AppendAuditLog(ctx, store.AuditLog{
			TenantID:     tenantID,
			ActorType:    store.ActorResident,
			ActorID:      resident.ID,
			ActorLabel:   resident.Name,
			Action:       "issue_qr",
			ResourceType: "qr_token",
			ResourceID:   qrToken.ID,
			Outcome:      store.OutcomeSuccess,
			Message:      fmt.Sprintf("issued qr for %s", req.VisitorName),
			Extra: map[string]any{
				"visitor_name":       req.VisitorName,
				"authorization_type": string(req.Authorization),
				"access_points":      accessPointStrings(points),
				"max_uses":           req.MaxUses,
				"devices":            hosts,
				"expires_at":         validUntil.Format(time.RFC3339),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		// The card is already on the readers; surface the failure and
		// leave cleanup to the operator.
		slog.Error("qr: issuance persist failed after provisioning",
			"visitor", req.VisitorName, "devices", hosts, "error", err)
		return Issued{}, fmt.Errorf("qr: persist issuance: %w", err)
	}

	slog.Info("qr: issued",
		"tenant", tenantID,
		"resident", resident.ID,
		"visitor", req.VisitorName,
		"devices", len(hosts),
		"max_uses", req.MaxUses)
	return Issued{Token: qrToken, Credential: credential, Visitor: visitor, Devices: hosts}, nil
}

// provision pushes one person and card into every biometric reader. All
// readers must accept the same card number; on any rejection the whole
// fan-out restarts with a fresh number, up to provisionAttempts times.
func (s *Service) provision(ctx context.Context, employee string, req IssueRequest) (cardNo string, hosts []string, err error) {
	clients := s.biometrics()
	begin, end := s.deviceWindow(req.ValidFrom, req.ValidUntil)

	for attempt := 1; attempt <= provisionAttempts; attempt++ {
		cardNo, err = s.newCardNo()
		if err != nil {
			return "", nil, err
		}

		hosts = hosts[:0]
		ok := true
		for _, c := range clients {
			res, perr := c.CreateUserAndCard(ctx, isapi.ProvisionRequest{
				EmployeeNo: employee,
				Name:       req.VisitorName,
				CardNo:     cardNo,
				BeginTime:  begin,
				EndTime:    end,
			})
			if perr != nil || !res.Success {
				slog.Warn("qr: provision attempt failed",
					"host", c.Host(), "attempt", attempt, "error", perr)
				ok = false
				break
			}
			hosts = append(hosts, c.Host())
		}
		if ok {
			return cardNo, hosts, nil
		}
	}
	return "", nil, fmt.Errorf("qr: %d provisioning attempts exhausted: %w", provisionAttempts, ErrProvisioning)
}

func accessPointStrings(points []store.AccessPoint) []string {
	out := make([]string, len(points))
	for i, p := range points {
		out[i] = string(p)
	}
	return out
}
