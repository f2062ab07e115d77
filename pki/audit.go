package pki

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent identifies the type of security-relevant action being recorded.
type AuditEvent string

const (
	AuditCertificateCreated    AuditEvent = "CERTIFICATE_CREATED"
	AuditCertificateRevoked    AuditEvent = "CERTIFICATE_REVOKED"
	AuditCertificateDownloaded AuditEvent = "CERTIFICATE_DOWNLOADED"
	AuditPrivateKeyExported    AuditEvent = "PRIVATE_KEY_EXPORTED"
	AuditCRLGenerated          AuditEvent = "CRL_GENERATED"
)

// ResourceCertificate is the resource type attached to certificate events.
const ResourceCertificate = "CERTIFICATE"

// AuditSink receives audit records. Errors are logged by the caller and
// never fail the operation being audited.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent, description, resourceType, resourceID string) error
}

// SlogAuditSink writes one structured "audit" log entry per event.
type SlogAuditSink struct {
	logger *slog.Logger
}

// NewSlogAuditSink returns a sink writing to logger.
func NewSlogAuditSink(logger *slog.Logger) *SlogAuditSink {
	return &SlogAuditSink{logger: logger.With("component", "audit")}
}

func (s *SlogAuditSink) Record(ctx context.Context, event AuditEvent, description, resourceType, resourceID string) error {
	s.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
		slog.String("event", string(event)),
		slog.String("description", description),
		slog.String("resource_type", resourceType),
		slog.String("resource_id", resourceID),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	)
	return nil
}
