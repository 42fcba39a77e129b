package seclog

import (
	"go.uber.org/zap"

	"seclog.io/chain/internal/domain"
	"seclog.io/chain/internal/pkg/logger"
)

// Convenience producers for the standard event types. They never block
// the caller and never fail it: recording is best effort.

// LoginSuccess records a successful login.
func (p *Producer) LoginSuccess(userID, ip, userAgent, sessionID string) {
	p.emit(domain.EventLoginSuccess, false, Context{UserID: userID, IPAddress: ip, UserAgent: userAgent, SessionID: sessionID})
}

// LoginFailure records a failed login. identifier is whatever the client
// submitted (email or username); it may not name an existing user.
func (p *Producer) LoginFailure(identifier, ip, userAgent, reason string) {
	p.emit(domain.EventLoginFailure, false, Context{
		IPAddress: ip,
		UserAgent: userAgent,
		Metadata:  map[string]any{"identifier": identifier, "reason": reason},
	})
}

// Logout records a logout.
func (p *Producer) Logout(userID, ip, userAgent, sessionID string) {
	p.emit(domain.EventLogout, false, Context{UserID: userID, IPAddress: ip, UserAgent: userAgent, SessionID: sessionID})
}

// SignupSuccess records a new account.
func (p *Producer) SignupSuccess(userID, ip, userAgent string) {
	p.emit(domain.EventSignupSuccess, false, Context{UserID: userID, IPAddress: ip, UserAgent: userAgent})
}

// AccountLocked records an account lockout.
func (p *Producer) AccountLocked(userID, ip, reason string) {
	p.emit(domain.EventAccountLocked, true, Context{
		UserID:    userID,
		IPAddress: ip,
		Metadata:  map[string]any{"reason": reason},
	})
}

// PasswordChanged records a password change.
func (p *Producer) PasswordChanged(userID, ip, userAgent string) {
	p.emit(domain.EventPasswordChanged, false, Context{UserID: userID, IPAddress: ip, UserAgent: userAgent})
}

// PermissionChanged records a change to targetUserID's permissions by actorID.
func (p *Producer) PermissionChanged(actorID, targetUserID, ip string, change map[string]any) {
	meta := map[string]any{"targetUserId": targetUserID}
	for k, v := range change {
		meta[k] = v
	}
	p.emit(domain.EventPermissionChanged, false, Context{UserID: actorID, IPAddress: ip, Metadata: meta})
}

// UnauthorizedAccess records a denied access attempt.
func (p *Producer) UnauthorizedAccess(userID, ip, userAgent, resource, reason string) {
	p.emit(domain.EventUnauthorizedAccess, true, Context{
		UserID:    userID,
		IPAddress: ip,
		UserAgent: userAgent,
		Metadata:  map[string]any{"resource": resource, "reason": reason},
	})
}

// RateLimitExceeded records a throttled client.
func (p *Producer) RateLimitExceeded(identifier, ip, endpoint string) {
	p.emit(domain.EventRateLimitExceeded, false, Context{
		IPAddress: ip,
		Metadata:  map[string]any{"identifier": identifier, "endpoint": endpoint},
	})
}

// SuspiciousActivity records behaviour flagged by a detector.
func (p *Producer) SuspiciousActivity(userID, ip, description string, details map[string]any) {
	meta := map[string]any{"description": description}
	for k, v := range details {
		meta[k] = v
	}
	p.emit(domain.EventSuspiciousActivity, true, Context{UserID: userID, IPAddress: ip, Metadata: meta})
}

func (p *Producer) emit(eventType domain.EventType, critical bool, ec Context) {
	ev, err := NewEvent(eventType, ec)
	if err != nil {
		logger.Warn("Dropping security event",
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
		return
	}
	p.EnqueueAsync(ev, critical)
}
