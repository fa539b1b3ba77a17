package service

import (
	"context"

	"paypollen-api/internal/models"
)

// CapabilityResolver returns the capabilities granted to a user.
type CapabilityResolver interface {
	Capabilities(ctx context.Context, userID string) ([]models.Capability, error)
}

// StaticCapabilityResolver grants pii:admin to a fixed set of user ids and
// nothing to anyone else.
type StaticCapabilityResolver struct {
	admins map[string]struct{}
}

func NewStaticCapabilityResolver(adminUserIDs []string) *StaticCapabilityResolver {
	admins := make(map[string]struct{}, len(adminUserIDs))
	for _, id := range adminUserIDs {
		if id != "" {
			admins[id] = struct{}{}
		}
	}
	return &StaticCapabilityResolver{admins: admins}
}

func (r *StaticCapabilityResolver) Capabilities(_ context.Context, userID string) ([]models.Capability, error) {
	if _, ok := r.admins[userID]; ok {
		return []models.Capability{models.CapabilityPIIAdmin}, nil
	}
	return nil, nil
}

// authorizeOwnerOrElevated rejects a principal that is neither the owner
// of targetUserID nor elevated.
func authorizeOwnerOrElevated(p *models.Principal, targetUserID string) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if p.IsInfrastructure() || p.IsSelf(targetUserID) || p.IsElevated() {
		return nil
	}
	return ErrPermissionDenied
}

func authorizeOwner(p *models.Principal, targetUserID string) error {
	if p == nil {
		return ErrUnauthenticated
	}
	if p.IsInfrastructure() || p.IsSelf(targetUserID) {
		return nil
	}
	return ErrPermissionDenied
}
