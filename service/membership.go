package service

import (
	"context"
	"fmt"

	"github.com/canturgay/p2pEditor/identity"
	"github.com/canturgay/p2pEditor/models"
	"github.com/canturgay/p2pEditor/store"
)

// ResolveAlias maps a human alias to its durable identity key.
func (s *Service) ResolveAlias(ctx context.Context, alias string) (string, error) {
	pub, err := s.Store.Get("~@" + alias).Once(ctx)
	if err != nil {
		return "", fmt.Errorf("alias lookup: %w", err)
	}
	if pub == nil {
		return "", fmt.Errorf("alias %q: %w", alias, identity.ErrAliasNotFound)
	}
	return *pub, nil
}

// Role returns the share-assigned role for (document, member) and whether one
// exists at all. No explicit role is not the same as viewer: ownership decides
// then.
func (s *Service) Role(ctx context.Context, docId, pub string) (models.Role, bool, error) {
	val, err := s.doc(docId, "roles", pub).Once(ctx)
	if err != nil {
		return "", false, fmt.Errorf("role lookup: %w", err)
	}
	if val == nil {
		return "", false, nil
	}
	return models.NormalizeRole(*val), true, nil
}

func (s *Service) SetRole(ctx context.Context, docId, pub string, role models.Role) error {
	if err := s.doc(docId, "roles", pub).Put(ctx, store.Val(string(role))); err != nil {
		return fmt.Errorf("write role: %w", err)
	}
	return nil
}

func (s *Service) RemoveRole(ctx context.Context, docId, pub string) error {
	if err := s.doc(docId, "roles", pub).Put(ctx, nil); err != nil {
		return fmt.Errorf("remove role: %w", err)
	}
	return nil
}

// IsOwner checks the ownership flag, which is tracked apart from roles.
func (s *Service) IsOwner(ctx context.Context, docId, pub string) (bool, error) {
	val, err := s.doc(docId, "owners", pub).Once(ctx)
	if err != nil {
		return false, fmt.Errorf("ownership lookup: %w", err)
	}
	return val != nil && *val == "true", nil
}

// CanEdit derives the effective edit permission for (document, member).
func (s *Service) CanEdit(ctx context.Context, docId, pub string) (bool, error) {
	role, hasRole, err := s.Role(ctx, docId, pub)
	if err != nil {
		return false, err
	}
	isOwner, err := s.IsOwner(ctx, docId, pub)
	if err != nil {
		return false, err
	}
	if !hasRole {
		return isOwner, nil
	}
	return models.CanEdit(role, isOwner), nil
}

// SubscribeRole delivers live role changes for (document, member). The raw
// value comes through so subscribers can distinguish role removal (nil) from
// a downgrade.
func (s *Service) SubscribeRole(docId, pub string, cb func(role *string)) (unsubscribe func()) {
	return s.doc(docId, "roles", pub).On(cb)
}
