package service

import (
	"context"
	"errors"
	"log"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
	"github.com/ichristine180/iproxy-sub001/internal/repository"
)

// ConnectionStore is the pool surface the selector needs.
type ConnectionStore interface {
	PickAvailable(ctx context.Context) (*models.Connection, error)
	Get(ctx context.Context, connectionID string) (*models.Connection, error)
}

// ConnectionService picks physical connections for new orders.
type ConnectionService struct {
	store ConnectionStore
}

func NewConnectionService(store ConnectionStore) *ConnectionService {
	return &ConnectionService{store: store}
}

// GetAvailableConnection returns the best unoccupied connection, preferring
// active configured devices, then active unconfigured, then inactive ones
// that will need manual work. An empty pool is ErrNoConnectionAvailable.
func (s *ConnectionService) GetAvailableConnection(ctx context.Context) (*models.ConnectionPick, error) {
	conn, err := s.store.PickAvailable(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, errs.ErrNoConnectionAvailable
		}
		return nil, errs.Wrap(err, "pick connection")
	}

	pick := &models.ConnectionPick{
		ConnectionID:  conn.ConnectionID,
		IsActive:      conn.IsActive,
		NotConfigured: !conn.IsConfigured,
	}
	log.Printf("[Connection] Picked %s (active=%t, configured=%t)",
		pick.ConnectionID, conn.IsActive, conn.IsConfigured)
	return pick, nil
}
