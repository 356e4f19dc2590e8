package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/ticket-service/domain"
)

type Service struct {
	repo   aggregate.Repository
	logger *slog.Logger
}

func NewService(repo aggregate.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, logger: logger.With(slog.String("service", "ticket"))}
}

func (s *Service) Register(mux *participant.Mux) {
	mux.HandleFunc(domain.CreateTicket, participant.Typed(func(ctx context.Context, req domain.CreateTicketRequest) (any, error) {
		return s.CreateTicket(ctx, req.Entries)
	}))
	mux.HandleFunc(domain.DeleteTicket, participant.Typed(func(ctx context.Context, req domain.DeleteTicketRequest) (any, error) {
		return nil, s.DeleteTicket(ctx, req.TicketID)
	}))
}

func (s *Service) CreateTicket(ctx context.Context, entries []domain.Entry) (domain.CreateTicketResponse, error) {
	if len(entries) == 0 {
		return domain.CreateTicketResponse{}, domain.ErrNoEntries
	}

	t := domain.NewTicket(newCode(), entries)
	e, _, err := s.repo.Create(ctx, domain.EntityType, t)
	if err != nil {
		return domain.CreateTicketResponse{}, fmt.Errorf("create ticket: %w", err)
	}

	s.logger.InfoContext(ctx, "ticket created",
		slog.String("ticket_id", e.ID.String()),
		slog.String("code", t.Code),
		slog.Float64("total_price", t.TotalPrice),
	)
	return domain.CreateTicketResponse{TicketID: e.ID, Code: t.Code, TotalPrice: t.TotalPrice}, nil
}

// DeleteTicket removes a ticket; a missing ticket is not an error.
func (s *Service) DeleteTicket(ctx context.Context, id uuid.UUID) error {
	_, err := s.repo.Delete(ctx, domain.EntityType, id)
	if errors.Is(err, aggregate.ErrNotFound) {
		s.logger.WarnContext(ctx, "no ticket to delete", slog.String("ticket_id", id.String()))
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete ticket %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "ticket deleted", slog.String("ticket_id", id.String()))
	return nil
}

func (s *Service) GetTicket(ctx context.Context, id uuid.UUID) (domain.Ticket, error) {
	e, err := s.repo.Get(ctx, domain.EntityType, id)
	if err != nil {
		return domain.Ticket{}, err
	}
	return aggregate.Decode[domain.Ticket](e)
}

func newCode() string {
	return "T-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}
