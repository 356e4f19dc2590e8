package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/aggregate"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/product-service/domain"
)

type Service struct {
	repo   aggregate.Repository
	logger *slog.Logger
}

func NewService(repo aggregate.Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, logger: logger.With(slog.String("service", "product"))}
}

// Register serves the stock participants on mux.
func (s *Service) Register(mux *participant.Mux) {
	mux.HandleFunc(domain.ReserveProducts, participant.Typed(func(ctx context.Context, req domain.StockRequest) (any, error) {
		return s.Reserve(ctx, req)
	}))
	mux.HandleFunc(domain.ReleaseProducts, participant.Typed(func(ctx context.Context, req domain.StockRequest) (any, error) {
		return s.Release(ctx, req)
	}))
	mux.HandleFunc(domain.PurchaseProducts, participant.Typed(func(ctx context.Context, req domain.StockRequest) (any, error) {
		return s.Purchase(ctx, req)
	}))
}

func (s *Service) CreateProduct(ctx context.Context, p domain.Product) (uuid.UUID, error) {
	e, _, err := s.repo.Create(ctx, domain.EntityType, p)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create product %q: %w", p.Code, err)
	}
	s.logger.InfoContext(ctx, "product created", slog.String("product_id", e.ID.String()), slog.String("code", p.Code))
	return e.ID, nil
}

func (s *Service) GetProduct(ctx context.Context, id uuid.UUID) (domain.Product, error) {
	e, err := s.repo.Get(ctx, domain.EntityType, id)
	if err != nil {
		return domain.Product{}, err
	}
	return aggregate.Decode[domain.Product](e)
}

// SetInventoryAmount replaces the units on hand of a product.
func (s *Service) SetInventoryAmount(ctx context.Context, id uuid.UUID, amount int) error {
	_, _, err := aggregate.UpdateAs(ctx, s.repo, domain.EntityType, id, func(p *domain.Product) error {
		p.Inventory.Amount = amount
		return nil
	})
	return err
}

// Reserve holds every requested quantity or none: when one product cannot
// satisfy its quantity the reservations already made are released. Units
// the holder already holds are not reserved twice.
func (s *Service) Reserve(ctx context.Context, req domain.StockRequest) (domain.Reservation, error) {
	items, err := req.Quantities()
	if err != nil {
		return domain.Reservation{}, err
	}

	var (
		priced   []domain.PricedItem
		reserved []domain.StockItem
	)
	for _, it := range items {
		var fresh bool
		p, _, err := aggregate.UpdateAs(ctx, s.repo, domain.EntityType, it.ProductID, func(p *domain.Product) error {
			if req.Holder != "" && p.Inventory.Held(req.Holder) > 0 {
				return nil
			}
			if p.Inventory.Available() < it.Quantity {
				return fmt.Errorf("%w: %s has %d available, %d requested",
					domain.ErrInsufficientStock, p.Code, p.Inventory.Available(), it.Quantity)
			}
			p.Inventory, fresh = p.Inventory.Reserve(req.Holder, it.Quantity)
			return nil
		})
		if err != nil {
			s.logger.WarnContext(ctx, "reservation rejected",
				slog.String("product_id", it.ProductID.String()),
				slog.Int("quantity", it.Quantity),
				slog.Any("error", err),
			)
			if rerr := s.release(ctx, req.Holder, reserved); rerr != nil {
				return domain.Reservation{}, errors.Join(err, rerr)
			}
			return domain.Reservation{}, err
		}
		if fresh {
			reserved = append(reserved, it)
		}
		priced = append(priced, pricedItem(it, p))
	}

	res := domain.NewReservation(priced)
	s.logger.InfoContext(ctx, "products reserved",
		slog.String("holder", req.Holder),
		slog.Int("products", len(priced)),
		slog.Float64("total", res.Total),
	)
	return res, nil
}

// Release returns the holder's reserved units. Unknown products and units
// the holder no longer holds are skipped, so releasing twice is harmless
// and never touches units held by others.
func (s *Service) Release(ctx context.Context, req domain.StockRequest) (domain.Reservation, error) {
	items, err := req.Quantities()
	if err != nil {
		return domain.Reservation{}, err
	}

	var priced []domain.PricedItem
	for _, it := range items {
		var released int
		p, _, err := aggregate.UpdateAs(ctx, s.repo, domain.EntityType, it.ProductID, func(p *domain.Product) error {
			p.Inventory, released = p.Inventory.Release(req.Holder, it.Quantity)
			return nil
		})
		if errors.Is(err, aggregate.ErrNotFound) {
			s.logger.WarnContext(ctx, "release of unknown product", slog.String("product_id", it.ProductID.String()))
			continue
		}
		if err != nil {
			return domain.Reservation{}, fmt.Errorf("release %s: %w", it.ProductID, err)
		}
		if released < it.Quantity {
			s.logger.WarnContext(ctx, "release exceeds held units",
				slog.String("product_id", it.ProductID.String()),
				slog.String("holder", req.Holder),
				slog.Int("requested", it.Quantity),
				slog.Int("released", released),
			)
		}
		priced = append(priced, pricedItem(domain.StockItem{ProductID: it.ProductID, Quantity: released}, p))
	}

	s.logger.InfoContext(ctx, "products released", slog.String("holder", req.Holder), slog.Int("products", len(priced)))
	return domain.NewReservation(priced), nil
}

// Purchase sells units, consuming the holder's reserved ones first. It is
// all-or-nothing like Reserve.
func (s *Service) Purchase(ctx context.Context, req domain.StockRequest) (domain.Reservation, error) {
	items, err := req.Quantities()
	if err != nil {
		return domain.Reservation{}, err
	}

	var (
		priced []domain.PricedItem
		sold   []purchase
	)
	for _, it := range items {
		var taken int
		p, _, err := aggregate.UpdateAs(ctx, s.repo, domain.EntityType, it.ProductID, func(p *domain.Product) error {
			if p.Inventory.Amount < it.Quantity {
				return fmt.Errorf("%w: %s has %d on hand, %d purchased",
					domain.ErrInsufficientStock, p.Code, p.Inventory.Amount, it.Quantity)
			}
			p.Inventory, taken = p.Inventory.Purchase(req.Holder, it.Quantity)
			return nil
		})
		if err != nil {
			if rerr := s.unpurchase(ctx, req.Holder, sold); rerr != nil {
				return domain.Reservation{}, errors.Join(err, rerr)
			}
			return domain.Reservation{}, err
		}
		sold = append(sold, purchase{item: it, reserved: taken})
		priced = append(priced, pricedItem(it, p))
	}

	res := domain.NewReservation(priced)
	s.logger.InfoContext(ctx, "products purchased", slog.Int("products", len(priced)), slog.Float64("total", res.Total))
	return res, nil
}

// purchase remembers how many reserved units a sale consumed.
type purchase struct {
	item     domain.StockItem
	reserved int
}

func (s *Service) release(ctx context.Context, holder string, items []domain.StockItem) error {
	if len(items) == 0 {
		return nil
	}
	_, err := s.Release(ctx, domain.StockRequest{Holder: holder, Items: items})
	return err
}

func (s *Service) unpurchase(ctx context.Context, holder string, sold []purchase) error {
	var errs []error
	for _, ps := range sold {
		_, _, err := aggregate.UpdateAs(ctx, s.repo, domain.EntityType, ps.item.ProductID, func(p *domain.Product) error {
			p.Inventory = p.Inventory.Unpurchase(holder, ps.item.Quantity, ps.reserved)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("undo purchase of %s: %w", ps.item.ProductID, err))
		}
	}
	return errors.Join(errs...)
}

func pricedItem(it domain.StockItem, p domain.Product) domain.PricedItem {
	return domain.PricedItem{
		ProductID: it.ProductID,
		Title:     p.Title,
		UnitPrice: p.Price,
		Quantity:  it.Quantity,
	}
}
