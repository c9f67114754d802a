// Package outbox records auction domain events in Postgres in the same place as the data they
// describe and relays them to JetStream, so order creation and settlement see every closed
// auction exactly once.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/auctionhouse/go/internal/auction/events"
	"github.com/mcdev12/auctionhouse/go/internal/models"
)

// OutboxRepository defines what the app layer needs from the repository.
type OutboxRepository interface {
	InsertOutboxEvent(ctx context.Context, auctionID uuid.UUID, eventType string, payload []byte) error
	InsertResultWithEvent(ctx context.Context, res models.AuctionResult, eventType string, payload []byte) (bool, error)
	GetAuctionResult(ctx context.Context, auctionID uuid.UUID) (models.AuctionResult, error)
	FetchUnsentOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID) error
}

// App handles outbox business logic.
type App struct {
	repo OutboxRepository
}

func NewApp(repo OutboxRepository) *App {
	return &App{repo: repo}
}

// InsertEvent inserts a domain event into the outbox.
func (a *App) InsertEvent(ctx context.Context, auctionID uuid.UUID, eventType events.Type, payload []byte) error {
	if err := validateEventPayload(payload); err != nil {
		return fmt.Errorf("invalid %s payload: %w", eventType, err)
	}
	if err := a.repo.InsertOutboxEvent(ctx, auctionID, string(eventType), payload); err != nil {
		return fmt.Errorf("failed to insert %s event: %w", eventType, err)
	}

	log.Debug().
		Str("auction_id", auctionID.String()).
		Str("event_type", string(eventType)).
		Msg("outbox event inserted")
	return nil
}

// SaveResult durably records a terminal result together with its AuctionClosed event. Saving
// the same result again is a no-op, so callers may retry freely.
func (a *App) SaveResult(ctx context.Context, res models.AuctionResult) error {
	payload, err := json.Marshal(events.NewAuctionClosedPayload(res))
	if err != nil {
		return fmt.Errorf("marshal AuctionClosed payload: %w", err)
	}

	written, err := a.repo.InsertResultWithEvent(ctx, res, string(events.EventAuctionClosed), payload)
	if err != nil {
		return fmt.Errorf("failed to save auction result: %w", err)
	}

	log.Info().
		Str("auction_id", res.AuctionID.String()).
		Str("status", string(res.Status)).
		Bool("duplicate", !written).
		Msg("auction result saved")
	return nil
}

// LookupResult returns the result recorded for an auction, or nil if it has none yet.
func (a *App) LookupResult(ctx context.Context, auctionID uuid.UUID) (*models.AuctionResult, error) {
	res, err := a.repo.GetAuctionResult(ctx, auctionID)
	if errors.Is(err, ErrResultNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ProcessUnsentEvents hands one batch of unsent events to processor, marking each as sent on
// success.
func (a *App) ProcessUnsentEvents(ctx context.Context, batchSize int, processor func(event OutboxEvent) error) error {
	if batchSize <= 0 {
		return errors.New("batch size must be greater than 0")
	}
	unsent, err := a.repo.FetchUnsentOutbox(ctx, batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch unsent events: %w", err)
	}

	processedCount, errorCount := 0, 0
	for _, event := range unsent {
		if err := processor(event); err != nil {
			log.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", event.EventType).
				Msg("failed to process event")
			errorCount++
			continue
		}
		if err := a.repo.MarkOutboxSent(ctx, event.ID); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to mark event as sent after processing")
			errorCount++
			continue
		}
		processedCount++
	}

	if processedCount > 0 || errorCount > 0 {
		log.Info().
			Int("processed", processedCount).
			Int("errors", errorCount).
			Int("total", len(unsent)).
			Msg("processed unsent events batch")
	}
	return nil
}

func validateEventPayload(payload []byte) error {
	if len(payload) == 0 {
		return errors.New("event payload cannot be empty")
	}
	return nil
}
