// Package events consumes booking and account events. Delivery is
// at-least-once, so every handler behind the processor is idempotent.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jordanlanch/rewardsledger/pkg/commission"
	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/lockmanager"
	"github.com/jordanlanch/rewardsledger/pkg/logger"
	"github.com/jordanlanch/rewardsledger/pkg/metrics"
	"github.com/jordanlanch/rewardsledger/pkg/models"
)

// ErrDeadLettered is wrapped by Process when an event was parked in the
// dead-letter table instead of being applied.
var ErrDeadLettered = errors.New("event dead-lettered")

// CompletionHandler credits commission for completed bookings
type CompletionHandler interface {
	HandleBookingCompleted(ctx context.Context, ev models.BookingCompleted) (*commission.Result, error)
}

// CancellationHandler forfeits credits of cancelled bookings
type CancellationHandler interface {
	HandleBookingCancelled(ctx context.Context, ev models.BookingCancelled) (*lockmanager.CancelResult, error)
}

// UserStore creates users on registration
type UserStore interface {
	CreateUser(ctx context.Context, userID string, joinedAt time.Time) (*models.User, error)
}

// Referrals registers the referral carried by a registration event and keeps
// cached summaries fresh.
type Referrals interface {
	RegisterReferral(ctx context.Context, userID, code string) (*models.ReferralEdge, error)
	InvalidateSummaries(ctx context.Context, userIDs ...string)
	InvalidateAllSummaries(ctx context.Context) error
}

// Config holds processor dependencies and retry settings
type Config struct {
	DB            *gorm.DB
	Completions   CompletionHandler
	Cancellations CancellationHandler
	Users         UserStore
	Referrals     Referrals
	MaxAttempts   int
	RetryBase     time.Duration
	Logger        logger.Logger
	Metrics       *metrics.Metrics
}

// Processor decodes, validates and applies inbound events
type Processor struct {
	db            *gorm.DB
	completions   CompletionHandler
	cancellations CancellationHandler
	users         UserStore
	referrals     Referrals
	validator     *validator.Validate
	maxAttempts   int
	retryBase     time.Duration
	logger        logger.Logger
	metrics       *metrics.Metrics
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewProcessor creates an event processor
func NewProcessor(cfg Config) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Processor{
		db:            cfg.DB,
		completions:   cfg.Completions,
		cancellations: cfg.Cancellations,
		users:         cfg.Users,
		referrals:     cfg.Referrals,
		validator:     validator.New(),
		maxAttempts:   cfg.MaxAttempts,
		retryBase:     cfg.RetryBase,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		sleep:         sleepContext,
	}
}

// Process applies one event. Transient failures are retried with exponential
// backoff; permanent failures and exhausted retries are dead-lettered and
// reported as ErrDeadLettered. Any other error means the event was neither
// applied nor parked and must be redelivered.
func (p *Processor) Process(ctx context.Context, eventType string, payload []byte) error {
	apply, err := p.decode(eventType, payload)
	if err != nil {
		return p.deadLetter(ctx, eventType, payload, err, 0)
	}

	attempt := 0
	for {
		attempt++
		err = apply(ctx)
		if err == nil {
			p.metrics.RecordEvent(eventType, "ok")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if domain.IsPermanent(err) || attempt >= p.maxAttempts {
			break
		}

		// Exponential backoff: base * 2^(attempt-1)
		backoff := p.retryBase * time.Duration(1<<uint(attempt-1))
		p.metrics.RecordEvent(eventType, "retried")
		p.logger.Warn("event processing failed, retrying",
			"event_type", eventType,
			"attempt", attempt,
			"max_attempts", p.maxAttempts,
			"backoff", backoff.String(),
			"error", err,
		)
		if serr := p.sleep(ctx, backoff); serr != nil {
			return serr
		}
	}

	return p.deadLetter(ctx, eventType, payload, err, attempt)
}

// decode parses and validates the payload and returns the handler call for it
func (p *Processor) decode(eventType string, payload []byte) (func(context.Context) error, error) {
	switch eventType {
	case models.EventBookingCompleted:
		var ev models.BookingCompleted
		if err := p.unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			res, err := p.completions.HandleBookingCompleted(ctx, ev)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(res.Credits))
			for _, c := range res.Credits {
				ids = append(ids, c.UserID)
			}
			p.referrals.InvalidateSummaries(ctx, ids...)
			return nil
		}, nil

	case models.EventBookingCancelled:
		var ev models.BookingCancelled
		if err := p.unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			res, err := p.cancellations.HandleBookingCancelled(ctx, ev)
			if err != nil {
				return err
			}
			if res.Forfeited > 0 {
				if err := p.referrals.InvalidateAllSummaries(ctx); err != nil {
					p.logger.Warn("failed to flush summaries after cancellation", "error", err)
				}
			}
			return nil
		}, nil

	case models.EventUserRegistered:
		var ev models.UserRegistered
		if err := p.unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return p.registerUser(ctx, ev)
		}, nil

	default:
		return nil, domain.NewValidationError(fmt.Sprintf("unknown event type %q", eventType))
	}
}

func (p *Processor) unmarshal(payload []byte, dest any) error {
	if err := json.Unmarshal(payload, dest); err != nil {
		return domain.NewValidationError(fmt.Sprintf("malformed payload: %v", err))
	}
	if err := p.validator.Struct(dest); err != nil {
		return domain.NewValidationError(err.Error())
	}
	return nil
}

// registerUser creates the user, then registers its referral code if any. A
// rejected code is a business outcome, not a processing failure.
func (p *Processor) registerUser(ctx context.Context, ev models.UserRegistered) error {
	if _, err := p.users.CreateUser(ctx, ev.UserID, ev.JoinedAt); err != nil {
		return err
	}
	if ev.ReferralCode == "" {
		return nil
	}

	_, err := p.referrals.RegisterReferral(ctx, ev.UserID, ev.ReferralCode)
	switch {
	case err == nil:
		return nil
	case domain.GetReason(err) == domain.ReasonAlreadyReferred:
		// redelivery of an event that already registered
		return nil
	case domain.GetReason(err) != "":
		p.logger.Warn("referral from registration rejected",
			"user_id", ev.UserID,
			"reason", domain.GetReason(err),
		)
		return nil
	default:
		return err
	}
}

func (p *Processor) deadLetter(ctx context.Context, eventType string, payload []byte, cause error, attempts int) error {
	row := models.DeadLetterEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Payload:   string(payload),
		Error:     cause.Error(),
		Attempts:  attempts,
	}
	if err := p.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to dead-letter %s event: %w (cause: %v)", eventType, err, cause)
	}

	p.metrics.RecordEvent(eventType, "dead_lettered")
	p.logger.Error("event dead-lettered",
		"event_type", eventType,
		"dead_letter_id", row.ID,
		"attempts", attempts,
		"error", cause,
	)
	return fmt.Errorf("%w: %w", ErrDeadLettered, cause)
}

// ListDeadLetters returns the most recent dead-lettered events
func (p *Processor) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error) {
	var rows []models.DeadLetterEvent
	if err := p.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return rows, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
