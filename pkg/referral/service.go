package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jordanlanch/rewardsledger/pkg/domain"
	"github.com/jordanlanch/rewardsledger/pkg/models"
	"github.com/jordanlanch/rewardsledger/pkg/referralcode"
)

const (
	// MaxDepth is the number of ancestor levels that earn commission.
	MaxDepth = 3

	// DefaultPageSize is used when a page request leaves the size unset.
	DefaultPageSize = 50
	// MaxPageSize caps a single descendant page.
	MaxPageSize = 500

	codeAttempts    = 5
	maxAncestryHops = 10000

	// registrationLockKey serialises referral registrations on Postgres so
	// concurrent registrations cannot close a cycle between them.
	registrationLockKey = 0x72656665
)

// Service owns users and the referral forest
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService creates a new referral service
func NewService(db *gorm.DB) *Service {
	return &Service{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser registers a user and assigns its referral code. Calling it again
// for the same user returns the existing record unchanged.
func (s *Service) CreateUser(ctx context.Context, userID string, joinedAt time.Time) (*models.User, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user id is required")
	}
	if joinedAt.IsZero() {
		joinedAt = s.now()
	}

	db := s.db.WithContext(ctx)
	for attempt := 0; attempt < codeAttempts; attempt++ {
		existing, err := s.GetUser(ctx, userID)
		if err == nil {
			return existing, nil
		}
		if !domain.IsNotFound(err) {
			return nil, err
		}

		code, err := referralcode.Generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate referral code: %w", err)
		}

		u := &models.User{
			ID:           userID,
			ReferralCode: code,
			JoinedAt:     joinedAt.UTC(),
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(u)
		if res.Error != nil {
			return nil, fmt.Errorf("failed to create user: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return u, nil
		}
		// Either a concurrent create won, which the next lookup returns, or the
		// generated code collided and a new one is drawn.
	}

	return nil, fmt.Errorf("failed to create user %s: referral code collisions", userID)
}

// GetUser returns a user by id
func (s *Service) GetUser(ctx context.Context, userID string) (*models.User, error) {
	return getUser(s.db.WithContext(ctx), userID)
}

// RegisterReferral attaches refereeID under the owner of code. The edge is
// written at most once per referee.
func (s *Service) RegisterReferral(ctx context.Context, refereeID, code string) (*models.ReferralEdge, error) {
	code = referralcode.Normalize(code)
	if err := referralcode.Validate(code); err != nil {
		return nil, domain.NewReferralRejectedError(domain.ReasonInvalidCode, "referral code is not valid")
	}

	var edge *models.ReferralEdge
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", registrationLockKey).Error; err != nil {
				return fmt.Errorf("failed to acquire registration lock: %w", err)
			}
		}

		var referrer models.User
		if err := tx.Where("referral_code = ?", code).First(&referrer).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.NewReferralRejectedError(domain.ReasonInvalidCode, "referral code does not exist")
			}
			return fmt.Errorf("failed to query referral code: %w", err)
		}

		if referrer.ID == refereeID {
			return domain.NewReferralRejectedError(domain.ReasonSelfReferral, "users cannot refer themselves")
		}

		referee, err := getUser(tx, refereeID)
		if err != nil {
			return err
		}
		if referee.ReferrerID != nil {
			return domain.NewReferralRejectedError(domain.ReasonAlreadyReferred, "user already has a referrer")
		}

		cycle, err := inAncestry(tx, referrer.ID, refereeID)
		if err != nil {
			return err
		}
		if cycle {
			return domain.NewReferralRejectedError(domain.ReasonReferralCycle, "referrer is already in this user's network")
		}

		now := s.now()
		res := tx.Model(&models.User{}).
			Where("id = ? AND referrer_id IS NULL", refereeID).
			Updates(map[string]any{"referrer_id": referrer.ID, "referred_at": now})
		if res.Error != nil {
			return fmt.Errorf("failed to set referrer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return domain.NewReferralRejectedError(domain.ReasonAlreadyReferred, "user already has a referrer")
		}

		edge = &models.ReferralEdge{
			RefereeID:  refereeID,
			ReferrerID: referrer.ID,
			CreatedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return edge, nil
}

// AncestorChain returns up to MaxDepth ancestors of userID, nearest first.
// Unknown users and roots have an empty chain.
func (s *Service) AncestorChain(ctx context.Context, userID string) ([]models.Ancestor, error) {
	var row struct {
		L1 *string
		L2 *string
		L3 *string
	}
	err := s.db.WithContext(ctx).Raw(`
		SELECT u.referrer_id AS l1, p1.referrer_id AS l2, p2.referrer_id AS l3
		FROM users u
		LEFT JOIN users p1 ON p1.id = u.referrer_id
		LEFT JOIN users p2 ON p2.id = p1.referrer_id
		WHERE u.id = ?`, userID).Scan(&row).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query ancestors: %w", err)
	}

	chain := make([]models.Ancestor, 0, MaxDepth)
	for level, id := range []*string{row.L1, row.L2, row.L3} {
		if id == nil || *id == "" {
			break
		}
		chain = append(chain, models.Ancestor{UserID: *id, Level: level + 1})
	}
	return chain, nil
}

// DescendantLevel returns one page of the users exactly level hops below
// userID, ordered by id. The returned token is empty on the last page.
func (s *Service) DescendantLevel(ctx context.Context, userID string, level, pageSize int, pageToken string) ([]models.User, string, error) {
	if level < 1 || level > MaxDepth {
		return nil, "", domain.NewValidationError(fmt.Sprintf("level must be between 1 and %d", MaxDepth))
	}
	pageSize = clampPageSize(pageSize)

	q := levelQuery(s.db.WithContext(ctx), userID, level)
	if pageToken != "" {
		q = q.Where("id > ?", pageToken)
	}

	var users []models.User
	if err := q.Order("id ASC").Limit(pageSize + 1).Find(&users).Error; err != nil {
		return nil, "", fmt.Errorf("failed to query level %d descendants: %w", level, err)
	}

	next := ""
	if len(users) > pageSize {
		users = users[:pageSize]
		next = users[pageSize-1].ID
	}
	return users, next, nil
}

// CountLevel counts the users exactly level hops below userID
func (s *Service) CountLevel(ctx context.Context, userID string, level int) (int64, error) {
	if level < 1 || level > MaxDepth {
		return 0, domain.NewValidationError(fmt.Sprintf("level must be between 1 and %d", MaxDepth))
	}

	var n int64
	if err := levelQuery(s.db.WithContext(ctx), userID, level).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count level %d descendants: %w", level, err)
	}
	return n, nil
}

// DirectReferrals counts level 1 descendants
func (s *Service) DirectReferrals(ctx context.Context, userID string) (int64, error) {
	return s.CountLevel(ctx, userID, 1)
}

// NetworkSize counts all descendants within MaxDepth levels
func (s *Service) NetworkSize(ctx context.Context, userID string) (int64, error) {
	var total int64
	for level := 1; level <= MaxDepth; level++ {
		n, err := s.CountLevel(ctx, userID, level)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func getUser(db *gorm.DB, userID string) (*models.User, error) {
	var u models.User
	if err := db.Where("id = ?", userID).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewNotFoundError("user")
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// inAncestry walks the parent pointers above start looking for target. Start
// itself counts as part of its ancestry.
func inAncestry(db *gorm.DB, start, target string) (bool, error) {
	cur := start
	for hops := 0; hops < maxAncestryHops; hops++ {
		if cur == target {
			return true, nil
		}

		var u models.User
		err := db.Select("referrer_id").Where("id = ?", cur).Take(&u).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to walk ancestry: %w", err)
		}
		if u.ReferrerID == nil || *u.ReferrerID == "" {
			return false, nil
		}
		cur = *u.ReferrerID
	}
	return false, fmt.Errorf("ancestry of %s exceeds %d hops", start, maxAncestryHops)
}

// levelQuery selects the users exactly level hops below userID with nested
// subqueries on the parent pointer.
func levelQuery(db *gorm.DB, userID string, level int) *gorm.DB {
	q := db.Model(&models.User{}).Where("referrer_id = ?", userID)
	for l := 2; l <= level; l++ {
		q = db.Model(&models.User{}).Where("referrer_id IN (?)", q.Select("id"))
	}
	return q
}

func clampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}
