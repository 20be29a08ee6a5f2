// Package testutil provides in-memory databases and generated referral
// networks for package tests.
package testutil

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jordanlanch/rewardsledger/pkg/database"
	"github.com/jordanlanch/rewardsledger/pkg/models"
	"github.com/jordanlanch/rewardsledger/pkg/referralcode"
)

// NewDB opens a migrated, isolated in-memory SQLite database for one test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	client, err := database.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client.DB
}

// CreateUser inserts a user with a fresh referral code, optionally under a referrer.
func CreateUser(t testing.TB, db *gorm.DB, id string, referrerID string, joinedAt time.Time) models.User {
	t.Helper()

	code, err := referralcode.Generate()
	require.NoError(t, err)

	u := models.User{
		ID:           id,
		ReferralCode: code,
		JoinedAt:     joinedAt.UTC(),
	}
	if referrerID != "" {
		ref := referrerID
		at := joinedAt.UTC()
		u.ReferrerID = &ref
		u.ReferredAt = &at
	}
	require.NoError(t, db.Create(&u).Error)
	return u
}

// Chain inserts depth users, each referred by the previous one. The root is first.
func Chain(t testing.TB, db *gorm.DB, depth int) []string {
	t.Helper()

	ids := make([]string, 0, depth)
	parent := ""
	joined := time.Now().Add(-time.Duration(depth) * time.Hour)
	for i := 0; i < depth; i++ {
		id := FakeUserID()
		CreateUser(t, db, id, parent, joined.Add(time.Duration(i)*time.Hour))
		ids = append(ids, id)
		parent = id
	}
	return ids
}

// NetworkConfig configures generated referral networks
type NetworkConfig struct {
	Depth    int     // levels below the root
	Fanout   int     // maximum direct referrals per member
	Bookings int     // maximum completed bookings per member
	Cancel   float64 // 0.0-1.0 probability that a booking is cancelled
	Seed     int64
}

// Network is a generated referral tree rooted at Root.
type Network struct {
	Root    string
	ByLevel map[int][]string
}

// GenerateNetwork builds a random referral tree with booking history below a fresh root.
func GenerateNetwork(t testing.TB, db *gorm.DB, cfg NetworkConfig) Network {
	t.Helper()

	rng := rand.New(rand.NewSource(cfg.Seed))

	now := time.Now().UTC()
	root := FakeUserID()
	CreateUser(t, db, root, "", now.Add(-365*24*time.Hour))

	net := Network{Root: root, ByLevel: make(map[int][]string)}
	parents := []string{root}
	for level := 1; level <= cfg.Depth; level++ {
		var next []string
		for _, parent := range parents {
			for i := 0; i < 1+rng.Intn(cfg.Fanout); i++ {
				id := FakeUserID()
				joined := gofakeit.DateRange(now.Add(-300*24*time.Hour), now.Add(-time.Hour))
				CreateUser(t, db, id, parent, joined)
				seedBookings(t, db, rng, id, rng.Intn(cfg.Bookings+1), cfg.Cancel, joined)
				next = append(next, id)
			}
		}
		net.ByLevel[level] = next
		parents = next
	}
	return net
}

func seedBookings(t testing.TB, db *gorm.DB, rng *rand.Rand, userID string, n int, cancelChance float64, after time.Time) {
	products := []string{
		models.ProductFlightDomestic, models.ProductFlightInternational,
		models.ProductHotel, models.ProductPackage, models.ProductCar, models.ProductActivity,
	}
	for i := 0; i < n; i++ {
		completed := gofakeit.DateRange(after, time.Now().UTC())
		rec := models.BookingRecord{
			BookingID:        "bk_" + gofakeit.UUID(),
			UserID:           userID,
			ProductType:      products[rng.Intn(len(products))],
			PlatformEarnings: gofakeit.Price(10, 500),
			BookingAmount:    gofakeit.Price(100, 5000),
			CompletedAt:      &completed,
		}
		if rng.Float64() < cancelChance {
			cancelled := completed.Add(time.Hour)
			rec.CancelledAt = &cancelled
			rec.CancelReason = "refund"
		}
		require.NoError(t, db.Create(&rec).Error)
	}
}

// FakeUserID returns a random external user id.
func FakeUserID() string {
	return "usr_" + gofakeit.UUID()
}

// CompleteBooking returns a completion event for userID with generated identifiers.
func CompleteBooking(userID, product string, earnings float64, completedAt time.Time) models.BookingCompleted {
	return models.BookingCompleted{
		BookingID:        "bk_" + gofakeit.UUID(),
		UserID:           userID,
		ProductType:      product,
		PlatformEarnings: earnings,
		CompletedAt:      completedAt,
	}
}
