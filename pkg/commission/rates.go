package commission

import (
	"math"

	"github.com/jordanlanch/rewardsledger/pkg/models"
)

// PointsPerDollar is the fixed exchange rate between USD and points.
const PointsPerDollar = 10

// BaseRates is the share of platform earnings paid to each ancestor level.
var BaseRates = map[int]float64{
	1: 0.05,
	2: 0.02,
	3: 0.01,
}

// ProductMultipliers scale the base rate per product. Unknown products use 1.0.
var ProductMultipliers = map[string]float64{
	models.ProductFlightDomestic:      1.0,
	models.ProductFlightInternational: 1.2,
	models.ProductHotel:               1.5,
	models.ProductPackage:             2.0,
	models.ProductCar:                 1.0,
	models.ProductActivity:            1.0,
}

// DefaultCommissionRates estimate platform earnings from the booking amount
// when the booking pipeline did not report them.
var DefaultCommissionRates = map[string]float64{
	models.ProductFlightDomestic:      0.03,
	models.ProductFlightInternational: 0.05,
	models.ProductHotel:               0.10,
	models.ProductPackage:             0.12,
	models.ProductCar:                 0.08,
	models.ProductActivity:            0.15,
}

const defaultCommissionRate = 0.05

// Multiplier returns the product multiplier
func Multiplier(productType string) float64 {
	if m, ok := ProductMultipliers[productType]; ok {
		return m
	}
	return 1.0
}

// EarningsBasis returns the platform earnings commission is computed on
func EarningsBasis(platformEarnings, bookingAmount float64, productType string) float64 {
	if platformEarnings > 0 {
		return platformEarnings
	}
	if bookingAmount <= 0 {
		return 0
	}
	rate, ok := DefaultCommissionRates[productType]
	if !ok {
		rate = defaultCommissionRate
	}
	return bookingAmount * rate
}

// Points computes the commission for one level, rounded to whole points.
// Levels without a base rate earn nothing.
func Points(earnings float64, level int, productType string) int64 {
	rate, ok := BaseRates[level]
	if !ok || earnings <= 0 {
		return 0
	}
	return int64(math.Round(earnings * rate * Multiplier(productType) * PointsPerDollar))
}
