// Package fees computes the fee reserve held against outgoing payments and
// the optional service fee. All results are positive msat magnitudes.
package fees

import (
	"github.com/shopspring/decimal"
)

const (
	DefaultReserveMinMsat = 1000
	DefaultReservePercent = 1.0
)

type Policy struct {
	ReserveMinMsat int64
	ReservePercent float64

	ServiceFeePercent  float64
	ServiceFeeMaxSats  int64
	ServiceFeeWalletID string
	IgnoreInternal     bool
}

func DefaultPolicy() Policy {
	return Policy{
		ReserveMinMsat: DefaultReserveMinMsat,
		ReservePercent: DefaultReservePercent,
	}
}

// FeeReserve is zero for internal payments, otherwise the larger of the
// configured floor and the percentage of the amount rounded up.
func (p Policy) FeeReserve(amountMsat int64, internal bool) int64 {
	if internal {
		return 0
	}
	reserve := percentCeil(amountMsat, p.ReservePercent)
	if reserve < p.ReserveMinMsat {
		return p.ReserveMinMsat
	}
	return reserve
}

func (p Policy) ServiceFeeEnabled(internal bool) bool {
	if p.ServiceFeeWalletID == "" || p.ServiceFeePercent <= 0 {
		return false
	}
	return !internal || !p.IgnoreInternal
}

func (p Policy) ServiceFee(amountMsat int64, internal bool) int64 {
	if !p.ServiceFeeEnabled(internal) {
		return 0
	}
	fee := percentCeil(amountMsat, p.ServiceFeePercent)
	if p.ServiceFeeMaxSats > 0 && fee > p.ServiceFeeMaxSats*1000 {
		return p.ServiceFeeMaxSats * 1000
	}
	return fee
}

func (p Policy) ReserveTotal(amountMsat int64, internal bool) int64 {
	return p.FeeReserve(amountMsat, internal) + p.ServiceFee(amountMsat, internal)
}

func percentCeil(amountMsat int64, percent float64) int64 {
	if amountMsat < 0 {
		amountMsat = -amountMsat
	}
	if percent <= 0 {
		return 0
	}
	v := decimal.NewFromInt(amountMsat).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Ceil()
	return v.IntPart()
}
