// Package money implements fixed-point VAT arithmetic and currency
// formatting. All amounts are int64 centavos; rounding is half-up to the
// cent.
//
// Pricing convention: product unit prices are VAT-exclusive. A sale's tax is
// added on top of the subtotal via GrossFromNet. The extraction functions
// (NetFromGross, VATFromGross) are the inverse view used when a gross amount
// is the starting point, and they always satisfy
//
//	NetFromGross(g) + VATFromGross(g) == g
//
// exactly, because VATFromGross is defined as the complement.
package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrNegativeAmount = errors.New("negative amount")

const basisPointDenom = 10_000

// Calculator applies a fixed VAT rate expressed in basis points
// (12% = 1200 bp).
type Calculator struct {
	rateBasisPoints int64
	symbol          string
}

func NewCalculator(rateBasisPoints int64, symbol string) Calculator {
	if rateBasisPoints < 0 {
		rateBasisPoints = 0
	}
	if symbol == "" {
		symbol = "₱"
	}
	return Calculator{rateBasisPoints: rateBasisPoints, symbol: symbol}
}

func (c Calculator) RateBasisPoints() int64 {
	return c.rateBasisPoints
}

// NetFromGross strips VAT from a VAT-inclusive amount.
func (c Calculator) NetFromGross(grossCents int64) (int64, error) {
	if grossCents < 0 {
		return 0, ErrNegativeAmount
	}
	return roundHalfUp(grossCents*basisPointDenom, basisPointDenom+c.rateBasisPoints), nil
}

// VATFromGross returns the tax portion of a VAT-inclusive amount. It is the
// exact complement of NetFromGross.
func (c Calculator) VATFromGross(grossCents int64) (int64, error) {
	net, err := c.NetFromGross(grossCents)
	if err != nil {
		return 0, err
	}
	return grossCents - net, nil
}

// GrossFromNet adds VAT on top of a net amount.
func (c Calculator) GrossFromNet(netCents int64) (int64, error) {
	if netCents < 0 {
		return 0, ErrNegativeAmount
	}
	return netCents + roundHalfUp(netCents*c.rateBasisPoints, basisPointDenom), nil
}

// TaxOnNet is the tax added by GrossFromNet, kept separate so callers can
// persist subtotal and tax as distinct fields.
func (c Calculator) TaxOnNet(netCents int64) (int64, error) {
	gross, err := c.GrossFromNet(netCents)
	if err != nil {
		return 0, err
	}
	return gross - netCents, nil
}

// Format renders cents as a display string, e.g. 1234567 -> "₱12,345.67".
// Formatting never alters the numeric value.
func (c Calculator) Format(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	whole := cents / 100
	frac := cents % 100
	return fmt.Sprintf("%s%s%s.%02d", sign, c.symbol, groupThousands(whole), frac)
}

// roundHalfUp divides num by den rounding half away from zero toward
// positive infinity. Inputs are non-negative by the time this is called.
func roundHalfUp(num int64, den int64) int64 {
	return (num + den/2) / den
}

func groupThousands(v int64) string {
	digits := strconv.FormatInt(v, 10)
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
