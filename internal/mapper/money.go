package mapper

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in the currency's minor unit (cents for EUR, yen for JPY)
type Money struct {
	CurrencyCode string
	Minor        int64
}

// currencies whose minor unit is not 1/100
var currencyExponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// Exponent returns the number of minor-unit digits of a currency
func Exponent(currency string) int32 {
	if exp, ok := currencyExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinor converts a catalog amount to minor units. When the catalog already
// reports minor units the amount is only rounded to an integer.
// Rounding is half away from zero.
func ToMinor(amount decimal.Decimal, currency string, amountsInMinor bool) Money {
	code := strings.ToUpper(currency)
	if !amountsInMinor {
		amount = amount.Shift(Exponent(code))
	}
	return Money{CurrencyCode: code, Minor: roundHalfAway(amount).IntPart()}
}

// FromRemoteAmount converts an ERP float amount (major units) to minor units
// with the same rounding as ToMinor
func FromRemoteAmount(amount float64, currency string) Money {
	code := strings.ToUpper(currency)
	d := decimal.NewFromFloat(amount).Shift(Exponent(code))
	return Money{CurrencyCode: code, Minor: roundHalfAway(d).IntPart()}
}

// Major returns the amount in major units
func (m Money) Major() decimal.Decimal {
	return decimal.New(m.Minor, -Exponent(m.CurrencyCode))
}

// Float returns the major amount as the float the ERP stores
func (m Money) Float() float64 {
	f, _ := m.Major().Float64()
	return f
}

func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Major().StringFixed(Exponent(m.CurrencyCode)), m.CurrencyCode)
}

func roundHalfAway(d decimal.Decimal) decimal.Decimal {
	if d.Sign() < 0 {
		return d.Neg().Round(0).Neg()
	}
	return d.Round(0)
}
