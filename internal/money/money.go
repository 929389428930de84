// Package money implements fixed-point monetary values stored in integer
// minor units (cents). Arithmetic never touches floating point; conversion to
// dollars happens only at formatting boundaries.
package money

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/noah-isme/backend-dojo/internal/common"
)

// DefaultCurrency is assumed when a serialized value omits the currency code.
const DefaultCurrency = "usd"

// Money is an amount in minor units plus an ISO 4217 currency code.
type Money struct {
	Cents    int64
	Currency string
}

// FromCents builds a Money from an integer amount of minor units.
func FromCents(cents int64) Money {
	return Money{Cents: cents, Currency: DefaultCurrency}
}

// FromCentsIn builds a Money in the given currency.
func FromCentsIn(cents int64, currency string) Money {
	cur := strings.ToLower(strings.TrimSpace(currency))
	if cur == "" {
		cur = DefaultCurrency
	}
	return Money{Cents: cents, Currency: cur}
}

// FromDollars converts a major-unit amount, rounding to the nearest cent.
func FromDollars(dollars float64) Money {
	return FromCents(roundHalfAway(dollars * 100))
}

// Dollars converts to major units. Display use only.
func (m Money) Dollars() float64 {
	return float64(m.Cents) / 100
}

// Add returns m + other. Currencies must match.
func (m Money) Add(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Cents: m.Cents + other.Cents, Currency: m.currency()}, nil
}

// Sub returns m - other. Currencies must match.
func (m Money) Sub(other Money) (Money, error) {
	if err := m.sameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{Cents: m.Cents - other.Cents, Currency: m.currency()}, nil
}

// MulInt returns m scaled by an integer factor.
func (m Money) MulInt(factor int64) Money {
	return Money{Cents: m.Cents * factor, Currency: m.currency()}
}

// MulBps applies a basis-point rate (10000 bps = 100%), rounding half away
// from zero to the nearest cent.
func (m Money) MulBps(bps int64) Money {
	product := m.Cents * bps
	half := int64(5000)
	var cents int64
	if product >= 0 {
		cents = (product + half) / 10000
	} else {
		cents = (product - half) / 10000
	}
	return Money{Cents: cents, Currency: m.currency()}
}

// MulFloat scales by an arbitrary factor, rounding to the nearest cent.
func (m Money) MulFloat(factor float64) Money {
	return Money{Cents: roundHalfAway(float64(m.Cents) * factor), Currency: m.currency()}
}

// Cmp compares amounts: -1 if m < other, 0 if equal, 1 if m > other.
func (m Money) Cmp(other Money) int {
	switch {
	case m.Cents < other.Cents:
		return -1
	case m.Cents > other.Cents:
		return 1
	default:
		return 0
	}
}

// IsPositive reports whether the amount is strictly greater than zero.
func (m Money) IsPositive() bool { return m.Cents > 0 }

// IsNegative reports whether the amount is strictly less than zero.
func (m Money) IsNegative() bool { return m.Cents < 0 }

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool { return m.Cents == 0 }

// FormatOptions controls string rendering.
type FormatOptions struct {
	Symbol     string
	OmitSymbol bool
}

// Format renders the amount using integer arithmetic so display never
// reintroduces floating-point error.
func (m Money) Format(opts FormatOptions) string {
	symbol := opts.Symbol
	if symbol == "" && !opts.OmitSymbol {
		symbol = "$"
	}
	if opts.OmitSymbol {
		symbol = ""
	}
	cents := m.Cents
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%s%d.%02d", sign, symbol, cents/100, cents%100)
}

// String implements fmt.Stringer.
func (m Money) String() string { return m.Format(FormatOptions{}) }

type wireMoney struct {
	AmountCents *int64  `json:"amount_cents"`
	Currency    string  `json:"currency,omitempty"`
	Raw         float64 `json:"-"`
}

// MarshalJSON serializes as integer minor units.
func (m Money) MarshalJSON() ([]byte, error) {
	cents := m.Cents
	return json.Marshal(wireMoney{AmountCents: &cents, Currency: m.currency()})
}

// UnmarshalJSON rehydrates from the wire shape, rejecting non-integer amounts.
func (m *Money) UnmarshalJSON(data []byte) error {
	var probe struct {
		AmountCents json.Number `json:"amount_cents"`
		Currency    string      `json:"currency"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return common.ValidationError("malformed money value", err)
	}
	if probe.AmountCents == "" {
		return common.ValidationError("money amount_cents is required", nil)
	}
	cents, err := probe.AmountCents.Int64()
	if err != nil {
		return common.ValidationError("money amount must be integer cents", err)
	}
	*m = FromCentsIn(cents, probe.Currency)
	return nil
}

func (m Money) currency() string {
	if m.Currency == "" {
		return DefaultCurrency
	}
	return m.Currency
}

func (m Money) sameCurrency(other Money) error {
	if m.currency() != other.currency() {
		return common.ValidationError(
			fmt.Sprintf("currency mismatch: %s vs %s", m.currency(), other.currency()), nil)
	}
	return nil
}

func roundHalfAway(v float64) int64 {
	if v >= 0 {
		return int64(math.Floor(v + 0.5))
	}
	return int64(math.Ceil(v - 0.5))
}
