package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrUnknownPackage = errors.New("no price for package")

// Service converts the provider's USD list price into the charge currency.
// Packages without an explicit price fall back to DefaultUSD when it is set.
type Service struct {
	DefaultUSD decimal.Decimal
	USDRate    decimal.Decimal
	Currency   string
	Packages   map[string]decimal.Decimal
}

type Quote struct {
	PackageID string          `json:"package_id"`
	USD       decimal.Decimal `json:"usd"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Source    string          `json:"source"`
}

// NewService parses decimal strings as they appear in configuration.
func NewService(defaultUSD, usdRate, currency string, packages map[string]string) (Service, error) {
	svc := Service{Currency: currency, Packages: map[string]decimal.Decimal{}}
	var err error
	if defaultUSD != "" {
		if svc.DefaultUSD, err = decimal.NewFromString(defaultUSD); err != nil {
			return Service{}, fmt.Errorf("pricing default_usd: %w", err)
		}
	}
	if svc.USDRate, err = decimal.NewFromString(usdRate); err != nil {
		return Service{}, fmt.Errorf("pricing usd_to_kwd: %w", err)
	}
	if !svc.USDRate.IsPositive() {
		return Service{}, errors.New("pricing usd_to_kwd must be positive")
	}
	for id, v := range packages {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return Service{}, fmt.Errorf("pricing package %s: %w", id, err)
		}
		svc.Packages[id] = d
	}
	return svc, nil
}

func (s Service) PriceFor(ctx context.Context, packageID string) (Quote, error) {
	usd, source := s.Packages[packageID], "package"
	if usd.IsZero() {
		usd, source = s.DefaultUSD, "default"
	}
	if !usd.IsPositive() {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownPackage, packageID)
	}
	return Quote{
		PackageID: packageID,
		USD:       usd,
		Amount:    usd.Mul(s.USDRate).Round(3),
		Currency:  s.Currency,
		Source:    source,
	}, nil
}
