package service

import (
	"context"
	"strings"

	"github.com/coursivo/tally/internal/tax/domain"
	"github.com/shopspring/decimal"
)

type rateEntry struct {
	rate         string
	categoryName string
	method       domain.CalculationMethod
}

// StaticRateProvider serves rates from a built-in table. It stands in
// for the external tax service in development and tests; production
// deployments swap in a remote provider through the same interface.
type StaticRateProvider struct {
	rates map[string]rateEntry
}

func NewStaticRateProvider() *StaticRateProvider {
	return &StaticRateProvider{
		rates: map[string]rateEntry{
			"US-CA|digital_goods":  {rate: "8.25", categoryName: "Digital Goods", method: domain.MethodExclusive},
			"US-CA|services":       {rate: "0", categoryName: "Professional Services", method: domain.MethodExempt},
			"US-NY|digital_goods":  {rate: "8.875", categoryName: "Digital Goods", method: domain.MethodExclusive},
			"US-TX|digital_goods":  {rate: "6.25", categoryName: "Digital Goods", method: domain.MethodExclusive},
			"GB|digital_goods":     {rate: "20", categoryName: "Digital Goods", method: domain.MethodInclusive},
			"GB|services":          {rate: "20", categoryName: "Services", method: domain.MethodInclusive},
			"DE|digital_goods":     {rate: "19", categoryName: "Digital Goods", method: domain.MethodInclusive},
			"AU|digital_goods":     {rate: "10", categoryName: "Digital Goods", method: domain.MethodInclusive},
			"US-OR|digital_goods":  {rate: "0", categoryName: "Digital Goods", method: domain.MethodExempt},
			"ZZ-EXEMPT|tax_exempt": {rate: "0", categoryName: "Tax Exempt", method: domain.MethodExempt},
		},
	}
}

func (p *StaticRateProvider) Lookup(ctx context.Context, jurisdiction, category string) (domain.RateQuote, error) {
	if err := ctx.Err(); err != nil {
		return domain.RateQuote{}, err
	}

	jurisdiction = strings.ToUpper(strings.TrimSpace(jurisdiction))
	category = strings.ToLower(strings.TrimSpace(category))
	entry, ok := p.rates[jurisdiction+"|"+category]
	if !ok {
		return domain.RateQuote{}, domain.ErrUnknownJurisdiction
	}

	rate, err := decimal.NewFromString(entry.rate)
	if err != nil {
		return domain.RateQuote{}, domain.ErrRateLookupFailed
	}
	return domain.RateQuote{
		Rate:         rate,
		CategoryName: entry.categoryName,
		Jurisdiction: jurisdiction,
		Method:       entry.method,
	}, nil
}
