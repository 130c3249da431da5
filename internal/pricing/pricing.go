package pricing

import (
	"math"

	"upscale-orders/internal/models"
)

// Settings is a snapshot of the pricing configuration. The calculator never
// reads live config after construction, so a quote and the checkout charge
// computed within one request can never disagree.
type Settings struct {
	CreditsPerMegapixel float64
	CostPerCredit       float64
	MarkupPercent       float64
	// MinimumCharge is the payment provider's floor, in dollars.
	MinimumCharge float64
}

// Quote is the full pricing breakdown for one image at one resolution.
// Monetary fields are in dollars; CustomerPriceCents converts once for the
// payment provider.
type Quote struct {
	Credits          int     `json:"credits"`
	ProviderCost     float64 `json:"provider_cost"`
	CustomerPrice    float64 `json:"customer_price"`
	MarkupPercent    float64 `json:"markup_percent"`
	OutputMegapixels float64 `json:"output_megapixels"`
	OutputWidth      int     `json:"output_width"`
	OutputHeight     int     `json:"output_height"`
}

// Zero reports whether the quote priced to nothing (unknown resolution or
// degenerate dimensions). Callers must reject zero-price checkouts.
func (q Quote) Zero() bool {
	return q.Credits == 0 || q.CustomerPrice == 0
}

// CustomerPriceCents rounds the dollar price to integer cents.
func (q Quote) CustomerPriceCents() int64 {
	return int64(math.Round(q.CustomerPrice * 100))
}

// ProviderCostCents rounds the provider cost to integer cents.
func (q Quote) ProviderCostCents() int64 {
	return int64(math.Round(q.ProviderCost * 100))
}

// Calculator prices upscale jobs from a fixed settings snapshot.
type Calculator struct {
	settings Settings
}

// New builds a calculator around a settings snapshot.
func New(settings Settings) *Calculator {
	return &Calculator{settings: settings}
}

// Price computes the deterministic quote for an image at the given resolution.
// An unknown resolution yields the zero quote.
func (c *Calculator) Price(width, height int, resolution models.Resolution) Quote {
	factor := resolution.Factor()
	if factor == 0 || width <= 0 || height <= 0 {
		return Quote{MarkupPercent: c.settings.MarkupPercent}
	}

	outW := width * factor
	outH := height * factor
	megapixels := float64(outW) * float64(outH) / 1e6
	credits := int(math.Ceil(megapixels * c.settings.CreditsPerMegapixel))
	providerCost := float64(credits) * c.settings.CostPerCredit
	price := providerCost * (1 + c.settings.MarkupPercent/100)
	if price < c.settings.MinimumCharge {
		price = c.settings.MinimumCharge
	}

	return Quote{
		Credits:          credits,
		ProviderCost:     providerCost,
		CustomerPrice:    price,
		MarkupPercent:    c.settings.MarkupPercent,
		OutputMegapixels: megapixels,
		OutputWidth:      outW,
		OutputHeight:     outH,
	}
}

// PriceAll quotes every supported resolution, for the customer-facing picker.
func (c *Calculator) PriceAll(width, height int) map[models.Resolution]Quote {
	out := make(map[models.Resolution]Quote, len(models.Resolutions()))
	for _, res := range models.Resolutions() {
		out[res] = c.Price(width, height, res)
	}
	return out
}
