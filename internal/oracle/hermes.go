package oracle

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Wire messages of the Hermes-style streaming price protocol

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePriceUpdate = "price_update"
	TypeResponse    = "response"
)

// SubscribeMessage asks the feed to stream updates for ids
type SubscribeMessage struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

// ResponseMessage acknowledges or rejects a subscribe request
type ResponseMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// PriceUpdateMessage carries one feed's latest price
type PriceUpdateMessage struct {
	Type      string    `json:"type"`
	PriceFeed PriceFeed `json:"price_feed"`
}

type PriceFeed struct {
	ID    string    `json:"id"`
	Price PriceData `json:"price"`
}

// PriceData is a mantissa and exponent; the price is Price * 10^Expo
type PriceData struct {
	Price       string `json:"price"`
	Conf        string `json:"conf,omitempty"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"` // unix seconds
}

// Decimal returns the exact price
func (p PriceData) Decimal() (decimal.Decimal, error) {
	mantissa, err := decimal.NewFromString(p.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad mantissa %q: %w", p.Price, err)
	}
	return mantissa.Shift(p.Expo), nil
}

// Time returns the publish time
func (p PriceData) Time() time.Time {
	return time.Unix(p.PublishTime, 0).UTC()
}

// NewPriceData encodes price with the given exponent, truncating extra digits
func NewPriceData(price decimal.Decimal, expo int32, publish time.Time) PriceData {
	return PriceData{
		Price:       price.Shift(-expo).Truncate(0).String(),
		Expo:        expo,
		PublishTime: publish.Unix(),
	}
}

// NormalizeFeedID lowercases a feed id and strips any 0x prefix
func NormalizeFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}
