// Package instrument defines the tradeable-product identity shared by every
// exchange connector and transformer in this module.
package instrument

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Asset is an opaque symbol such as "BTC" or "usdt". Assets are compared
// case-insensitively but stored exactly as given.
type Asset string

// Equal compares two assets case-insensitively.
func (a Asset) Equal(other Asset) bool {
	return strings.EqualFold(string(a), string(other))
}

// KindTag discriminates the Kind variants.
type KindTag int

const (
	Spot KindTag = iota
	FuturePerpetual
	FutureDated
	Option
)

func (t KindTag) String() string {
	switch t {
	case Spot:
		return "spot"
	case FuturePerpetual:
		return "future_perpetual"
	case FutureDated:
		return "future_dated"
	case Option:
		return "option"
	default:
		return "unknown"
	}
}

// Kind is a closed variant over instrument kinds. Use the KindSpot/
// KindFuturePerpetual/KindFutureDated/KindOption constructors rather than
// building one by hand so the irrelevant fields for a given tag stay zeroed.
type Kind struct {
	Tag    KindTag
	Expiry time.Time       // FutureDated, Option
	Strike decimal.Decimal // Option
	Put    bool            // Option
}

func KindSpot() Kind                     { return Kind{Tag: Spot} }
func KindFuturePerpetual() Kind          { return Kind{Tag: FuturePerpetual} }
func KindFutureDated(exp time.Time) Kind { return Kind{Tag: FutureDated, Expiry: exp} }
func KindOption(exp time.Time, strike decimal.Decimal, put bool) Kind {
	return Kind{Tag: Option, Expiry: exp, Strike: strike, Put: put}
}

func (k Kind) String() string {
	switch k.Tag {
	case FutureDated:
		return fmt.Sprintf("future_dated(%s)", k.Expiry.Format("2006-01-02"))
	case Option:
		side := "C"
		if k.Put {
			side = "P"
		}
		return fmt.Sprintf("option(%s,%s%s)", k.Expiry.Format("2006-01-02"), k.Strike.String(), side)
	default:
		return k.Tag.String()
	}
}

// Instrument is an immutable, structurally-comparable tradeable product.
type Instrument struct {
	Base  Asset
	Quote Asset
	Kind  Kind
}

// New constructs an Instrument. Base/Quote are stored exactly as given.
func New(base, quote Asset, kind Kind) Instrument {
	return Instrument{Base: base, Quote: quote, Kind: kind}
}

// Key returns a canonical string usable as a map key; it upper-cases the
// assets but this is purely for internal routing — the SubscriptionId that
// faces the wire preserves the exchange's own spelling instead.
func (i Instrument) Key() string {
	return fmt.Sprintf("%s/%s/%s", strings.ToUpper(string(i.Base)), strings.ToUpper(string(i.Quote)), i.Kind)
}

func (i Instrument) String() string { return i.Key() }

// ExchangeID is a stable, extensible venue identifier.
type ExchangeID string

const (
	BinanceSpot       ExchangeID = "binance_spot"
	BinanceFuturesUSD ExchangeID = "binance_futures_usd"
	Kraken            ExchangeID = "kraken"
	Coinbase          ExchangeID = "coinbase"
	OKX               ExchangeID = "okx"
	Bitfinex          ExchangeID = "bitfinex"
	Gateio            ExchangeID = "gateio"
	Ftx               ExchangeID = "ftx"
)

func (e ExchangeID) String() string { return string(e) }
