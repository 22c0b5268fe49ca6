// Package plans maps purchased Stripe prices to usage entitlement deltas.
// The table is static configuration: pure lookups, no I/O.
package plans

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPlan is returned when no configuration row matches a price id.
var ErrUnknownPlan = errors.New("unknown plan")

// Currency is a supported checkout currency.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
)

// DefaultCurrency is used when a currency has no dedicated price table.
const DefaultCurrency = CurrencyUSD

// Allowance names a resettable usage quota tracked by the entitlements
// service. Values match the entitlements API field names.
type Allowance string

const (
	AllowanceProject       Allowance = "projectUsage"
	AllowanceChatMessage   Allowance = "chatMessageUsage"
	AllowanceGridQuestion  Allowance = "gridQuestionUsage"
	AllowanceTranscription Allowance = "transcriptionUsage"
	AllowanceTranslation   Allowance = "translationUsage"
	AllowanceOpenEndLabel  Allowance = "openEndLabelUsage"
)

// Allowances lists every known allowance name.
var Allowances = []Allowance{
	AllowanceProject,
	AllowanceChatMessage,
	AllowanceGridQuestion,
	AllowanceTranscription,
	AllowanceTranslation,
	AllowanceOpenEndLabel,
}

// Unlimited is the wire value the entitlements service uses for a limit
// with no ceiling.
const Unlimited int64 = -1

// ResetPolicy describes what a limit is reset to when a plan is applied.
type ResetPolicy struct {
	Unlimited bool
	Ceiling   int64
}

// Wire returns the entitlements API representation of the policy.
func (p ResetPolicy) Wire() int64 {
	if p.Unlimited {
		return Unlimited
	}
	return p.Ceiling
}

// CyclePeriod is the recurring period after which cycling allowances reset.
type CyclePeriod string

const (
	CycleMonth CyclePeriod = "month"
	CycleYear  CyclePeriod = "year"
)

// Delta is the set of entitlement changes one purchased price grants.
// Absent allowances mean "no change".
type Delta struct {
	PlanID      string
	Currency    Currency
	Fallback    bool // true when the requested currency fell back to USD
	Adjustments map[Allowance]int64
	LimitResets map[Allowance]ResetPolicy
	Cycle       CyclePeriod
}

type planSpec struct {
	id          string
	adjustments map[Allowance]int64
}

// cyclingAllowances are the allowances whose limits are lifted to unlimited
// on any self-serve purchase; open-end labels are a non-cycling credit pool.
var cyclingAllowances = []Allowance{
	AllowanceProject,
	AllowanceChatMessage,
	AllowanceGridQuestion,
	AllowanceTranscription,
	AllowanceTranslation,
}

func pack(id string, adj map[Allowance]int64) planSpec {
	return planSpec{id: id, adjustments: adj}
}

var projectPack = map[Allowance]int64{
	AllowanceProject:       1,
	AllowanceChatMessage:   100,
	AllowanceGridQuestion:  100,
	AllowanceTranscription: 50,
	AllowanceTranslation:   50,
}

var (
	gridPack          = map[Allowance]int64{AllowanceGridQuestion: 50}
	chatPack          = map[Allowance]int64{AllowanceChatMessage: 50}
	translationPack   = map[Allowance]int64{AllowanceTranslation: 50}
	transcriptionPack = map[Allowance]int64{AllowanceTranscription: 50}
	openEndsSmall     = map[Allowance]int64{AllowanceOpenEndLabel: 1000}
	openEndsLarge     = map[Allowance]int64{AllowanceOpenEndLabel: 10000}
)

// priceTables maps each currency's Stripe price ids to plan specs.
var priceTables = map[Currency]map[string]planSpec{
	CurrencyUSD: {
		"price_1RT5Q6LABPmBqoee2ViiMm74": pack("project-pack", projectPack),
		"price_1RVuz0LABPmBqoeehXE0alsc": pack("grid-pack", gridPack),
		"price_1RThu7LABPmBqoeezPfzTqen": pack("chat-pack", chatPack),
		"price_1RThspLABPmBqoeeZwsupCxq": pack("translation-pack", translationPack),
		"price_1RThruLABPmBqoee250LlVSG": pack("transcription-pack", transcriptionPack),
		"price_1RWEK8LABPmBqoee7CGL3u4N": pack("open-ends-pack-small", openEndsSmall),
		"price_1RTi7bLABPmBqoeeI0EcflyM": pack("open-ends-pack-large", openEndsLarge),
	},
	CurrencyEUR: {
		"price_1RVum8LABPmBqoeeEqpvA34k": pack("project-pack", projectPack),
		"price_1RVuznLABPmBqoeewfywXCZh": pack("grid-pack", gridPack),
		"price_1RVuxQLABPmBqoeevapNn8PR": pack("chat-pack", chatPack),
		"price_1RVupELABPmBqoeeZpRR74as": pack("translation-pack", translationPack),
		"price_1RVurkLABPmBqoee735qnMk2": pack("transcription-pack", transcriptionPack),
		"price_1RWEL3LABPmBqoeeRYFcKdsI": pack("open-ends-pack-small", openEndsSmall),
		"price_1RVutELABPmBqoeenYOEVn7y": pack("open-ends-pack-large", openEndsLarge),
	},
	CurrencyGBP: {
		"price_1RVulVLABPmBqoeeieDAeWmZ": pack("project-pack", projectPack),
		"price_1RVuzaLABPmBqoeerASWsURU": pack("grid-pack", gridPack),
		"price_1RVux9LABPmBqoee1UAAxnmN": pack("chat-pack", chatPack),
		"price_1RVupTLABPmBqoeeedSjMTNk": pack("translation-pack", translationPack),
		"price_1RVurRLABPmBqoeeezXFS2Qn": pack("transcription-pack", transcriptionPack),
		"price_1RWEKfLABPmBqoeeHMd1Tmgo": pack("open-ends-pack-small", openEndsSmall),
		"price_1RVuswLABPmBqoeelIq4h7Du": pack("open-ends-pack-large", openEndsLarge),
	},
}

// NormalizeCurrency maps a raw currency string (any case) onto a supported
// Currency, defaulting to USD.
func NormalizeCurrency(raw string) Currency {
	switch Currency(strings.ToUpper(strings.TrimSpace(raw))) {
	case CurrencyUSD:
		return CurrencyUSD
	case CurrencyEUR:
		return CurrencyEUR
	case CurrencyGBP:
		return CurrencyGBP
	default:
		return DefaultCurrency
	}
}

// ComputeDeltas resolves the entitlement delta for a purchased price in the
// given currency. Currencies without a dedicated table fall back to the
// default currency's table; the fallback is reported, not silent.
func ComputeDeltas(priceID string, currency Currency) (Delta, error) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Delta{}, fmt.Errorf("%w: empty price id", ErrUnknownPlan)
	}

	table, ok := priceTables[currency]
	fallback := false
	if !ok {
		table = priceTables[DefaultCurrency]
		fallback = true
	}

	spec, ok := table[priceID]
	if !ok && !fallback && currency != DefaultCurrency {
		// The price may belong to the default table even when the currency
		// has its own table (mixed-currency promo links).
		if spec, ok = priceTables[DefaultCurrency][priceID]; ok {
			fallback = true
		}
	}
	if !ok {
		return Delta{}, fmt.Errorf("%w: price %s (%s)", ErrUnknownPlan, priceID, currency)
	}

	adjustments := make(map[Allowance]int64, len(spec.adjustments))
	for name, delta := range spec.adjustments {
		adjustments[name] = delta
	}

	resets := make(map[Allowance]ResetPolicy, len(cyclingAllowances))
	for _, name := range cyclingAllowances {
		resets[name] = ResetPolicy{Unlimited: true}
	}

	return Delta{
		PlanID:      spec.id,
		Currency:    currency,
		Fallback:    fallback,
		Adjustments: adjustments,
		LimitResets: resets,
		Cycle:       CycleMonth,
	}, nil
}

// LookupPlanID returns the plan id for a price id across all currency
// tables, or "" when the price is unknown. Used by webhook processing where
// the event carries no currency context.
func LookupPlanID(priceID string) string {
	priceID = strings.TrimSpace(priceID)
	for _, table := range priceTables {
		if spec, ok := table[priceID]; ok {
			return spec.id
		}
	}
	return ""
}

// ComputeDeltasByPrice resolves the delta for a price id searched across
// all currency tables, for callers that only hold the price id.
func ComputeDeltasByPrice(priceID string) (Delta, error) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Delta{}, fmt.Errorf("%w: empty price id", ErrUnknownPlan)
	}
	for _, currency := range []Currency{CurrencyUSD, CurrencyEUR, CurrencyGBP} {
		if _, ok := priceTables[currency][priceID]; ok {
			return ComputeDeltas(priceID, currency)
		}
	}
	return Delta{}, fmt.Errorf("%w: price %s", ErrUnknownPlan, priceID)
}
