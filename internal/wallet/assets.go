package wallet

import (
	"sort"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-voice/internal/id"
	"github.com/ggonzalez94/defi-voice/internal/model"
)

const lamportsPerSOL = 1_000_000_000

// RawAsset is one entry of an owner's asset listing, before filtering.
type RawAsset struct {
	ID            string
	Interface     string
	Symbol        string
	Name          string
	Balance       float64
	Decimals      int
	PricePerToken float64
	TotalPrice    *float64
	ImageLink     string
	Collection    string
}

type NativeBalance struct {
	Lamports    uint64
	PricePerSOL float64
	TotalPrice  float64
}

// Holdings is the unprocessed result of one asset query.
type Holdings struct {
	Native *NativeBalance
	Items  []RawAsset
}

var fungibleInterfaces = map[string]bool{
	"fungibletoken": true,
	"fungibleasset": true,
}

// BuildAssets turns a raw listing into a portfolio snapshot: the native asset
// first when its balance is positive, fungibles without a USD value dropped,
// and TotalBalance summed over what remains.
func BuildAssets(owner string, h Holdings, now time.Time) model.WalletAssets {
	out := model.WalletAssets{
		Owner:     owner,
		Tokens:    []model.TokenAsset{},
		NFTs:      []model.NFTAsset{},
		FetchedAt: now,
	}

	if h.Native != nil && h.Native.Lamports > 0 {
		balance := float64(h.Native.Lamports) / lamportsPerSOL
		total := h.Native.PricePerSOL * balance
		if total <= 0 {
			total = h.Native.TotalPrice
		}
		out.Tokens = append(out.Tokens, model.TokenAsset{
			ID:            id.NativeMint,
			Symbol:        "SOL",
			Name:          "Solana",
			Balance:       balance,
			Decimals:      9,
			PricePerToken: h.Native.PricePerSOL,
			TotalPrice:    total,
		})
	}

	var fungibles []model.TokenAsset
	for _, item := range h.Items {
		if !fungibleInterfaces[strings.ToLower(item.Interface)] {
			out.NFTs = append(out.NFTs, model.NFTAsset{
				ID:         item.ID,
				Name:       item.Name,
				Collection: item.Collection,
				ImageLink:  item.ImageLink,
			})
			continue
		}
		value := item.PricePerToken * item.Balance
		if value <= 0 && item.TotalPrice != nil {
			value = *item.TotalPrice
		}
		if value <= 0 {
			continue
		}
		fungibles = append(fungibles, model.TokenAsset{
			ID:            item.ID,
			Symbol:        item.Symbol,
			Name:          item.Name,
			Balance:       item.Balance,
			Decimals:      item.Decimals,
			PricePerToken: item.PricePerToken,
			TotalPrice:    value,
			ImageLink:     item.ImageLink,
		})
	}
	sort.SliceStable(fungibles, func(i, j int) bool {
		return fungibles[i].TotalPrice > fungibles[j].TotalPrice
	})
	out.Tokens = append(out.Tokens, fungibles...)

	for _, t := range out.Tokens {
		out.TotalBalance += t.TotalPrice
	}
	return out
}
