// Package pricing maps dataset payloads to token costs.
//
// Items that share an upload index form one batch. A batch of one is a single
// image; larger batches are video frames and are billed per frame at a lower
// rate. When no item carries an upload index the declared dataset type picks
// the per-item rate instead.
package pricing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tinoosan/tokenledger/internal/ledger"
)

var (
	SingleImageCost = decimal.RequireFromString("2.75")
	VideoFrameCost  = decimal.RequireFromString("1.5")
)

// DisplayPlaces is the precision used when costs are shown to people.
const DisplayPlaces = 2

// BatchCost is the price of one upload batch.
type BatchCost struct {
	UploadIndex *int            `json:"upload_index,omitempty"`
	Items       int             `json:"items"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Cost        decimal.Decimal `json:"cost"`
}

// Breakdown explains how a total was reached. Total is unrounded.
type Breakdown struct {
	SingleImages int             `json:"single_images"`
	VideoFrames  int             `json:"video_frames"`
	Batches      []BatchCost     `json:"batches"`
	Total        decimal.Decimal `json:"total"`
}

// Items returns the number of priced items.
func (b Breakdown) Items() int { return b.SingleImages + b.VideoFrames }

// Rounded returns Total rounded for presentation.
func (b Breakdown) Rounded() decimal.Decimal { return b.Total.Round(DisplayPlaces) }

// Display formats Total with two decimals.
func (b Breakdown) Display() string { return b.Total.StringFixed(DisplayPlaces) }

// DatasetUploadCost prices storing a dataset.
func DatasetUploadCost(content ledger.DatasetContent) Breakdown { return price(content) }

// InferenceCost prices running a processing job over a dataset's content.
func InferenceCost(content ledger.DatasetContent) Breakdown { return price(content) }

func price(content ledger.DatasetContent) Breakdown {
	var b Breakdown
	if len(content.Pairs) == 0 {
		return b
	}

	groups := map[int]int{}
	loose := 0
	for _, p := range content.Pairs {
		if p.UploadIndex == nil {
			loose++
			continue
		}
		groups[*p.UploadIndex]++
	}

	if len(groups) == 0 {
		unit := SingleImageCost
		if content.Type == ledger.DatasetTypeVideoFrames {
			unit = VideoFrameCost
			b.VideoFrames = loose
		} else {
			b.SingleImages = loose
		}
		cost := unit.Mul(decimal.NewFromInt(int64(loose)))
		b.Batches = append(b.Batches, BatchCost{Items: loose, UnitCost: unit, Cost: cost})
		b.Total = cost
		return b
	}

	indices := make([]int, 0, len(groups))
	for idx := range groups {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		n := groups[idx]
		unit := VideoFrameCost
		if n == 1 {
			unit = SingleImageCost
			b.SingleImages++
		} else {
			b.VideoFrames += n
		}
		idx := idx
		cost := unit.Mul(decimal.NewFromInt(int64(n)))
		b.Batches = append(b.Batches, BatchCost{UploadIndex: &idx, Items: n, UnitCost: unit, Cost: cost})
		b.Total = b.Total.Add(cost)
	}
	// items without an index alongside indexed ones are singleton uploads
	if loose > 0 {
		cost := SingleImageCost.Mul(decimal.NewFromInt(int64(loose)))
		b.SingleImages += loose
		b.Batches = append(b.Batches, BatchCost{Items: loose, UnitCost: SingleImageCost, Cost: cost})
		b.Total = b.Total.Add(cost)
	}
	return b
}
