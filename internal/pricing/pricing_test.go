package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tinoosan/tokenledger/internal/ledger"
)

func idx(i int) *int { return &i }

func pairs(n int, upload *int) []ledger.Pair {
	out := make([]ledger.Pair, n)
	for i := range out {
		out[i] = ledger.Pair{ImagePath: "img.png", MaskPath: "mask.png", UploadIndex: upload}
	}
	return out
}

func TestDatasetUploadCost(t *testing.T) {
	cases := []struct {
		name    string
		content ledger.DatasetContent
		want    string
		singles int
		frames  int
	}{
		{"single pair no index", ledger.DatasetContent{Pairs: pairs(1, nil)}, "2.75", 1, 0},
		{"four frames one batch", ledger.DatasetContent{Pairs: pairs(4, idx(0))}, "6", 0, 4},
		{"video-frames type without index", ledger.DatasetContent{Type: ledger.DatasetTypeVideoFrames, Pairs: pairs(3, nil)}, "4.5", 0, 3},
		{"images type without index", ledger.DatasetContent{Type: ledger.DatasetTypeImages, Pairs: pairs(2, nil)}, "5.5", 2, 0},
		{"empty", ledger.DatasetContent{}, "0", 0, 0},
		{
			"mixed batches",
			ledger.DatasetContent{Pairs: append(append(pairs(1, idx(0)), pairs(3, idx(1))...), pairs(1, idx(2))...)},
			"10", 2, 3,
		},
		{
			"indexed batch with loose item",
			ledger.DatasetContent{Type: ledger.DatasetTypeVideoFrames, Pairs: append(pairs(2, idx(7)), pairs(1, nil)...)},
			"5.75", 1, 2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DatasetUploadCost(tc.content)
			assert.True(t, got.Total.Equal(decimal.RequireFromString(tc.want)), "total %s, want %s", got.Total, tc.want)
			assert.Equal(t, tc.singles, got.SingleImages)
			assert.Equal(t, tc.frames, got.VideoFrames)
			assert.Equal(t, tc.singles+tc.frames, got.Items())
		})
	}
}

func TestInferenceCostMatchesUploadCost(t *testing.T) {
	c := ledger.DatasetContent{Pairs: append(pairs(5, idx(3)), pairs(1, idx(4))...)}
	assert.True(t, InferenceCost(c).Total.Equal(DatasetUploadCost(c).Total))
}

func TestDisplayRoundsOnlyAtPresentation(t *testing.T) {
	b := Breakdown{Total: decimal.RequireFromString("4.125")}
	assert.Equal(t, "4.13", b.Display())
	assert.True(t, b.Rounded().Equal(decimal.RequireFromString("4.13")))
	assert.Equal(t, "4.125", b.Total.String())
}
