package uplift

import (
	"math"
	"sort"
	"time"

	"github.com/fractal-lba/promoloop/internal/promo"
)

type fitBucket struct {
	promoSales map[int]float64 // band index -> sales sum
	promoDays  map[int]int     // band index -> observation count
	baseSales  float64
	baseDays   int
}

// BuildModel fits banded uplift coefficients from historical rows containing
// both promoted and comparable non-promoted observations. Per (department,
// channel) the non-promoted rows establish an average daily baseline; promoted
// rows are grouped into discount bands and each band's coefficient is the
// ratio of promoted to baseline average daily sales. Bands with fewer than
// MinSamples observations are discarded rather than fitted on noise.
//
// The returned model carries a fresh version id and LastUpdated = now.
func (e *Engine) BuildModel(rows []promo.SalesRow, constraints *promo.Constraints) (*promo.UpliftModel, error) {
	if len(rows) == 0 {
		return nil, &promo.InsufficientDataError{Bucket: "historical_promoted_data", Got: 0, Need: e.params.MinSamples}
	}

	restricted := map[string]bool{}
	if constraints != nil {
		for _, dept := range constraints.RestrictedDepartments {
			restricted[dept] = true
		}
	}

	buckets := make(map[string]*fitBucket)
	deptOf := make(map[string]string)
	chanOf := make(map[string]promo.Channel)

	for _, row := range rows {
		if restricted[row.Department] {
			continue
		}
		key := bucketKey(row.Department, row.Channel)
		b, ok := buckets[key]
		if !ok {
			b = &fitBucket{promoSales: make(map[int]float64), promoDays: make(map[int]int)}
			buckets[key] = b
			deptOf[key] = row.Department
			chanOf[key] = row.Channel
		}
		if row.PromoFlag {
			idx := bandIndex(row.DiscountPct, e.params.BandWidthPct)
			b.promoSales[idx] += row.SalesValue
			b.promoDays[idx]++
		} else {
			b.baseSales += row.SalesValue
			b.baseDays++
		}
	}

	coefficients := make(map[string]map[promo.Channel][]promo.Band)
	fitted := 0

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		b := buckets[key]
		if b.baseDays == 0 || b.baseSales <= 0 {
			continue
		}
		baseAvg := b.baseSales / float64(b.baseDays)

		bands := []promo.Band{}
		for idx, sales := range b.promoSales {
			count := b.promoDays[idx]
			if count < e.params.MinSamples {
				continue
			}
			promoAvg := sales / float64(count)
			coef := promoAvg / baseAvg
			if math.IsNaN(coef) || math.IsInf(coef, 0) {
				continue
			}
			bands = append(bands, promo.Band{
				MinPct:  float64(idx) * e.params.BandWidthPct,
				MaxPct:  float64(idx+1)*e.params.BandWidthPct - 0.01,
				Coef:    coef,
				Samples: count,
			})
		}
		if len(bands) == 0 {
			continue
		}
		sort.Slice(bands, func(i, j int) bool { return bands[i].MinPct < bands[j].MinPct })

		dept, ch := deptOf[key], chanOf[key]
		if coefficients[dept] == nil {
			coefficients[dept] = make(map[promo.Channel][]promo.Band)
		}
		coefficients[dept][ch] = bands
		fitted++
	}

	if fitted == 0 {
		return nil, &promo.InsufficientDataError{Bucket: "historical_promoted_data", Got: len(rows), Need: e.params.MinSamples}
	}

	now := time.Now().UTC()
	return &promo.UpliftModel{
		Coefficients: coefficients,
		Version:      "uplift-" + now.Format("20060102T150405Z"),
		LastUpdated:  now,
	}, nil
}

func bandIndex(discountPct, width float64) int {
	if width <= 0 {
		width = 10
	}
	idx := int(discountPct / width)
	if idx < 0 {
		idx = 0
	}
	return idx
}
