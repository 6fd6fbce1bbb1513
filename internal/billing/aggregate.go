package billing

// AggregateStats is the running count and cost of one dimension bucket.
type AggregateStats struct {
	RecordCount int     `json:"record_count"`
	TotalCost   float64 `json:"total_cost"`
}

// DimensionValue is one entry of a first-seen listing.
type DimensionValue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UsageAggregates struct {
	TotalRecords        int     `json:"total_records"`
	FailedRecords       int     `json:"failed_records"`
	TotalCostCredits    float64 `json:"total_cost_credits"`
	TotalRuntimeSeconds float64 `json:"total_runtime_seconds"`

	ByTool     map[string]AggregateStats `json:"by_tool"`
	ByPurpose  map[string]AggregateStats `json:"by_purpose"`
	ByProvider map[string]AggregateStats `json:"by_provider"`

	AllToolsUsed     []DimensionValue `json:"all_tools_used"`
	AllPurposesUsed  []DimensionValue `json:"all_purposes_used"`
	AllProvidersUsed []DimensionValue `json:"all_providers_used"`
}

type PurchaseAggregates struct {
	TotalRecords    int   `json:"total_records"`
	TotalCost       int64 `json:"total_cost"`
	TotalQuantity   int64 `json:"total_quantity"`
	RefundedRecords int   `json:"refunded_records"`
	RefundedCost    int64 `json:"refunded_cost"`

	ByProduct       map[string]AggregateStats `json:"by_product"`
	AllProductsUsed []DimensionValue          `json:"all_products_used"`
}

// dimension accumulates one grouping and remembers first-seen order.
type dimension struct {
	buckets map[string]AggregateStats
	seen    []DimensionValue
}

func newDimension() *dimension {
	return &dimension{buckets: make(map[string]AggregateStats), seen: []DimensionValue{}}
}

func (d *dimension) add(id, name string, cost float64) {
	b, ok := d.buckets[id]
	if !ok {
		d.seen = append(d.seen, DimensionValue{ID: id, Name: name})
	}
	b.RecordCount++
	b.TotalCost += cost
	d.buckets[id] = b
}

// AggregateUsage computes totals and per-tool, per-purpose and per-provider
// buckets in a single pass. Listings follow the order in which each value
// first appears in records, so the result is identical for identical input.
func AggregateUsage(records []UsageRecord) UsageAggregates {
	tools, purposes, providers := newDimension(), newDimension(), newDimension()

	var agg UsageAggregates
	for i := range records {
		r := &records[i]
		cost := r.TotalCostCredits

		agg.TotalRecords++
		agg.TotalCostCredits += cost
		agg.TotalRuntimeSeconds += r.RuntimeSeconds
		if r.Failed {
			agg.FailedRecords++
		}

		tools.add(r.ToolID, r.ToolName, cost)
		purposes.add(string(r.Purpose), r.Purpose.DisplayName(), cost)
		providers.add(r.ProviderID, r.ProviderName, cost)
	}

	agg.ByTool, agg.AllToolsUsed = tools.buckets, tools.seen
	agg.ByPurpose, agg.AllPurposesUsed = purposes.buckets, purposes.seen
	agg.ByProvider, agg.AllProvidersUsed = providers.buckets, providers.seen
	return agg
}

// AggregatePurchases groups purchases by product. Refunded purchases count
// toward the totals at their original price and are also tallied separately.
func AggregatePurchases(records []PurchaseRecord) PurchaseAggregates {
	products := newDimension()

	var agg PurchaseAggregates
	for i := range records {
		r := &records[i]

		agg.TotalRecords++
		agg.TotalCost += r.Price
		agg.TotalQuantity += r.Quantity
		if r.Refunded {
			agg.RefundedRecords++
			agg.RefundedCost += r.Price
		}

		products.add(r.ProductID, r.ProductName, float64(r.Price))
	}

	agg.ByProduct, agg.AllProductsUsed = products.buckets, products.seen
	return agg
}
