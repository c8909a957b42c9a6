package billing

// Rate is a price in USD per 1,000 tokens.
type Rate struct {
	Input  float64
	Output float64
}

var rates = map[string]Rate{
	"claude-sonnet-4-20250514":  {Input: 0.003, Output: 0.015},
	"claude-haiku-4-5-20251001": {Input: 0.0008, Output: 0.004},
	"claude-3-5-haiku-20241022": {Input: 0.0008, Output: 0.004},
}

// cheapest is charged for models missing from the table.
var cheapest = cheapestRate(rates)

func cheapestRate(table map[string]Rate) Rate {
	var (
		best  Rate
		found bool
	)
	for _, r := range table {
		if !found || r.Input+r.Output < best.Input+best.Output {
			best, found = r, true
		}
	}
	return best
}

func RateFor(model string) (Rate, bool) {
	r, ok := rates[model]
	if !ok {
		return cheapest, false
	}
	return r, true
}

func Cost(model string, inputTokens, outputTokens int) float64 {
	r, _ := RateFor(model)
	return float64(inputTokens)/1000*r.Input + float64(outputTokens)/1000*r.Output
}
