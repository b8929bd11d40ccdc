package swap

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/xswap/internal/id"
	"github.com/ggonzalez94/xswap/internal/model"
)

// Summarize condenses a route for display: amounts in both unit forms, the
// distinct tools in step order, summed step duration and gas cost.
func Summarize(route model.Route) model.RouteSummary {
	summary := model.RouteSummary{
		RouteID:      route.ID,
		Tools:        []string{},
		Steps:        len(route.Steps),
		InputAmount:  amountInfo(route.FromAmount, route.FromToken.Decimals),
		EstimatedOut: amountInfo(route.ToAmount, route.ToToken.Decimals),
		MinimumOut:   amountInfo(route.ToAmountMin, route.ToToken.Decimals),
		GasCostUSD:   route.GasCostUSD,
	}
	seen := map[string]bool{}
	gas := decimal.Zero
	stepGas := false
	for _, step := range route.Steps {
		name := strings.TrimSpace(step.ToolName)
		if name == "" {
			name = step.Tool
		}
		if name != "" && !seen[name] {
			seen[name] = true
			summary.Tools = append(summary.Tools, name)
		}
		summary.EstimatedDurationS += step.EstimatedDurationS
		if v, err := decimal.NewFromString(strings.TrimSpace(step.GasCostUSD)); err == nil {
			gas = gas.Add(v)
			stepGas = true
		}
	}
	if summary.GasCostUSD == "" && stepGas {
		summary.GasCostUSD = gas.StringFixed(2)
	}
	return summary
}

func amountInfo(baseUnits string, decimals int) model.AmountInfo {
	return model.AmountInfo{
		AmountBaseUnits: baseUnits,
		AmountDecimal:   id.FormatBaseUnits(baseUnits, decimals),
		Decimals:        decimals,
	}
}
