package backtest

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Metrics is the full performance report computed from the equity curve
// and trade list. All ratios are annualized from the run's timeframe.
type Metrics struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"`
	CAGR             float64 `json:"cagr"`
	Sharpe           float64 `json:"sharpe"`
	Sortino          float64 `json:"sortino"`
	Calmar           float64 `json:"calmar"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	MaxDrawdownBars  int     `json:"max_drawdown_bars"`
	Volatility       float64 `json:"volatility"`
	DownsideDev      float64 `json:"downside_deviation"`
	WinRate          float64 `json:"win_rate"`
	ProfitFactor     float64 `json:"profit_factor"`
	PayoffRatio      float64 `json:"payoff_ratio"`
	ExpectedValue    float64 `json:"expected_value"`
	TotalTrades      int     `json:"total_trades"`
	WinningTrades    int     `json:"winning_trades"`
	LosingTrades     int     `json:"losing_trades"`
	AverageWin       float64 `json:"average_win"`
	AverageLoss      float64 `json:"average_loss"`
	LargestWin       float64 `json:"largest_win"`
	LargestLoss      float64 `json:"largest_loss"`
	MaxConsecWins    int     `json:"max_consecutive_wins"`
	MaxConsecLosses  int     `json:"max_consecutive_losses"`
	AverageExposure  float64 `json:"average_exposure"`
	MaxOpenPositions int     `json:"max_open_positions"`
	RiskOfRuin       float64 `json:"risk_of_ruin"`
	SlippageSeed     int64   `json:"slippage_seed"`
}

// timeframeDuration maps a candle interval label to its bar duration.
func timeframeDuration(tf string) time.Duration {
	switch tf {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// computeMetrics derives the report. exposureBars counts the candles with
// an open position; maxOpen is the largest simultaneous position count
// seen during replay.
func computeMetrics(curve []EquityPoint, trades []TradeRecord, timeframe string, exposureBars, maxOpen int) Metrics {
	m := Metrics{MaxOpenPositions: maxOpen}
	if len(curve) < 2 {
		return m
	}

	initial, _ := curve[0].Equity.Float64()
	final, _ := curve[len(curve)-1].Equity.Float64()
	if initial != 0 {
		m.TotalReturn = (final - initial) / initial
	}

	barDur := timeframeDuration(timeframe)
	barsPerYear := float64(365*24*time.Hour) / float64(barDur)
	years := float64(len(curve)-1) / barsPerYear
	if years > 0 && initial > 0 && final > 0 {
		m.CAGR = math.Pow(final/initial, 1/years) - 1
	}

	// Per-bar simple returns.
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev != 0 {
			returns = append(returns, (cur-prev)/prev)
		}
	}
	if len(returns) == 0 {
		return m
	}

	mean, std := stat.MeanStdDev(returns, nil)
	if math.IsNaN(std) {
		std = 0
	}
	m.AnnualizedReturn = mean * barsPerYear
	m.Volatility = std * math.Sqrt(barsPerYear)

	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) > 0 {
		sq := 0.0
		for _, r := range downside {
			sq += r * r
		}
		m.DownsideDev = math.Sqrt(sq/float64(len(returns))) * math.Sqrt(barsPerYear)
	}

	if m.Volatility > 0 {
		m.Sharpe = m.AnnualizedReturn / m.Volatility
	}
	if m.DownsideDev > 0 {
		m.Sortino = m.AnnualizedReturn / m.DownsideDev
	}

	// Drawdown depth and duration in bars.
	peak := initial
	peakIdx := 0
	maxDD := 0.0
	for i, p := range curve {
		eq, _ := p.Equity.Float64()
		if eq > peak {
			peak = eq
			peakIdx = i
			continue
		}
		if peak > 0 {
			dd := (peak - eq) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
		if bars := i - peakIdx; bars > m.MaxDrawdownBars {
			m.MaxDrawdownBars = bars
		}
	}
	m.MaxDrawdown = maxDD
	if maxDD > 0 {
		m.Calmar = m.AnnualizedReturn / maxDD
	}

	m.AverageExposure = float64(exposureBars) / float64(len(curve))

	// Trade statistics over realized P&L.
	var grossWin, grossLoss, sumPnl float64
	var consecW, consecL int
	for _, t := range trades {
		pnl, _ := t.Pnl.Float64()
		if t.Pnl.IsZero() {
			continue // opening fill, no realized outcome
		}
		m.TotalTrades++
		sumPnl += pnl
		if pnl > 0 {
			m.WinningTrades++
			grossWin += pnl
			consecW++
			consecL = 0
			if pnl > m.LargestWin {
				m.LargestWin = pnl
			}
			if consecW > m.MaxConsecWins {
				m.MaxConsecWins = consecW
			}
		} else {
			m.LosingTrades++
			grossLoss += -pnl
			consecL++
			consecW = 0
			if -pnl > m.LargestLoss {
				m.LargestLoss = -pnl
			}
			if consecL > m.MaxConsecLosses {
				m.MaxConsecLosses = consecL
			}
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
		m.ExpectedValue = sumPnl / float64(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AverageWin = grossWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AverageLoss = grossLoss / float64(m.LosingTrades)
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}
	if m.AverageLoss > 0 {
		m.PayoffRatio = m.AverageWin / m.AverageLoss
	}
	if m.TotalTrades > 0 {
		m.RiskOfRuin = riskOfRuin(m.WinRate)
	}

	return m
}

// riskOfRuin is the classic gambler's-ruin estimate over ten equal risk
// units. An edge at or below zero means ruin is certain in the limit.
func riskOfRuin(winRate float64) float64 {
	edge := 2*winRate - 1
	switch {
	case edge <= 0:
		return 1
	case edge >= 1:
		return 0
	default:
		return math.Pow((1-edge)/(1+edge), 10)
	}
}
