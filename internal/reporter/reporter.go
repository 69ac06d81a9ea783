package reporter

import (
	"fmt"
	"sort"
	"strings"

	"signal-trader/internal/logger"
	"signal-trader/internal/models"
	"signal-trader/internal/registry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/shopspring/decimal"
)

// Reporter renders human-readable summaries of the books. Output goes to
// the log so both console and file capture it.
type Reporter struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Reporter {
	return &Reporter{reg: reg}
}

// LogOpenTrades prints the current open-trade table.
func (r *Reporter) LogOpenTrades() {
	trades := r.reg.Trades()
	if len(trades) == 0 {
		logger.S().Info("no open trades")
		return
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ID", "Strategy", "Symbol", "Side", "Mode", "Qty", "Cost", "Borrow", "Wallet", "State"})
	for _, tr := range trades {
		state := "pending"
		switch {
		case tr.IsStopped:
			state = "frozen"
		case tr.IsExecuted:
			state = "open"
		}
		t.AppendRow(table.Row{
			tr.ID, tr.StrategyName, tr.Symbol, tr.Position, tr.TradingType,
			tr.Quantity.String(), tr.Cost.StringFixed(4), tr.Borrow.String(), tr.Wallet, state,
		})
	}
	logger.S().Infof("open trades:\n%s", t.Render())
}

// LogBalanceHistory prints the daily balance summary for one trading type,
// most recent days last, capped at the given number of rows per quote.
func (r *Reporter) LogBalanceHistory(tt models.TradingType, days int) {
	history := r.reg.BalanceHistory()[tt]
	if len(history) == 0 {
		logger.S().Infof("no %s balance history yet", tt)
		return
	}

	quotes := make([]string, 0, len(history))
	for quote := range history {
		quotes = append(quotes, quote)
	}
	sort.Strings(quotes)

	var out strings.Builder
	for _, quote := range quotes {
		entries := history[quote]
		if days > 0 && len(entries) > days {
			entries = entries[len(entries)-days:]
		}
		t := table.NewWriter()
		t.SetStyle(table.StyleLight)
		t.SetTitle(fmt.Sprintf("%s / %s", tt, quote))
		t.AppendHeader(table.Row{"Date", "Open", "Close", "PnL", "Fees", "Opened", "Closed"})
		for _, e := range entries {
			t.AppendRow(table.Row{
				e.Date.Format("2006-01-02"),
				e.OpenBalance.StringFixed(4),
				e.CloseBalance.StringFixed(4),
				e.CloseBalance.Sub(e.OpenBalance).StringFixed(4),
				e.Fees.StringFixed(4),
				e.TradesOpened,
				e.TradesClosed,
			})
		}
		out.WriteString(t.Render())
		out.WriteByte('\n')
	}
	logger.S().Infof("balance history:\n%s", out.String())
}

// LogVirtualBalances prints the simulated ledger.
func (r *Reporter) LogVirtualBalances() {
	balances := r.reg.VirtualBalances()

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Wallet", "Asset", "Balance"})
	for _, wallet := range []models.WalletType{models.WalletSpot, models.WalletMargin} {
		assets := make([]string, 0, len(balances[wallet]))
		for asset := range balances[wallet] {
			assets = append(assets, asset)
		}
		sort.Strings(assets)
		for _, asset := range assets {
			v := balances[wallet][asset]
			if v.Equal(decimal.Zero) {
				continue
			}
			t.AppendRow(table.Row{wallet, asset, v.String()})
		}
	}
	logger.S().Infof("virtual balances:\n%s", t.Render())
}
