package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/xtrntr/ratemarket/internal/daycount"
	"github.com/xtrntr/ratemarket/internal/events"
	"github.com/xtrntr/ratemarket/internal/exchange"
	"github.com/xtrntr/ratemarket/internal/exposure"
	"github.com/xtrntr/ratemarket/internal/models"
)

type order struct {
	owner  string
	slot   int // index into the active maturities
	side   models.Side
	rate   int64
	amount int64
	take   bool
}

var book = []order{
	{owner: "trader1", slot: 0, side: models.Lend, rate: 450, amount: 10000},
	{owner: "trader1", slot: 0, side: models.Lend, rate: 500, amount: 5000},
	{owner: "trader2", slot: 0, side: models.Borrow, rate: 480, amount: 12000, take: true},
	{owner: "trader3", slot: 0, side: models.Borrow, rate: 420, amount: 3000},
	{owner: "trader2", slot: 1, side: models.Borrow, rate: 520, amount: 8000},
	{owner: "trader3", slot: 1, side: models.Lend, rate: 520, amount: 3000},
	{owner: "trader3", slot: 2, side: models.Lend, rate: 600, amount: 4000},
	{owner: "trader1", slot: 2, side: models.Borrow, rate: 550, amount: 2000},
}

// Seed writes a demo history into an empty journal and prints what it built
func main() {
	dataDir := flag.String("data", "data", "server data directory")
	flag.Parse()
	ctx := context.Background()

	journal, err := events.OpenJournal(filepath.Join(*dataDir, "journal"))
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer journal.Close()

	if n := journal.LastSeq(); n > 0 {
		fmt.Printf("Journal already has %d events. No need to seed.\n", n)
		os.Exit(0)
	}

	// history starts seven months back so the first market has matured
	today := daycount.Date(time.Now())
	basis := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -7, 0)
	now := basis
	ex := exchange.New(exchange.Config{
		Exposure: exposure.NewManager(decimal.Zero),
		Sink:     journal,
		Clock:    func() time.Time { return now },
	})

	err = ex.InitializeCurrency(ctx, exchange.CurrencyParams{
		Code: "USDC", BasisDate: basis, TenorMonths: 3, Markets: 4,
	})
	if err != nil {
		log.Fatalf("Failed to initialize USDC: %v", err)
	}
	if _, err := ex.UpdateYieldCurve(ctx, "USDC", []int64{400, 450, 500, 550}, []int64{90, 180, 365, 730}); err != nil {
		log.Fatalf("Failed to set curve: %v", err)
	}

	maturities, err := ex.GetMaturities("USDC")
	if err != nil {
		log.Fatalf("Failed to list maturities: %v", err)
	}
	for i, o := range book {
		req := exchange.OrderRequest{
			Currency: "USDC",
			Maturity: maturities[o.slot],
			Owner:    o.owner,
			Side:     o.side,
			Rate:     o.rate,
			Amount:   o.amount,
		}
		submit := ex.PlaceOrder
		if o.take {
			submit = ex.TakeOrder
		}
		if _, err := submit(ctx, req); err != nil {
			log.Fatalf("Failed to submit order %d: %v", i+1, err)
		}
		now = now.Add(time.Hour)
	}

	// step past the first maturity and settle it
	now = maturities[0].Add(24 * time.Hour)
	rotations, err := ex.RotateMatured(ctx, "USDC")
	if err != nil {
		log.Fatalf("Failed to rotate: %v", err)
	}
	for _, r := range rotations {
		positions, err := ex.Positions("USDC", r.Maturity)
		if err != nil {
			log.Fatalf("Failed to list positions: %v", err)
		}
		for _, p := range positions {
			if _, err := ex.ConvertToGenesisValue(ctx, "USDC", r.Maturity, p.Owner); err != nil {
				log.Fatalf("Failed to convert %s: %v", p.Owner, err)
			}
		}
	}

	printMarkets(ex)
	printFactors(ex)
	printBalances(ex)
	fmt.Printf("Successfully seeded %d events!\n", journal.LastSeq())
}

func printMarkets(ex *exchange.Controller) {
	markets, err := ex.MarketInfo("USDC")
	if err != nil {
		log.Fatalf("Failed to list markets: %v", err)
	}
	writer := tablewriter.NewWriter(os.Stdout)
	writer.SetHeader([]string{"maturity", "state", "lend", "borrow", "mid", "last", "orders"})
	for _, m := range markets {
		writer.Append([]string{m.Maturity.Format(time.DateOnly), string(m.State), strconv.FormatInt(m.LendRate, 10),
			strconv.FormatInt(m.BorrowRate, 10), strconv.FormatInt(m.MidRate, 10), strconv.FormatInt(m.LastRate, 10),
			strconv.Itoa(m.Orders)})
	}
	writer.SetCaption(true, "USDC markets (rates in bps)")
	writer.Render()
}

func printFactors(ex *exchange.Controller) {
	nodes, err := ex.GetCompoundFactors("USDC")
	if err != nil {
		log.Fatalf("Failed to list compound factors: %v", err)
	}
	writer := tablewriter.NewWriter(os.Stdout)
	writer.SetHeader([]string{"maturity", "compound factor", "rate", "tenor days"})
	for _, n := range nodes {
		writer.Append([]string{n.Maturity.Format(time.DateOnly), n.CompoundFactor.StringFixed(8),
			strconv.FormatInt(n.Rate, 10), strconv.FormatInt(n.TenorDays, 10)})
	}
	writer.SetCaption(true, "compound factor chain")
	writer.Render()
}

func printBalances(ex *exchange.Controller) {
	balances, lending, borrowing, err := ex.GenesisBalances("USDC")
	if err != nil {
		log.Fatalf("Failed to list balances: %v", err)
	}
	writer := tablewriter.NewWriter(os.Stdout)
	writer.SetHeader([]string{"owner", "genesis value", "present value"})
	for _, b := range balances {
		pv, err := ex.GetTotalPresentValue("USDC", b.Owner)
		if err != nil {
			log.Fatalf("Failed to get present value: %v", err)
		}
		writer.Append([]string{b.Owner, b.GenesisValue.StringFixed(6), pv.StringFixed(6)})
	}
	writer.SetFooter([]string{"lending / borrowing", lending.StringFixed(6), borrowing.StringFixed(6)})
	writer.SetCaption(true, "genesis value")
	writer.Render()
}
