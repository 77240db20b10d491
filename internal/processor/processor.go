// Package processor drives signal records through their status state
// machine: fetch balances and price, calculate the order, submit it to the
// bot's exchange, and persist the outcome. It is the only writer of signal
// statuses and bot statistics.
package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/tradelink/tradelink-api/internal/bots"
	"github.com/tradelink/tradelink-api/internal/exchange"
	"github.com/tradelink/tradelink-api/internal/orders"
	"github.com/tradelink/tradelink-api/internal/signals"
	"github.com/tradelink/tradelink-api/internal/types"
)

const (
	// recordTimeout bounds all exchange I/O for a single record so one
	// unresponsive endpoint cannot stall the whole pass.
	recordTimeout = 30 * time.Second

	defaultInterval  = 5 * time.Second
	defaultBatchSize = 50
)

type Processor struct {
	signals  *signals.Database
	bots     *bots.Database
	registry *exchange.Registry

	interval  time.Duration
	batchSize int

	// inFlight makes ticks non-overlapping: a tick that fires while the
	// previous pass is still running is skipped, not queued.
	inFlight sync.Mutex
}

func NewProcessor(signalsDB *signals.Database, botsDB *bots.Database, registry *exchange.Registry, interval time.Duration, batchSize int) *Processor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Processor{
		signals:   signalsDB,
		bots:      botsDB,
		registry:  registry,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start runs the processing loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_processor").Logger()
	logger.Info().Dur("interval", p.interval).Int("batch_size", p.batchSize).Msg("starting order processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order processor")
			return
		case <-ticker.C:
			if !p.inFlight.TryLock() {
				logger.Debug().Msg("previous pass still running, skipping tick")
				continue
			}
			if err := p.processPass(ctx); err != nil {
				logger.Error().Err(err).Msg("processing pass failed")
			}
			p.inFlight.Unlock()
		}
	}
}

// RunPass executes a single pass synchronously. Exposed for tests and for
// callers that own their own scheduling.
func (p *Processor) RunPass(ctx context.Context) error {
	p.inFlight.Lock()
	defer p.inFlight.Unlock()
	return p.processPass(ctx)
}

// processPass selects a bounded batch of outstanding records and processes
// them. Records for different bots run concurrently because they share no
// balances or credentials; records for the same bot run strictly in order,
// since two concurrent orders against one account would race its balance.
func (p *Processor) processPass(ctx context.Context) error {
	logger := log.With().Str("component", "order_processor").Logger()

	records, err := p.signals.GetOutstanding(p.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	logger.Info().Int("outstanding", len(records)).Msg("processing outstanding signals")

	perBot := make(map[string][]signals.Signal)
	var botOrder []string
	for _, record := range records {
		if _, seen := perBot[record.BotID]; !seen {
			botOrder = append(botOrder, record.BotID)
		}
		perBot[record.BotID] = append(perBot[record.BotID], record)
	}

	var wg sync.WaitGroup
	for _, botID := range botOrder {
		wg.Add(1)
		go func(botID string, batch []signals.Signal) {
			defer wg.Done()
			for i := range batch {
				p.processRecord(ctx, &batch[i])
			}
		}(botID, perBot[botID])
	}
	wg.Wait()

	return nil
}

// processRecord drives one signal to a terminal status. Every failure is
// caught and persisted on the record; nothing propagates out of the pass.
func (p *Processor) processRecord(ctx context.Context, record *signals.Signal) {
	logger := log.With().
		Str("component", "order_processor").
		Str("signal_id", record.SignalID).
		Str("bot_id", record.BotID).
		Logger()

	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	bot, err := p.bots.GetBot(record.BotID)
	if err != nil {
		p.fail(logger, record, record.Status, "bot lookup failed: "+err.Error())
		return
	}

	adapter, err := p.registry.New(bot.Exchange.Name, types.Credentials{
		APIKey:    bot.Exchange.APIKey,
		SecretKey: bot.Exchange.SecretKey,
	}, bot.Exchange.Testnet)
	if err != nil {
		p.fail(logger, record, record.Status, err.Error())
		return
	}

	if record.Status == signals.StatusReceived {
		if !p.calculate(ctx, logger, adapter, bot, record) {
			return
		}
	}

	if record.Status == signals.StatusCalculated {
		p.execute(ctx, logger, adapter, bot, record)
	}
}

// calculate runs the quantity calculator against live balances and price
// and persists the result. Returns false when the record reached a terminal
// state or was claimed elsewhere.
func (p *Processor) calculate(ctx context.Context, logger zerolog.Logger, adapter exchange.Adapter, bot *bots.Bot, record *signals.Signal) bool {
	balances, err := adapter.Balances(ctx)
	if err != nil {
		p.fail(logger, record, signals.StatusReceived, "balance fetch failed: "+err.Error())
		return false
	}

	price, err := adapter.CurrentPrice(ctx, bot.TradingPair)
	if err != nil {
		p.fail(logger, record, signals.StatusReceived, "price fetch failed: "+err.Error())
		return false
	}

	// Filters are advisory: when the exchange cannot provide them the
	// calculator proceeds unclamped and the exchange has the final word.
	filters, err := adapter.SymbolFilters(ctx, bot.TradingPair)
	if err != nil {
		logger.Warn().Err(err).Msg("symbol filters unavailable, skipping clamping")
		filters = nil
	}

	calc := orders.Calculate(balances, record.OrderSize, record.PositionSize, bot.TradingPair, price, record.Action, filters)
	record.Metadata.Calculation = &calc

	if calc.Fatal {
		p.fail(logger, record, signals.StatusReceived, calc.FatalReason())
		return false
	}

	if err := p.signals.Transition(record, signals.StatusReceived, signals.StatusCalculated); err != nil {
		if errors.Is(err, signals.ErrClaimed) {
			logger.Debug().Msg("record claimed by another pass, skipping")
		} else {
			logger.Error().Err(err).Msg("failed to persist calculation")
		}
		return false
	}

	logger.Info().
		Str("quantity", calc.Quantity.String()).
		Str("price", calc.Price.String()).
		Strs("warnings", calc.Warnings).
		Msg("order calculated")
	return true
}

// execute claims the record and submits the order. The claim must precede
// any exchange call: once the transition to processing is visible, no later
// pass can reach this point for the same record.
func (p *Processor) execute(ctx context.Context, logger zerolog.Logger, adapter exchange.Adapter, bot *bots.Bot, record *signals.Signal) {
	calc := record.Metadata.Calculation
	if calc == nil {
		p.fail(logger, record, signals.StatusCalculated, "record in calculated status has no persisted calculation")
		return
	}

	if err := p.signals.Transition(record, signals.StatusCalculated, signals.StatusProcessing); err != nil {
		if errors.Is(err, signals.ErrClaimed) {
			logger.Debug().Msg("record claimed by another pass, skipping")
		} else {
			logger.Error().Err(err).Msg("failed to claim record")
		}
		return
	}

	amount, err := p.resolveAmount(ctx, adapter, calc)
	if err != nil {
		p.fail(logger, record, signals.StatusProcessing, err.Error())
		p.recordTrade(logger, bot, false)
		return
	}

	result := adapter.ExecuteTrade(ctx, types.TradeRequest{
		Symbol: calc.Symbol,
		Side:   calc.Side,
		Amount: amount,
	})
	if !result.Success {
		p.fail(logger, record, signals.StatusProcessing, result.Error)
		p.recordTrade(logger, bot, false)
		return
	}

	executedAt := result.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	record.Metadata.Execution = &signals.ExecutionResult{
		OrderID:    result.OrderID,
		Amount:     amount.String(),
		ExecutedAt: executedAt,
	}

	if err := p.signals.Transition(record, signals.StatusProcessing, signals.StatusExecuted); err != nil {
		logger.Error().Err(err).Msg("order submitted but status update failed")
		return
	}
	p.recordTrade(logger, bot, true)

	logger.Info().
		Str("order_id", result.OrderID).
		Str("amount", amount.String()).
		Msg("order executed")
}

// resolveAmount produces the amount submitted to the exchange. Sells use
// the calculated base quantity verbatim. Buys spend quote balance, which
// may have moved since calculation, so the free quote balance is re-fetched
// at execution time: percentage orders re-resolve against it, absolute
// orders are capped by it.
func (p *Processor) resolveAmount(ctx context.Context, adapter exchange.Adapter, calc *orders.Calculation) (decimal.Decimal, error) {
	if calc.Side == types.SideSell {
		return calc.BaseAmount, nil
	}

	balances, err := adapter.Balances(ctx)
	if err != nil {
		return decimal.Zero, errors.New("live balance fetch failed: " + err.Error())
	}
	_, quoteAsset, err := orders.SplitSymbol(calc.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	freeQuote := types.FreeBalance(balances, quoteAsset)

	amount := calc.QuoteAmount
	if orders.IsPercentage(calc.OrderSize) {
		amount = freeQuote.Mul(percentageFraction(calc.OrderSize))
	} else if amount.GreaterThan(freeQuote) {
		amount = freeQuote
	}

	if amount.Sign() <= 0 {
		return decimal.Zero, errors.New("no free quote balance at execution time")
	}
	return amount, nil
}

func percentageFraction(orderSize string) decimal.Decimal {
	pct, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(orderSize), "%"))
	if err != nil {
		return decimal.NewFromInt(1)
	}
	return pct.Div(decimal.NewFromInt(100))
}

// fail records the failure reason and moves the record to its terminal
// error status. A lost claim race here means another pass owns the record;
// the failure is simply dropped.
func (p *Processor) fail(logger zerolog.Logger, record *signals.Signal, from signals.Status, message string) {
	record.Metadata.Error = message
	if err := p.signals.Transition(record, from, signals.StatusError); err != nil {
		if errors.Is(err, signals.ErrClaimed) {
			logger.Debug().Str("reason", message).Msg("record claimed elsewhere, dropping failure")
			return
		}
		logger.Error().Err(err).Str("reason", message).Msg("failed to persist error status")
		return
	}
	logger.Warn().Str("reason", message).Msg("signal moved to error")
}

func (p *Processor) recordTrade(logger zerolog.Logger, bot *bots.Bot, success bool) {
	if err := p.bots.RecordTrade(bot.BotID, success, time.Now()); err != nil {
		logger.Error().Err(err).Msg("failed to update bot statistics")
	}
}
