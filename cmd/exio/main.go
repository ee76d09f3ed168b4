// Command exio connects one configured exchange adapter and prints the
// unified event stream, exercising the connectivity layer end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/openalgo/exio/config"
	"github.com/openalgo/exio/internal/exchange"
	"github.com/openalgo/exio/internal/observability"
	"github.com/openalgo/exio/internal/schema"

	_ "github.com/openalgo/exio/internal/adapters/binance"
	_ "github.com/openalgo/exio/internal/adapters/coinbase"
	_ "github.com/openalgo/exio/internal/adapters/okx"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "exio: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/exio.yaml", "path to the YAML configuration file")
	exchangeName := flag.String("exchange", "binance", "exchange adapter to connect")
	symbolList := flag.String("symbols", "BTC/USDT", "comma-separated unified symbols to stream")
	userData := flag.Bool("user-data", false, "also subscribe the authenticated user-data stream")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, fromFile, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewProduction(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	observability.SetLogger(logger)
	if !fromFile {
		logger.Warn("configuration file not found, using defaults",
			observability.Field{Key: "path", Value: *configPath})
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	defer dumpMetrics(reader, logger, provider)

	exCfg, err := cfg.ExchangeConfig(*exchangeName)
	if err != nil {
		return err
	}
	ex, err := exchange.New(*exchangeName, exCfg)
	if err != nil {
		return err
	}

	if err := ex.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", *exchangeName, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = ex.Disconnect(shutdownCtx)
	}()
	logger.Info("connected", observability.Field{Key: "exchange", Value: ex.Name()})

	for _, symbol := range strings.Split(*symbolList, ",") {
		symbol = strings.TrimSpace(symbol)
		if symbol == "" {
			continue
		}
		if err := ex.SubscribeTicker(ctx, symbol); err != nil {
			return fmt.Errorf("subscribe ticker %s: %w", symbol, err)
		}
		if err := ex.SubscribeTrades(ctx, symbol); err != nil {
			return fmt.Errorf("subscribe trades %s: %w", symbol, err)
		}
		logger.Info("subscribed", observability.Field{Key: "symbol", Value: symbol})
	}
	if *userData {
		if err := ex.SubscribeUserData(ctx); err != nil {
			return fmt.Errorf("subscribe user data: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case evt := <-ex.Events():
			printEvent(logger, evt)
		}
	}
}

func printEvent(logger observability.Logger, evt schema.Event) {
	fields := []observability.Field{
		{Key: "exchange", Value: evt.Exchange},
		{Key: "type", Value: string(evt.Type)},
	}
	if evt.Symbol != "" {
		fields = append(fields, observability.Field{Key: "symbol", Value: evt.Symbol})
	}
	switch {
	case evt.Ticker != nil:
		fields = append(fields,
			observability.Field{Key: "last", Value: evt.Ticker.Last.String()},
			observability.Field{Key: "bid", Value: evt.Ticker.Bid.String()},
			observability.Field{Key: "ask", Value: evt.Ticker.Ask.String()})
	case evt.Trade != nil:
		fields = append(fields,
			observability.Field{Key: "side", Value: string(evt.Trade.Side)},
			observability.Field{Key: "price", Value: evt.Trade.Price.String()},
			observability.Field{Key: "qty", Value: evt.Trade.Quantity.String()})
	case evt.Order != nil:
		fields = append(fields,
			observability.Field{Key: "order_id", Value: evt.Order.ID},
			observability.Field{Key: "status", Value: string(evt.Order.Status)})
	case evt.Err != nil:
		fields = append(fields, observability.Field{Key: "error", Value: evt.Err.Error()})
	}
	if evt.Lifecycle() {
		logger.Warn("lifecycle event", fields...)
		return
	}
	logger.Info("event", fields...)
}

// dumpMetrics logs counter totals collected during the run, then shuts the
// provider down.
func dumpMetrics(reader *sdkmetric.ManualReader, logger observability.Logger, provider *sdkmetric.MeterProvider) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err == nil {
		for _, scope := range rm.ScopeMetrics {
			for _, m := range scope.Metrics {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					var total int64
					for _, point := range sum.DataPoints {
						total += point.Value
					}
					logger.Info("metric",
						observability.Field{Key: "name", Value: m.Name},
						observability.Field{Key: "total", Value: total})
				}
			}
		}
	}
	_ = provider.Shutdown(ctx)
}
