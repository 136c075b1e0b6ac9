// Command streamdemo is a minimal, non-interactive CLI exercising
// marketdata.Builder end to end: it subscribes to one instrument on one
// exchange, prints normalized events as they arrive, and exits after a
// fixed duration. Built around a single cobra command and a zerolog
// console-writer setup — this module has no interactive menu to route into.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chronofeed/marketdata"
	"github.com/chronofeed/marketdata/event"
	"github.com/chronofeed/marketdata/instrument"

	// Import side effect: each venue package registers its Connector/
	// Transformer factory with the exchange package on init().
	_ "github.com/chronofeed/marketdata/exchange/binance"
	_ "github.com/chronofeed/marketdata/exchange/coinbase"
	_ "github.com/chronofeed/marketdata/exchange/kraken"
)

const appName = "streamdemo"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Stream normalized trades from one exchange and print them",
		RunE:  runStream,
	}

	rootCmd.Flags().String("exchange", "binance_spot", "Exchange id (binance_spot, kraken, coinbase)")
	rootCmd.Flags().String("base", "BTC", "Base asset")
	rootCmd.Flags().String("quote", "USDT", "Quote asset")
	rootCmd.Flags().String("config", "", "Path to an EngineConfig YAML file (optional)")
	rootCmd.Flags().Duration("for", 30*time.Second, "How long to stream before exiting")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("streamdemo failed")
	}
}

func runStream(cmd *cobra.Command, args []string) error {
	exchangeFlag, _ := cmd.Flags().GetString("exchange")
	base, _ := cmd.Flags().GetString("base")
	quote, _ := cmd.Flags().GetString("quote")
	configPath, _ := cmd.Flags().GetString("config")
	forDuration, _ := cmd.Flags().GetDuration("for")

	cfg := marketdata.DefaultEngineConfig()
	if configPath != "" {
		loaded, err := marketdata.LoadYAML(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	exchangeID := instrument.ExchangeID(exchangeFlag)
	builder := marketdata.New(cfg, log.Logger)
	builder.Subscribe(exchangeID, marketdata.WantedSubscription{
		Base:  instrument.Asset(base),
		Quote: instrument.Asset(quote),
		Kind:  instrument.KindSpot(),
		Data:  event.Trade,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Init's context also governs the streams it starts, so it gets the
	// long-lived signal context; the config's init timeout bounds the wait.
	streams, err := builder.Init(ctx)
	if err != nil {
		return err
	}
	defer streams.Close()

	log.Info().Str("exchange", string(exchangeID)).Str("base", base).Str("quote", quote).Msg("connected, streaming")

	events, ok := streams.Select(exchangeID)
	if !ok {
		return fmt.Errorf("exchange channel already consumed")
	}

	deadline := time.After(forDuration)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			log.Info().Msg("duration elapsed, exiting")
			return nil
		case e, ok := <-events:
			if !ok {
				log.Warn().Msg("event channel closed")
				return nil
			}
			if e.Trade != nil {
				log.Info().
					Str("instrument", e.Instrument.Key()).
					Str("price", e.Trade.Price.String()).
					Str("quantity", e.Trade.Quantity.String()).
					Msg("trade")
			}
		}
	}
}
