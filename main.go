package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericogr/odreader-to-mqtt/pkg/adc"
	"github.com/ericogr/odreader-to-mqtt/pkg/config"
	"github.com/ericogr/odreader-to-mqtt/pkg/job"
	"github.com/ericogr/odreader-to-mqtt/pkg/kvstore"
	"github.com/ericogr/odreader-to-mqtt/pkg/leds"
	"github.com/ericogr/odreader-to-mqtt/pkg/logging"
	"github.com/ericogr/odreader-to-mqtt/pkg/odreader"
	"github.com/ericogr/odreader-to-mqtt/pkg/pubsub"
)

// defaultLEDPins maps the HAT's LED driver channels onto GPIO pins.
var defaultLEDPins = map[string]string{
	"A": "GPIO17",
	"B": "GPIO27",
	"C": "GPIO22",
	"D": "GPIO23",
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "odreader: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadFromFlags(args)
	if err != nil {
		return err
	}

	log := logging.New(odreader.JobName, nil)

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("%s-%s-%s", cfg.Unit, odreader.JobName, cfg.Experiment)
	}
	willTopic := fmt.Sprintf("%s/%s/%s/%s/$state", cfg.Namespace, cfg.Unit, cfg.Experiment, odreader.JobName)
	bus, err := pubsub.Dial(pubsub.Options{
		Server:   cfg.MQTT.Server,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		ClientID: clientID,
		Will: &pubsub.Will{
			Topic:   willTopic,
			Payload: string(job.Lost),
			QOS:     pubsub.ExactlyOnce,
			Retain:  true,
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer bus.Close()

	// failures from here on are visible to the remote operator too
	log = logging.WithBus(log, bus, logging.LogTopic(cfg.Namespace, cfg.Unit, cfg.Experiment), odreader.JobName)

	converter, ledOutput, err := buildHardware(cfg)
	if err != nil {
		return err
	}

	store := kvstore.Default()
	controller := leds.NewController(ledOutput, store, kvstore.NewOwner(), bus,
		fmt.Sprintf("%s/%s/%s", cfg.Namespace, cfg.Unit, cfg.Experiment), log)

	reader, err := odreader.New(odreader.Options{
		Config: cfg,
		Bus:    bus,
		Store:  store,
		Logger: log,
		ADC:    converter,
		LEDs:   controller,
	})
	if err != nil {
		return err
	}

	// a kill signal, an exit hook or a remote command may all disconnect;
	// all paths converge on the same idempotent teardown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		s := <-sigs
		log.Debug().Str("signal", s.String()).Msg("exiting on signal")
		reader.Job().Disconnect()
	}()

	reader.Job().BlockUntilDisconnected()
	return nil
}

func buildHardware(cfg config.Config) (adc.ADC, leds.Output, error) {
	if cfg.SensorType == "simulation" {
		// a plausible culture: constant signal plus a little 60 Hz ripple
		gen := func(channel int, t time.Duration) float64 {
			base := 0.08 + 0.01*float64(channel)
			return base + 0.002*math.Sin(2*math.Pi*60*t.Seconds())
		}
		return adc.NewFake(gen), leds.NewNullOutput(), nil
	}

	converter, err := adc.NewADS1115(cfg.I2CBus, cfg.I2CAddress, cfg.Sampling.DataRate)
	if err != nil {
		return nil, nil, err
	}
	ledOutput, err := leds.NewGPIOOutput(defaultLEDPins)
	if err != nil {
		converter.Close()
		return nil, nil, err
	}
	return converter, ledOutput, nil
}
