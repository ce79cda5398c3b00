package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/clawtune/internal/config"
	"github.com/shaunagostinho/clawtune/internal/motor"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
	"github.com/shaunagostinho/clawtune/internal/sim"
)

var (
	configPath string
	portFlag   string
	baudFlag   int
	simFlag    bool
	jsonOut    bool
)

var (
	// openPort opens the serial line for hardware drivers.
	openPort roboclaw.Opener = roboclaw.OpenSerial

	// retryDelay is the first backoff step of connectWithRetry.
	retryDelay = 1 * time.Second
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	ctx, cancel := signalContext()
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Printf("[main] %v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "clawtune",
		Short:         "RoboClaw velocity loop identification and tuning",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to config file")
	rootCmd.PersistentFlags().StringVar(&portFlag, "port", "", "serial port, or SIMULATED (overrides config)")
	rootCmd.PersistentFlags().IntVar(&baudFlag, "baud", 0, "baud rate (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&simFlag, "sim", false, "use the simulator")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print results as JSON")

	rootCmd.AddCommand(
		serveCmd(),
		portsCmd(),
		statusCmd(),
		driveCmd(),
		pwmCmd(),
		speedCmd(),
		resetCmd(),
		pidCmd(),
		qppsCmd(),
		tuneCmd(),
		simCmd(),
		baudCmd(),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("[main] received %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// loadConfig reads the config file and applies the persistent flags.
func loadConfig() *config.Config {
	cfg := config.LoadConfig(configPath)
	cfg.Update(func(s *config.Settings) {
		if portFlag == roboclaw.SimulatedPort {
			s.Controller.Simulated = true
		} else if portFlag != "" {
			s.Controller.Port = portFlag
			s.Controller.Simulated = false
		}
		if baudFlag > 0 {
			s.Controller.BaudRate = baudFlag
		}
		if simFlag {
			s.Controller.Simulated = true
		}
	})
	return cfg
}

// newDriver builds the driver described by cfg without opening any port.
func newDriver(cfg *config.Config) *motor.Driver {
	s := cfg.Snapshot()
	engine := sim.New(sim.Options{CarryEncoderFraction: s.Simulation.CarryEncoderFraction})
	ctx := context.Background()
	for m := 1; m <= 2; m++ {
		if err := engine.SetPlant(ctx, m, s.Simulation.Plant(m)); err != nil {
			log.Printf("[main] simulated M%d: %v (keeping defaults)", m, err)
		}
	}
	ctrl := roboclaw.NewController(roboclaw.ControllerConfig{
		PortPath: s.Controller.Port,
		BaudRate: s.Controller.BaudRate,
		Address:  byte(s.Controller.Address),
		Opener:   openPort,
	})
	return motor.New(motor.Config{
		Controller: ctrl,
		Sim:        engine,
		Simulated:  s.Controller.Simulated,
	})
}

// openDriver builds the driver and opens the configured port once.
func openDriver(ctx context.Context) (*config.Config, *motor.Driver, error) {
	cfg := loadConfig()
	drv := newDriver(cfg)
	if err := drv.Configure(ctx, cfg.StartupPort(), nil); err != nil {
		return cfg, drv, err
	}
	log.Printf("[main] using %s", drv.Name())
	return cfg, drv, nil
}

// connectWithRetry opens port with exponential backoff.
// Starts at retryDelay, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It gives up as soon as the
// driver is simulated or anything else has configured it since gen.
func connectWithRetry(ctx context.Context, drv *motor.Driver, gen uint64, port string, maxAttempts int) {
	delay := retryDelay
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if drv.Simulated() {
			log.Printf("[controller] simulated, not connecting to %s", port)
			return
		}

		superseded, err := drv.Reconnect(ctx, gen, port)
		switch {
		case superseded:
			log.Printf("[controller] reconfigured elsewhere, stopping retries for %s", port)
			return
		case err == nil:
			log.Printf("[controller] connected to %s (attempt %d)", port, attempt+1)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[controller] connect attempt %d/%d failed: %v (retry in %v)",
				attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[controller] connect attempt %d failed: %v (retry in %v)",
				attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
