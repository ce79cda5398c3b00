package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/clawtune/internal/autotune"
	"github.com/shaunagostinho/clawtune/internal/config"
	"github.com/shaunagostinho/clawtune/internal/experiment"
	"github.com/shaunagostinho/clawtune/internal/motor"
	"github.com/shaunagostinho/clawtune/internal/roboclaw"
	"github.com/shaunagostinho/clawtune/internal/server"
	"github.com/shaunagostinho/clawtune/internal/sim"
)

type driverFunc func(ctx context.Context, cfg *config.Config, drv *motor.Driver) error

// withDriver opens the configured backend, runs fn and closes the port.
func withDriver(cmd *cobra.Command, fn driverFunc) error {
	return runDriver(cmd, false, fn)
}

// withTuneDriver is withDriver for tuning commands. When the config allows
// simulator fallback a port that fails to open is left to the tuner, which
// pins itself to the simulator on the first failed exchange.
func withTuneDriver(cmd *cobra.Command, fn driverFunc) error {
	return runDriver(cmd, true, fn)
}

func runDriver(cmd *cobra.Command, tuning bool, fn driverFunc) error {
	ctx := cmd.Context()
	cfg, drv, err := openDriver(ctx)
	if err != nil {
		if !tuning || !cfg.Snapshot().Tuning.AllowSimFallback || !roboclaw.IsTransport(err) {
			drv.Close(context.Background())
			return err
		}
		log.Printf("[main] %v (tuning will fall back to the simulator)", err)
	}
	defer func() {
		if err := drv.Close(context.Background()); err != nil {
			log.Printf("[main] close: %v", err)
		}
	}()
	return fn(ctx, cfg, drv)
}

func parseMotor(arg string) (int, error) {
	m, err := strconv.Atoi(arg)
	if err != nil || (m != 1 && m != 2) {
		return 0, fmt.Errorf("motor must be 1 or 2, got %q", arg)
	}
	return m, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := loadConfig()
			if listen != "" {
				cfg.Update(func(s *config.Settings) { s.Server.ListenAddr = listen })
			}
			drv := newDriver(cfg)
			defer drv.Close(context.Background())

			// The server starts regardless; telemetry reports errors until the port opens.
			// Any configure through the API supersedes the retries.
			go connectWithRetry(ctx, drv, drv.Generation(), cfg.StartupPort(), 10)

			log.Println("[main] clawtune starting")
			return server.New(cfg, drv).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override listen address (e.g. :8080)")
	return cmd
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "list serial ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := roboclaw.ListPorts()
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), ports)
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "read the full controller status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd, func(ctx context.Context, _ *config.Config, drv *motor.Driver) error {
				st, err := drv.ReadAllStatus(ctx)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), st)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "backend\t%s\n", drv.Name())
				fmt.Fprintf(w, "battery\tmain %.1f V\tlogic %.1f V\n", st.MainBattery, st.LogicBatt)
				fmt.Fprintf(w, "temperature\t%.1f °C\t%.1f °C\n", st.Temp1, st.Temp2)
				fmt.Fprintf(w, "error flags\t0x%08x\n", st.ErrorFlags)
				fmt.Fprintf(w, "\tM1\tM2\n")
				fmt.Fprintf(w, "pwm %%\t%.1f\t%.1f\n", roboclaw.DutyPercent(int32(st.M1PWM)), roboclaw.DutyPercent(int32(st.M2PWM)))
				fmt.Fprintf(w, "current A\t%.2f\t%.2f\n", st.M1Current, st.M2Current)
				fmt.Fprintf(w, "encoder\t%d\t%d\n", st.M1Encoder, st.M2Encoder)
				fmt.Fprintf(w, "speed pps\t%d\t%d\n", st.M1Speed, st.M2Speed)
				fmt.Fprintf(w, "speed error\t%d\t%d\n", st.M1SpeedError, st.M2SpeedError)
				return w.Flush()
			})
		},
	}
}

func driveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drive <motor> <speed>",
		Short: "send a speed byte (0 reverse, 64 stop, 127 forward)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMotor(args[0])
			if err != nil {
				return err
			}
			speed, err := strconv.Atoi(args[1])
			if err != nil || speed < 0 || speed > roboclaw.MaxDrive {
				return fmt.Errorf("speed must be 0..%d, got %q", roboclaw.MaxDrive, args[1])
			}
			return withDriver(cmd, func(ctx context.Context, _ *config.Config, drv *motor.Driver) error {
				return drv.Drive(ctx, m, uint8(speed))
			})
		},
	}
}

func pwmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pwm <motor> <duty>",
		Short: "set a raw duty cycle (±32767)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMotor(args[0])
			if err != nil {
				return err
			}
			duty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("duty: %w", err)
			}
			return withDriver(cmd, func(ctx context.Context, _ *config.Config, drv *motor.Driver) error {
				return drv.DrivePWM(ctx, m, duty)
			})
		},
	}
}

func speedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "speed <motor>",
		Short: "read a motor's encoder speed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMotor(args[0])
			if err != nil {
				return err
			}
			return withDriver(cmd, func(ctx context.Context, _ *config.Config, drv *motor.Driver) error {
				v, err := drv.ReadSpeed(ctx, m)
				if err != nil {
					return err
				}
				fmt.Printf("M%d %d pps\n", m, v)
				return nil
			})
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "zero both encoders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd, func(ctx context.Context, _ *config.Config, drv *motor.Driver) error {
				return drv.ResetEncoder(ctx)
			})
		},
	}
}

func pidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pid",
		Short: "read or write PID settings",
	}

	var position bool
	get := &cobra.Command{
		Use:   "get <motor>",
		Short: "read the velocity (or position) PID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMotor(args[0])
			if err != nil {
				return err
			}
			return withDriver(cmd, func(ctx context.Context, _ *config.Config, drv *motor.Driver) error {
				if position {
					p, err := drv.ReadPositionPID(ctx, m)
					if err != nil {
						return err
					}
					if jsonOut {
						return printJSON(cmd.OutOrStdout(), p)
					}
					fmt.Printf("M%d position P=%.4f I=%.4f D=%.4f MaxI=%d deadzone=%d range=[%d, %d]\n", m,
						roboclaw.FromFixed(p.P), roboclaw.FromFixed(p.I), roboclaw.FromFixed(p.D), p.MaxI, p.Deadzone, p.Min, p.Max)
					return nil
				}
				p, err := drv.ReadVelocityPID(ctx, m)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), p)
				}
				fmt.Printf("M%d velocity P=%.4f I=%.4f D=%.4f QPPS=%d\n", m,
					roboclaw.FromFixed(p.P), roboclaw.FromFixed(p.I), roboclaw.FromFixed(p.D), p.QPPS)
				return nil
			})
		},
	}
	get.Flags().BoolVar(&position, "position", false, "read the position PID")

	var kp, ki, kd float64
	var qpps int32
	set := &cobra.Command{
		Use:   "set <motor>",
		Short: "write the velocity PID (gains as real numbers)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMotor(args[0])
			if err != nil {
				return err
			}
			p := roboclaw.VelocityPID{
				P:    roboclaw.ToFixed(kp),
				I:    roboclaw.ToFixed(ki),
				D:    roboclaw.ToFixed(kd),
				QPPS: qpps,
			}
			return withDriver(cmd, func(ctx context.Context, _ *config.Config, drv *motor.Driver) error {
				return drv.WriteVelocityPID(ctx, m, p)
			})
		},
	}
	set.Flags().Float64Var(&kp, "p", 0, "proportional gain")
	set.Flags().Float64Var(&ki, "i", 0, "integral gain")
	set.Flags().Float64Var(&kd, "d", 0, "derivative gain")
	set.Flags().Int32Var(&qpps, "qpps", 0, "encoder rate at full duty")
	set.MarkFlagRequired("qpps")

	cmd.AddCommand(get, set)
	return cmd
}

func qppsCmd() *cobra.Command {
	var durationMs int
	var plot bool
	cmd := &cobra.Command{
		Use:   "qpps <motor>",
		Short: "measure encoder rate at full duty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMotor(args[0])
			if err != nil {
				return err
			}
			return withDriver(cmd, func(ctx context.Context, cfg *config.Config, drv *motor.Driver) error {
				d := durationMs
				if d == 0 {
					d = cfg.Snapshot().Tuning.QPPSDurationMs
				}
				res, err := drv.MeasureQPPS(ctx, m, d)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if plot && len(res.Rates) > 1 {
					fmt.Println(asciigraph.Plot(res.Rates, asciigraph.Height(10), asciigraph.Width(60),
						asciigraph.Caption("counts/s per interval")))
				}
				fmt.Printf("M%d QPPS %d (%d intervals on %s)\n", res.Motor, res.QPPS, len(res.Rates), res.Backend)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&durationMs, "duration", 0, "measurement length in ms (default from config)")
	cmd.Flags().BoolVar(&plot, "plot", false, "plot per-interval rates")
	return cmd
}

type tuneFlags struct {
	motor       int
	apply       bool
	plot        bool
	lambdaScale float64
}

func (f *tuneFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.motor, "motor", 0, "motor 1 or 2 (default from config)")
	cmd.Flags().BoolVar(&f.apply, "apply", false, "write the synthesized gains to the controller")
	cmd.Flags().BoolVar(&f.plot, "plot", false, "plot the recorded response")
	cmd.Flags().Float64Var(&f.lambdaScale, "lambda", 0, "closed-loop time constant as a multiple of tau (default from config)")
}

func (f *tuneFlags) options(t config.TuningConfig, drv *motor.Driver) autotune.Options {
	opts := autotune.Options{
		LambdaScale:      t.LambdaScale,
		ApplyResult:      f.apply,
		AllowSimFallback: t.AllowSimFallback,
		Clock:            drv.Clock(),
	}
	if f.lambdaScale > 0 {
		opts.LambdaScale = f.lambdaScale
	}
	return opts
}

func printResult(r autotune.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "backend\t%s", r.Backend)
	if r.FellBack {
		fmt.Fprint(w, " (fallback)")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "plant\tK=%.6g pps/unit\ttau=%.4f s\n", r.Plant.K, r.Plant.Tau)
	fmt.Fprintf(w, "previous\tP=%d I=%d D=%d QPPS=%d\n", r.Previous.P, r.Previous.I, r.Previous.D, r.Previous.QPPS)
	fmt.Fprintf(w, "synthesized\t%s\n", r.Gains)
	switch {
	case r.Applied:
		fmt.Fprintf(w, "applied\tyes\n")
	case r.ApplyError != "":
		fmt.Fprintf(w, "applied\tno: %s\n", r.ApplyError)
	}
	w.Flush()
}

func velocities(samples []experiment.Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Velocity
	}
	return out
}

func tuneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "identify the plant and synthesize velocity PID gains",
	}

	var sf tuneFlags
	var stepPWM int
	var noRefine bool
	step := &cobra.Command{
		Use:   "step",
		Short: "tune from an open-loop PWM step",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTuneDriver(cmd, func(ctx context.Context, cfg *config.Config, drv *motor.Driver) error {
				t := cfg.Snapshot().Tuning
				req := autotune.StepRequest{StepConfig: t.Step, Options: sf.options(t, drv), NoRefine: noRefine}
				if sf.motor != 0 {
					req.Motor = sf.motor
				}
				if stepPWM != 0 {
					req.StepPWM = stepPWM
				}
				res, err := autotune.StepTune(ctx, drv, req)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if sf.plot && len(res.Samples) > 1 {
					fmt.Println(asciigraph.Plot(velocities(res.Samples), asciigraph.Height(12), asciigraph.Width(70),
						asciigraph.Caption(fmt.Sprintf("M%d step response (pps)", res.Motor))))
				}
				fmt.Println(res.Estimate)
				printResult(res.Result)
				return nil
			})
		},
	}
	sf.register(step)
	step.Flags().IntVar(&stepPWM, "step-pwm", 0, "PWM after the step (default from config)")
	step.Flags().BoolVar(&noRefine, "no-refine", false, "skip the tail correction of the fit")

	var wf tuneFlags
	var amplitude float64
	var points int
	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "tune from a sinusoidal frequency sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTuneDriver(cmd, func(ctx context.Context, cfg *config.Config, drv *motor.Driver) error {
				t := cfg.Snapshot().Tuning
				req := autotune.SweepRequest{
					SweepConfig: t.Sweep,
					Options:     wf.options(t, drv),
					TauMin:      t.TauMin,
					TauMax:      t.TauMax,
					TauPoints:   t.TauPoints,
				}
				if wf.motor != 0 {
					req.Motor = wf.motor
				}
				if amplitude != 0 {
					req.Amplitude = amplitude
				}
				if points != 0 {
					req.Points = points
				}
				res, err := autotune.SweepTune(ctx, drv, req)
				if err != nil {
					return err
				}
				if jsonOut {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if wf.plot && len(res.Points) > 1 {
					measured := make([]float64, len(res.Points))
					for i, p := range res.Points {
						measured[i] = p.Gain
					}
					fmt.Println(asciigraph.PlotMany([][]float64{measured, res.Fit.FittedMag},
						asciigraph.Height(12), asciigraph.Width(70),
						asciigraph.Caption("gain per sweep point: measured and fitted")))
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Hz\tgain\tphase°\n")
				for _, p := range res.Points {
					fmt.Fprintf(w, "%.3f\t%.6g\t%.1f\n", p.FreqHz, p.Gain, p.PhaseDeg)
				}
				w.Flush()
				fmt.Printf("fit residual %.3g\n", res.Fit.ResidualRMS)
				printResult(res.Result)
				return nil
			})
		},
	}
	wf.register(sweep)
	sweep.Flags().Float64Var(&amplitude, "amplitude", 0, "speed-byte amplitude around stop (default from config)")
	sweep.Flags().IntVar(&points, "points", 0, "number of log-spaced frequencies (default from config)")

	cmd.AddCommand(step, sweep)
	return cmd
}

func simCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sim",
		Short: "simulator settings",
	}

	var tau, gain float64
	params := &cobra.Command{
		Use:   "params <motor>",
		Short: "store a simulated motor's plant in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMotor(args[0])
			if err != nil {
				return err
			}
			p := sim.Plant{Tau: tau, Gain: gain}
			// Validate against a throwaway engine so bad values never reach the file.
			if err := sim.New(sim.Options{}).SetPlant(cmd.Context(), m, p); err != nil {
				return err
			}
			cfg := config.LoadConfig(configPath)
			cfg.Update(func(s *config.Settings) {
				if m == 2 {
					s.Simulation.M2 = p
				} else {
					s.Simulation.M1 = p
				}
			})
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Printf("M%d plant tau=%.4f s gain=%.2f pps saved to %s\n", m, tau, gain, cfg.Path())
			return nil
		},
	}
	params.Flags().Float64Var(&tau, "tau", sim.DefaultTau, "time constant in seconds")
	params.Flags().Float64Var(&gain, "gain", sim.DefaultGain, "pps at full command")

	cmd.AddCommand(params)
	return cmd
}

func baudCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baud <rate>",
		Short: "reopen the port at a new baud rate and store it in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("baud: %w", err)
			}
			return withDriver(cmd, func(ctx context.Context, _ *config.Config, drv *motor.Driver) error {
				if err := drv.ReconfigureBaud(ctx, rate); err != nil {
					return err
				}
				cfg := config.LoadConfig(configPath)
				cfg.Update(func(s *config.Settings) { s.Controller.BaudRate = rate })
				if err := cfg.Save(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s at %d baud, saved to %s\n", drv.Name(), rate, cfg.Path())
				return nil
			})
		},
	}
}
