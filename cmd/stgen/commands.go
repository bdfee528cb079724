package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/zsiec/stgen/internal/capture"
	"github.com/zsiec/stgen/internal/dashboard"
	"github.com/zsiec/stgen/internal/health"
	"github.com/zsiec/stgen/internal/logger"
	"github.com/zsiec/stgen/internal/qos"
	"github.com/zsiec/stgen/internal/receiver"
	"github.com/zsiec/stgen/internal/sender"
	"github.com/zsiec/stgen/internal/server"
	"github.com/zsiec/stgen/internal/stats"
)

func runSend(ctx context.Context, env *environment, fs *pflag.FlagSet) error {
	cfg := &env.cfg.Sender
	collector := env.newCollector("sender", !cfg.ExpectEcho)
	log := logger.NewLogrusAdapter(logger.WithRun(env.logger, collector.RunID(), "sender"))

	var checkers []health.Checker
	if c, err := env.openStore(ctx); err != nil {
		return err
	} else if c != nil {
		checkers = append(checkers, c)
	}

	snd := sender.New(cfg, env.codec, collector, log)

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	env.serve(serveCtx, server.Options{Summary: snd, Checkers: checkers})

	tui, _ := fs.GetBool("tui")
	if !tui {
		if err := snd.Run(ctx); err != nil {
			return err
		}
		return env.finish(snd.Summary())
	}

	sendCtx, stopSend := context.WithCancel(ctx)
	defer stopSend()
	uiCtx, closeUI := context.WithCancel(ctx)
	var (
		wg     sync.WaitGroup
		runErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer closeUI()
		runErr = snd.Run(sendCtx)
	}()

	title := fmt.Sprintf("stgen send -> %s  %d clients @ %.0f pps", cfg.TargetAddr, cfg.Clients, cfg.Rate)
	if err := dashboard.Run(uiCtx, title, snd, nil); err != nil {
		log.WithError(err).Warn("Dashboard exited")
	}
	// Quitting the dashboard ends the run early.
	stopSend()
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	return env.finish(snd.Summary())
}

func runRecv(ctx context.Context, env *environment, fs *pflag.FlagSet) error {
	cfg := &env.cfg.Receiver
	collector := env.newCollector("receiver", false)
	log := logger.NewLogrusAdapter(logger.WithRun(env.logger, collector.RunID(), "receiver"))

	checkers := []health.Checker{}
	if c, err := env.openStore(ctx); err != nil {
		return err
	} else if c != nil {
		checkers = append(checkers, c)
	}

	listener := receiver.NewListener(cfg, env.codec, collector, log)
	if err := listener.Start(); err != nil {
		return err
	}

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	checkers = append(checkers, health.NewReceiverChecker(listener, cfg.MaxSessions))
	env.serve(ctx, server.Options{
		Summary:  listener,
		Sessions: listener,
		Checkers: checkers,
	})

	if tui, _ := fs.GetBool("tui"); tui {
		title := fmt.Sprintf("stgen recv %s", listener.Addr())
		if err := dashboard.Run(ctx, title, listener, listener); err != nil {
			log.WithError(err).Warn("Dashboard exited")
		}
	} else {
		reportProgress(ctx, listener, cfg.StatsInterval, log)
	}

	if err := listener.Stop(); err != nil {
		return fmt.Errorf("failed to stop receiver: %w", err)
	}
	return env.finish(listener.Summary())
}

// reportProgress logs a progress line every interval until ctx is done.
func reportProgress(ctx context.Context, l *receiver.Listener, interval time.Duration, log logger.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.FlushRecvLog(); err != nil {
				log.WithError(err).Warn("Failed to flush recv log")
			}
			s := l.Summary()
			log.WithFields(map[string]interface{}{
				"received": s.Received,
				"lost":     s.Lost,
				"loss_pct": s.Loss * 100,
				"p95_ms":   s.Latency.P95MS,
				"sessions": l.ActiveSessions(),
			}).Info("Receiver progress")
		}
	}
}

func runAnalyze(ctx context.Context, env *environment, fs *pflag.FlagSet) error {
	pcapPath, _ := fs.GetString("pcap")
	logPath, _ := fs.GetString("recv-log")
	if (pcapPath == "") == (logPath == "") {
		return fmt.Errorf("exactly one of --pcap or --recv-log is required")
	}

	if save, _ := fs.GetBool("save"); save {
		if _, err := env.openStore(ctx); err != nil {
			return err
		}
	}

	collector := env.newCollector("analyzer", false)

	if pcapPath != "" {
		port, _ := fs.GetInt("port")
		analyzer := capture.NewAnalyzer(env.codec, port, env.log.WithField("component", "capture"))
		analyzer.SetTrackerLimits(env.cfg.Receiver.MaxSequenceGap, env.cfg.Receiver.ReorderWindow)

		res, err := analyzer.AnalyzeFile(pcapPath, collector)
		if err != nil {
			return err
		}
		writeSources(env, res)
		return env.finish(res.Summary)
	}

	f, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open recv log: %w", err)
	}
	defer f.Close()

	loss, err := receiver.ParseRecvLog(f, collector)
	if err != nil {
		return err
	}
	collector.Finalize()

	env.log.WithFields(map[string]interface{}{
		"highest_seq":  loss.HighestSeq,
		"loss_events":  loss.LossEvents,
		"max_run_lost": loss.MaxConsecutiveLoss,
	}).Info("recv.log analyzed")
	return env.finish(collector.Summary())
}

func writeSources(env *environment, res *capture.Result) {
	if len(res.Sources) == 0 {
		return
	}
	tw := tabwriter.NewWriter(env.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tPACKETS\tBYTES\tLOST\tREORDERED\tDUPLICATES")
	for _, s := range res.Sources {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n",
			s.Source, s.Packets, s.Bytes, s.Loss.Lost, s.Loss.Recovered, s.Loss.Duplicates)
	}
	tw.Flush()
	if res.Skipped > 0 {
		fmt.Fprintf(env.stdout, "Skipped %d non-stgen packets\n", res.Skipped)
	}
}

func runValidate(ctx context.Context, env *environment, fs *pflag.FlagSet) error {
	path, _ := fs.GetString("summary")
	runID, _ := fs.GetString("run")

	var summary stats.Summary
	switch {
	case path != "" && runID != "":
		return fmt.Errorf("--summary and --run are mutually exclusive")
	case path != "":
		s, err := stats.ReadFile(path)
		if err != nil {
			return err
		}
		summary = s
	case runID != "":
		if _, err := env.openStore(ctx); err != nil {
			return err
		}
		getCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		s, err := env.store.Get(getCtx, runID)
		if err != nil {
			return err
		}
		summary = *s
	default:
		return fmt.Errorf("--summary or --run is required")
	}

	v := qos.Validate(summary, env.cfg.QoS)
	v.WriteReport(env.stdout)
	if !v.Passed() {
		return errQoSFailed
	}
	return nil
}
