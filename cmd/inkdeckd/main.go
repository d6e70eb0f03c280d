package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"inkdeck/internal/app"
	"inkdeck/plugins/clock"
	"inkdeck/plugins/comic"
	"inkdeck/plugins/demo"
	"inkdeck/plugins/netcheck"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./inkdeck.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Second registration on the same signals: NotifyContext only cancels;
	// this one tells us which signal it was for the stop reason.
	term := make(chan os.Signal, 1)
	signal.Notify(term, os.Interrupt, syscall.SIGTERM)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	// Adding a plugin type is Factory() + Register.
	if err := a.Register(
		clock.Factory(),
		comic.Factory(),
		netcheck.Factory(),
		demo.Factory(),
	); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	// SIGUSR1 refreshes the foreground out of band, SIGUSR2 skips to the
	// next plugin. Handy against a live panel without any control surface.
	usr := make(chan os.Signal, 2)
	signal.Notify(usr, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for s := range usr {
			switch s {
			case syscall.SIGUSR1:
				a.ForceUpdate()
			case syscall.SIGUSR2:
				a.ForceRotate()
			}
		}
	}()

	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	if interval, err := sd.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_, _ = sd.SdNotify(false, sd.SdNotifyWatchdog)
				}
			}
		}()
	}

	reason := app.StopRequested
	select {
	case s := <-term:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}
	signal.Stop(term)
	signal.Stop(usr)
	close(usr)

	_, _ = sd.SdNotify(false, sd.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Println("stop:", err)
	}
	if reason == app.StopFatalError {
		os.Exit(1)
	}
}
