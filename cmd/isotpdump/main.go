// Command isotpdump prints the ISO-TP traffic on a CAN interface.
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

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/internal/cli"
	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	common   cli.Flags
	ids      = flag.String("ids", "", "comma separated hex ids to show, empty for all")
	messages = flag.Bool("m", false, "print reassembled messages only")
)

func main() {
	common.Register(flag.CommandLine)
	flag.Parse()

	log, release, err := common.Logger("isotpdump")
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	os.Exit(cli.Finish(log, release, run(log)))
}

func run(log logrus.FieldLogger) error {
	filter, err := parseFilter(*ids)
	if err != nil {
		return err
	}
	cfg, err := common.Config()
	if err != nil {
		return err
	}
	cfg.MaxMessageSize = 1 << 24
	mon, err := tp.NewMonitor(cfg, log)
	if err != nil {
		return err
	}
	mon.Start()
	defer mon.Close()

	binder, err := common.Binder(log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, err := common.Bind(ctx, binder, filter, log)
	if err != nil {
		return err
	}
	defer link.Close()

	frames := make(chan driver.Frame, 256)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		for {
			f, err := link.ReadFrame(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read %s: %w", common.Interface, err)
			}
			select {
			case frames <- f:
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case f, ok := <-frames:
				if !ok {
					return nil
				}
				for _, ev := range mon.Feed(f, time.Now()) {
					printEvent(ev, *messages)
				}
			case ev := <-mon.Expired():
				printEvent(ev, *messages)
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}

func printEvent(ev tp.MonitorEvent, messagesOnly bool) {
	ts := ev.Time.Format("15:04:05.000000")
	id := fmt.Sprintf("%03X", ev.ID)
	if ev.Extended {
		id = fmt.Sprintf("%08X", ev.ID)
	}
	switch {
	case ev.Message != nil:
		fmt.Printf("%s  %s  MSG [%d] % X\n", ts, id, len(ev.Message), ev.Message)
	case messagesOnly:
	case ev.Err != nil:
		fmt.Printf("%s  %s  ERR %v\n", ts, id, ev.Err)
	case ev.PDU != nil:
		fmt.Printf("%s  %s  %v\n", ts, id, ev.PDU)
	}
}

func parseFilter(s string) (driver.Filter, error) {
	var flt driver.Filter
	if s == "" {
		return flt, nil
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := cli.ParseID(part)
		if err != nil {
			return nil, err
		}
		flt = append(flt, driver.FilterID{ID: id, Extended: id > driver.SFFMask})
	}
	return flt, nil
}
