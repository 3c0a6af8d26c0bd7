// Command isotpsend sends one ISO-TP message periodically.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LoveWonYoung/canisotp/internal/cli"
	"github.com/sirupsen/logrus"
)

var (
	common   cli.Flags
	src      = flag.String("s", "123", "source (transmit) CAN id, hex")
	dst      = flag.String("d", "321", "destination (receive) CAN id, hex")
	data     = flag.String("data", "00112233AABBCCDDEEFF", "payload in hex")
	interval = flag.Duration("interval", time.Second, "pause between messages")
	count    = flag.Int("n", 0, "number of messages, 0 for unlimited")
)

func main() {
	common.Register(flag.CommandLine)
	flag.Parse()

	log, release, err := common.Logger("isotpsend")
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	os.Exit(cli.Finish(log, release, run(log)))
}

func run(log logrus.FieldLogger) error {
	local, err := cli.ParseID(*src)
	if err != nil {
		return err
	}
	remote, err := cli.ParseID(*dst)
	if err != nil {
		return err
	}
	payload, err := cli.ParseHex(*data)
	if err != nil {
		return err
	}
	cfg, err := common.Config()
	if err != nil {
		return err
	}
	binder, err := common.Binder(log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := common.Open(ctx, binder, local, remote, cfg, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for sent := 0; *count == 0 || sent < *count; sent++ {
		if err := sess.Send(ctx, payload); err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			log.WithError(err).Error("send failed")
		} else {
			log.Infof("sent % X", payload)
		}
		if *count != 0 && sent+1 == *count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
