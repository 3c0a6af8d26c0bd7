// Command isotprecv prints received ISO-TP messages as hex.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/LoveWonYoung/canisotp/internal/cli"
	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/sirupsen/logrus"
)

var (
	common cli.Flags
	src    = flag.String("s", "123", "source (transmit) CAN id, hex")
	dst    = flag.String("d", "321", "destination (receive) CAN id, hex")
	count  = flag.Int("n", 1, "messages to receive, 0 for unlimited")
	listen = flag.Bool("l", false, "listen only, never send flow control")
)

func main() {
	common.Register(flag.CommandLine)
	flag.Parse()

	log, release, err := common.Logger("isotprecv")
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
	cfg, err := common.Config()
	if err != nil {
		return err
	}
	if *listen {
		if err := cfg.Options.SetFlags(cfg.Options.Flags() | tp.ListenMode); err != nil {
			return err
		}
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

	for got := 0; *count == 0 || got < *count; {
		msg, err := sess.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			var pe *tp.ProtocolError
			if errors.As(err, &pe) {
				log.WithError(err).Warn("reception failed")
				continue
			}
			return err
		}
		got++
		fmt.Printf("read %d bytes\n%s\n", len(msg), hexLine(msg))
	}
	return nil
}

func hexLine(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}
