// Command isotpuds reads a data identifier from an ECU with UDS service 0x22.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LoveWonYoung/canisotp/driver"
	"github.com/LoveWonYoung/canisotp/internal/cli"
	"github.com/LoveWonYoung/canisotp/tp"
	"github.com/LoveWonYoung/canisotp/udsclient"
	"github.com/sirupsen/logrus"
)

const (
	sidReadDataByIdentifier = 0x22
	positiveResponseOffset  = 0x40
	negativeResponse        = 0x7F
)

var (
	common   cli.Flags
	src      = flag.String("s", "7E0", "request CAN id, hex")
	dst      = flag.String("d", "7E8", "response CAN id, hex")
	did      = flag.Uint("did", 0xF189, "data identifier")
	timeout  = flag.Duration("timeout", 2*time.Second, "P2 response timeout, extended on response pending")
	simulate = flag.Bool("simulate", false, "answer the request from an in-process ECU, needs -driver virtual")
)

func main() {
	common.Register(flag.CommandLine)
	flag.Parse()

	log, release, err := common.Logger("isotpuds")
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
	if *did > 0xFFFF {
		return fmt.Errorf("data identifier 0x%X exceeds 16 bits", *did)
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

	if *simulate {
		bus, ok := binder.(*driver.VirtualBus)
		if !ok {
			return errors.New("-simulate needs -driver virtual")
		}
		ecu, err := tp.Open(ctx, bus, common.Interface, remote, local, cfg, tp.WithLogger(log.WithField("role", "ecu")))
		if err != nil {
			return err
		}
		defer ecu.Close()
		go serveECU(ctx, ecu, log)
	}

	sess, err := common.Open(ctx, binder, local, remote, cfg, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	req := []byte{sidReadDataByIdentifier, byte(*did >> 8), byte(*did)}
	opts := udsclient.DefaultRequestOptions()
	opts.Timeout = *timeout
	resp, err := udsclient.New(sess, log).RequestWithOptions(ctx, req, opts)
	if err != nil {
		return err
	}
	if len(resp) < 3 || resp[1] != req[1] || resp[2] != req[2] {
		return fmt.Errorf("response for another identifier: % X", resp)
	}
	data := resp[3:]
	fmt.Printf("0x%04X: % X\n", *did, data)
	if printable(data) {
		fmt.Printf("0x%04X: %q\n", *did, data)
	}
	return nil
}

// serveECU answers every read data by identifier request with a version string.
func serveECU(ctx context.Context, ecu *tp.Session, log logrus.FieldLogger) {
	for {
		req, err := ecu.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, tp.ErrSessionClosed) {
				return
			}
			var ioErr *tp.IOError
			if errors.As(err, &ioErr) {
				log.WithError(err).Error("ecu: link lost")
				return
			}
			log.WithError(err).Warn("ecu: receive")
			continue
		}
		if len(req) != 3 || req[0] != sidReadDataByIdentifier {
			_ = ecu.Send(ctx, []byte{negativeResponse, req[0], udsclient.NRCServiceNotSupported})
			continue
		}
		resp := append([]byte{req[0] + positiveResponseOffset, req[1], req[2]}, "SIM-ECU 1.0.0"...)
		if err := ecu.Send(ctx, resp); err != nil {
			log.WithError(err).Warn("ecu: send")
		}
	}
}

func printable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}
