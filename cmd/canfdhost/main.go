package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dbehnke/canfdbridge/internal/can"
	"github.com/dbehnke/canfdbridge/internal/hostlink"
	"github.com/dbehnke/canfdbridge/internal/protocol"
)

// frameList collects repeated -send flags
type frameList []string

func (f *frameList) String() string     { return strings.Join(*f, ",") }
func (f *frameList) Set(s string) error { *f = append(*f, s); return nil }

func main() {
	var (
		port       = flag.String("port", "", "Serial port of the bridge")
		baud       = flag.Int("baud", 115200, "Serial baud rate")
		usbID      = flag.String("usb", "", "Open the bridge over libusb as VID:PID (hex)")
		profile    = flag.String("profile", "16", "Framing profile (16 or 32)")
		prefix     = flag.Bool("prefix", false, "Device expects length-prefixed packets")
		packetSize = flag.Int("packet", protocol.USB_PACKET_SIZE, "USB packet size")
		arb        = flag.String("arb", "", "Arbitration bitrate to select before connecting")
		data       = flag.String("data", "1M", "Data bitrate used with -arb")
		listen     = flag.Duration("listen", 0, "Print received frames for this long (0 until interrupted)")
		debug      = flag.Bool("debug", false, "Log every packet")
		sends      frameList
	)
	flag.Var(&sends, "send", "Frame to send, candump notation (repeatable)")
	flag.Parse()

	prof, err := protocol.ParseProfile(*profile)
	if err != nil {
		log.Fatalf("Invalid profile: %v", err)
	}

	link, err := openLink(*port, *baud, *usbID, *packetSize)
	if err != nil {
		log.Fatalf("Failed to open bridge: %v", err)
	}

	client, err := hostlink.NewClient(hostlink.ClientConfig{
		Profile:      prof,
		PacketSize:   *packetSize,
		LengthPrefix: *prefix,
		Debug:        *debug,
	}, link, log.New(os.Stderr, "[HOST] ", log.LstdFlags))
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *listen > 0 {
		ctx, cancel = context.WithTimeout(ctx, *listen)
		defer cancel()
	}

	go func() {
		if err := client.Run(ctx); err != nil {
			log.Printf("Read loop stopped: %v", err)
		}
		cancel()
	}()

	if *arb != "" {
		if err := setBitrate(client, *arb, *data); err != nil {
			log.Fatalf("Failed to set bitrate: %v", err)
		}
	}

	if err := client.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	for _, s := range sends {
		msg, err := can.ParseCandump(s)
		if err != nil {
			log.Fatalf("Invalid frame: %v", err)
		}
		if msg.Format == can.FD {
			err = client.SendFD(msg)
		} else {
			err = client.SendCAN(msg)
		}
		if err != nil {
			log.Fatalf("Failed to send %s: %v", s, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			client.Disconnect()
			st := client.Stats()
			log.Printf("Reports: %d, gaps: %d, orphans: %d, keep-alives: %d",
				st.Reports, st.Gaps, st.Orphans, st.KeepAlives)
			return
		case r := <-client.Reports():
			fmt.Printf("%s  %-4d %s\n", time.Now().Format("15:04:05.000"), r.Sequence, can.FormatCandump(&r.Message))
		}
	}
}

func openLink(port string, baud int, usbID string, packetSize int) (hostlink.Link, error) {
	if usbID != "" {
		vidStr, pidStr, ok := strings.Cut(usbID, ":")
		if !ok {
			return nil, fmt.Errorf("usb id %q is not VID:PID", usbID)
		}
		vid, err := strconv.ParseUint(vidStr, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("vendor id: %w", err)
		}
		pid, err := strconv.ParseUint(pidStr, 16, 16)
		if err != nil {
			return nil, fmt.Errorf("product id: %w", err)
		}
		cfg := hostlink.DefaultUSBConfig(uint16(vid), uint16(pid))
		cfg.PacketSize = packetSize
		return hostlink.OpenUSBLink(cfg)
	}
	if port == "" {
		return nil, fmt.Errorf("one of -port or -usb is required")
	}
	return hostlink.OpenSerialLink(port, baud, packetSize)
}

func setBitrate(client *hostlink.Client, arb, data string) error {
	a, err := can.ParseArbitrationBitrate(arb)
	if err != nil {
		return err
	}
	d, err := can.ParseDataBitrate(data)
	if err != nil {
		return err
	}
	return client.SetBitrate(a, d)
}
