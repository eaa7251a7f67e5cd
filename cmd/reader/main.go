// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ZaparooProject/go-uhf"
	"github.com/ZaparooProject/go-uhf/detection"
	_ "github.com/ZaparooProject/go-uhf/detection/i2c"
	_ "github.com/ZaparooProject/go-uhf/detection/serial"
	_ "github.com/ZaparooProject/go-uhf/detection/spi"
	"github.com/ZaparooProject/go-uhf/hostlink"
	"github.com/ZaparooProject/go-uhf/polling"
	"github.com/ZaparooProject/go-uhf/store"
)

type config struct {
	spiPort      string
	irqPin       string
	chip         string
	configPath   string
	storePath    string
	eepromBus    string
	serve        string
	reportDir    string
	antennaLines []int
	protocol     uhf.Protocol
	rounds       int
	txLine       int
	rxLine       int
	ledLine      int
	baud         int
	stressWords  int
	readTID      bool
	watch        bool
	stress       bool
	detect       bool
	debug        bool
}

func parseConfig(args []string) (*config, error) {
	fs := pflag.NewFlagSet("reader", pflag.ContinueOnError)
	cfg := &config{}
	var protocol string

	fs.StringVar(&cfg.spiPort, "spi", "", "SPI port of the transceiver (first port if empty)")
	fs.StringVar(&cfg.irqPin, "irq", "GPIO25", "GPIO name of the transceiver interrupt, empty to poll")
	fs.StringVar(&cfg.chip, "chip", "gpiochip0", "GPIO character device of the direct-mode lines")
	fs.IntVar(&cfg.txLine, "tx-line", 23, "Direct-mode TX line offset, -1 if not wired")
	fs.IntVar(&cfg.rxLine, "rx-line", 24, "Direct-mode RX line offset, -1 if not wired")
	fs.IntVar(&cfg.ledLine, "led-line", -1, "Activity LED line offset, -1 if not wired")
	fs.IntSliceVar(&cfg.antennaLines, "antenna-lines", nil, "Antenna select line offsets, least significant first")
	fs.StringVar(&cfg.configPath, "config", "", "YAML engine configuration")
	fs.StringVar(&cfg.storePath, "store", "", "YAML file caching channel tuning")
	fs.StringVar(&cfg.eepromBus, "eeprom", "", "I2C bus of an EEPROM caching channel tuning")
	fs.StringVarP(&protocol, "protocol", "p", "gen2", "Air protocol: gen2 or gb29768")
	fs.IntVarP(&cfg.rounds, "rounds", "n", 4, "Inventory rounds")
	fs.BoolVar(&cfg.readTID, "read-tid", false, "Read the TID of every tag")
	fs.BoolVarP(&cfg.watch, "watch", "w", false, "Report tags arriving and leaving until interrupted")
	fs.StringVar(&cfg.serve, "serve", "", "Serve the host link on this serial port")
	fs.IntVar(&cfg.baud, "baud", hostlink.DefaultBaudRate, "Host link baud rate")
	fs.BoolVar(&cfg.stress, "stress", false, "Write/read/verify user memory of every arriving tag")
	fs.IntVar(&cfg.stressWords, "stress-words", 16, "User memory words exercised by --stress")
	fs.StringVar(&cfg.reportDir, "report-dir", ".", "Directory for stress crash reports")
	fs.BoolVar(&cfg.detect, "detect", false, "List transceivers, EEPROMs and serial ports, then exit")
	fs.BoolVar(&cfg.debug, "debug", false, "Enable debug output")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	p, err := uhf.ParseProtocol(protocol)
	if err != nil {
		return nil, err
	}
	cfg.protocol = p

	modes := 0
	for _, on := range []bool{cfg.watch, cfg.stress, cfg.detect, cfg.serve != ""} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return nil, errors.New("--watch, --stress, --detect and --serve are exclusive")
	}
	if cfg.stressWords < 1 || cfg.stressWords > 32 {
		return nil, fmt.Errorf("--stress-words must be within 1..32, got %d", cfg.stressWords)
	}
	if cfg.storePath != "" && cfg.eepromBus != "" {
		return nil, errors.New("--store and --eeprom are exclusive")
	}

	if cfg.debug {
		uhf.SetDebugEnabled(true)
	}
	return cfg, nil
}

// channelStore opens the tuning cache selected by the flags. The returned
// close function is never nil.
func channelStore(cfg *config) (uhf.ChannelStore, func(), error) {
	switch {
	case cfg.storePath != "":
		return store.NewYAMLFile(cfg.storePath), func() {}, nil
	case cfg.eepromBus != "":
		e, err := store.OpenEEPROM(cfg.eepromBus, store.DefaultEEPROMAddr, store.DefaultEEPROMSize)
		if err != nil {
			return nil, nil, err
		}
		return e, func() { _ = e.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func connectReader(cfg *config) (*uhf.Reader, func(), error) {
	var opts []uhf.Option
	if cfg.configPath != "" {
		ec, err := uhf.LoadConfig(cfg.configPath)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, uhf.WithEngineContext(ec))
	}

	cs, closeStore, err := channelStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cs != nil {
		opts = append(opts, uhf.WithChannelStore(cs))
	}

	reader, err := openBoard(cfg, opts...)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return reader, func() {
		if err := reader.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close reader: %v\n", err)
		}
		closeStore()
	}, nil
}

func runInventory(ctx context.Context, reader *uhf.Reader, cfg *config, out io.Writer) error {
	tags, err := reader.Inventory(ctx, cfg.rounds, cfg.protocol, cfg.readTID)
	for _, tag := range tags {
		printTag(out, tag)
	}
	_, _ = fmt.Fprintf(out, "%d tag(s) in %d round(s)\n", len(tags), cfg.rounds)
	if err != nil {
		return fmt.Errorf("inventory failed: %w", err)
	}
	return nil
}

func printTag(out io.Writer, tag *uhf.Tag) {
	_, _ = fmt.Fprintf(out, "%-8s ID=%s ant=%d ch=%dkHz rssi=%d/%d",
		tag.Protocol, tag.IDHex(), tag.Antenna, tag.ChannelKHz, tag.RSSI.LogI, tag.RSSI.LogQ)
	switch {
	case len(tag.TID) > 0:
		_, _ = fmt.Fprintf(out, " TID=%s (%s)", tag.TIDHex(), uhf.GetManufacturer(tag.TID))
	case tag.TIDErr != nil:
		_, _ = fmt.Fprintf(out, " TID error: %v", tag.TIDErr)
	}
	_, _ = fmt.Fprintln(out)
}

func newSession(reader *uhf.Reader, cfg *config) *polling.Session {
	pcfg := polling.DefaultConfig()
	pcfg.Protocol = cfg.protocol
	pcfg.ReadTID = cfg.readTID
	session := polling.NewSession(reader, pcfg)
	// The board stays open; recovery only re-selects a channel.
	session.SetRecoverer(polling.NewDefaultRecoverer(reader, nil, 0, 0))
	return session
}

func runWatchMode(ctx context.Context, reader *uhf.Reader, cfg *config, out io.Writer) error {
	session := newSession(reader, cfg)
	defer func() {
		if err := session.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to close session: %v\n", err)
		}
	}()

	session.SetOnTagArrived(func(tag *uhf.Tag) error {
		_, _ = fmt.Fprint(out, "+ ")
		printTag(out, tag)
		return nil
	})
	session.SetOnTagDeparted(func(tag *uhf.Tag) {
		_, _ = fmt.Fprintf(out, "- %s ID=%s\n", tag.Protocol, tag.IDHex())
	})

	_, _ = fmt.Fprintln(out, "Watching for tags. Press Ctrl+C to stop...")
	return session.Start(ctx)
}

func runServeMode(ctx context.Context, reader *uhf.Reader, cfg *config) error {
	link, err := hostlink.Open(cfg.serve, cfg.baud)
	if err != nil {
		return err
	}
	_, _ = fmt.Printf("Serving host link on %s at %d baud\n", cfg.serve, cfg.baud)
	return hostlink.NewServer(link, reader, cfg.protocol).Serve(ctx)
}

func runDetectMode(ctx context.Context, out io.Writer) error {
	opts := detection.DefaultOptions()
	opts.EnableCache = false
	devices, err := detection.DetectAll(ctx, &opts)
	if errors.Is(err, detection.ErrNoDevicesFound) {
		_, _ = fmt.Fprintln(out, "No devices found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("detection failed: %w", err)
	}
	for _, d := range devices {
		_, _ = fmt.Fprintf(out, "%-40s %s\n", d.String(), d.Name)
	}
	return nil
}

func run(ctx context.Context, cfg *config) error {
	if cfg.detect {
		return runDetectMode(ctx, os.Stdout)
	}

	reader, closeReader, err := connectReader(cfg)
	if err != nil {
		return err
	}
	defer closeReader()

	switch {
	case cfg.serve != "":
		return runServeMode(ctx, reader, cfg)
	case cfg.watch:
		return runWatchMode(ctx, reader, cfg, os.Stdout)
	case cfg.stress:
		return runStressTestMode(ctx, reader, cfg, os.Stdout)
	default:
		return runInventory(ctx, reader, cfg, os.Stdout)
	}
}

func main() {
	os.Exit(mainWithExitCode(os.Args[1:]))
}

func mainWithExitCode(args []string) int {
	cfg, err := parseConfig(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	if cfg.debug {
		if path, err := uhf.InitSessionLog(os.TempDir()); err == nil {
			_, _ = fmt.Fprintf(os.Stderr, "Debug log: %s\n", path)
			defer func() { _ = uhf.CloseSessionLog() }()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := run(ctx, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	uhf.Debugf("finished in %v", time.Since(start))
	return 0
}
