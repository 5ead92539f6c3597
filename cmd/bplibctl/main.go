// Command bplibctl opens a channel over a BadgerHold-backed store and
// drives its store/load/process/accept operations from the command
// line, the way cmd/dtn-tool exercises the teacher's bundle library.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/greck2908/bplib/channel"
	"github.com/greck2908/bplib/pkg/bpbundle"
	"github.com/greck2908/bplib/pkg/osapi"
	"github.com/greck2908/bplib/pkg/store"
)

var configPath string

func openChannel() (*channel.Channel, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	dest, err := bpbundle.ParseEID(cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("parsing destination: %w", err)
	}
	local, err := bpbundle.ParseEID(cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("parsing local eid: %w", err)
	}

	bundleStore, err := store.NewBadgerStore(cfg.StorePath + "/bundles")
	if err != nil {
		return nil, fmt.Errorf("opening bundle store: %w", err)
	}
	payloadStore, err := store.NewBadgerStore(cfg.StorePath + "/payloads")
	if err != nil {
		return nil, fmt.Errorf("opening payload store: %w", err)
	}
	acsStore, err := store.NewBadgerStore(cfg.StorePath + "/acs")
	if err != nil {
		return nil, fmt.Errorf("opening acs store: %w", err)
	}

	return channel.Open(dest, local, bpbundle.V6Codec{},
		bundleStore, payloadStore, acsStore,
		osapi.SystemClock{}, cfg.options()...)
}

func main() {
	root := &cobra.Command{
		Use:   "bplibctl",
		Short: "drive a bplib channel's custody engine from the command line",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")

	root.AddCommand(storeCmd(), loadCmd(), processCmd(), acceptCmd(), statsCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func storeCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "store [payload]",
		Short: "encode and enqueue a payload as an outgoing bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := openChannel()
			if err != nil {
				return err
			}
			return ch.Store(context.Background(), []byte(args[0]), timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "enqueue backpressure timeout")
	return cmd
}

func loadCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "load",
		Short: "dequeue one wire-ready bundle and print it hex-encoded",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := openChannel()
			if err != nil {
				return err
			}
			var flags channel.Flags
			wire, err := ch.Load(context.Background(), nil, timeout, &flags)
			if err != nil {
				return err
			}
			fmt.Printf("%x\n", wire)
			if flags.Has(channel.FlagRouteNeeded) {
				fmt.Fprintln(os.Stderr, "route-needed: this is an administrative record")
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "dequeue timeout")
	return cmd
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process [hex-bundle]",
		Short: "decode a received bundle and update custody/ack state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := openChannel()
			if err != nil {
				return err
			}
			data, err := hexDecode(args[0])
			if err != nil {
				return err
			}
			err = ch.Process(context.Background(), data, nil)
			switch err {
			case nil, channel.ErrPendingAcknowledgment, channel.ErrPendingCustodyTransfer:
				fmt.Println(err)
				return nil
			default:
				return err
			}
		},
	}
	return cmd
}

func acceptCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "dequeue one delivered payload",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := openChannel()
			if err != nil {
				return err
			}
			payload, err := ch.Accept(context.Background(), nil, timeout)
			if err != nil {
				return err
			}
			fmt.Println(string(payload))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "dequeue timeout")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print the channel's latched counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := openChannel()
			if err != nil {
				return err
			}
			fmt.Printf("%+v\n", ch.LatchStats())
			return nil
		},
	}
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
