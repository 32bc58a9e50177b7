package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	tieredcache "github.com/huykn/tiered-cache"
	cachesync "github.com/huykn/tiered-cache/sync"
	"github.com/huykn/tiered-cache/types"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "redis-addr",
		Usage:   "redis server carrying the invalidation channel",
		Sources: cli.EnvVars("TIEREDCACHE_REDIS_ADDR"),
	},
	&cli.StringFlag{
		Name:    "channel",
		Usage:   "invalidation pub/sub channel",
		Sources: cli.EnvVars("TIEREDCACHE_INVALIDATION_CHANNEL"),
	},
	&cli.StringFlag{
		Name:    "codec",
		Usage:   "wire codec (cbor or json)",
		Sources: cli.EnvVars("TIEREDCACHE_CODEC"),
	},
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "tieredcache",
		Usage: "inspect and drive tiered cache invalidation traffic",
		Commands: []*cli.Command{
			watchCommand(),
			evictCommand(),
			clearCommand(),
			versionCommand(),
		},
	}
}

// loadConfig reads the environment and applies flag overrides. The CLI
// always talks to Redis and sees its own events.
func loadConfig(cmd *cli.Command) (tieredcache.Config, error) {
	cfg, err := tieredcache.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	if v := cmd.String("redis-addr"); v != "" {
		cfg.RedisAddr = v
	}
	if v := cmd.String("channel"); v != "" {
		cfg.InvalidationChannel = v
	}
	if v := cmd.String("codec"); v != "" {
		cfg.Codec = v
	}
	cfg.Transport = "redis"
	cfg.SuppressSelf = false
	if cfg.NodeID == "" {
		cfg.NodeID = "tieredcache-cli-" + uuid.NewString()
	}
	cfg.Logger = tieredcache.NewApexLogger(log.Log)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func openChannel(ctx context.Context, cmd *cli.Command) (*cachesync.Channel, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"redis": cfg.RedisAddr, "channel": cfg.InvalidationChannel, "codec": cfg.Codec}).Debug("connecting")
	return tieredcache.NewChannel(ctx, cfg)
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "log every invalidation event on the channel",
		UsageText: "tieredcache watch [--region R]",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "region",
				Usage: "only show events for this region",
			},
		}, globalFlags...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			channel, err := openChannel(ctx, cmd)
			if err != nil {
				return err
			}
			defer channel.Close()

			handler := func(e types.InvalidationEvent) {
				fields := log.Fields{
					"region": e.Region,
					"op":     e.Op.String(),
					"origin": e.Origin,
					"ts":     e.Timestamp,
				}
				if e.Key != "" {
					fields["key"] = e.Key
				}
				if len(e.Keys) > 0 {
					fields["keys"] = strings.Join(e.Keys, ",")
				}
				log.WithFields(fields).Info("invalidation")
			}

			var unsubscribe func()
			if region := cmd.String("region"); region != "" {
				unsubscribe, err = channel.Subscribe(region, handler)
			} else {
				unsubscribe, err = channel.SubscribeAll(handler)
			}
			if err != nil {
				return err
			}
			defer unsubscribe()

			log.Info("watching, press Ctrl-C to stop")
			<-ctx.Done()
			return nil
		},
	}
}

func evictCommand() *cli.Command {
	return &cli.Command{
		Name:      "evict",
		Usage:     "tell every node to drop keys from a region",
		UsageText: "tieredcache evict --region R --key K [--key K ...]",
		Flags: append([]cli.Flag{
			regionFlag(),
			&cli.StringSliceFlag{
				Name:     "key",
				Aliases:  []string{"k"},
				Usage:    "key to evict (repeatable)",
				Required: true,
			},
		}, globalFlags...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			keys := cmd.StringSlice("key")
			event := types.InvalidationEvent{Region: cmd.String("region")}
			if len(keys) == 1 {
				event.Op, event.Key = types.OpEvict, keys[0]
			} else {
				event.Op, event.Keys = types.OpEvictBatch, keys
			}
			return broadcast(ctx, cmd, event)
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:      "clear",
		Usage:     "tell every node to clear a region",
		UsageText: "tieredcache clear --region R",
		Flags:     append([]cli.Flag{regionFlag()}, globalFlags...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return broadcast(ctx, cmd, types.InvalidationEvent{Region: cmd.String("region"), Op: types.OpClear})
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := tieredcache.GetVersionInfo()
			fmt.Fprintf(cmd.Root().Writer, "tieredcache %s (%s)\n", info.Version, info.GoVersion)
			return nil
		},
	}
}

func regionFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "region",
		Aliases:  []string{"r"},
		Usage:    "region name",
		Required: true,
	}
}

// broadcast publishes one event and waits for it to leave the queue.
func broadcast(ctx context.Context, cmd *cli.Command, event types.InvalidationEvent) error {
	channel, err := openChannel(ctx, cmd)
	if err != nil {
		return err
	}
	if err := channel.Publish(ctx, event); err != nil {
		_ = channel.Close()
		return err
	}
	if err := channel.Close(); err != nil {
		return err
	}
	if s := channel.Stats(); s.PublishFailures > 0 {
		return fmt.Errorf("publish to %s failed", event.Region)
	}
	log.WithFields(log.Fields{"region": event.Region, "op": event.Op.String()}).Info("broadcast")
	return nil
}
