// Package collab parses collab command flags and composes the sync server
// with its snapshot store.
package collab

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/fracturing-collab/internal/platform/cmd"
	server "github.com/louisbranch/fracturing-collab/internal/services/collab/app"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/storage"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/storage/sqlite"
)

// Config holds collab command configuration. Environment variables are read
// under FRACTURING_SPACE_COLLAB_.
type Config struct {
	HTTPAddr   string `env:"HTTP_ADDR"   envDefault:":8090"`
	HealthAddr string `env:"HEALTH_ADDR" envDefault:":8091"`

	IdleTimeout         time.Duration `env:"IDLE_TIMEOUT"          envDefault:"60s"`
	RoomGracePeriod     time.Duration `env:"ROOM_GRACE_PERIOD"     envDefault:"30s"`
	MaxOutboundFrames   int           `env:"MAX_OUTBOUND_FRAMES"   envDefault:"256"`
	MaxFrameBytes       int           `env:"MAX_FRAME_BYTES"       envDefault:"1048576"`
	MaxFramesPerSecond  int           `env:"MAX_FRAMES_PER_SECOND" envDefault:"200"`
	MaxLogFragments     int           `env:"MAX_LOG_FRAGMENTS"     envDefault:"1000"`
	MaxPendingFragments int           `env:"MAX_PENDING_FRAGMENTS" envDefault:"1024"`
	SnapshotInterval    time.Duration `env:"SNAPSHOT_INTERVAL"     envDefault:"30s"`
	AllowedOrigins      []string      `env:"ALLOWED_ORIGINS"`

	DBPath      string `env:"DB_PATH"     envDefault:"data/collab.db"`
	Compression string `env:"COMPRESSION" envDefault:"zstd"`

	GrantIssuer    string `env:"GRANT_ISSUER"     envDefault:"fracturing.space/auth"`
	GrantAudience  string `env:"GRANT_AUDIENCE"   envDefault:"collab"`
	GrantPublicKey string `env:"GRANT_PUBLIC_KEY"`
	AllowAnonymous bool   `env:"ALLOW_ANONYMOUS"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseServiceConfig(&cfg, entrypoint.ServiceCollab); err != nil {
		return Config{}, err
	}

	origins := strings.Join(cfg.AllowedOrigins, ",")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "collab HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close connections silent for this long")
	fs.DurationVar(&cfg.RoomGracePeriod, "room-grace-period", cfg.RoomGracePeriod, "keep empty rooms alive for this long")
	fs.IntVar(&cfg.MaxOutboundFrames, "max-outbound-frames", cfg.MaxOutboundFrames, "per-session outbound queue size")
	fs.IntVar(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "largest accepted inbound frame")
	fs.IntVar(&cfg.MaxFramesPerSecond, "max-frames-per-second", cfg.MaxFramesPerSecond, "per-connection inbound frame rate")
	fs.IntVar(&cfg.MaxLogFragments, "max-log-fragments", cfg.MaxLogFragments, "compact a room log past this many fragments")
	fs.IntVar(&cfg.MaxPendingFragments, "max-pending-fragments", cfg.MaxPendingFragments, "buffered out-of-order fragments per room")
	fs.DurationVar(&cfg.SnapshotInterval, "snapshot-interval", cfg.SnapshotInterval, "periodic snapshot flush interval (0 disables)")
	fs.StringVar(&origins, "allowed-origins", origins, "comma separated websocket origins (empty allows all)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "snapshot database path (empty disables persistence)")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "snapshot compression: none, lz4 or zstd")
	fs.StringVar(&cfg.GrantIssuer, "grant-issuer", cfg.GrantIssuer, "expected grant issuer")
	fs.StringVar(&cfg.GrantAudience, "grant-audience", cfg.GrantAudience, "expected grant audience")
	fs.StringVar(&cfg.GrantPublicKey, "grant-public-key", cfg.GrantPublicKey, "base64 Ed25519 grant verification key")
	fs.BoolVar(&cfg.AllowAnonymous, "allow-anonymous", cfg.AllowAnonymous, "admit connections without a grant when no key is set")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	cfg.AllowedOrigins = splitList(origins)
	return cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Run opens the snapshot store and serves the sync service until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceCollab, func(ctx context.Context) error {
		var store storage.SnapshotStore
		if path := strings.TrimSpace(cfg.DBPath); path != "" {
			compression, err := sqlite.ParseCompression(cfg.Compression)
			if err != nil {
				return err
			}
			sqlStore, err := sqlite.Open(path, compression)
			if err != nil {
				return fmt.Errorf("open snapshot store: %w", err)
			}
			defer func() {
				if err := sqlStore.Close(); err != nil {
					log.Printf("collab: close snapshot store: %v", err)
				}
			}()
			store = sqlStore
		} else {
			log.Printf("collab: no snapshot database configured, documents live in memory only")
		}

		if err := server.Run(ctx, server.Config{
			HTTPAddr:            cfg.HTTPAddr,
			HealthAddr:          cfg.HealthAddr,
			IdleTimeout:         cfg.IdleTimeout,
			RoomGracePeriod:     cfg.RoomGracePeriod,
			MaxOutboundFrames:   cfg.MaxOutboundFrames,
			MaxFrameBytes:       cfg.MaxFrameBytes,
			MaxFramesPerSecond:  cfg.MaxFramesPerSecond,
			MaxLogFragments:     cfg.MaxLogFragments,
			MaxPendingFragments: cfg.MaxPendingFragments,
			SnapshotInterval:    cfg.SnapshotInterval,
			AllowedOrigins:      cfg.AllowedOrigins,
			Grant: server.GrantConfig{
				Issuer:    cfg.GrantIssuer,
				Audience:  cfg.GrantAudience,
				PublicKey: cfg.GrantPublicKey,
			},
			AllowAnonymous: cfg.AllowAnonymous,
			Store:          store,
		}); err != nil {
			return fmt.Errorf("serve collab: %w", err)
		}
		return nil
	})
}
