// Command warren is a minimal BitTorrent leecher/seeder: point it at a
// .torrent file and it either downloads the file next to it (default) or
// serves an already-complete copy to the swarm (-seed).
package main

import (
	"context"
	"crypto/sha1"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"warren/internal/config"
	"warren/internal/coordinator"
	"warren/internal/logging"
	"warren/internal/metainfo"
	"warren/internal/piece"
	"warren/internal/tracker"
)

func main() {
	setupLogger()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("warren: fatal", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}

func run(args []string) error {
	fs := flag.NewFlagSet("warren", flag.ContinueOnError)
	port := fs.Int("port", 6881, "TCP port to listen on for inbound peer connections")
	seed := fs.Bool("seed", false, "serve an already-complete file to the swarm instead of downloading")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("usage: warren [-port N] [-seed] <torrent-file> <compact 0|1>")
	}

	torrentPath := rest[0]
	compact, err := strconv.ParseBool(rest[1])
	if err != nil {
		return fmt.Errorf("invalid compact flag %q: %w", rest[1], err)
	}
	if *port <= 0 || *port > 65535 {
		return fmt.Errorf("invalid -port %d", *port)
	}

	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}
	meta, err := metainfo.Parse(data)
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	cfg := config.Load()
	cfg.ListenPort = uint16(*port)

	downloadDir := cfg.DefaultDownloadDir
	pieces, err := piece.NewManager(meta.Pieces, meta.PieceLength, meta.Length, downloadDir, meta.Name)
	if err != nil {
		return fmt.Errorf("open backing file: %w", err)
	}
	defer pieces.Close()

	if *seed {
		if err := verifyForSeeding(pieces); err != nil {
			return fmt.Errorf("seed file %s: %w", filepath.Join(downloadDir, meta.Name), err)
		}
		pieces.MarkAllVerified()
	}

	trackerClient, err := tracker.NewClient(meta.Announce, slog.Default())
	if err != nil {
		return fmt.Errorf("build tracker client: %w", err)
	}

	coord := coordinator.New(coordinator.Opts{
		Log:     slog.Default(),
		Config:  cfg,
		Meta:    meta,
		Pieces:  pieces,
		Tracker: trackerClient,
		PeerID:  cfg.ClientID,
		Seed:    *seed,
		Compact: compact,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return coord.Run(ctx)
}

// verifyForSeeding loads every piece's bytes from the backing file and
// checks its digest, so a seeder never advertises a piece it cannot
// actually serve correctly.
func verifyForSeeding(pieces *piece.Manager) error {
	for i := 0; i < pieces.NumPieces(); i++ {
		index := uint32(i)
		if err := pieces.LoadFromDisk(index); err != nil {
			return fmt.Errorf("load piece %d: %w", index, err)
		}
		sum := sha1.Sum(pieces.PieceBuf(index))
		if sum != pieces.PieceHash(index) {
			return fmt.Errorf("piece %d fails digest verification", index)
		}
	}
	return nil
}
