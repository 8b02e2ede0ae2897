// Command magnetdl downloads a single magnet link's content to a
// local directory. It is the only place in this module allowed to
// read flags: everything below the command line is driven by an
// explicitly-constructed config.Config.
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

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brennawood/magnetdl/internal/config"
	"github.com/brennawood/magnetdl/internal/session"
)

func usage() {
	fmt.Fprintf(os.Stderr, `%s [options] <magnet-link>

    magnet-link         Magnet link (starting with magnet:)

    -o output-dir       Directory to write the downloaded files into.
                        Defaults to the current directory.
    -max-peers N        Maximum number of concurrent peer connections.
    -json               Emit structured JSON logs instead of text.
    -v                  Verbose (debug-level) logging.
`, os.Args[0])
	os.Exit(2)
}

func main() {
	var outPath string
	var maxPeers int
	var jsonLogs bool
	var verbose bool
	flag.Usage = usage
	flag.StringVar(&outPath, "o", "", "")
	flag.IntVar(&maxPeers, "max-peers", 0, "")
	flag.BoolVar(&jsonLogs, "json", false, "")
	flag.BoolVar(&verbose, "v", false, "")
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
	}
	input := flag.Arg(0)
	if !strings.HasPrefix(input, "magnet:") {
		fmt.Fprintln(os.Stderr, "magnetdl only accepts magnet: links")
		usage()
	}

	log := logrus.New()
	if jsonLogs {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	runLog := log.WithField("run_id", uuid.New().String())

	cfg := config.Default()
	if outPath != "" {
		cfg.OutputDir = outPath
	} else {
		cfg.OutputDir, _ = os.Getwd()
	}
	if maxPeers > 0 {
		cfg.MaxPeerConnections = maxPeers
	}

	sess, err := session.New(cfg, runLog)
	if err != nil {
		runLog.WithError(err).Error("failed to start session")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go reportProgress(ctx, sess, done)

	err = sess.Download(ctx, input)
	close(done)
	if err != nil {
		runLog.WithError(err).Error("download failed")
		os.Exit(1)
	}
	runLog.Info("download complete")
}

// reportProgress prints a one-line status update every two seconds
// until the download finishes or ctx is canceled.
func reportProgress(ctx context.Context, sess *session.Session, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p := sess.Progress()
			if p.PiecesTotal == 0 {
				fmt.Fprintf(os.Stderr, "\r%s...", p.State)
				continue
			}
			have := p.PiecesTotal - p.PiecesRemaining
			fmt.Fprintf(os.Stderr, "\r%s: %d/%d pieces, %d peers", p.State, have, p.PiecesTotal, p.ConnectedPeers)
		case <-done:
			fmt.Fprintln(os.Stderr)
			return
		case <-ctx.Done():
			return
		}
	}
}
