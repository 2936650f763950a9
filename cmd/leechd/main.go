// Command leechd downloads a single-file torrent given its .torrent
// metadata path, serving pieces to peers while the download runs. It
// exits once every piece is verified; it does not keep seeding after that.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/lvbealr/leechd/internal/config"
	"github.com/lvbealr/leechd/internal/coordinator"
	"github.com/lvbealr/leechd/internal/logging"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	log := logging.Default()

	go func() {
		if err := coordinator.ListenAndServe(cfg.Coordinator.ListenPort, log); err != nil {
			log.Fail("inbound listener stopped: %v", err)
		}
	}()

	c, err := coordinator.Open(cfg.TorrentPath, cfg.Coordinator, log)
	if err != nil {
		log.Error("opening %s: %v", cfg.TorrentPath, err)
		os.Exit(1)
	}

	bar := newProgressBar()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()

	for {
		select {
		case <-ticker.C:
			completed, total := c.Progress()
			bar.ChangeMax(total)
			bar.Set(completed)
		case <-done:
			completed, total := c.Progress()
			bar.ChangeMax(total)
			bar.Set(completed)
			fmt.Println()

			if c.Status() == coordinator.StatusComplete {
				fmt.Printf("download complete: %d/%d pieces, %d bytes uploaded\n", completed, total, c.Uploaded())
				return
			}
			fmt.Fprintf(os.Stderr, "download failed after %d/%d pieces\n", completed, total)
			os.Exit(1)
		}
	}
}

// newProgressBar sizes the bar to the terminal width when one is
// available, falling back to a width of 40 otherwise.
func newProgressBar() *progressbar.ProgressBar {
	width := 40
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w - 20
	}
	return progressbar.NewOptions(0,
		progressbar.OptionSetWidth(width),
		progressbar.OptionSetDescription("pieces"),
		progressbar.OptionShowCount(),
	)
}
