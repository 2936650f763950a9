package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"movie.torrent"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.TorrentPath != "movie.torrent" {
		t.Fatalf("TorrentPath = %q, want movie.torrent", cfg.TorrentPath)
	}
	if cfg.Coordinator.ListenPort != 6881 {
		t.Fatalf("ListenPort = %d, want 6881", cfg.Coordinator.ListenPort)
	}
	if cfg.Coordinator.MaxPeers != 50 {
		t.Fatalf("MaxPeers = %d, want 50", cfg.Coordinator.MaxPeers)
	}
	if cfg.Coordinator.DownloadDir != "." {
		t.Fatalf("DownloadDir = %q, want .", cfg.Coordinator.DownloadDir)
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := Parse([]string{"-dir", "/tmp/out", "-port", "7000", "-max-peers", "5", "movie.torrent"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Coordinator.DownloadDir != "/tmp/out" {
		t.Fatalf("DownloadDir = %q, want /tmp/out", cfg.Coordinator.DownloadDir)
	}
	if cfg.Coordinator.ListenPort != 7000 {
		t.Fatalf("ListenPort = %d, want 7000", cfg.Coordinator.ListenPort)
	}
	if cfg.Coordinator.MaxPeers != 5 {
		t.Fatalf("MaxPeers = %d, want 5", cfg.Coordinator.MaxPeers)
	}
}

func TestParseRequiresTorrentPath(t *testing.T) {
	if _, err := Parse([]string{"-port", "7000"}); err == nil {
		t.Fatalf("expected Parse to reject missing torrent-path argument")
	}
}
