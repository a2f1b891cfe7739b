// Package config centralizes tunables for the download coordinator:
// timeouts, listen port, client identity, and the scheduling constants
// named in spec.md §4.5 (the 50-request window, the 10s reassignment
// window, the 120s liveness sweep).
//
// Grounded on the teacher's internal/config.Config, trimmed of fields that
// named now-dropped features (rarest-first strategy, endgame mode,
// rate limiting, choking algorithm tuning, DHT/PEX, metrics) — see
// DESIGN.md. getDefaultDownloadDir keeps the teacher's per-OS layout but
// switches from the Wails runtime's Environment().Platform (a GUI-shell
// dependency with no home in this CLI) to the standard library's
// runtime.GOOS.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sync"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// DefaultDownloadDir is where a torrent's backing file is created when
	// the caller does not name an explicit path.
	DefaultDownloadDir string

	// ClientID is this client's 20-byte peer id, sent in every handshake
	// and tracker announce.
	ClientID [sha1.Size]byte

	// ReadTimeout bounds a single framed-message read from a peer.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single framed-message write to a peer.
	WriteTimeout time.Duration

	// DialTimeout is the outbound TCP connect bound (200ms).
	// internal/session does not read this field; it dials with its own
	// 200ms connectTimeout constant.
	DialTimeout time.Duration

	// ListenPort is the TCP port this client listens on for inbound peer
	// connections, and the value reported to the tracker.
	ListenPort uint16

	// NumWant is a desired peer count for tracker announces. The tracker
	// client does not read it, and announces carry no numwant parameter.
	NumWant uint32

	// PeerOutboundQueueBacklog bounds a session's outbox channel.
	PeerOutboundQueueBacklog int

	// KeepAliveInterval is the idle threshold after which the coordinator
	// broadcasts a keep-alive to every peer (spec.md §4.5's keep-alive
	// deadline, reset to 5s after it fires).
	KeepAliveInterval time.Duration

	// MaxOutstandingRequests is the W < 50 ceiling on in-flight block
	// requests across the whole swarm (spec.md §4.5).
	MaxOutstandingRequests int

	// RequestReassignAfter is the 10s staleness window after which an
	// unanswered block request is freed for reassignment.
	RequestReassignAfter time.Duration

	// PeerIdleTimeout drops a peer whose last-seen exceeds this (spec.md
	// §4.5's 120s sweep).
	PeerIdleTimeout time.Duration

	// SlowHandlerThreshold flags a readiness-handling pass that took this
	// long on one socket as "too slow": the connection is dropped and its
	// reservations released (spec.md §4.5).
	SlowHandlerThreshold time.Duration
}

var (
	once    sync.Once
	current Config
	loadErr error
)

// Load returns the process-wide Config, building it (and a fresh client
// id) on first call.
func Load() Config {
	once.Do(func() {
		current, loadErr = defaultConfig()
		if loadErr != nil {
			// generateClientID only fails if the system RNG is broken;
			// there is no sane fallback, so surface it via a zero-value
			// ClientID rather than panicking the whole process.
			current.ClientID = [sha1.Size]byte{}
		}
	})
	return current
}

func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:       getDefaultDownloadDir(),
		ClientID:                 clientID,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		DialTimeout:              200 * time.Millisecond,
		ListenPort:               6881,
		NumWant:                  50,
		PeerOutboundQueueBacklog: 256,
		KeepAliveInterval:        60 * time.Second,
		MaxOutstandingRequests:   50,
		RequestReassignAfter:     10 * time.Second,
		PeerIdleTimeout:          120 * time.Second,
		SlowHandlerThreshold:     time.Second,
	}, nil
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch goruntime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "warren")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "warren", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-WR0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
