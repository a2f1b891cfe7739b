// Package tracker implements the HTTP/1.1 announce protocol against a
// single tracker URL: building the GET request, decoding the bencoded
// response, and retrying transient failures with backoff.
//
// Grounded on the teacher's internal/tracker/http_tracker.go request
// building and internal/tracker/peer.go peer decoding. UDP trackers and
// multi-tier announce-list fan-out are dropped (see DESIGN.md): the
// torrent descriptor this module parses carries a single HTTP announce
// URL, so there is nothing for a tier fan-out to serve.
package tracker

import (
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"time"

	"warren/internal/bencode"
	"warren/internal/retry"
)

const maxResponseSize = 2 << 20 // 2 MiB

// Event is the announce event reported to the tracker, per spec.md §4.4.
type Event uint8

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceParams are the query parameters sent on every announce.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Compact    bool
	Event      Event
}

// AnnounceResponse is the decoded tracker reply.
type AnnounceResponse struct {
	Interval time.Duration
	Peers    []netip.AddrPort
}

var (
	ErrTopLevelNotDict = fmt.Errorf("tracker: announce response is not a dict")
	ErrIntervalMissing = fmt.Errorf("tracker: 'interval' missing or invalid")
	ErrNonOKStatus     = fmt.Errorf("tracker: announce returned non-200 status")
	ErrFailureReason   = fmt.Errorf("tracker: announce failure")
)

// Client announces against a single tracker URL.
type Client struct {
	announceURL string
	httpClient  *http.Client
	log         *slog.Logger
}

// NewClient builds a Client for the given announce URL.
func NewClient(announceURL string, log *slog.Logger) (*Client, error) {
	if _, err := url.Parse(announceURL); err != nil {
		return nil, fmt.Errorf("tracker: invalid announce url: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		announceURL: announceURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With("component", "tracker"),
	}, nil
}

// Announce performs a single synchronous GET against the tracker.
func (c *Client) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	reqURL, err := c.buildURL(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %d: %s", ErrNonOKStatus, resp.StatusCode, string(body))
	}

	return parseAnnounceResponse(resp.Body)
}

// AnnounceWithRetry wraps Announce with exponential backoff, for the
// periodic re-announce loop: spec.md §7 requires the coordinator to keep
// running with the existing peer set after a non-fatal tracker failure,
// so the caller should treat a returned error as "skip this round", not
// fatal.
func (c *Client) AnnounceWithRetry(ctx context.Context, params AnnounceParams) (*AnnounceResponse, error) {
	var result *AnnounceResponse

	err := retry.Do(ctx, func(ctx context.Context) error {
		r, err := c.Announce(ctx, params)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, retry.WithExponentialBackoff(4, 500*time.Millisecond, 15*time.Second)...)

	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) buildURL(params AnnounceParams) (string, error) {
	u, err := url.Parse(c.announceURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	if params.Compact {
		q.Set("compact", "1")
	} else {
		q.Set("compact", "0")
	}
	if ev := params.Event.String(); ev != "" {
		q.Set("event", ev)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	if reason, ok := dict["failure reason"]; ok {
		s, _ := castString(reason)
		return nil, fmt.Errorf("%w: %s", ErrFailureReason, s)
	}

	intervalSecs, err := castInt(dict["interval"])
	if err != nil {
		return nil, ErrIntervalMissing
	}

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return nil, fmt.Errorf("tracker: %w", err)
	}

	return &AnnounceResponse{
		Interval: time.Duration(intervalSecs) * time.Second,
		Peers:    peers,
	}, nil
}
