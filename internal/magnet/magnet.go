// Package magnet parses BitTorrent magnet URIs (BEP 9) into a structured
// Info, surfacing the discriminated errs taxonomy instead of bare
// fmt.Errorf strings.
package magnet

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/brennawood/magnetdl/internal/errs"
	"github.com/brennawood/magnetdl/internal/ids"
)

// Info is a parsed magnet URI.
type Info struct {
	InfoHash      ids.InfoHash // xt: exact topic
	DisplayName   string       // dn
	Trackers      []*url.URL   // tr
	PeerAddresses []string     // x.pe (BEP 9)
	WebSeeds      []string     // ws (BEP 19)
	ExactSource   string       // xs: URL to a .torrent
	ExactLength   int64        // xl: total content length, if known
	Keywords      []string     // kt: search keywords
}

// HasTrackers reports whether any tracker URLs were present.
func (i *Info) HasTrackers() bool { return len(i.Trackers) > 0 }

// HasPeers reports whether the magnet carried direct peer addresses.
func (i *Info) HasPeers() bool { return len(i.PeerAddresses) > 0 }

// Name returns the display name, or a fallback derived from the hash.
func (i *Info) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	h := i.InfoHash.Hex()
	return h[:16] + "..."
}

// Parse parses a magnet URI string into an Info.
func Parse(raw string) (*Info, error) {
	if raw == "" {
		return nil, errs.New(errs.KindEmptyURI, "magnet.parse: empty uri")
	}
	if !strings.HasPrefix(strings.ToLower(raw), "magnet:?") {
		return nil, errs.New(errs.KindInvalidScheme, "magnet.parse: must start with 'magnet:?'")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.Protocol("magnet.parse", err)
	}
	query := u.Query()

	hash, err := parseInfoHash(query)
	if err != nil {
		return nil, err
	}

	info := &Info{InfoHash: hash}

	if dn, ok := query["dn"]; ok && len(dn) > 0 {
		info.DisplayName = dn[0]
	}

	if tr, ok := query["tr"]; ok {
		for _, t := range tr {
			if parsed, err := url.Parse(t); err == nil {
				info.Trackers = append(info.Trackers, parsed)
			}
		}
	}

	if pe, ok := query["x.pe"]; ok {
		info.PeerAddresses = pe
	}

	if ws, ok := query["ws"]; ok {
		info.WebSeeds = ws
	}

	if xs, ok := query["xs"]; ok && len(xs) > 0 {
		info.ExactSource = xs[0]
	}

	if xl, ok := query["xl"]; ok && len(xl) > 0 {
		n, err := strconv.ParseInt(xl[0], 10, 64)
		if err != nil {
			return nil, errs.Wrap(errs.KindInvalidParameter, "magnet.parse: invalid xl", err)
		}
		info.ExactLength = n
	}

	if kt, ok := query["kt"]; ok && len(kt) > 0 {
		// url.Values already ran kt through ParseQuery, which unescapes the
		// wire-level "+" (x-www-form-urlencoded for a literal space) before
		// we ever see it, so the keyword list is whitespace-separated here.
		info.Keywords = strings.Fields(kt[0])
	}

	return info, nil
}

// parseInfoHash extracts and decodes the "xt" parameter's info hash.
func parseInfoHash(query url.Values) (ids.InfoHash, error) {
	var hash ids.InfoHash

	xts, ok := query["xt"]
	if !ok || len(xts) == 0 {
		return hash, errs.New(errs.KindMissingInfoHash, "magnet.parse: missing 'xt' parameter")
	}
	xt := xts[0]

	var enc string
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		enc = strings.TrimPrefix(xt, "urn:btih:")
	case strings.HasPrefix(xt, "urn:btmh:"):
		return hash, errs.New(errs.KindInvalidInfoHash, "magnet.parse: multihash (urn:btmh) not supported")
	default:
		return hash, errs.New(errs.KindInvalidInfoHash, "magnet.parse: unsupported xt format "+xt)
	}

	hash, err := ids.Parse(enc)
	if err != nil {
		return hash, errs.Wrap(errs.KindInvalidInfoHash, "magnet.parse: invalid info hash", err)
	}
	return hash, nil
}
