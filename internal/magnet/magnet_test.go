package magnet

import (
	"testing"

	"github.com/brennawood/magnetdl/internal/errs"
)

func TestParseBasic(t *testing.T) {
	raw := "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=Example&tr=udp%3A%2F%2Ftracker.example.com%3A80"
	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if info.DisplayName != "Example" {
		t.Errorf("Expected display name 'Example', got %q", info.DisplayName)
	}
	if !info.HasTrackers() {
		t.Error("expected a tracker to be parsed")
	}
	if info.InfoHash.Hex() != "c12fe1c06bba254a9dc9f519b335aa7c1367a88a" {
		t.Errorf("unexpected info hash: %s", info.InfoHash.Hex())
	}
}

func TestParseMissingXt(t *testing.T) {
	_, err := Parse("magnet:?dn=Example")
	if !errs.Is(err, errs.KindMissingInfoHash) {
		t.Errorf("expected KindMissingInfoHash, got %v", err)
	}
}

func TestParseInvalidScheme(t *testing.T) {
	_, err := Parse("http://example.com")
	if !errs.Is(err, errs.KindInvalidScheme) {
		t.Errorf("expected KindInvalidScheme, got %v", err)
	}
}

func TestParseSchemeIsCaseInsensitive(t *testing.T) {
	raw := "MAGNET:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a"
	if _, err := Parse(raw); err != nil {
		t.Errorf("expected uppercase 'MAGNET:?' scheme to parse, got %v", err)
	}
}

func TestParseEmptyURI(t *testing.T) {
	_, err := Parse("")
	if !errs.Is(err, errs.KindEmptyURI) {
		t.Errorf("expected KindEmptyURI, got %v", err)
	}
}

func TestParseUnsupportedMultihashIsInvalidInfoHash(t *testing.T) {
	_, err := Parse("magnet:?xt=urn:btmh:1220abcd")
	if !errs.Is(err, errs.KindInvalidInfoHash) {
		t.Errorf("expected KindInvalidInfoHash, got %v", err)
	}
}

func TestParseInvalidXlIsInvalidParameter(t *testing.T) {
	raw := "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&xl=not-a-number"
	_, err := Parse(raw)
	if !errs.Is(err, errs.KindInvalidParameter) {
		t.Errorf("expected KindInvalidParameter, got %v", err)
	}
}

func TestParseBase32Hash(t *testing.T) {
	// 32-char base32 equivalent of the hex hash used above
	raw := "magnet:?xt=urn:btih:YEX6DQDLXISUVHOJ6UM3GNNKPQJWPKEK"
	_, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed on base32 hash: %v", err)
	}
}

func TestParseWebSeedsAndKeywords(t *testing.T) {
	raw := "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&ws=http%3A%2F%2Fexample.com%2Ffile&kt=foo+bar"
	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(info.WebSeeds) != 1 {
		t.Fatalf("expected 1 web seed, got %d", len(info.WebSeeds))
	}
	if len(info.Keywords) != 2 || info.Keywords[0] != "foo" || info.Keywords[1] != "bar" {
		t.Errorf("unexpected keywords: %v", info.Keywords)
	}
}
