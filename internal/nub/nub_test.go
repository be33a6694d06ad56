package nub_test

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"

	"github.com/1ureka/nub/internal/nub"
)

// TestParseAddress verifies parsing, unmapping of IPv4-mapped IPv6 and
// rejection of malformed input.
func TestParseAddress(t *testing.T) {
	testCases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"ipv4", "10.0.0.1:7000", "10.0.0.1:7000", false},
		{"ipv6", "[::1]:53", "[::1]:53", false},
		{"ipv4-mapped ipv6 is unmapped", "[::ffff:10.0.0.1]:7000", "10.0.0.1:7000", false},
		{"missing port", "10.0.0.1", "", true},
		{"garbage", "not-an-address", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, err := nub.ParseAddress(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q, got %s", tc.in, a)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress failed: %v", err)
			}
			if got := a.String(); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

// TestAddressEquality verifies that the same endpoint reached through
// different representations is one map key.
func TestAddressEquality(t *testing.T) {
	a, _ := nub.ParseAddress("[::ffff:192.168.1.5]:9000")
	b := nub.NewAddress(netip.MustParseAddr("192.168.1.5"), 9000)
	c := nub.AddressFromNet(&net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 9000})

	if a != b || b != c {
		t.Fatalf("Expected equal addresses, got %s %s %s", a, b, c)
	}

	m := map[nub.Address]int{a: 1}
	if m[c] != 1 {
		t.Error("Address not usable as map key across representations")
	}
}

// TestAddressNone verifies the None sentinel.
func TestAddressNone(t *testing.T) {
	if !nub.None.IsNone() {
		t.Error("None.IsNone() = false")
	}
	var zero nub.Address
	if zero != nub.None {
		t.Error("zero Address differs from None")
	}
	a, _ := nub.ParseAddress("0.0.0.0:0")
	if a.IsNone() {
		t.Error("0.0.0.0:0 must be distinguishable from None")
	}
	if nub.AddressFromNet(&net.UnixAddr{Name: "/tmp/x", Net: "unix"}) != nub.None {
		t.Error("Expected None for a non-IP net.Addr")
	}
}

// TestAddressOrdering verifies Compare and Less form a total order by IP then
// port, with None first.
func TestAddressOrdering(t *testing.T) {
	a, _ := nub.ParseAddress("10.0.0.1:80")
	b, _ := nub.ParseAddress("10.0.0.1:81")
	c, _ := nub.ParseAddress("10.0.0.2:1")

	ordered := []nub.Address{nub.None, a, b, c}
	for i := range ordered {
		for j := range ordered {
			got := ordered[i].Compare(ordered[j])
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			if got != want {
				t.Errorf("Compare(%s, %s): got %d, want %d", ordered[i], ordered[j], got, want)
			}
			if ordered[i].Less(ordered[j]) != (i < j) {
				t.Errorf("Less(%s, %s) wrong", ordered[i], ordered[j])
			}
		}
	}
}

// TestErrorMatching verifies errors.Is matches by Reason whatever the
// address or cause, through fmt wrapping.
func TestErrorMatching(t *testing.T) {
	peer, _ := nub.ParseAddress("10.0.0.9:4000")
	err := fmt.Errorf("flush: %w", nub.Wrap(nub.Timeout, peer, errors.New("no ack")))

	if !errors.Is(err, nub.ErrTimeout) {
		t.Error("Expected errors.Is(err, ErrTimeout)")
	}
	if errors.Is(err, nub.ErrNoSuchPort) {
		t.Error("Timeout must not match NoSuchPort")
	}

	var ne *nub.Error
	if !errors.As(err, &ne) {
		t.Fatal("errors.As failed")
	}
	if !ne.HasAddress() || ne.Address != peer {
		t.Errorf("Address mismatch: got %s, want %s", ne.Address, peer)
	}
	if nub.NewError(nub.TooLarge, nub.None).HasAddress() {
		t.Error("Generic error must not carry an address")
	}
}

// TestReasonOf verifies reason extraction for nil, nub and foreign errors.
func TestReasonOf(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want nub.Reason
	}{
		{"nil", nil, nub.Success},
		{"foreign", errors.New("boom"), nub.GeneralError},
		{"nub", nub.NewError(nub.WindowOverflow, nub.None), nub.WindowOverflow},
		{"wrapped nub", fmt.Errorf("x: %w", nub.NewError(nub.NoSuchTarget, nub.None)), nub.NoSuchTarget},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nub.ReasonOf(tc.err); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

// TestReasonCategory verifies every reason falls in the expected category.
func TestReasonCategory(t *testing.T) {
	testCases := []struct {
		reason nub.Reason
		want   nub.Category
	}{
		{nub.Success, nub.CategoryNone},
		{nub.GeneralError, nub.CategoryNone},
		{nub.Configuration, nub.CategoryConfiguration},
		{nub.CorruptedPacket, nub.CategoryFraming},
		{nub.TooLarge, nub.CategoryFraming},
		{nub.SizeMismatch, nub.CategoryFraming},
		{nub.UnknownMessage, nub.CategoryFraming},
		{nub.Timeout, nub.CategoryTransport},
		{nub.NoSuchPort, nub.CategoryTransport},
		{nub.SendFailed, nub.CategoryTransport},
		{nub.WindowOverflow, nub.CategoryTransport},
		{nub.ShuttingDown, nub.CategoryTransport},
		{nub.NoSuchTarget, nub.CategoryRouting},
	}

	for _, tc := range testCases {
		t.Run(tc.reason.String(), func(t *testing.T) {
			if got := tc.reason.Category(); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}
