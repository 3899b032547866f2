package filter

import (
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRuleSpec(t *testing.T) {
	testCases := []struct {
		name string
		r    rule
		want []string
	}{
		{
			name: "client",
			r:    newRule(Client, netip.MustParseAddrPort("192.0.2.1:80")),
			want: []string{"-p", "tcp", "--tcp-flags", "RST", "RST", "-d", "192.0.2.1", "--dport", "80",
				"-m", "comment", "--comment", "tcpcore", "-j", "DROP"},
		},
		{
			name: "server",
			r:    newRule(Server, netip.MustParseAddrPort("[2001:db8::1]:8080")),
			want: []string{"-p", "tcp", "--tcp-flags", "RST", "RST", "-s", "2001:db8::1", "--sport", "8080",
				"-m", "comment", "--comment", "tcpcore", "-j", "DROP"},
		},
		{
			name: "server on any address",
			r:    newRule(Server, netip.MustParseAddrPort("0.0.0.0:8080")),
			want: []string{"-p", "tcp", "--tcp-flags", "RST", "RST", "--sport", "8080",
				"-m", "comment", "--comment", "tcpcore", "-j", "DROP"},
		},
		{
			name: "mapped client",
			r:    newRule(Client, netip.MustParseAddrPort("[::ffff:192.0.2.1]:80")),
			want: []string{"-p", "tcp", "--tcp-flags", "RST", "RST", "-d", "192.0.2.1", "--dport", "80",
				"-m", "comment", "--comment", "tcpcore", "-j", "DROP"},
		},
	}

	for _, tc := range testCases {
		if diff := cmp.Diff(tc.want, tc.r.spec("tcpcore")); diff != "" {
			t.Errorf("%s: spec mismatch (-want +got):\n%s", tc.name, diff)
		}
	}
}

func TestRuleSetDrops(t *testing.T) {
	rs := newRuleSet()
	rs.add(newRule(Client, netip.MustParseAddrPort("192.0.2.1:80")))
	rs.add(newRule(Server, netip.MustParseAddrPort("[::]:8080")))

	testCases := []struct {
		src, dst string
		want     bool
	}{
		{src: "198.51.100.7:40000", dst: "192.0.2.1:80", want: true},
		{src: "198.51.100.7:40000", dst: "192.0.2.1:81", want: false},
		{src: "198.51.100.7:40000", dst: "192.0.2.2:80", want: false},
		{src: "198.51.100.7:8080", dst: "192.0.2.9:1234", want: true},
		{src: "[2001:db8::7]:8080", dst: "[2001:db8::9]:1234", want: true},
		{src: "[::ffff:198.51.100.7]:40000", dst: "[::ffff:192.0.2.1]:80", want: true},
	}

	for _, tc := range testCases {
		got := rs.drops(netip.MustParseAddrPort(tc.src), netip.MustParseAddrPort(tc.dst))
		if got != tc.want {
			t.Errorf("drops(%s, %s) = %t, want %t", tc.src, tc.dst, got, tc.want)
		}
	}
}

func TestRuleSetAddRemove(t *testing.T) {
	rs := newRuleSet()
	r := newRule(Client, netip.MustParseAddrPort("192.0.2.1:80"))
	if !rs.add(r) {
		t.Fatal("first add = false, want true")
	}
	if rs.add(r) {
		t.Error("second add = true, want false")
	}
	if !rs.remove(r) {
		t.Error("remove = false, want true")
	}
	if rs.remove(r) {
		t.Error("second remove = true, want false")
	}
	if n := rs.len(); n != 0 {
		t.Errorf("len = %d, want 0", n)
	}
}
