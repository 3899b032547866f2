//go:build linux

package filter

import (
	"net/netip"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	table = "filter"
	chain = "OUTPUT"
)

// IPTabler is the part of *iptables.IPTables the filter uses.
type IPTabler interface {
	AppendUnique(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
}

type iptablesFilter struct {
	comment string
	v4, v6  IPTabler // v6 may be nil
	rules   *ruleSet
	log     *logrus.Entry
}

// NewFilter returns an iptables based Filter. Every rule carries identifier
// as its comment so FinishFiltering can find rules left by an earlier run.
func NewFilter(identifier string) (Filter, error) {
	v4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, errors.Wrap(err, "iptables is not available")
	}
	var v6 IPTabler
	if t, err := iptables.NewWithProtocol(iptables.ProtocolIPv6); err == nil {
		v6 = t
	} else {
		logrus.WithError(err).Warn("ip6tables is not available, IPv6 connections are not filtered")
	}
	return newIptablesFilter(identifier, v4, v6)
}

func newIptablesFilter(identifier string, v4, v6 IPTabler) (*iptablesFilter, error) {
	if identifier == "" || strings.ContainsAny(identifier, " \t\"'") {
		return nil, errors.Errorf("invalid filter identifier %q", identifier)
	}
	return &iptablesFilter{
		comment: identifier,
		v4:      v4,
		v6:      v6,
		rules:   newRuleSet(),
		log:     logrus.WithFields(logrus.Fields{"component": "filter", "comment": identifier}),
	}, nil
}

// tables returns the tables r is installed in.
func (f *iptablesFilter) tables(r rule) []IPTabler {
	a := r.ap.Addr()
	switch {
	case r.wildcard() && f.v6 != nil:
		return []IPTabler{f.v4, f.v6}
	case a.Is6():
		if f.v6 == nil {
			return nil
		}
		return []IPTabler{f.v6}
	default:
		return []IPTabler{f.v4}
	}
}

func (f *iptablesFilter) add(r rule) error {
	if !f.rules.add(r) {
		f.log.WithField("rule", r).Debug("rule already exists")
		return nil
	}
	for _, t := range f.tables(r) {
		if err := t.AppendUnique(table, chain, r.spec(f.comment)...); err != nil {
			f.rules.remove(r)
			return errors.Wrapf(err, "add %v rule", r)
		}
	}
	f.log.WithField("rule", r).Info("added RST filtering rule")
	return nil
}

func (f *iptablesFilter) remove(r rule) error {
	if !f.rules.remove(r) {
		return nil
	}
	for _, t := range f.tables(r) {
		if err := t.DeleteIfExists(table, chain, r.spec(f.comment)...); err != nil {
			return errors.Wrapf(err, "remove %v rule", r)
		}
	}
	f.log.WithField("rule", r).Info("removed RST filtering rule")
	return nil
}

func (f *iptablesFilter) AddTcpClientFiltering(remote netip.AddrPort) error {
	return f.add(newRule(Client, remote))
}

func (f *iptablesFilter) RemoveTcpClientFiltering(remote netip.AddrPort) error {
	return f.remove(newRule(Client, remote))
}

func (f *iptablesFilter) AddTcpServerFiltering(local netip.AddrPort) error {
	return f.add(newRule(Server, local))
}

func (f *iptablesFilter) RemoveTcpServerFiltering(local netip.AddrPort) error {
	return f.remove(newRule(Server, local))
}

// FinishFiltering deletes every OUTPUT rule carrying the filter's comment,
// including rules it did not add itself.
func (f *iptablesFilter) FinishFiltering() error {
	f.rules.clear()
	var errs []string
	for _, t := range []IPTabler{f.v4, f.v6} {
		if t == nil {
			continue
		}
		lines, err := t.List(table, chain)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		tag := "--comment " + f.comment + " "
		for _, line := range lines {
			fields := strings.Fields(line)
			if len(fields) < 2 || fields[0] != "-A" || !strings.Contains(line+" ", tag) {
				continue
			}
			if err := t.Delete(table, chain, fields[2:]...); err != nil {
				errs = append(errs, line+": "+err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("some rules failed to delete:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}
