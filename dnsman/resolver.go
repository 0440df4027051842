// Package dnsman is the peripheral forwarding DNS resolver (SPEC_FULL
// §1 [ADD] D1): it answers UDP/TCP DNS queries by forwarding them to a
// configured upstream resolver, optionally routed per query through
// the same rule.Engine the TCP path uses, so a `WHEN domain ~= …` rule
// can steer certain names to a different resolver or force Direct.
// Built on miekg/dns, the DNS library the teacher's whole proxy engine
// wraps.
package dnsman

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/classify"
	"github.com/wiretun/wiretun/rule"
)

// exchangeTimeout bounds one upstream resolver round trip.
const exchangeTimeout = 5 * time.Second

// Resolver answers DNS queries by consulting the rule engine for a
// routing decision, then forwarding to the resolver address that
// decision names.
type Resolver struct {
	Logger     *slog.Logger
	Engine     *rule.Engine
	StartTable string
	Classifier *classify.Classifier

	// Upstreams maps a ProxyGroup/Proxy rule target name to a resolver
	// address ("ip:port"); Default is used for a Direct decision or
	// when a named target has no entry here.
	Upstreams map[string]string
	Default   string

	// Sinkhole, if set, is checked before any rule evaluation or
	// forwarding: a matching query is answered from the parked record
	// directly, never reaching the network.
	Sinkhole *Sinkhole

	client *dns.Client
}

// NewResolver builds a Resolver ready to register as a dns.Handler.
func NewResolver(logger *slog.Logger, engine *rule.Engine, startTable string, classifier *classify.Classifier, upstreams map[string]string, defaultResolver string) *Resolver {
	return &Resolver{
		Logger:     logger,
		Engine:     engine,
		StartTable: startTable,
		Classifier: classifier,
		Upstreams:  upstreams,
		Default:    defaultResolver,
		client:     &dns.Client{Timeout: exchangeTimeout},
	}
}

// ServeDNS implements dns.Handler: decide where to forward r based on
// its first question, forward it, and relay the response (or a
// synthesized failure) back to w.
func (s *Resolver) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	defer w.Close()

	if len(r.Question) == 0 {
		s.refuse(w, r)
		return
	}
	q := r.Question[0]
	qname := strings.TrimSuffix(q.Name, ".")

	if s.Sinkhole != nil {
		if rec, ok := s.Sinkhole.Lookup(qname); ok {
			s.answerParked(w, r, q, rec)
			return
		}
	}

	target := s.Default
	if dst, err := addr.New(qname, 53); err == nil {
		facts := &rule.RequestFacts{Dst: dst, Transp: "dns", Classifier: s.Classifier}
		action, err := s.Engine.Evaluate(facts, s.StartTable)
		if err != nil {
			s.Logger.Warn("dns rule evaluation failed", "err", err, "name", qname)
		} else {
			switch action.Kind {
			case rule.ActionReject:
				s.refuse(w, r)
				return
			case rule.ActionProxy, rule.ActionProxyGroup:
				if a, ok := s.Upstreams[action.Target]; ok {
					target = a
				}
			}
		}
	}

	if target == "" {
		s.refuse(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	resp, _, err := s.client.ExchangeContext(ctx, r, target)
	if err != nil {
		s.Logger.Debug("dns forward failed", "err", err, "name", qname, "target", target)
		s.fail(w, r)
		return
	}
	_ = w.WriteMsg(resp)
}

// answerParked synthesizes an A/AAAA response for a sinkholed query
// without ever forwarding it.
func (s *Resolver) answerParked(w dns.ResponseWriter, r *dns.Msg, q dns.Question, rec ParkedRecord) {
	m := new(dns.Msg)
	m.SetReply(r)

	switch q.Qtype {
	case dns.TypeA:
		if rec.A != nil {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: rec.TTL},
				A:   rec.A,
			})
		}
	case dns.TypeAAAA:
		if rec.AAAA != nil {
			m.Answer = append(m.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: rec.TTL},
				AAAA: rec.AAAA,
			})
		}
	}
	_ = w.WriteMsg(m)
}

func (s *Resolver) refuse(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(r, dns.RcodeRefused)
	_ = w.WriteMsg(m)
}

func (s *Resolver) fail(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(r, dns.RcodeServerFailure)
	_ = w.WriteMsg(m)
}

var _ dns.Handler = (*Resolver)(nil)
