// Package config loads the YAML or JSON configuration file (spec §6
// "Config file"): the controller block (fwmark, traffic rule DSL
// source) and the upstream descriptor list. Format is discriminated
// by file extension, the same trick the teacher's config-path reader
// uses (read the file before go-flags parses, in order not to have
// default flag values override it) — here there's no flag merge, but
// the "read the whole file, then unmarshal into a typed struct" shape
// is the same one main.go follows for its yaml.Unmarshal(b, options).
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/barweiss/go-tuple"
	"gopkg.in/yaml.v3"

	"github.com/wiretun/wiretun/addr"
	"github.com/wiretun/wiretun/classify"
	"github.com/wiretun/wiretun/rule"
	"github.com/wiretun/wiretun/tcpman"
	"github.com/wiretun/wiretun/upstream"
)

// ErrUnsupportedExt is returned when the config path's extension is
// neither .yaml/.yml nor .json.
var ErrUnsupportedExt = errors.Error("config: unsupported file extension")

// Controller is the "controller" top-level block.
type Controller struct {
	FWMark       *uint32 `yaml:"fwmark,omitempty" json:"fwmark,omitempty"`
	TrafficRules string  `yaml:"traffic_rules" json:"traffic_rules"`
}

// UpstreamProtocol is the "protocol" block of one upstream entry.
type UpstreamProtocol struct {
	Type     string `yaml:"type" json:"type"` // tcpman | socks5 | direct
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// Upstream is one entry of the "upstreams" list.
type Upstream struct {
	Name     string           `yaml:"name" json:"name"`
	Protocol UpstreamProtocol `yaml:"protocol" json:"protocol"`
	Enabled  bool             `yaml:"enabled" json:"enabled"`
	Groups   []string         `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// ClassifierSources names the on-disk geo-blob and domain-list files
// the classifier (C8) loads at build time. Every field is optional;
// an empty Config yields an empty Classifier whose queries always
// report "not found" rather than erroring.
type ClassifierSources struct {
	GeoV4Path    string              `yaml:"geo_v4,omitempty" json:"geo_v4,omitempty"`
	GeoV6Path    string              `yaml:"geo_v6,omitempty" json:"geo_v6,omitempty"`
	DomainCCPath string              `yaml:"domain_cc,omitempty" json:"domain_cc,omitempty"`
	Lists        map[string][]string `yaml:"lists,omitempty" json:"lists,omitempty"`
}

// Config is the whole parsed file.
type Config struct {
	Controller Controller        `yaml:"controller" json:"controller"`
	Upstreams  []Upstream        `yaml:"upstreams" json:"upstreams"`
	Classifier ClassifierSources `yaml:"classifier,omitempty" json:"classifier,omitempty"`
}

// Load reads and unmarshals the file at path, picking YAML or JSON by
// its extension.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedExt, ext)
	}
	return cfg, nil
}

// BuildEngine parses the controller's traffic_rules DSL source into a
// rule.Engine, along with the name of its first table — by convention
// the entry point a Dispatcher evaluates requests against.
func (c *Config) BuildEngine() (engine *rule.Engine, startTable string, err error) {
	tables, err := rule.Parse(c.Controller.TrafficRules)
	if err != nil {
		return nil, "", fmt.Errorf("config: parsing traffic_rules: %w", err)
	}
	if len(tables) == 0 {
		return nil, "", errors.Error("config: traffic_rules defines no tables")
	}
	return rule.NewEngine(tables), tables[0].Name, nil
}

// BuildRegistry resolves every upstream entry, disabled ones included
// (each keeps its Enabled flag), into an upstream.Descriptor, deriving Tcpman master keys up front through
// kdf (pass nil for an unbounded tcpman.NewKDFPool(0)) so a
// config reload's Argon2id cost is paid once at load time rather than
// on each dial.
func (c *Config) BuildRegistry(ctx context.Context, kdf *tcpman.KDFPool) (*upstream.Registry, error) {
	if kdf == nil {
		kdf = tcpman.NewKDFPool(0)
	}

	descriptors := make([]upstream.Descriptor, 0, len(c.Upstreams))
	for _, u := range c.Upstreams {
		d, err := u.toDescriptor(ctx, kdf)
		if err != nil {
			return nil, fmt.Errorf("config: upstream %q: %w", u.Name, err)
		}
		descriptors = append(descriptors, d)
	}
	return upstream.NewRegistry(descriptors), nil
}

// BuildClassifier loads the geo blobs and domain/country table named by
// c.Classifier, returning an empty Classifier (every query reports "not
// found") if none are configured. Grounded on spec §3's geo-blob and
// "sorted domain,cc\n table" formats.
func (c *Config) BuildClassifier() (*classify.Classifier, error) {
	v4, err := readOptional(c.Classifier.GeoV4Path)
	if err != nil {
		return nil, fmt.Errorf("config: reading geo_v4: %w", err)
	}
	v6, err := readOptional(c.Classifier.GeoV6Path)
	if err != nil {
		return nil, fmt.Errorf("config: reading geo_v6: %w", err)
	}
	geo, err := classify.DecodeGeoBlob(v4, v6)
	if err != nil {
		return nil, fmt.Errorf("config: decoding geo blobs: %w", err)
	}

	domCC, err := loadDomainCCFile(c.Classifier.DomainCCPath)
	if err != nil {
		return nil, fmt.Errorf("config: reading domain_cc: %w", err)
	}

	lists := make(classify.Registry, len(c.Classifier.Lists))
	for name, patterns := range c.Classifier.Lists {
		lists[name] = classify.NewDomainList(patterns)
	}

	return classify.New(geo, domCC, lists), nil
}

func readOptional(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

// loadDomainCCFile parses a sorted "domain,cc\n" table (spec §3) into
// the pairs NewDomainCountryTable expects.
func loadDomainCCFile(path string) (*classify.DomainCountryTable, error) {
	if path == "" {
		return classify.NewDomainCountryTable(nil), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var pairs []tuple.T2[string, classify.CC]
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 || len(parts[1]) != 2 {
			return nil, fmt.Errorf("config: malformed domain_cc line %q", line)
		}
		pairs = append(pairs, tuple.New2(parts[0], classify.CC{parts[1][0], parts[1][1]}))
	}
	return classify.NewDomainCountryTable(pairs), nil
}

func (u *Upstream) toDescriptor(ctx context.Context, kdf *tcpman.KDFPool) (upstream.Descriptor, error) {
	groups := make(map[string]struct{}, len(u.Groups))
	for _, g := range u.Groups {
		groups[g] = struct{}{}
	}

	d := upstream.Descriptor{
		Name:    u.Name,
		Enabled: u.Enabled,
		Groups:  groups,
	}

	switch u.Protocol.Type {
	case "direct":
		d.Protocol = upstream.Protocol{Kind: upstream.ProtocolDirect}

	case "socks5":
		a, err := addr.Parse(u.Protocol.Addr)
		if err != nil {
			return upstream.Descriptor{}, fmt.Errorf("parsing addr: %w", err)
		}
		d.Protocol = upstream.Protocol{Kind: upstream.ProtocolSocks5, Addr: a}

	case "tcpman":
		a, err := addr.Parse(u.Protocol.Addr)
		if err != nil {
			return upstream.Descriptor{}, fmt.Errorf("parsing addr: %w", err)
		}
		masterKey, err := kdf.Derive(ctx, u.Protocol.Password, u.Name)
		if err != nil {
			return upstream.Descriptor{}, fmt.Errorf("deriving master key: %w", err)
		}
		d.Protocol = upstream.Protocol{
			Kind:      upstream.ProtocolTcpman,
			Addr:      a,
			Password:  u.Protocol.Password,
			MasterKey: masterKey,
		}

	default:
		return upstream.Descriptor{}, fmt.Errorf("unknown protocol type %q", u.Protocol.Type)
	}

	return d, nil
}
