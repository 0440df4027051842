package config

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiretun/wiretun/tcpman"
	"github.com/wiretun/wiretun/upstream"
)

func netIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip
}

const yamlFixture = `
controller:
  fwmark: 100
  traffic_rules: |
    table main {
    WHEN host ~= .* THEN proxy-group(all)
    }
upstreams:
  - name: direct-1
    protocol:
      type: direct
    enabled: true
    groups: [all]
  - name: tcpman-1
    protocol:
      type: tcpman
      addr: tunnel.example.com:8443
      password: hunter2
    enabled: true
    groups: [all]
`

const jsonFixture = `{
	"controller": {"traffic_rules": "table main {\nWHEN host ~= .* THEN direct\n}\n"},
	"upstreams": [{"name": "d", "protocol": {"type": "direct"}, "enabled": true}]
}`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFixture(t, "wiretun.yaml", yamlFixture)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.NotNil(t, cfg.Controller.FWMark)
	assert.Equal(t, uint32(100), *cfg.Controller.FWMark)
	require.Len(t, cfg.Upstreams, 2)
	assert.Equal(t, "tcpman", cfg.Upstreams[1].Protocol.Type)
}

func TestLoadJSON(t *testing.T) {
	path := writeFixture(t, "wiretun.json", jsonFixture)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Upstreams, 1)
	assert.Equal(t, "d", cfg.Upstreams[0].Name)
}

func TestLoadRejectsUnknownExtension(t *testing.T) {
	path := writeFixture(t, "wiretun.toml", "x = 1")
	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedExt)
}

func TestBuildEngineAndRegistry(t *testing.T) {
	path := writeFixture(t, "wiretun.yaml", yamlFixture)
	cfg, err := Load(path)
	require.NoError(t, err)

	engine, startTable, err := cfg.BuildEngine()
	require.NoError(t, err)
	assert.Equal(t, "main", startTable)
	assert.NotNil(t, engine)

	reg, err := cfg.BuildRegistry(context.Background(), tcpman.NewKDFPool(2))
	require.NoError(t, err)

	u, ok := reg.ByName("tcpman-1")
	require.True(t, ok)
	assert.Equal(t, upstream.ProtocolTcpman, u.Descriptor.Protocol.Kind)
	assert.Equal(t, tcpman.MasterKey("hunter2", "tcpman-1"), u.Descriptor.Protocol.MasterKey)

	group := reg.InGroup("all")
	assert.Len(t, group, 2)
}

func TestBuildClassifierEmptyConfigYieldsEmptyClassifier(t *testing.T) {
	path := writeFixture(t, "wiretun.yaml", yamlFixture)
	cfg, err := Load(path)
	require.NoError(t, err)

	c, err := cfg.BuildClassifier()
	require.NoError(t, err)

	_, ok := c.CountryOfIP(netIP(t, "8.8.8.8"))
	assert.False(t, ok)
}

func TestBuildClassifierLoadsDomainCCFileAndLists(t *testing.T) {
	dir := t.TempDir()
	ccPath := filepath.Join(dir, "domain_cc.txt")
	require.NoError(t, os.WriteFile(ccPath, []byte("example.com,US\nexample.co.uk,GB\n"), 0o600))

	cfg := &Config{
		Controller: Controller{TrafficRules: "table main {\nWHEN host ~= .* THEN direct\n}\n"},
		Classifier: ClassifierSources{
			DomainCCPath: ccPath,
			Lists:        map[string][]string{"blocked": {"ads.example.com"}},
		},
	}

	c, err := cfg.BuildClassifier()
	require.NoError(t, err)

	cc, ok := c.CountryOfDomain("www.example.com")
	require.True(t, ok)
	assert.Equal(t, "US", cc.String())

	assert.True(t, c.DomainInList("blocked", "ads.example.com"))
	assert.False(t, c.DomainInList("blocked", "safe.example.com"))
}

func TestBuildClassifierRejectsMalformedDomainCCLine(t *testing.T) {
	dir := t.TempDir()
	ccPath := filepath.Join(dir, "domain_cc.txt")
	require.NoError(t, os.WriteFile(ccPath, []byte("not-a-valid-line\n"), 0o600))

	cfg := &Config{Classifier: ClassifierSources{DomainCCPath: ccPath}}
	_, err := cfg.BuildClassifier()
	assert.Error(t, err)
}

func TestBuildRegistryRejectsUnknownProtocolType(t *testing.T) {
	path := writeFixture(t, "bad.yaml", `
controller:
  traffic_rules: "table main {\nWHEN host ~= .* THEN direct\n}\n"
upstreams:
  - name: x
    protocol:
      type: carrier-pigeon
    enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	_, err = cfg.BuildRegistry(context.Background(), nil)
	assert.Error(t, err)
}
