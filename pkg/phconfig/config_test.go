package phconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
Phineas:
  InstallDirectory: /opt/phineas
  Organization: Acme
  PartyId: acme-party
  LogLevel: debug
  CpaTemplate: /opt/phineas/cpa-template.xml
  CpaDirectory: /opt/phineas/cpa/
  Server:
    Port: 9080
    NumThreads: 20
    SSL:
      Port: 9443
      CertFile: server.pem
  Sender:
    MaxRetry: 5
    DelayRetry: 15
    RouteInfo:
      Route:
        - Name: partner-a
          PartyId: partner-a-id
          Host: partner.example.org
          Port: 443
          Path: /phineas
          Protocol: https
          Cpa: partner-a-cpa
          Retry: 2
    MapInfo:
      Map:
        - Name: outbound-invoices
          Folder: /data/out/invoices
          Route: partner-a
          Encryption:
            Type: aes256-cbc
            Unc: partner-a.pem
  QueueInfo:
    PollInterval: 5
    MaxThreads: 8
    Queue:
      - Name: sendq
        Type: file
`

func TestDottedPathAccessors(t *testing.T) {
	tree, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	root, ok := tree.Sub("Phineas")
	require.True(t, ok)
	cfg := New(root)

	assert.Equal(t, "/opt/phineas", cfg.InstallDirectory())
	assert.Equal(t, "Acme", cfg.Organization())
	assert.Equal(t, "debug", cfg.LogLevel())
	assert.Equal(t, "/opt/phineas/cpa/", cfg.CpaDirectory())

	server := cfg.Server()
	assert.Equal(t, 9080, server.Port)
	assert.Equal(t, 20, server.NumThreads)
	assert.Equal(t, 9443, server.SSL.Port)
	assert.Equal(t, "server.pem", server.SSL.CertFile)
}

func TestSenderRoutesAndMaps(t *testing.T) {
	tree, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	root, _ := tree.Sub("Phineas")
	cfg := New(root)

	sender := cfg.Sender()
	assert.Equal(t, 5, sender.MaxRetry)
	assert.Equal(t, 15*time.Second, sender.DelayRetry)

	require.Len(t, sender.Routes, 1)
	route := sender.Routes[0]
	assert.Equal(t, "partner-a", route.Name)
	assert.Equal(t, "partner.example.org", route.Host)
	assert.Equal(t, "https", route.Protocol)
	assert.Equal(t, "partner-a-cpa", route.Cpa)

	require.Len(t, sender.Maps, 1)
	m := sender.Maps[0]
	assert.Equal(t, "outbound-invoices", m.Name)
	assert.Equal(t, "/data/out/invoices", m.Folder)
	assert.Equal(t, "aes256-cbc", m.Encryption.Type)
}

func TestQueueInfo(t *testing.T) {
	tree, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	root, _ := tree.Sub("Phineas")
	cfg := New(root)

	qi := cfg.QueueInfo()
	assert.Equal(t, 5*time.Second, qi.PollInterval)
	assert.Equal(t, 8, qi.MaxThreads)
	require.Len(t, qi.Queues, 1)
	assert.Equal(t, "sendq", qi.Queues[0].Name)
	assert.Equal(t, "file", qi.Queues[0].Type)
}

func TestRouteByNameAndCpaPath(t *testing.T) {
	tree, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	root, _ := tree.Sub("Phineas")
	cfg := New(root)

	route, idx, ok := cfg.RouteByName("partner-a")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, filepath.Join("/opt/phineas/cpa/", "partner-a-cpa.xml"), cfg.CpaPath(route))

	_, _, ok = cfg.RouteByName("nonexistent")
	assert.False(t, ok)
}

func TestLoadPlaintextAndEncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	plainPath := filepath.Join(dir, "phineas.yml")
	require.NoError(t, os.WriteFile(plainPath, []byte(sampleYAML), 0600))

	tree, err := Load(plainPath, nil)
	require.NoError(t, err)
	root, ok := tree.Sub("Phineas")
	require.True(t, ok)
	assert.Equal(t, "Acme", New(root).Organization())

	encPath := filepath.Join(dir, "phineas.enc.yml")
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, Save(encPath, []byte(sampleYAML), key))

	encrypted, err := IsEncrypted(encPath)
	require.NoError(t, err)
	assert.True(t, encrypted)

	decoded, err := Load(encPath, key)
	require.NoError(t, err)
	root2, ok := decoded.Sub("Phineas")
	require.True(t, ok)
	assert.Equal(t, "Acme", New(root2).Organization())

	_, err = Load(encPath, nil)
	assert.Error(t, err)
}

func TestMalformedPathSegment(t *testing.T) {
	tree, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	_, ok := tree.Get("Phineas.Sender.RouteInfo.Route[oops")
	assert.False(t, ok)
}
