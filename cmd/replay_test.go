package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ztun/internal/core"
)

const testConfig = `
ztun:
  tunnel:
    address: 100.64.0.1
    subnet_mask: 255.255.255.0
    dns: [100.64.0.2]
  log:
    level: error
    format: text
`

const testDirectory = `
identities:
  - name: acme
    services:
      - name: web
        hostname: web.example.com
        port: 443
      - name: db
        hostname: 10.1.2.3
        port: 5432
  - name: globex
    enabled: false
    services: []
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// queryCapture writes a raw-IP capture holding one A query per name.
func queryCapture(t *testing.T, path string, names ...string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeRaw))
	for i, name := range names {
		msg := new(mdns.Msg)
		msg.SetQuestion(mdns.Fqdn(name), mdns.TypeA)
		payload, err := msg.Pack()
		require.NoError(t, err)

		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    []byte{100, 64, 0, 9},
			DstIP:    []byte{100, 64, 0, 2},
		}
		udp := &layers.UDP{SrcPort: layers.UDPPort(40000 + i), DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(buf,
			gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
			ip, udp, gopacket.Payload(payload)))

		frame := buf.Bytes()
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(frame), Length: len(frame)}
		require.NoError(t, w.WritePacket(ci, frame))
	}
}

func countFrames(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	n := 0
	for {
		_, _, err := r.ReadPacketData()
		if err == io.EOF {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", testConfig)
	dirPath := writeFile(t, dir, "identities.yml", testDirectory)

	var buf bytes.Buffer
	require.NoError(t, runValidate(cfgPath, dirPath, &buf))
	assert.Contains(t, buf.String(), "tunnel 100.64.0.1/255.255.255.0")
	assert.Contains(t, buf.String(), "2 identities, 1 enabled, 2 services")

	buf.Reset()
	require.NoError(t, runValidate(cfgPath, "", &buf))
	assert.NotContains(t, buf.String(), "directory")

	bad := writeFile(t, dir, "bad.yml", "identities:\n  - name: acme\n    services:\n      - name: web\n        port: 80\n")
	err := runValidate(cfgPath, bad, &buf)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	badCfg := writeFile(t, dir, "bad-config.yml", "ztun:\n  tunnel:\n    address: nope\n")
	err = runValidate(badCfg, "", &buf)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRunReplay(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", testConfig)
	dirPath := writeFile(t, dir, "identities.yml", testDirectory)
	input := filepath.Join(dir, "in.pcap")
	output := filepath.Join(dir, "out.pcap")
	queryCapture(t, input, "web.example.com", "unknown.example.org")

	var buf bytes.Buffer
	err := runReplay(context.Background(), cfgPath, replayOptions{
		Input:     input,
		Output:    output,
		Directory: dirPath,
		Drain:     100 * time.Millisecond,
	}, &buf)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "1 hostname(s) bound, 2 frame(s) written, 0 session(s) aborted")
	assert.Equal(t, 2, countFrames(t, output))
}

func TestRunReplayMissingInput(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yml", testConfig)

	var buf bytes.Buffer
	err := runReplay(context.Background(), cfgPath, replayOptions{Input: filepath.Join(dir, "missing.pcap")}, &buf)
	assert.Error(t, err)
	assert.Empty(t, buf.String())
}
