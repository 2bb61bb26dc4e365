package tunnel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	responses map[string]string
	errs      map[string]error
	calls     []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	key := name + " " + joinArgs(args)
	f.calls = append(f.calls, key)
	if err, ok := f.errs[key]; ok {
		return f.responses[key], err
	}
	return f.responses[key], nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

func TestCheckAvailableFailsWhenCLIMissing(t *testing.T) {
	m := &Manager{tsBin: "tailscale", runner: &fakeRunner{errs: map[string]error{"tailscale version": assertErr}}}
	err := m.CheckAvailable(context.Background())
	require.Error(t, err)
	var unavailable *ErrTunnelUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

func TestHostnameParsesStatusJSON(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{
		"tailscale status --json": `{"Self":{"DNSName":"my-node.tailnet.ts.net."}}`,
	}}
	m := &Manager{tsBin: "tailscale", runner: runner}
	host, err := m.Hostname(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "my-node.tailnet.ts.net", host)
}

func TestStartReturnsPublicInfo(t *testing.T) {
	runner := &fakeRunner{responses: map[string]string{
		"tailscale status --json": `{"Self":{"DNSName":"my-node.tailnet.ts.net."}}`,
		"tailscale cert --cert-file - --key-file /dev/null my-node.tailnet.ts.net": "-----BEGIN CERTIFICATE-----\n...",
	}}
	m := &Manager{tsBin: "tailscale", runner: runner}
	info, err := m.Start(context.Background(), 8443)
	require.NoError(t, err)
	assert.Equal(t, "my-node.tailnet.ts.net", info.Hostname)
	assert.Equal(t, "https://my-node.tailnet.ts.net/", info.URL)
}

var assertErr = &ErrTunnelUnavailable{Reason: "boom"}
