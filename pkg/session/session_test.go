package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanswave/tescmd-gateway/pkg/tunnel"
)

type fakeReceiver struct {
	startErr   error
	stopErr    error
	started    bool
	stopCalled bool
}

func (f *fakeReceiver) Start(context.Context) error { f.started = true; return f.startErr }
func (f *fakeReceiver) Stop(context.Context) error  { f.stopCalled = true; return f.stopErr }

type fakeClient struct{ closed bool }

func (f *fakeClient) Close() error { f.closed = true; return nil }

type fakeProvider struct {
	registeredDomain string
	registerCalls    []string
	keyNotFetchableFor int // RegisterPartnerDomain returns ErrKeyNotFetchable for the first N calls
	pushErr          error
	pushCalls        int
	deleteConfigCalls int
	reauthCalls      int
}

func (f *fakeProvider) RegisteredDomain(context.Context) (string, error) {
	return f.registeredDomain, nil
}

func (f *fakeProvider) RegisterPartnerDomain(_ context.Context, domain string) error {
	f.registerCalls = append(f.registerCalls, domain)
	if len(f.registerCalls) <= f.keyNotFetchableFor {
		return ErrKeyNotFetchable
	}
	f.registeredDomain = domain
	return nil
}

func (f *fakeProvider) PushTelemetryConfig(context.Context, string, string, string, map[string]any) error {
	f.pushCalls++
	if f.pushErr != nil && f.pushCalls == 1 {
		return f.pushErr
	}
	return nil
}

func (f *fakeProvider) DeleteTelemetryConfig(context.Context, string) error {
	f.deleteConfigCalls++
	return nil
}

func (f *fakeProvider) Reauthorize(context.Context) error {
	f.reauthCalls++
	return nil
}

type fakeTunnel struct {
	hostname  string
	stopCalls int
}

func (f *fakeTunnel) Start(context.Context, int) (*tunnel.Info, error) {
	return &tunnel.Info{URL: "https://" + f.hostname + "/", Hostname: f.hostname, CAPem: "ca-pem"}, nil
}

func (f *fakeTunnel) Stop(context.Context) { f.stopCalls++ }

func stubbedTunnel(_ *testing.T, hostname string) *fakeTunnel {
	return &fakeTunnel{hostname: hostname}
}

func TestRunSkipsReRegistrationWhenDomainMatches(t *testing.T) {
	provider := &fakeProvider{registeredDomain: "node.tailnet.ts.net"}
	receiver := &fakeReceiver{}
	client := &fakeClient{}

	called := false
	err := Run(context.Background(), nil, Options{
		VIN:      "VIN1",
		Port:     8443,
		Receiver: receiver,
		Tunnel:   stubbedTunnel(t, "node.tailnet.ts.net"),
		Provider: provider,
		Client:   client,
	}, func(_ context.Context, h Handle) error {
		called = true
		assert.Equal(t, "VIN1", h.VIN)
		assert.Equal(t, "node.tailnet.ts.net", h.Hostname)
		return nil
	})

	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, provider.registerCalls)
	assert.True(t, receiver.started)
	assert.True(t, receiver.stopCalled)
	assert.True(t, client.closed)
	assert.Equal(t, 1, provider.deleteConfigCalls)
}

func TestRunReRegistersOnHostnameMismatch(t *testing.T) {
	provider := &fakeProvider{registeredDomain: "old.tailnet.ts.net"}
	err := Run(context.Background(), nil, Options{
		VIN:               "VIN1",
		Port:              8443,
		Tunnel:            stubbedTunnel(t, "new.tailnet.ts.net"),
		Provider:          provider,
		PartnerRegSpacing: time.Millisecond,
	}, func(context.Context, Handle) error { return nil })

	require.NoError(t, err)
	// One re-registration during setup, one restore of the original
	// domain during teardown.
	require.Len(t, provider.registerCalls, 2)
	assert.Equal(t, "new.tailnet.ts.net", provider.registerCalls[0])
	assert.Equal(t, "old.tailnet.ts.net", provider.registerCalls[1])
}

func TestRunRetriesOnKeyNotFetchableThenSucceeds(t *testing.T) {
	provider := &fakeProvider{registeredDomain: "old.tailnet.ts.net", keyNotFetchableFor: 2}
	err := Run(context.Background(), nil, Options{
		VIN:               "VIN1",
		Port:              8443,
		Tunnel:            stubbedTunnel(t, "new.tailnet.ts.net"),
		Provider:          provider,
		PartnerRegRetries: 5,
		PartnerRegSpacing: time.Millisecond,
	}, func(context.Context, Handle) error { return nil })

	require.NoError(t, err)
	// Two 424 rejections, one success, then the teardown restore.
	assert.Equal(t, 4, len(provider.registerCalls))
}

func TestRunMissingScopesReauthorizesAndRetries(t *testing.T) {
	provider := &fakeProvider{registeredDomain: "node.tailnet.ts.net", pushErr: ErrMissingScopes}
	err := Run(context.Background(), nil, Options{
		VIN:         "VIN1",
		Port:        8443,
		Tunnel:      stubbedTunnel(t, "node.tailnet.ts.net"),
		Provider:    provider,
		Interactive: true,
	}, func(context.Context, Handle) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, 1, provider.reauthCalls)
	assert.Equal(t, 2, provider.pushCalls)
}

func TestRunTeardownRunsEvenWhenFnFails(t *testing.T) {
	provider := &fakeProvider{registeredDomain: "node.tailnet.ts.net"}
	client := &fakeClient{}
	err := Run(context.Background(), nil, Options{
		VIN:      "VIN1",
		Port:     8443,
		Tunnel:   stubbedTunnel(t, "node.tailnet.ts.net"),
		Provider: provider,
		Client:   client,
	}, func(context.Context, Handle) error { return assert.AnError })

	require.Error(t, err)
	assert.True(t, client.closed)
	assert.Equal(t, 1, provider.deleteConfigCalls)
}
