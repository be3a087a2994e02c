package connection

import (
	"errors"
	"testing"
	"time"

	"github.com/gridctl/imagectl/pkg/dockerclient"
	"github.com/gridctl/imagectl/pkg/host"
	"go.uber.org/mock/gomock"
)

func testDescriptor() *host.Descriptor {
	return &host.Descriptor{
		Binding:    host.Binding{HostID: "build-1", EndpointURL: "tcp://10.0.0.5:2376"},
		TLS:        host.TLS{CAFile: "ca.pem", CertFile: "cert.pem", KeyFile: "key.pem"},
		APIVersion: "1.45",
		Timeouts:   host.Timeouts{Connect: 3 * time.Second, Request: time.Minute},
		RegistryAuth: host.RegistryAuth{
			Username: "ci",
			Password: "secret",
		},
	}
}

func TestParamsFor(t *testing.T) {
	p, err := ParamsFor(testDescriptor())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.HostID != "build-1" || p.Endpoint != "tcp://10.0.0.5:2376" {
		t.Errorf("unexpected params %+v", p)
	}

	cc := p.ClientConfig()
	if cc.Host != "tcp://10.0.0.5:2376" || cc.TLS.CAFile != "ca.pem" {
		t.Errorf("unexpected client config %+v", cc)
	}
	ec := p.ExecConfig()
	if ec.APIVersion != "1.45" || ec.ConnectTimeout != 3*time.Second || ec.RequestTimeout != time.Minute {
		t.Errorf("unexpected exec config %+v", ec)
	}
}

func TestParamsFor_Deterministic(t *testing.T) {
	a, _ := ParamsFor(testDescriptor())
	b, _ := ParamsFor(testDescriptor())
	if a != b {
		t.Errorf("expected identical params, got %+v and %+v", a, b)
	}
}

func TestParamsFor_NoBinding(t *testing.T) {
	if _, err := ParamsFor(nil); !errors.Is(err, ErrNoHostBinding) {
		t.Errorf("expected ErrNoHostBinding, got %v", err)
	}
	if _, err := ParamsFor(&host.Descriptor{Binding: host.Binding{HostID: "x"}}); !errors.Is(err, ErrNoHostBinding) {
		t.Errorf("expected ErrNoHostBinding for empty endpoint, got %v", err)
	}
}

func TestConnection_LazyAndCached(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockCli := dockerclient.NewMockDockerClient(ctrl)
	mockCli.EXPECT().Close().Return(nil).Times(1)

	calls := 0
	factory := func(cc ClientConfig, ec ExecConfig) (dockerclient.DockerClient, error) {
		calls++
		if cc.Host != "tcp://10.0.0.5:2376" {
			t.Errorf("unexpected host %q", cc.Host)
		}
		return mockCli, nil
	}

	p, _ := ParamsFor(testDescriptor())
	conn := New(p, factory)
	if calls != 0 {
		t.Fatal("client must not be created before first use")
	}

	for i := 0; i < 3; i++ {
		cli, err := conn.Client()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cli != mockCli {
			t.Fatal("expected cached client")
		}
	}
	if calls != 1 {
		t.Errorf("expected factory to run once, ran %d times", calls)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestConnection_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	conn := New(Params{Endpoint: "tcp://x:1"}, func(ClientConfig, ExecConfig) (dockerclient.DockerClient, error) {
		calls++
		return nil, boom
	})

	if _, err := conn.Client(); !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
	if _, err := conn.Client(); !errors.Is(err, boom) {
		t.Fatalf("expected factory error on retry, got %v", err)
	}
	if calls != 2 {
		t.Errorf("failed construction must not be cached, calls=%d", calls)
	}
}

func TestConnection_Unbound(t *testing.T) {
	conn := Unbound()
	if _, err := conn.Client(); !errors.Is(err, ErrNoHostBinding) {
		t.Errorf("expected ErrNoHostBinding, got %v", err)
	}
	if conn.Params() != nil {
		t.Error("expected nil params")
	}
	if !conn.RegistryAuth().Empty() {
		t.Error("expected empty registry auth")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("close on unbound: %v", err)
	}
}

func TestConnection_RegistryAuth(t *testing.T) {
	p, _ := ParamsFor(testDescriptor())
	if got := New(p, nil).RegistryAuth(); got.Username != "ci" {
		t.Errorf("unexpected auth %+v", got)
	}
}

func TestNewDockerClient(t *testing.T) {
	cli, err := NewDockerClient(ClientConfig{Host: "tcp://127.0.0.1:2375"}, ExecConfig{APIVersion: "1.45", RequestTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cli.Close()
}

func TestNewDockerClient_BadHost(t *testing.T) {
	if _, err := NewDockerClient(ClientConfig{Host: "not a host"}, ExecConfig{}); err == nil {
		t.Error("expected error for malformed host")
	}
}

func TestNewDockerClient_MissingTLSFiles(t *testing.T) {
	_, err := NewDockerClient(ClientConfig{
		Host: "tcp://127.0.0.1:2376",
		TLS:  host.TLS{CAFile: "/nonexistent/ca.pem"},
	}, ExecConfig{})
	if err == nil {
		t.Error("expected error for missing CA file")
	}
}
