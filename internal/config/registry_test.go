package config_test

import (
	"errors"
	"testing"

	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/pkg/provider/upstream"
	upstreammock "github.com/voxbridge/voxbridge/pkg/provider/upstream/mock"
	"github.com/voxbridge/voxbridge/pkg/provider/vad"
	"github.com/voxbridge/voxbridge/pkg/provider/vad/amplitude"
)

func TestRegistry_CreateUpstream(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterUpstream("gemini-live", func(entry config.ProviderEntry) (upstream.Provider, error) {
		gotEntry = entry
		return &upstreammock.Provider{}, nil
	})

	p, err := reg.CreateUpstream(config.ProviderEntry{Name: "gemini-live", APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("CreateUpstream: %v", err)
	}
	if p == nil {
		t.Fatal("CreateUpstream returned nil provider")
	}
	if gotEntry.APIKey != "k" || gotEntry.Model != "m" {
		t.Errorf("factory received entry %+v", gotEntry)
	}
}

func TestRegistry_CreateVAD(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterVAD("amplitude", func(_ config.ProviderEntry) (vad.Engine, error) {
		return amplitude.New(), nil
	})

	e, err := reg.CreateVAD(config.ProviderEntry{Name: "amplitude"})
	if err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}
	if e == nil {
		t.Fatal("CreateVAD returned nil engine")
	}
}

func TestRegistry_UnregisteredName(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	_, err := reg.CreateUpstream(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
	_, err = reg.CreateVAD(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_OverwriteFactory(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	reg.RegisterVAD("amplitude", func(_ config.ProviderEntry) (vad.Engine, error) {
		return nil, errors.New("old factory")
	})
	reg.RegisterVAD("amplitude", func(_ config.ProviderEntry) (vad.Engine, error) {
		return amplitude.New(), nil
	})

	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "amplitude"}); err != nil {
		t.Fatalf("overwritten factory should win, got: %v", err)
	}
}
