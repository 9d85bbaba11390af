package config

import "testing"

func TestDefaults(t *testing.T) {
	c := Defaults("node-a")
	if c.PrefillChunkSize != 6 {
		t.Fatalf("want default prefill_chunk_size 6, got %d", c.PrefillChunkSize)
	}
	if c.ExpiredJobTime().Seconds() != 60 {
		t.Fatalf("want default expired job time 60s, got %v", c.ExpiredJobTime())
	}
	if c.CheckInterval().Seconds() != 10 {
		t.Fatalf("want default check interval 10s, got %v", c.CheckInterval())
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	m := NewManager("node-a")

	cfg := Defaults("node-a")
	cfg.JobPort = 4242
	if err := m.SaveConfig(&cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	m2 := NewManager("node-a")
	loaded, err := m2.LoadConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.JobPort != 4242 {
		t.Fatalf("want job_port 4242 after reload, got %d", loaded.JobPort)
	}
}

func TestAddBootstrapPeerDedups(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	m := NewManager("node-a")
	m.AddBootstrapPeer("/ip4/127.0.0.1/tcp/4001")
	m.AddBootstrapPeer("/ip4/127.0.0.1/tcp/4001")
	if len(m.GetConfig().BootstrapPeers) != 1 {
		t.Fatalf("expected dedup, got %v", m.GetConfig().BootstrapPeers)
	}
}
