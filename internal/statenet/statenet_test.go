package statenet

import "testing"

func TestStaticDirectoryResolves(t *testing.T) {
	d := NewStaticDirectory()
	d.Set("node-b", "127.0.0.1:9001")

	addr, err := d.ConnectionFromNode("node-b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if addr != "127.0.0.1:9001" {
		t.Fatalf("want 127.0.0.1:9001, got %s", addr)
	}
}

func TestStaticDirectoryUnknownNode(t *testing.T) {
	d := NewStaticDirectory()
	if _, err := d.ConnectionFromNode("ghost"); err == nil {
		t.Fatalf("expected error resolving unknown node")
	}
}
