package proxyhttp

import "testing"

func TestStripHopByHopRemovesConnectionNamedTokens(t *testing.T) {
	var l List
	l.Add("Connection", "X-Custom, Keep-Alive")
	l.Add("X-Custom", "drop-me")
	l.Add("Keep-Alive", "timeout=5")
	l.Add("Content-Type", "text/plain")

	StripHopByHop(&l)

	if _, ok := l.Get("X-Custom"); ok {
		t.Error("X-Custom should have been stripped via Connection header")
	}
	if _, ok := l.Get("Keep-Alive"); ok {
		t.Error("Keep-Alive should have been stripped")
	}
	if _, ok := l.Get("Connection"); ok {
		t.Error("Connection itself should have been stripped")
	}
	if v, ok := l.Get("Content-Type"); !ok || v != "text/plain" {
		t.Errorf("Content-Type should survive, got %q, %v", v, ok)
	}
}

func TestAddViaAppendsToken(t *testing.T) {
	var l List
	l.Add("Via", "1.0 fred")
	AddVia(&l)
	got := l.Values("Via")
	if len(got) != 2 || got[1] != ViaToken {
		t.Fatalf("Via values = %v, want existing value preserved plus %q", got, ViaToken)
	}
}

func TestResolveTargetAbsoluteForm(t *testing.T) {
	target, err := ResolveTarget("http://example.com/path?x=1", nil)
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if target.HostPort != "example.com:80" {
		t.Errorf("HostPort = %q, want example.com:80", target.HostPort)
	}
	if target.OriginForm != "/path?x=1" {
		t.Errorf("OriginForm = %q, want /path?x=1", target.OriginForm)
	}
}

func TestResolveTargetAbsoluteFormWithPort(t *testing.T) {
	target, err := ResolveTarget("http://example.com:8080/", nil)
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if target.HostPort != "example.com:8080" {
		t.Errorf("HostPort = %q, want example.com:8080", target.HostPort)
	}
}

func TestResolveTargetOriginFormUsesHostHeader(t *testing.T) {
	var header List
	header.Add("Host", "example.com:8443")
	target, err := ResolveTarget("/path", header)
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if target.HostPort != "example.com:8443" {
		t.Errorf("HostPort = %q, want example.com:8443", target.HostPort)
	}
	if target.OriginForm != "/path" {
		t.Errorf("OriginForm = %q, want /path", target.OriginForm)
	}
}

func TestResolveTargetOriginFormMissingHostIsError(t *testing.T) {
	if _, err := ResolveTarget("/path", nil); err == nil {
		t.Fatal("expected error for origin-form request without Host header")
	}
}

func TestEnsureHostOnlySetsWhenAbsent(t *testing.T) {
	var l List
	EnsureHost(&l, "example.com:80")
	if v, _ := l.Get("Host"); v != "example.com:80" {
		t.Fatalf("Host = %q, want example.com:80", v)
	}
	EnsureHost(&l, "other.example:80")
	if v, _ := l.Get("Host"); v != "example.com:80" {
		t.Fatalf("Host was overwritten: got %q", v)
	}
}
