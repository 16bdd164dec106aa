package source

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/drsoft-oss/proxyhub/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseList_PlainText(t *testing.T) {
	body := `
1.2.3.4:8080
# comment line with no address
5.6.7.8:3128 extra trailing text
not an address
9.10.11.12:65535
`
	addrs := ParseList(body)
	want := []string{"1.2.3.4:8080", "5.6.7.8:3128", "9.10.11.12:65535"}
	if len(addrs) != len(want) {
		t.Fatalf("got %d addresses, want %d: %v", len(addrs), len(want), addrs)
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("addr %d = %q, want %q", i, addrs[i], want[i])
		}
	}
}

func TestParseList_GeonodeJSON(t *testing.T) {
	body := `{"data": [{"ip": "1.2.3.4", "port": "8080"}, {"ip": "5.6.7.8", "port": 3128}]}`
	addrs := ParseList(body)
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses: %v", len(addrs), addrs)
	}
	if addrs[0] != "1.2.3.4:8080" || addrs[1] != "5.6.7.8:3128" {
		t.Errorf("unexpected addresses: %v", addrs)
	}
}

func TestParseList_Empty(t *testing.T) {
	if got := ParseList("nothing useful here"); len(got) != 0 {
		t.Errorf("expected no addresses, got %v", got)
	}
}

func TestMerge_DedupsAcrossSets(t *testing.T) {
	a := map[pool.Protocol][]string{
		pool.ProtocolHTTP:   {"1.1.1.1:80", "2.2.2.2:80"},
		pool.ProtocolSOCKS5: {"3.3.3.3:1080"},
	}
	b := map[pool.Protocol][]string{
		pool.ProtocolHTTP: {"2.2.2.2:80", "4.4.4.4:80"},
	}

	merged := Merge(a, b)
	if len(merged[pool.ProtocolHTTP]) != 3 {
		t.Errorf("http bucket: %v", merged[pool.ProtocolHTTP])
	}
	if len(merged[pool.ProtocolSOCKS5]) != 1 {
		t.Errorf("socks5 bucket: %v", merged[pool.ProtocolSOCKS5])
	}
}

func TestListProvider_FoldsHTTPSIntoHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "1.2.3.4:8080\n")
	}))
	defer srv.Close()

	p := NewListProvider("test", map[string][]string{
		"https": {srv.URL},
	}, testLogger())

	got := p.Produce(context.Background())
	if len(got[pool.ProtocolHTTP]) != 1 {
		t.Fatalf("https bucket did not fold into http: %v", got)
	}
	if len(got["HTTPS"]) != 0 {
		t.Error("unexpected https protocol bucket")
	}
}

func TestListProvider_FailuresYieldEmptySet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewListProvider("test", map[string][]string{
		"http": {srv.URL},
	}, testLogger())
	p.client.RetryMax = 0

	got := p.Produce(context.Background())
	if len(got[pool.ProtocolHTTP]) != 0 {
		t.Errorf("failed fetch should contribute nothing: %v", got)
	}
}

func TestListProvider_MergesAndDedups(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "1.2.3.4:8080\n5.6.7.8:1080\n")
	}))
	defer srv.Close()

	p := NewListProvider("test", map[string][]string{
		"socks5": {srv.URL, srv.URL},
	}, testLogger())

	got := p.Produce(context.Background())
	if len(got[pool.ProtocolSOCKS5]) != 2 {
		t.Errorf("expected deduped socks5 set, got %v", got[pool.ProtocolSOCKS5])
	}
}

func TestAssetProvider_DisabledEnginesSkipped(t *testing.T) {
	a := NewAssetProvider(map[string]EngineConfig{
		"fofa":  {Enabled: false, Key: "a:b", Query: "x"},
		"bogus": {Enabled: true},
	}, testLogger())

	got := a.Produce(context.Background())
	if len(got[pool.ProtocolSOCKS5]) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestAssetProvider_FOFAKeyFormat(t *testing.T) {
	a := NewAssetProvider(nil, testLogger())
	if _, err := a.searchFOFA(context.Background(), EngineConfig{Key: "no-colon", Query: "q", Size: 10}); err == nil {
		t.Error("expected error for malformed fofa key")
	}
}
