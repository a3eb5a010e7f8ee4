package hostaddr

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.5", "10.0.0.5"},
		{"  10.0.0.5  ", "10.0.0.5"},
		{"http://10.0.0.5", "10.0.0.5"},
		{"HTTPS://lights.local/get_model", "lights.local"},
		{"http://10.0.0.5:8080/json/info?x=1", "10.0.0.5:8080"},
		{"[fe80::1]", "fe80::1"},
		{"", ""},
		{"   ", ""},
		{"http:// 10.0.0.5", "10.0.0.5"},
	}

	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []string{
		"", " ", "10.0.0.1", "http://http://x", "https://[::1]:80/a/b",
		"[http://x]", "ht[tp://x", " http:// http://x ", "a b/c", "http:/x",
		"HTTP://Lights.Local/", "\thttps://host\n",
	}
	for _, in := range inputs {
		once := Sanitize(in)
		if twice := Sanitize(once); twice != once {
			t.Errorf("Sanitize not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"[::1]", true},
		{"192.168.1.50", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsLoopback(tt.host); got != tt.want {
			t.Errorf("IsLoopback(%q) = %v, want %v", tt.host, got, tt.want)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("Lights.Local", "http://lights.local/") {
		t.Error("Equal should ignore case and scheme")
	}
	if Equal("10.0.0.1", "10.0.0.2") {
		t.Error("Equal(10.0.0.1, 10.0.0.2) = true")
	}
}

func TestSanitizeList(t *testing.T) {
	got := SanitizeList([]string{" 10.0.0.2", "", "http://10.0.0.2/", "10.0.0.1", "LIGHTS", "lights"})
	want := []string{"10.0.0.2", "10.0.0.1", "LIGHTS"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("SanitizeList() = %v, want %v", got, want)
	}
}

func TestResolver_IsSameOrigin(t *testing.T) {
	r := NewResolver(Origin{Host: "10.0.0.5:8080"}, "")

	if !r.IsSameOrigin("10.0.0.5:8080") {
		t.Error("host with port should match page host")
	}
	if !r.IsSameOrigin("10.0.0.5") {
		t.Error("bare host should match page hostname")
	}
	if r.IsSameOrigin("10.0.0.6") {
		t.Error("different host matched")
	}

	empty := NewResolver(Origin{}, "")
	if empty.IsSameOrigin("10.0.0.5") {
		t.Error("empty origin should never match")
	}
}

func TestResolver_IsSameOrigin_IDN(t *testing.T) {
	r := NewResolver(Origin{Host: "xn--bcher-kva.local"}, "")
	if !r.IsSameOrigin("Bücher.local") {
		t.Error("unicode host should match its punycode page host")
	}
}

func TestResolver_ResolveRequestURL(t *testing.T) {
	tests := []struct {
		name     string
		origin   Origin
		template string
		host     string
		path     string
		want     string
		wantErr  string
	}{
		{
			name:   "same origin is relative",
			origin: Origin{Host: "10.0.0.5"},
			host:   "10.0.0.5",
			path:   "/x",
			want:   "/x",
		},
		{
			name:   "missing slash added",
			origin: Origin{Host: "10.0.0.5"},
			host:   "10.0.0.5",
			path:   "get_model",
			want:   "/get_model",
		},
		{
			name:     "proxy with path placeholder",
			origin:   Origin{Host: "panel.example", Secure: true},
			template: "https://panel.example/device/{host}{path}",
			host:     "10.0.0.6:80",
			path:     "/get_model",
			want:     "https://panel.example/device/10.0.0.6%3A80/get_model",
		},
		{
			name:     "proxy without path placeholder appends",
			origin:   Origin{Host: "panel.example", Secure: true},
			template: "https://panel.example/device/{host}/",
			host:     "10.0.0.6",
			path:     "/get_model",
			want:     "https://panel.example/device/10.0.0.6/get_model",
		},
		{
			name:    "secure page without proxy",
			origin:  Origin{Host: "panel.example", Secure: true},
			host:    "10.0.0.6",
			path:    "/x",
			wantErr: MsgMixedContent,
		},
		{
			name:   "plain http fallback",
			origin: Origin{Host: "panel.example"},
			host:   "http://10.0.0.6/",
			path:   "/device_info",
			want:   "http://10.0.0.6/device_info",
		},
		{
			name:    "empty host",
			origin:  Origin{Host: "panel.example"},
			host:    "  ",
			path:    "/x",
			wantErr: MsgInvalidHost,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(tt.origin, tt.template)
			got, err := r.ResolveRequestURL(tt.host, tt.path)
			if tt.wantErr != "" {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("error = %v, want ConfigurationError", err)
				}
				if cfgErr.Message != tt.wantErr {
					t.Errorf("message = %q, want %q", cfgErr.Message, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveRequestURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveRequestURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_AbsoluteURL(t *testing.T) {
	r := NewResolver(Origin{Host: "10.0.0.5:8080", Secure: true}, "")

	got, err := r.AbsoluteURL("10.0.0.5:8080", "/get_model")
	if err != nil {
		t.Fatalf("AbsoluteURL() error = %v", err)
	}
	if got != "https://10.0.0.5:8080/get_model" {
		t.Errorf("AbsoluteURL() = %q", got)
	}

	plain := NewResolver(Origin{}, "")
	got, err = plain.AbsoluteURL("10.0.0.7", "/device_info")
	if err != nil {
		t.Fatalf("AbsoluteURL() error = %v", err)
	}
	if got != "http://10.0.0.7/device_info" {
		t.Errorf("AbsoluteURL() = %q", got)
	}
}

func TestDirectDeviceHost(t *testing.T) {
	tests := []struct {
		page   string
		want   string
		wantOK bool
	}{
		{"192.168.1.50", "192.168.1.50", true},
		{"192.168.1.50:8080", "192.168.1.50:8080", true},
		{"[fe80::1]:80", "[fe80::1]:80", true},
		{"127.0.0.1:5173", "", false},
		{"localhost:5173", "", false},
		{"panel.example", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := DirectDeviceHost(tt.page)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("DirectDeviceHost(%q) = (%q, %v), want (%q, %v)", tt.page, got, ok, tt.want, tt.wantOK)
		}
	}
}
