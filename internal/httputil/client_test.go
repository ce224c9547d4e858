package httputil

import (
	"net/http"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultTimeout},
		{-time.Second, DefaultTimeout},
		{2 * time.Minute, 2 * time.Minute},
	}
	for _, tt := range tests {
		c := NewClient(tt.in)
		if c.Timeout != tt.want {
			t.Errorf("NewClient(%s).Timeout = %s, want %s", tt.in, c.Timeout, tt.want)
		}
		tr, ok := c.Transport.(*http.Transport)
		if !ok {
			t.Fatalf("Transport = %T, want *http.Transport", c.Transport)
		}
		if tr.ResponseHeaderTimeout != HeaderTimeout {
			t.Errorf("ResponseHeaderTimeout = %s, want %s", tr.ResponseHeaderTimeout, HeaderTimeout)
		}
	}
}
