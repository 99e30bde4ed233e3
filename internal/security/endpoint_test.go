package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEndpointPolicy_Strict(t *testing.T) {
	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://93.184.216.34/agent", true},
		{"http://93.184.216.34:8080", true},
		{"ftp://93.184.216.34", false},
		{"https://", false},
		{"not a url\x7f", false},
		{"http://localhost:8080", false},
		{"http://LOCALHOST", false},
		{"http://metadata.google.internal/computeMetadata", false},
		{"http://127.0.0.1:9000", false},
		{"http://[::1]/", false},
		{"http://10.1.2.3", false},
		{"http://192.168.0.10", false},
		{"http://169.254.169.254/latest/meta-data", false},
		{"http://0.0.0.0", false},
	}
	for _, tt := range tests {
		err := ValidateEndpointURL(tt.url)
		if tt.allowed {
			assert.NoError(t, err, tt.url)
		} else {
			assert.ErrorIs(t, err, ErrEndpointNotAllowed, tt.url)
		}
	}
}

func TestEndpointPolicy_AllowPrivate(t *testing.T) {
	p := EndpointPolicy{AllowPrivate: true}

	assert.NoError(t, p.Check("http://127.0.0.1:9000"))
	assert.NoError(t, p.Check("http://localhost:8080/agent"))
	// Scheme and host rules still apply.
	assert.ErrorIs(t, p.Check("file:///etc/passwd"), ErrEndpointNotAllowed)
	assert.ErrorIs(t, p.Check("http://"), ErrEndpointNotAllowed)
}
