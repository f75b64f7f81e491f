package websocket

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestValidateSendCode(t *testing.T) {
	tests := []struct {
		code    StatusCode
		wantErr bool
	}{
		{code: 999, wantErr: true},
		{code: StatusNormalClosure},
		{code: StatusGoingAway},
		{code: StatusProtocolError},
		{code: StatusUnsupportedData},
		{code: 1004, wantErr: true},
		{code: StatusNotReceived, wantErr: true},
		{code: StatusClosedAbnormally, wantErr: true},
		{code: StatusInvalidData},
		{code: StatusPolicyViolation},
		{code: StatusMessageTooBig},
		{code: StatusMandatoryExtension},
		{code: StatusInternalError},
		{code: StatusServiceRestart, wantErr: true},
		{code: StatusTryAgainLater, wantErr: true},
		{code: StatusBadGateway, wantErr: true},
		{code: StatusTLSHandshake, wantErr: true},
		{code: 2999, wantErr: true},
		{code: 3000},
		{code: 4999},
		{code: 5000, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if err := ValidateSendCode(tt.code); (err != nil) != tt.wantErr {
				t.Errorf("ValidateSendCode(%d) error = %v, wantErr %v", tt.code, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeClose(t *testing.T) {
	tests := []struct {
		name   string
		status StatusCode
		reason string
		want   StatusCode
	}{
		{
			name:   "normal_closure",
			status: StatusNormalClosure,
			reason: "done",
			want:   StatusNormalClosure,
		},
		{
			name:   "not_received_becomes_normal",
			status: StatusNotReceived,
			want:   StatusNormalClosure,
		},
		{
			name:   "below_range",
			status: 42,
			want:   StatusProtocolError,
		},
		{
			name:   "reserved_1004",
			status: 1004,
			want:   StatusProtocolError,
		},
		{
			name:   "closed_abnormally",
			status: StatusClosedAbnormally,
			want:   StatusProtocolError,
		},
		{
			name:   "tls_handshake",
			status: StatusTLSHandshake,
			want:   StatusProtocolError,
		},
		{
			name:   "unregistered_2000",
			status: 2000,
			want:   StatusProtocolError,
		},
		{
			name:   "private_use",
			status: 4123,
			want:   4123,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reason := sanitizeClose(tt.status, tt.reason)
			if status != tt.want {
				t.Errorf("sanitizeClose(%d) status = %d, want %d", tt.status, status, tt.want)
			}
			if reason != tt.reason {
				t.Errorf("sanitizeClose(%d) reason = %q, want %q", tt.status, reason, tt.reason)
			}
		})
	}
}

func TestSanitizeCloseTruncatesReason(t *testing.T) {
	tests := []struct {
		name    string
		reason  string
		wantLen int
	}{
		{
			name:    "ascii",
			reason:  strings.Repeat("r", maxControlPayload),
			wantLen: maxCloseReason,
		},
		{
			name: "multibyte_rune_straddling_the_cut",
			// 122 ASCII bytes, then a 3-byte rune across bytes 122-124:
			// a raw cut at 123 would split it, so the whole rune goes.
			reason:  strings.Repeat("r", maxCloseReason-1) + "€€",
			wantLen: maxCloseReason - 1,
		},
		{
			name: "multibyte_rune_ending_at_the_cut",
			// 120 ASCII bytes + one 3-byte rune = exactly 123 bytes kept.
			reason:  strings.Repeat("r", maxCloseReason-3) + "€€",
			wantLen: maxCloseReason,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reason := sanitizeClose(StatusNormalClosure, tt.reason)
			if len(reason) != tt.wantLen {
				t.Errorf("sanitizeClose() reason length = %d, want %d", len(reason), tt.wantLen)
			}
			if !utf8.ValidString(reason) {
				t.Errorf("sanitizeClose() reason %q is not valid UTF-8", reason)
			}
		})
	}
}
