package platform

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyUploadMessage(t *testing.T) {
	t.Parallel()
	cases := []struct {
		msg  string
		want UploadErrorKind
	}{
		{"spam_risk_too_many_pending_share", UploadSpamRisk},
		{"Spam Risk detected for this account", UploadSpamRisk},
		{"you have reached the limit of daily posts", UploadSpamRisk},
		{"rate_limit_exceeded", UploadRateLimited},
		{"Too Many Requests", UploadRateLimited},
		{"connection reset by peer", UploadTransient},
		{"", UploadTransient},
	}
	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			got := ClassifyUploadMessage(tc.msg)
			if got.Kind != tc.want {
				t.Fatalf("ClassifyUploadMessage(%q).Kind = %s, want %s", tc.msg, got.Kind, tc.want)
			}
			if got.Msg != tc.msg {
				t.Fatalf("original message must be preserved, got %q", got.Msg)
			}
		})
	}
}

func TestIsSpamRisk(t *testing.T) {
	t.Parallel()
	spam := &UploadError{Kind: UploadSpamRisk, Msg: "spam_risk"}
	if !IsSpamRisk(spam) {
		t.Fatal("direct spam error not detected")
	}
	if !IsSpamRisk(fmt.Errorf("init upload: %w", spam)) {
		t.Fatal("wrapped spam error not detected")
	}
	if IsSpamRisk(&UploadError{Kind: UploadRateLimited, Msg: "slow down"}) {
		t.Fatal("rate limit must not read as spam risk")
	}
	if IsSpamRisk(errors.New("spam_risk")) {
		t.Fatal("classification never happens on message text outside the adapter")
	}
}
