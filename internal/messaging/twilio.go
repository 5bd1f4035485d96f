package messaging

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ValidateTwilioSignature reports whether the request carries a valid
// X-Twilio-Signature for webhookURL. It parses the request form.
func ValidateTwilioSignature(r *http.Request, authToken, webhookURL string) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || authToken == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := TwilioSignature(authToken, webhookURL, r.PostForm)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// TwilioSignature computes the signature Twilio sends for a form POST to webhookURL.
func TwilioSignature(authToken, webhookURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(webhookURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}

	h := hmac.New(sha1.New, []byte(authToken))
	h.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
