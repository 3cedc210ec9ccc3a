package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SASToken signs resourceURI with the base64 shared access key and
// returns a SharedAccessSignature valid until expiry.
func SASToken(resourceURI, key string, expiry time.Time) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("%w: shared access key is not base64: %v", ErrInvalidConnectionString, err)
	}

	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se), nil
}

// Token is a convenience for SASToken scoped to this device.
func (c ConnectionString) Token(now time.Time, ttl time.Duration) (string, error) {
	return SASToken(c.ResourceURI(), c.SharedAccessKey, now.Add(ttl))
}
