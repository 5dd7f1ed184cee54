package yubico

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/jmcleod/authgate/internal/secret"
	"github.com/jmcleod/authgate/internal/util"
)

const DefaultCloudURL = "https://api.yubico.com/wsapi/2.0/verify"

// CloudClient confirms OTPs with the YubiCloud validation protocol 2.0.
// Requests and responses are signed with HMAC-SHA1 using the API key.
type CloudClient struct {
	url      string
	clientID string
	apiKey   *secret.Secret
	http     *http.Client
}

// NewCloudClient returns a client. apiKey is the base64 API secret as issued
// by Yubico. An empty endpoint uses DefaultCloudURL.
func NewCloudClient(endpoint, clientID string, apiKey *secret.Secret) *CloudClient {
	if endpoint == "" {
		endpoint = DefaultCloudURL
	}
	return &CloudClient{
		url:      endpoint,
		clientID: clientID,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify asks the validation server to accept otp.
func (c *CloudClient) Verify(ctx context.Context, otp string) error {
	nonce, err := util.RandomToken(24)
	if err != nil {
		return err
	}
	nonce = strings.NewReplacer("-", "", "_", "").Replace(nonce)

	params := map[string]string{
		"id":    c.clientID,
		"otp":   otp,
		"nonce": nonce,
	}
	h, err := c.sign(params)
	if err != nil {
		return err
	}
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("h", h)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCloud, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCloud, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http status %d", ErrCloud, resp.StatusCode)
	}

	fields := map[string]string{}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if k, v, ok := strings.Cut(line, "="); ok {
			fields[k] = v
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrCloud, err)
	}

	gotSig := fields["h"]
	delete(fields, "h")
	wantSig, err := c.sign(fields)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(gotSig), []byte(wantSig)) {
		return fmt.Errorf("%w: bad response signature", ErrCloud)
	}
	if fields["otp"] != otp || fields["nonce"] != nonce {
		return fmt.Errorf("%w: response does not match request", ErrCloud)
	}
	if status := fields["status"]; status != "OK" {
		return fmt.Errorf("%w: %s", ErrCloud, status)
	}
	return nil
}

// sign computes the protocol signature over the sorted key=value pairs.
func (c *CloudClient) sign(params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}
	msg := strings.Join(pairs, "&")

	var sig string
	err := c.apiKey.Use(func(b64 []byte) error {
		key, err := base64.StdEncoding.DecodeString(string(b64))
		if err != nil {
			return fmt.Errorf("decoding API key: %w", err)
		}
		mac := hmac.New(sha1.New, key)
		mac.Write([]byte(msg))
		sig = base64.StdEncoding.EncodeToString(mac.Sum(nil))
		return nil
	})
	return sig, err
}
