package yubico

import (
	"context"
	"crypto/aes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authgate/internal/secret"
)

var (
	testAESKey     = []byte("0123456789abcdef")
	testPrivateUID = []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	testPublicID   = "ccccccbtbhnh"
)

// makeOTP builds a valid OTP for the test key.
func makeOTP(t *testing.T, uid []byte, useCtr uint16, sessionCtr uint8) string {
	t.Helper()
	plain := make([]byte, 16)
	copy(plain, uid)
	binary.LittleEndian.PutUint16(plain[6:8], useCtr)
	plain[8], plain[9], plain[10] = 0x10, 0x20, 0x30
	plain[11] = sessionCtr
	plain[12], plain[13] = 0xaa, 0xbb
	binary.LittleEndian.PutUint16(plain[14:16], ^crc16(plain[:14]))

	block, err := aes.NewCipher(testAESKey)
	require.NoError(t, err)
	token := make([]byte, 16)
	block.Encrypt(token, plain)
	return testPublicID + EncodeModhex(token)
}

func newTestValidator(t *testing.T, cloud *CloudClient) *Validator {
	t.Helper()
	v, err := New(Config{
		AESKey:     secret.New(append([]byte(nil), testAESKey...)),
		PrivateUID: "010203040506",
		Cloud:      cloud,
	})
	require.NoError(t, err)
	return v
}

func TestModhexRoundTrip(t *testing.T) {
	b := []byte{0x00, 0x01, 0xfe, 0xff}
	s := EncodeModhex(b)
	assert.Equal(t, "cccbvuvv", s)
	out, err := DecodeModhex(s)
	require.NoError(t, err)
	assert.Equal(t, b, out)

	_, err = DecodeModhex("cca")
	assert.ErrorIs(t, err, ErrModhex)
	_, err = DecodeModhex("zz")
	assert.ErrorIs(t, err, ErrModhex)
}

func TestValidate_AcceptsFreshOTP(t *testing.T) {
	v := newTestValidator(t, nil)
	res, err := v.Validate(context.Background(), makeOTP(t, testPrivateUID, 3, 1))
	require.NoError(t, err)
	assert.Equal(t, testPublicID, res.PublicID)
	assert.Equal(t, "010203040506", res.PrivateUID)
	assert.Equal(t, uint16(3), res.UseCounter)
	assert.Equal(t, uint8(1), res.SessionCounter)
	assert.Equal(t, uint32(0x302010), res.Timestamp)
}

func TestValidate_RejectsReplay(t *testing.T) {
	v := newTestValidator(t, nil)
	otp := makeOTP(t, testPrivateUID, 3, 1)
	_, err := v.Validate(context.Background(), otp)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), otp)
	assert.ErrorIs(t, err, ErrReplay)

	// An older counter is also a replay.
	_, err = v.Validate(context.Background(), makeOTP(t, testPrivateUID, 2, 9))
	assert.ErrorIs(t, err, ErrReplay)

	// A later session counter is fresh.
	_, err = v.Validate(context.Background(), makeOTP(t, testPrivateUID, 3, 2))
	assert.NoError(t, err)
}

func TestValidate_Rejects(t *testing.T) {
	v := newTestValidator(t, nil)
	good := makeOTP(t, testPrivateUID, 1, 0)

	tests := []struct {
		name string
		otp  string
		want error
	}{
		{"empty", "", ErrFormat},
		{"token only", good[len(testPublicID):], ErrFormat},
		{"not modhex", testPublicID + strings.Repeat("a", 32), ErrFormat},
		{"corrupted token", good[:len(good)-1] + flip(good[len(good)-1]), ErrCRC},
		{"wrong private uid", makeOTP(t, []byte{9, 9, 9, 9, 9, 9}, 1, 0), ErrPrivateUID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.otp)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{AESKey: secret.FromString("short")})
	assert.Error(t, err)
	_, err = New(Config{AESKey: secret.New(append([]byte(nil), testAESKey...)), PrivateUID: "xyz"})
	assert.Error(t, err)
}

const testAPIKey = "c2VjcmV0LWFwaS1rZXk=" // base64("secret-api-key")

// fakeCloud answers like YubiCloud, signing its reply with the API key.
func fakeCloud(t *testing.T, status string) *httptest.Server {
	t.Helper()
	signer := NewCloudClient("", "1", secret.FromString(testAPIKey))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params := map[string]string{}
		for k := range q {
			if k != "h" {
				params[k] = q.Get(k)
			}
		}
		h, err := signer.sign(params)
		if err != nil || h != q.Get("h") {
			fmt.Fprint(w, "status=BAD_SIGNATURE\r\n")
			return
		}
		reply := map[string]string{
			"otp":    q.Get("otp"),
			"nonce":  q.Get("nonce"),
			"status": status,
			"t":      "2025-01-01T00:00:00Z0000",
		}
		sig, _ := signer.sign(reply)
		keys := make([]string, 0, len(reply))
		for k := range reply {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "h=%s\r\n", sig)
		for _, k := range keys {
			fmt.Fprintf(w, "%s=%s\r\n", k, reply[k])
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidate_CloudOK(t *testing.T) {
	srv := fakeCloud(t, "OK")
	v := newTestValidator(t, NewCloudClient(srv.URL, "1", secret.FromString(testAPIKey)))
	_, err := v.Validate(context.Background(), makeOTP(t, testPrivateUID, 5, 0))
	assert.NoError(t, err)
}

func TestValidate_CloudRejectsDoesNotAdvanceCounter(t *testing.T) {
	srv := fakeCloud(t, "REPLAYED_OTP")
	v := newTestValidator(t, NewCloudClient(srv.URL, "1", secret.FromString(testAPIKey)))
	otp := makeOTP(t, testPrivateUID, 5, 0)

	_, err := v.Validate(context.Background(), otp)
	assert.ErrorIs(t, err, ErrCloud)

	v.cloud = nil
	_, err = v.Validate(context.Background(), otp)
	assert.NoError(t, err, "a cloud rejection must not burn the counter")
}

func TestValidate_CloudBadSignature(t *testing.T) {
	srv := fakeCloud(t, "OK")
	other := base64.StdEncoding.EncodeToString([]byte("other-key"))
	v := newTestValidator(t, NewCloudClient(srv.URL, "1", secret.FromString(other)))
	_, err := v.Validate(context.Background(), makeOTP(t, testPrivateUID, 5, 0))
	assert.ErrorIs(t, err, ErrCloud)
}

func flip(c byte) string {
	i := strings.IndexByte(modhexAlphabet, c)
	return string(modhexAlphabet[(i+1)%len(modhexAlphabet)])
}
