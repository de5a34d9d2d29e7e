package email

import (
	"encoding/base64"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements SASL XOAUTH2 as a sasl.Client
type xoauth2Client struct {
	username string
	token    string
}

// NewXOAuth2Client returns a sasl.Client for bearer-token authentication
func NewXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return "XOAUTH2", xoauth2Response(c.username, c.token), nil
}

// Next answers the error challenge with an empty response so the server
// can finish the exchange with a tagged NO.
func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return []byte{}, nil
}

func xoauth2Response(username, token string) []byte {
	return []byte("user=" + username + "\x01auth=Bearer " + token + "\x01\x01")
}

func xoauth2Base64(username, token string) string {
	return base64.StdEncoding.EncodeToString(xoauth2Response(username, token))
}
