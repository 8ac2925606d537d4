package imap

import (
	"fmt"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
)

// Authenticator logs a connected client in.
type Authenticator interface {
	Authenticate(c *client.Client) error
	Username() string
}

// PasswordAuth logs in with LOGIN.
type PasswordAuth struct {
	User     string
	Password string
}

func (a PasswordAuth) Authenticate(c *client.Client) error {
	return c.Login(a.User, a.Password)
}

func (a PasswordAuth) Username() string {
	return a.User
}

// OAuthAuth logs in with SASL OAUTHBEARER using an access token.
type OAuthAuth struct {
	User  string
	Token string
}

func (a OAuthAuth) Authenticate(c *client.Client) error {
	ok, err := c.SupportAuth(sasl.OAuthBearer)
	if err != nil {
		return fmt.Errorf("failed to read capabilities: %w", err)
	}
	if !ok {
		return fmt.Errorf("server does not support %s", sasl.OAuthBearer)
	}

	return c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: a.User,
		Token:    a.Token,
	}))
}

func (a OAuthAuth) Username() string {
	return a.User
}
